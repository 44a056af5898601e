// Package media holds the immutable file handle that flows through the upload pipeline.
package media

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const sniffLen = 512

// mediaTypes covers container formats the platform MIME tables commonly miss.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".3gp":  "video/3gpp",
	".heic": "image/heic",
}

// File is an immutable handle to a selected file: its name, size, MIME type and bytes.
type File struct {
	Name     string
	Size     int64
	MIMEType string
	// Path is set when the file lives on the local disk.
	Path string

	content io.ReaderAt
	closer  io.Closer
}

// Open stats and opens a local file. The MIME type is detected from the extension first
// and from the leading bytes second.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s is a directory", path)
	}

	head := make([]byte, sniffLen)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("read file header: %w", err)
	}

	return &File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MIMEType: DetectMIMEType(path, head[:n]),
		Path:     path,
		content:  f,
		closer:   f,
	}, nil
}

// FromBytes builds an in-memory handle. An empty mimeType is detected from name and data.
func FromBytes(name, mimeType string, data []byte) *File {
	if mimeType == "" {
		head := data
		if len(head) > sniffLen {
			head = head[:sniffLen]
		}
		mimeType = DetectMIMEType(name, head)
	}
	return &File{
		Name:     name,
		Size:     int64(len(data)),
		MIMEType: mimeType,
		content:  bytes.NewReader(data),
	}
}

// FromReaderAt wraps any random-access source, e.g. a sparse or generated test payload.
func FromReaderAt(name, mimeType string, size int64, r io.ReaderAt) *File {
	return &File{
		Name:     name,
		Size:     size,
		MIMEType: mimeType,
		content:  r,
	}
}

// IsVideo reports whether the MIME type is a video type.
func (f *File) IsVideo() bool {
	return strings.HasPrefix(strings.ToLower(f.MIMEType), "video/")
}

// IsImage reports whether the MIME type is an image type.
func (f *File) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(f.MIMEType), "image/")
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.content == nil {
		return 0, fmt.Errorf("file %s has no content", f.Name)
	}
	return f.content.ReadAt(p, off)
}

// Section returns a reader over exactly the bytes of r.
func (f *File) Section(r Range) *io.SectionReader {
	return io.NewSectionReader(f, r.Start, r.Len())
}

// Reader returns a reader over the whole file.
func (f *File) Reader() *io.SectionReader {
	return f.Section(Range{Start: 0, End: f.Size})
}

// Close releases the underlying file, if any.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// DetectMIMEType resolves a MIME type from the file name's extension, falling back to
// content sniffing. Parameters such as charset are dropped.
func DetectMIMEType(name string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mimeType, ok := mediaTypes[ext]; ok {
		return mimeType
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" && len(head) > 0 {
		mimeType = http.DetectContentType(head)
	}
	if mimeType == "" {
		return "application/octet-stream"
	}
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mediaType
	}
	return mimeType
}
