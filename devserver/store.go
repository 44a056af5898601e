package devserver

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/google/uuid"
)

var (
	// ErrUploadNotFound is returned for unknown, finalized or aborted uploads.
	ErrUploadNotFound = errors.New("upload not found")
	// ErrIncomplete is returned by Assemble when segments are missing.
	ErrIncomplete = errors.New("upload is incomplete")
	// ErrSegmentMismatch is returned when a segment's body does not match its range.
	ErrSegmentMismatch = errors.New("segment does not match its range")
)

const (
	metaFile   = "meta.json"
	partSuffix = ".part"
)

type uploadMeta struct {
	transport.Metadata
	Created time.Time `json:"created"`
}

// Store keeps pending uploads and assembled media on the local disk:
//
//	root/uploads/<id>/meta.json
//	root/uploads/<id>/<index>.part
//	root/media/<id>/<filename>
type Store struct {
	root string
	// Segment writes share the lock, assembly and removal take it exclusively.
	mu sync.RWMutex
}

// NewStore creates the directory layout under root.
func NewStore(root string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "uploads"), filepath.Join(root, "media")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// MediaDir is served statically under /media.
func (s *Store) MediaDir() string {
	return filepath.Join(s.root, "media")
}

func (s *Store) uploadDir(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrUploadNotFound
	}
	dir := filepath.Join(s.root, "uploads", id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", ErrUploadNotFound
		}
		return "", err
	}
	return dir, nil
}

// Create registers a new upload and returns its ID.
func (s *Store) Create(meta transport.Metadata) (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.root, "uploads", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	data, err := json.Marshal(uploadMeta{Metadata: meta, Created: time.Now()})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) readMeta(dir string) (uploadMeta, error) {
	var meta uploadMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

// WriteSegment stores one segment. Writing an index again replaces it atomically.
func (s *Store) WriteSegment(id string, index int, r media.Range, total int64, body []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := s.uploadDir(id)
	if err != nil {
		return "", err
	}
	meta, err := s.readMeta(dir)
	if err != nil {
		return "", err
	}

	switch {
	case index < 0 || (meta.SegmentCount > 0 && index >= meta.SegmentCount):
		return "", fmt.Errorf("%w: index %d out of %d", ErrSegmentMismatch, index, meta.SegmentCount)
	case int64(len(body)) != r.Len():
		return "", fmt.Errorf("%w: got %d bytes for %s", ErrSegmentMismatch, len(body), r)
	case total >= 0 && total != meta.SizeBytes:
		return "", fmt.Errorf("%w: total %d, announced %d", ErrSegmentMismatch, total, meta.SizeBytes)
	case r.End > meta.SizeBytes:
		return "", fmt.Errorf("%w: %s beyond %d bytes", ErrSegmentMismatch, r, meta.SizeBytes)
	}

	tmp, err := os.CreateTemp(dir, "segment-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(body); err != nil {
		tmp.Close() //nolint:errcheck
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, strconv.Itoa(index)+partSuffix)); err != nil {
		return "", err
	}

	now := time.Now()
	if err := os.Chtimes(dir, now, now); err != nil {
		return "", err
	}

	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:]), nil
}

// Assembled is a finalized upload.
type Assembled struct {
	ID          string
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// Assemble concatenates the segments in index order into the media directory and removes
// the pending upload.
func (s *Store) Assemble(id string) (Assembled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.uploadDir(id)
	if err != nil {
		return Assembled{}, err
	}
	meta, err := s.readMeta(dir)
	if err != nil {
		return Assembled{}, err
	}

	indices, err := partIndices(dir)
	if err != nil {
		return Assembled{}, err
	}
	for i, index := range indices {
		if index != i {
			return Assembled{}, fmt.Errorf("%w: segment %d missing", ErrIncomplete, i)
		}
	}
	if meta.SegmentCount > 0 && len(indices) != meta.SegmentCount {
		return Assembled{}, fmt.Errorf("%w: %d of %d segments", ErrIncomplete, len(indices), meta.SegmentCount)
	}

	target := filepath.Join(s.MediaDir(), id, filepath.Base(meta.Filename))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Assembled{}, err
	}
	written, err := concat(target, dir, indices)
	if err != nil {
		return Assembled{}, err
	}
	if written != meta.SizeBytes {
		os.RemoveAll(filepath.Dir(target)) //nolint:errcheck
		return Assembled{}, fmt.Errorf("%w: assembled %d of %d bytes", ErrIncomplete, written, meta.SizeBytes)
	}

	if err := os.RemoveAll(dir); err != nil {
		return Assembled{}, err
	}
	return Assembled{
		ID:          id,
		Path:        target,
		Filename:    filepath.Base(meta.Filename),
		ContentType: meta.ContentType,
		Size:        written,
	}, nil
}

func partIndices(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var indices []int
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), partSuffix)
		if !ok {
			continue
		}
		index, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

func concat(target, dir string, indices []int) (int64, error) {
	out, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	defer out.Close() //nolint:errcheck

	var written int64
	for _, index := range indices {
		n, err := appendFile(out, filepath.Join(dir, strconv.Itoa(index)+partSuffix))
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, out.Close()
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck
	return io.Copy(w, f)
}

// SaveDirect stores a whole file uploaded in one request.
func (s *Store) SaveDirect(filename, contentType string, body io.Reader) (Assembled, error) {
	id := uuid.NewString()
	target := filepath.Join(s.MediaDir(), id, filepath.Base(filename))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Assembled{}, err
	}

	out, err := os.Create(target)
	if err != nil {
		return Assembled{}, err
	}
	written, err := io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Assembled{}, err
	}

	return Assembled{
		ID:          id,
		Path:        target,
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		Size:        written,
	}, nil
}

// Abort removes a pending upload.
func (s *Store) Abort(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.uploadDir(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Sweep removes pending uploads that were not touched for longer than staleAfter and
// returns how many were removed.
func (s *Store) Sweep(staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, "uploads"))
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-staleAfter)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return removed, err
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, "uploads", entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
