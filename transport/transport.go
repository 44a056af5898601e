// Package transport defines the server boundary of the upload pipeline: how an upload is
// initiated, how segments are delivered, and how the result descriptor is obtained.
package transport

import (
	"context"
	"io"

	"github.com/bitrise-io/go-mediaupload/media"
)

// Metadata describes the file an upload is initiated for.
type Metadata struct {
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	SegmentCount int    `json:"segment_count"`
}

// MetadataOf builds the initiate metadata of a file.
func MetadataOf(file *media.File, segmentCount int) Metadata {
	return Metadata{
		Filename:     file.Name,
		ContentType:  file.MIMEType,
		SizeBytes:    file.Size,
		SegmentCount: segmentCount,
	}
}

// FinalizeParams is passed to the finalize call and the direct upload.
type FinalizeParams struct {
	PostType string `json:"post_type"`
}

// Result is the immutable upload result descriptor consumed by the create-post, comment,
// and message requests.
type Result struct {
	MediaURL     string `json:"media_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Filename     string `json:"filename"`
	IsVideo      bool   `json:"is_video"`
}

// Backend is the server side of the pipeline.
type Backend interface {
	// Initiate allocates storage for a chunked upload and returns its ID.
	Initiate(ctx context.Context, meta Metadata) (string, error)

	// PutSegment stores the bytes of one segment. Re-sending the same index with the same
	// bytes must not corrupt assembly.
	PutSegment(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error

	// Finalize assembles the uploaded segments and returns the descriptor.
	Finalize(ctx context.Context, uploadID string, params FinalizeParams) (Result, error)

	// UploadDirect sends the whole file in a single request.
	UploadDirect(ctx context.Context, file *media.File, params FinalizeParams) (Result, error)
}

// Aborter is implemented by backends that can release the storage of an abandoned upload.
type Aborter interface {
	Abort(ctx context.Context, uploadID string) error
}
