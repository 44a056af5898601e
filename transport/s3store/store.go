// Package s3store implements transport.Backend on top of S3 multipart uploads.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Config ...
type Config struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style addressing is used then.
	Endpoint string
	// URLTTL is how long the presigned media URL stays valid.
	URLTTL          time.Duration
	CompleteRetries uint
	RetryWait       time.Duration
	// DirectPartSize is the part size of the managed direct uploader.
	DirectPartSize int64
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Prefix:          "media",
		URLTTL:          24 * time.Hour,
		CompleteRetries: 3,
		RetryWait:       5 * time.Second,
		DirectPartSize:  manager.DefaultUploadPartSize,
	}
}

// Validate ...
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("region must not be empty")
	}
	if c.URLTTL <= 0 {
		return fmt.Errorf("media URL TTL must be positive, got %s", c.URLTTL)
	}
	if c.DirectPartSize != 0 && c.DirectPartSize < manager.MinUploadPartSize {
		return fmt.Errorf("direct part size must be at least %d bytes", manager.MinUploadPartSize)
	}
	return nil
}

// ValidateSegmentSize checks a chunked segment size against the multipart limits: every part
// but the last must be at least manager.MinUploadPartSize. Zero means a derived size, which
// never goes below that minimum.
func ValidateSegmentSize(size int64) error {
	if size != 0 && size < manager.MinUploadPartSize {
		return fmt.Errorf("segment size must be at least %s for S3 multipart uploads, got %s",
			units.BytesSize(float64(manager.MinUploadPartSize)), units.BytesSize(float64(size)))
	}
	return nil
}

// API is the subset of the S3 client the store uses.
type API interface {
	manager.UploadAPIClient
}

// Presigner signs media URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type multipart struct {
	key         string
	filename    string
	contentType string
	segments    int
	parts       map[int32]types.CompletedPart
}

// Store is an S3 backed transport.Backend.
type Store struct {
	config    Config
	client    API
	presigner Presigner
	logger    log.Logger

	mu      sync.Mutex
	uploads map[string]*multipart
}

// New loads AWS credentials and creates a Store.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsConfig, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(cfg, client, s3.NewPresignClient(client), logger)
}

// NewWithClient creates a Store on an existing client.
func NewWithClient(cfg Config, client API, presigner Presigner, logger log.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || presigner == nil {
		return nil, errors.New("no S3 client given")
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	if cfg.DirectPartSize == 0 {
		cfg.DirectPartSize = manager.DefaultUploadPartSize
	}

	return &Store{
		config:    cfg,
		client:    client,
		presigner: presigner,
		logger:    logger,
		uploads:   map[string]*multipart{},
	}, nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

func (s *Store) objectKey(filename string) string {
	return path.Join(s.config.Prefix, uuid.NewString(), path.Base(filename))
}

// Initiate implements transport.Backend.
func (s *Store) Initiate(ctx context.Context, meta transport.Metadata) (string, error) {
	if meta.SegmentCount > int(manager.MaxUploadParts) {
		return "", transport.Permanent(fmt.Errorf("create multipart upload: %d segments exceed the limit of %d parts", meta.SegmentCount, manager.MaxUploadParts))
	}
	key := s.objectKey(meta.Filename)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(meta.ContentType),
	})
	if err != nil {
		return "", mapError("create multipart upload", err)
	}
	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return "", transport.Permanent(errors.New("create multipart upload: no upload ID returned"))
	}

	s.mu.Lock()
	s.uploads[uploadID] = &multipart{
		key:         key,
		filename:    meta.Filename,
		contentType: meta.ContentType,
		segments:    meta.SegmentCount,
		parts:       map[int32]types.CompletedPart{},
	}
	s.mu.Unlock()

	s.logger.Debugf("Multipart upload %s started for s3://%s/%s", uploadID, s.config.Bucket, key)
	return uploadID, nil
}

// PutSegment implements transport.Backend. Segment index i is part number i+1.
func (s *Store) PutSegment(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
	upload, err := s.upload(uploadID)
	if err != nil {
		return err
	}
	partNumber := int32(index + 1)

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(upload.key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		ContentLength: aws.Int64(r.Len()),
		Body:          body,
	})
	if err != nil {
		return mapError(fmt.Sprintf("upload part %d", partNumber), err)
	}

	s.mu.Lock()
	upload.parts[partNumber] = types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	}
	s.mu.Unlock()
	return nil
}

// Finalize completes the multipart upload and returns a presigned URL of the object.
func (s *Store) Finalize(ctx context.Context, uploadID string, params transport.FinalizeParams) (transport.Result, error) {
	upload, err := s.upload(uploadID)
	if err != nil {
		return transport.Result{}, err
	}

	s.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(upload.parts))
	for _, part := range upload.parts {
		parts = append(parts, part)
	}
	s.mu.Unlock()
	if upload.segments > 0 && len(parts) != upload.segments {
		return transport.Result{}, transport.Permanent(fmt.Errorf("complete multipart upload: %d of %d parts uploaded", len(parts), upload.segments))
	}
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	err = retry.Times(s.config.CompleteRetries).Wait(s.config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			s.logger.Debugf("Retrying multipart completion of %s (attempt %d)", uploadID, attempt+1)
		}
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.config.Bucket),
			Key:             aws.String(upload.key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			err = mapError("complete multipart upload", err)
			return err, !transport.IsTransient(err)
		}
		return nil, true
	})
	if err != nil {
		return transport.Result{}, err
	}

	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	return s.result(ctx, upload.key, upload.filename, upload.contentType)
}

// UploadDirect implements transport.Backend with the managed uploader.
func (s *Store) UploadDirect(ctx context.Context, file *media.File, params transport.FinalizeParams) (transport.Result, error) {
	key := s.objectKey(file.Name)
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.config.DirectPartSize
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Body:          file.Reader(),
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(file.MIMEType),
		ContentLength: aws.Int64(file.Size),
	})
	if err != nil {
		return transport.Result{}, mapError("upload object", err)
	}
	return s.result(ctx, key, file.Name, file.MIMEType)
}

// Abort implements transport.Aborter. An unknown upload counts as aborted.
func (s *Store) Abort(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	upload, ok := s.uploads[uploadID]
	delete(s.uploads, uploadID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.config.Bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NoSuchUpload:
				return nil
			}
		}
		return mapError("abort multipart upload", err)
	}
	return nil
}

func (s *Store) upload(uploadID string) (*multipart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.uploads[uploadID]
	if !ok {
		return nil, &transport.StatusError{Op: "s3", StatusCode: 404, Err: fmt.Errorf("unknown upload %s", uploadID)}
	}
	return upload, nil
}

func (s *Store) result(ctx context.Context, key, filename, contentType string) (transport.Result, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.config.URLTTL))
	if err != nil {
		return transport.Result{}, fmt.Errorf("presign media URL: %w", err)
	}

	return transport.Result{
		MediaURL: req.URL,
		Filename: filename,
		IsVideo:  strings.HasPrefix(contentType, "video/"),
	}, nil
}

type httpStatusError interface {
	HTTPStatusCode() int
}

// mapError turns AWS errors carrying an HTTP status into *transport.StatusError so the
// segment uploader can classify them.
func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() > 0 {
		return &transport.StatusError{Op: op, StatusCode: statusErr.HTTPStatusCode(), Err: err}
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorFault() {
		case smithy.FaultServer:
			return &transport.StatusError{Op: op, StatusCode: 500, Err: err}
		case smithy.FaultClient:
			return transport.Permanent(fmt.Errorf("%s: %w", op, err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ transport.Backend = (*Store)(nil)
	_ transport.Aborter = (*Store)(nil)
)
