package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu           sync.Mutex
	parts        map[int32][]byte
	objects      map[string][]byte
	completed    []types.CompletedPart
	completeErrs []error
	completeHits int
	aborted      []string
	abortErr     error
	uploadErr    error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{parts: map[int32][]byte{}, objects: map[string][]byte{}}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mp-1"), Key: in.Key}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := aws.ToInt32(in.PartNumber)
	f.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeHits++
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return nil, err
	}
	f.completed = in.MultipartUpload.Parts
	var object []byte
	for _, part := range in.MultipartUpload.Parts {
		object = append(object, f.parts[aws.ToInt32(part.PartNumber)]...)
	}
	f.objects[aws.ToString(in.Key)] = object
	return &s3.CompleteMultipartUploadOutput{Key: in.Key}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

type fakePresigner struct {
	expires time.Duration
}

func (p *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	p.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.amazonaws.com/%s?signed", aws.ToString(in.Bucket), aws.ToString(in.Key)),
		Method: http.MethodGet,
	}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Bucket = "media-bucket"
	cfg.Region = "eu-west-1"
	cfg.RetryWait = 0
	return cfg
}

func newTestStore(t *testing.T, client *fakeS3, presigner *fakePresigner) *Store {
	store, err := NewWithClient(testConfig(), client, presigner, nil)
	require.NoError(t, err)
	return store
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "no bucket", modify: func(c *Config) { c.Bucket = "" }, wantErr: "bucket"},
		{name: "no region", modify: func(c *Config) { c.Region = "" }, wantErr: "region"},
		{name: "no ttl", modify: func(c *Config) { c.URLTTL = 0 }, wantErr: "TTL"},
		{name: "small parts", modify: func(c *Config) { c.DirectPartSize = 1024 }, wantErr: "part size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateSegmentSize(t *testing.T) {
	assert.NoError(t, ValidateSegmentSize(0))
	assert.NoError(t, ValidateSegmentSize(manager.MinUploadPartSize))
	assert.NoError(t, ValidateSegmentSize(64*1024*1024))

	err := ValidateSegmentSize(1024 * 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 5MiB")
}

func TestStore_InitiateRejectsTooManyParts(t *testing.T) {
	client := newFakeS3()
	store := newTestStore(t, client, &fakePresigner{})

	_, err := store.Initiate(context.Background(), transport.Metadata{Filename: "long.mp4", ContentType: "video/mp4", SizeBytes: 20 << 30, SegmentCount: 10001})
	require.Error(t, err)
	assert.False(t, transport.IsTransient(err))
	assert.Contains(t, err.Error(), "10000 parts")

	_, err = store.Initiate(context.Background(), transport.Metadata{Filename: "long.mp4", ContentType: "video/mp4", SizeBytes: 20 << 30, SegmentCount: 10000})
	require.NoError(t, err)
}

func TestStore_Multipart(t *testing.T) {
	client := newFakeS3()
	presigner := &fakePresigner{}
	store := newTestStore(t, client, presigner)
	ctx := context.Background()

	content := []byte("0123456789abcde")
	file := media.FromBytes("clip.mp4", "video/mp4", content)
	ranges := []media.Range{{Start: 0, End: 5}, {Start: 5, End: 10}, {Start: 10, End: 15}}

	id, err := store.Initiate(ctx, transport.MetadataOf(file, len(ranges)))
	require.NoError(t, err)
	assert.Equal(t, "mp-1", id)

	// out of order, with one resend
	for _, i := range []int{2, 0, 1, 2} {
		require.NoError(t, store.PutSegment(ctx, id, i, ranges[i], file.Section(ranges[i])))
	}

	result, err := store.Finalize(ctx, id, transport.FinalizeParams{PostType: "post"})
	require.NoError(t, err)
	assert.True(t, result.IsVideo)
	assert.Equal(t, "clip.mp4", result.Filename)
	assert.True(t, strings.HasPrefix(result.MediaURL, "https://media-bucket.s3.amazonaws.com/media/"))
	assert.True(t, strings.HasSuffix(result.MediaURL, "/clip.mp4?signed"))
	assert.Equal(t, 24*time.Hour, presigner.expires)

	require.Len(t, client.completed, 3)
	for i, part := range client.completed {
		assert.Equal(t, int32(i+1), aws.ToInt32(part.PartNumber))
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), aws.ToString(part.ETag))
	}

	key := strings.TrimSuffix(strings.TrimPrefix(result.MediaURL, "https://media-bucket.s3.amazonaws.com/"), "?signed")
	assert.Equal(t, content, client.object(key))
}

func TestStore_FinalizeMissingPart(t *testing.T) {
	client := newFakeS3()
	store := newTestStore(t, client, &fakePresigner{})
	ctx := context.Background()

	file := media.FromBytes("clip.mp4", "video/mp4", make([]byte, 10))
	id, err := store.Initiate(ctx, transport.MetadataOf(file, 2))
	require.NoError(t, err)
	r := media.Range{Start: 0, End: 5}
	require.NoError(t, store.PutSegment(ctx, id, 0, r, file.Section(r)))

	_, err = store.Finalize(ctx, id, transport.FinalizeParams{})
	require.Error(t, err)
	assert.False(t, transport.IsTransient(err))
	assert.Zero(t, client.completeHits)
}

func TestStore_FinalizeRetriesServerErrors(t *testing.T) {
	client := newFakeS3()
	client.completeErrs = []error{
		&smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
			Err:      errors.New("slow down"),
		},
	}
	store := newTestStore(t, client, &fakePresigner{})
	ctx := context.Background()

	file := media.FromBytes("clip.mp4", "video/mp4", make([]byte, 4))
	id, err := store.Initiate(ctx, transport.MetadataOf(file, 1))
	require.NoError(t, err)
	r := media.Range{Start: 0, End: 4}
	require.NoError(t, store.PutSegment(ctx, id, 0, r, file.Section(r)))

	_, err = store.Finalize(ctx, id, transport.FinalizeParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, client.completeHits)
}

func TestStore_FinalizeClientErrorIsNotRetried(t *testing.T) {
	client := newFakeS3()
	client.completeErrs = []error{
		&smithy.GenericAPIError{Code: "InvalidPart", Message: "etag mismatch", Fault: smithy.FaultClient},
	}
	store := newTestStore(t, client, &fakePresigner{})
	ctx := context.Background()

	file := media.FromBytes("clip.mp4", "video/mp4", make([]byte, 4))
	id, err := store.Initiate(ctx, transport.MetadataOf(file, 1))
	require.NoError(t, err)
	r := media.Range{Start: 0, End: 4}
	require.NoError(t, store.PutSegment(ctx, id, 0, r, file.Section(r)))

	_, err = store.Finalize(ctx, id, transport.FinalizeParams{})
	require.Error(t, err)
	assert.False(t, transport.IsTransient(err))
	assert.Equal(t, 1, client.completeHits)
}

func TestStore_PutSegmentErrors(t *testing.T) {
	client := newFakeS3()
	store := newTestStore(t, client, &fakePresigner{})
	ctx := context.Background()
	r := media.Range{Start: 0, End: 1}

	err := store.PutSegment(ctx, "unknown", 0, r, strings.NewReader("x"))
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	id, err := store.Initiate(ctx, transport.Metadata{Filename: "a.mp4", SegmentCount: 1})
	require.NoError(t, err)

	client.uploadErr = &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}},
		Err:      errors.New("internal error"),
	}
	err = store.PutSegment(ctx, id, 0, r, strings.NewReader("x"))
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.True(t, transport.IsTransient(err))
}

func TestStore_UploadDirect(t *testing.T) {
	client := newFakeS3()
	store := newTestStore(t, client, &fakePresigner{})

	file := media.FromBytes("photo.jpg", "image/jpeg", []byte("jpeg bytes"))
	result, err := store.UploadDirect(context.Background(), file, transport.FinalizeParams{PostType: "message"})
	require.NoError(t, err)
	assert.False(t, result.IsVideo)
	assert.Equal(t, "photo.jpg", result.Filename)

	key := strings.TrimSuffix(strings.TrimPrefix(result.MediaURL, "https://media-bucket.s3.amazonaws.com/"), "?signed")
	assert.Equal(t, []byte("jpeg bytes"), client.object(key))
}

func TestStore_Abort(t *testing.T) {
	client := newFakeS3()
	store := newTestStore(t, client, &fakePresigner{})
	ctx := context.Background()

	require.NoError(t, store.Abort(ctx, "never-started"))
	assert.Empty(t, client.aborted)

	id, err := store.Initiate(ctx, transport.Metadata{Filename: "a.mp4"})
	require.NoError(t, err)
	require.NoError(t, store.Abort(ctx, id))
	assert.Equal(t, []string{id}, client.aborted)

	client.abortErr = &types.NoSuchUpload{}
	id, err = store.Initiate(ctx, transport.Metadata{Filename: "b.mp4"})
	require.NoError(t, err)
	require.NoError(t, store.Abort(ctx, id))
}

func TestNewWithClient_Validation(t *testing.T) {
	_, err := NewWithClient(Config{}, newFakeS3(), &fakePresigner{}, nil)
	assert.Error(t, err)
	_, err = NewWithClient(testConfig(), nil, nil, nil)
	assert.Error(t, err)
}
