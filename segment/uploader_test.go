package segment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type destinationFunc func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error

func (f destinationFunc) PutSegment(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
	return f(ctx, uploadID, index, r, body)
}

func testConfig() Config {
	return Config{
		AttemptCap:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
}

func testJob(dest Destination) Job {
	return Job{
		UploadID:    "upload-1",
		Segment:     Descriptor{Index: 7, Range: media.Range{Start: 2, End: 6}},
		Source:      bytes.NewReader([]byte("0123456789")),
		Destination: dest,
	}
}

func TestUploader_Upload_SendsExactRange(t *testing.T) {
	var got []byte
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		got = b
		assert.Equal(t, "upload-1", uploadID)
		assert.Equal(t, 7, index)
		assert.Equal(t, media.Range{Start: 2, End: 6}, r)
		return nil
	})

	ack, err := New(testConfig(), nil).Upload(context.Background(), testJob(dest))
	require.NoError(t, err)

	assert.Equal(t, "2345", string(got))
	assert.Equal(t, 7, ack.Index)
	assert.Equal(t, 1, ack.Attempts)
}

func TestUploader_Upload_RetriesThenSucceeds(t *testing.T) {
	var calls int32
	var bodies [][]byte
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		b, _ := io.ReadAll(body)
		bodies = append(bodies, b)
		if atomic.AddInt32(&calls, 1) < 3 {
			return &transport.StatusError{Op: "put segment", StatusCode: 503}
		}
		return nil
	})

	var retries []int
	job := testJob(dest)
	job.OnRetry = func(attempt int, err error) {
		retries = append(retries, attempt)
	}

	uploader := New(testConfig(), nil)
	ack, err := uploader.Upload(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls)
	assert.Equal(t, 3, ack.Attempts)
	assert.Equal(t, []int{1, 2}, retries)
	for _, b := range bodies {
		assert.Equal(t, "2345", string(b), "every attempt re-sends the same bytes")
	}

	snap := uploader.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Succeeded)
	assert.Equal(t, int64(2), snap.Retried)
	assert.Equal(t, int64(0), snap.Failed)
}

func TestUploader_Upload_ExhaustsAttemptCap(t *testing.T) {
	var calls int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		atomic.AddInt32(&calls, 1)
		return &transport.StatusError{Op: "put segment", StatusCode: 503}
	})

	_, err := New(testConfig(), nil).Upload(context.Background(), testJob(dest))
	require.Error(t, err)

	var failed *FailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 7, failed.Index)
	assert.Equal(t, 3, failed.Attempts)
	assert.False(t, failed.Permanent)
	assert.Equal(t, int32(3), calls)

	var statusErr *transport.StatusError
	assert.True(t, errors.As(err, &statusErr), "cause is kept")
}

func TestUploader_Upload_PermanentErrorIsNotRetried(t *testing.T) {
	var calls int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		atomic.AddInt32(&calls, 1)
		return &transport.StatusError{Op: "put segment", StatusCode: 400}
	})

	_, err := New(testConfig(), nil).Upload(context.Background(), testJob(dest))

	var failed *FailedError
	require.True(t, errors.As(err, &failed))
	assert.True(t, failed.Permanent)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, int32(1), calls)
}

func TestUploader_Upload_TimeoutIsTransient(t *testing.T) {
	var calls int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	config := testConfig()
	config.RequestTimeout = 20 * time.Millisecond

	ack, err := New(config, nil).Upload(context.Background(), testJob(dest))
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Attempts)
}

func TestUploader_Upload_CancelledBeforeStart(t *testing.T) {
	var calls int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testConfig(), nil).Upload(ctx, testJob(dest))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), calls)
}

func TestUploader_Upload_CancelledInFlight(t *testing.T) {
	started := make(chan struct{})
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := New(testConfig(), nil).Upload(ctx, testJob(dest))
	assert.ErrorIs(t, err, ErrCancelled)

	var failed *FailedError
	assert.False(t, errors.As(err, &failed), "cancellation is not a segment failure")
}

func TestUploader_Upload_CancelledDuringBackoff(t *testing.T) {
	var calls int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		atomic.AddInt32(&calls, 1)
		return &transport.StatusError{StatusCode: 502}
	})

	config := testConfig()
	config.InitialBackoff = time.Hour
	config.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	job := testJob(dest)
	job.OnRetry = func(attempt int, err error) {
		cancel()
	}

	done := make(chan error, 1)
	go func() {
		_, err := New(config, nil).Upload(ctx, job)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not return after cancellation")
	}
	assert.Equal(t, int32(1), calls)
}

func TestUploader_Upload_HungAttemptIsRetried(t *testing.T) {
	var mu sync.Mutex
	attempts := map[int]int{}
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		mu.Lock()
		attempts[index]++
		n := attempts[index]
		mu.Unlock()

		if index == 1 && n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	config := testConfig()
	config.HungThreshold = 40 * time.Millisecond
	uploader := New(config, nil)

	job := testJob(dest)
	job.Stats = &Stats{}
	job.Segment.Index = 0
	_, err := uploader.Upload(context.Background(), job)
	require.NoError(t, err)

	job.Segment.Index = 1
	ack, err := uploader.Upload(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Attempts)
}

func TestUploader_Upload_DirectUploadsDoNotSkewHungDetection(t *testing.T) {
	var puts int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		atomic.AddInt32(&puts, 1)
		select {
		case <-time.After(400 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	config := testConfig()
	config.HungThreshold = 100 * time.Millisecond
	uploader := New(config, nil)

	for i := 0; i < 5; i++ {
		_, err := uploader.Retry(context.Background(), 0, nil, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		})
		require.NoError(t, err)
	}

	job := testJob(dest)
	job.Stats = &Stats{}
	ack, err := uploader.Upload(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&puts))
	assert.Equal(t, int64(1), uploader.Stats().Snapshot().Succeeded)
}

func TestUploader_Upload_HungDetectionIsPerWindow(t *testing.T) {
	var puts int32
	dest := destinationFunc(func(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
		atomic.AddInt32(&puts, 1)
		if index == 0 {
			return nil
		}
		select {
		case <-time.After(300 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	config := testConfig()
	config.HungThreshold = 80 * time.Millisecond
	uploader := New(config, nil)

	fast := testJob(dest)
	fast.Segment.Index = 0
	fast.Stats = &Stats{}
	for i := 0; i < 3; i++ {
		_, err := uploader.Upload(context.Background(), fast)
		require.NoError(t, err)
	}

	slow := testJob(dest)
	slow.Segment.Index = 1
	slow.Stats = &Stats{}
	ack, err := uploader.Upload(context.Background(), slow)
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Attempts, "another session's fast segments must not mark this one hung")
	assert.Equal(t, int32(4), atomic.LoadInt32(&puts))
}

func TestUploader_Retry_ZeroAttemptCapStillTriesOnce(t *testing.T) {
	var calls int32
	uploader := New(Config{}, nil)

	attempts, err := uploader.Retry(context.Background(), 0, nil, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), calls)
}

func TestConfig_Backoff(t *testing.T) {
	config := Config{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 3 * time.Second}

	assert.Equal(t, 500*time.Millisecond, config.backoff(1))
	assert.Equal(t, time.Second, config.backoff(2))
	assert.Equal(t, 2*time.Second, config.backoff(3))
	assert.Equal(t, 3*time.Second, config.backoff(4))
	assert.Equal(t, 3*time.Second, config.backoff(64))
}
