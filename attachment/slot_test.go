package attachment

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/metrics"
	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/bitrise-io/go-mediaupload/session"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-mediaupload/transport/transporttest"
	"github.com/bitrise-io/go-mediaupload/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

type pattern struct{}

func (pattern) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = byte((off + int64(i)) % 251)
	}
	return len(p), nil
}

func video(size int64) *media.File {
	return media.FromReaderAt("clip.mp4", "video/mp4", size, pattern{})
}

// callbacks records everything a slot delivers.
type callbacks struct {
	mu        sync.Mutex
	progress  []progress.Status
	completed []transport.Result
	errs      []error
}

func watch(slot *Slot) *callbacks {
	c := &callbacks{}
	slot.OnProgress(func(s progress.Status) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.progress = append(c.progress, s)
	})
	slot.OnComplete(func(r transport.Result) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.completed = append(c.completed, r)
	})
	slot.OnError(func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.errs = append(c.errs, err)
	})
	return c
}

func (c *callbacks) snapshot() ([]progress.Status, []transport.Result, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Status(nil), c.progress...),
		append([]transport.Result(nil), c.completed...),
		append([]error(nil), c.errs...)
}

func newTestSlot(t *testing.T, backend transport.Backend, mutate ...func(*Options)) *Slot {
	planner, err := segment.NewPlanner(segment.PlannerConfig{
		DirectThreshold: 1 * mb,
		SegmentSize:     5 * mb,
	})
	require.NoError(t, err)

	opts := Options{
		Backend: backend,
		Planner: planner,
		Uploader: segment.New(segment.Config{
			AttemptCap:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			RequestTimeout: 5 * time.Second,
		}, nil),
		Concurrency: 2,
		PostType:    "post",
	}
	for _, m := range mutate {
		m(&opts)
	}

	slot, err := NewSlot("post-form", version.NewGuard(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = slot.Close() })
	return slot
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// slowPuts holds the puts of uploadID until release is closed, ignoring cancellation,
// the way a request already on the wire resolves late.
func slowPuts(uploadID string, release <-chan struct{}, started chan<- struct{}) transporttest.Hook {
	return func(_ context.Context, call transporttest.Call) error {
		if call.UploadID != uploadID {
			return nil
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
}

func TestSlot_ChunkedVideoCompletesOnce(t *testing.T) {
	backend := transporttest.New()
	slot := newTestSlot(t, backend)
	cb := watch(slot)

	slot.Select(video(10 * mb))
	result, err := slot.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, "clip.mp4", result.Filename)
	assert.Equal(t, []int{0, 1}, backend.PutIndices())

	statuses, completed, errs := cb.snapshot()
	require.Len(t, completed, 1)
	assert.Equal(t, result, completed[0])
	assert.Empty(t, errs)

	last := -1
	for _, s := range statuses {
		assert.GreaterOrEqual(t, s.Percent, last)
		last = s.Percent
	}
	assert.Equal(t, progress.PhaseDone, statuses[len(statuses)-1].Phase)
}

func TestSlot_ReplacingVideoWithImageSilencesTheVideo(t *testing.T) {
	backend := transporttest.New()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	backend.OnPut = slowPuts("upload-1", release, started)
	slot := newTestSlot(t, backend)
	cb := watch(slot)

	videoToken := slot.Select(video(200 * mb))
	<-started

	var replaced atomic.Bool
	var lateVideoEvents atomic.Int32
	slot.OnProgress(func(s progress.Status) {
		if replaced.Load() && strings.Contains(s.Message, "of 200MiB") {
			lateVideoEvents.Add(1)
		}
	})

	imageToken := slot.Select(media.FromBytes("photo.jpg", "image/jpeg", make([]byte, 2*mb)))
	replaced.Store(true)
	assert.Greater(t, imageToken, videoToken)

	// The video's in-flight segments resolve successfully after it was replaced.
	close(release)

	result, err := slot.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", result.Filename)
	assert.False(t, result.IsVideo)

	require.NoError(t, slot.Close())

	_, completed, errs := cb.snapshot()
	require.Len(t, completed, 1)
	assert.Equal(t, "photo.jpg", completed[0].Filename)
	assert.Empty(t, errs)
	assert.Zero(t, lateVideoEvents.Load())

	assert.Len(t, backend.Calls(transporttest.OpDirect), 1)
	assert.Empty(t, backend.Calls(transporttest.OpFinalize))
	for _, idx := range backend.PutIndices() {
		assert.Less(t, idx, 40)
	}
	assert.Eventually(t, func() bool { return backend.Aborted("upload-1") }, time.Second, 5*time.Millisecond)
}

func TestSlot_SegmentFailureSurfacesOnce(t *testing.T) {
	backend := transporttest.New()
	backend.OnPut = transporttest.FailIndex(7, &transport.StatusError{Op: "put", StatusCode: http.StatusServiceUnavailable})
	slot := newTestSlot(t, backend, func(o *Options) { o.Concurrency = 1 })
	cb := watch(slot)

	slot.Select(video(50 * mb))
	_, err := slot.Wait(waitCtx(t))
	require.Error(t, err)

	var failed *segment.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 7, failed.Index)

	calls := 0
	for _, c := range backend.Calls(transporttest.OpPut) {
		assert.LessOrEqual(t, c.Index, 7)
		if c.Index == 7 {
			calls++
		}
	}
	assert.Equal(t, 3, calls)

	statuses, completed, errs := cb.snapshot()
	assert.Empty(t, completed)
	require.Len(t, errs, 1)
	assert.Equal(t, err, errs[0])
	assert.Equal(t, progress.PhaseError, statuses[len(statuses)-1].Phase)
}

func TestSlot_SmallVideoBypassesChunking(t *testing.T) {
	backend := transporttest.New()
	slot := newTestSlot(t, backend)
	cb := watch(slot)

	slot.Select(media.FromBytes("tiny.mp4", "video/mp4", []byte(strings.Repeat("x", 1024))))
	result, err := slot.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.True(t, result.IsVideo)
	assert.Empty(t, backend.Calls(transporttest.OpInitiate, transporttest.OpPut, transporttest.OpFinalize))
	assert.Len(t, backend.Calls(transporttest.OpDirect), 1)

	_, completed, _ := cb.snapshot()
	assert.Len(t, completed, 1)
}

func TestSlot_ClearWithoutSelection(t *testing.T) {
	backend := transporttest.New()
	slot := newTestSlot(t, backend)
	cb := watch(slot)

	slot.Clear()
	_, err := slot.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrNoSelection)
	_, ok := slot.Current()
	assert.False(t, ok)

	require.NoError(t, slot.Close())
	assert.Empty(t, backend.Calls())
	statuses, completed, errs := cb.snapshot()
	assert.Empty(t, statuses)
	assert.Empty(t, completed)
	assert.Empty(t, errs)
}

func TestSlot_ClearSilencesInFlightUpload(t *testing.T) {
	backend := transporttest.New()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	backend.OnPut = slowPuts("upload-1", release, started)
	slot := newTestSlot(t, backend)
	cb := watch(slot)

	slot.Select(video(20 * mb))
	<-started

	slot.Clear()
	statuses, _, _ := cb.snapshot()
	seen := len(statuses)

	close(release)
	require.NoError(t, slot.Close())

	statuses, completed, errs := cb.snapshot()
	assert.Len(t, statuses, seen, "no progress after Clear returned")
	assert.Empty(t, completed)
	assert.Empty(t, errs)
	assert.Empty(t, backend.Calls(transporttest.OpFinalize))
}

func TestSlot_RetryFromScratchAfterFailure(t *testing.T) {
	backend := transporttest.New()
	var failFirst atomic.Bool
	failFirst.Store(true)
	backend.OnDirect = func(context.Context, transporttest.Call) error {
		if failFirst.Load() {
			return &transport.StatusError{Op: "direct", StatusCode: http.StatusBadRequest}
		}
		return nil
	}
	slot := newTestSlot(t, backend)
	cb := watch(slot)

	slot.Select(media.FromBytes("photo.jpg", "image/jpeg", []byte("jpeg")))
	_, err := slot.Wait(waitCtx(t))
	var sessionErr *session.Error
	require.ErrorAs(t, err, &sessionErr)
	assert.Equal(t, session.PhaseDirect, sessionErr.Phase)

	failFirst.Store(false)
	slot.Select(media.FromBytes("photo.jpg", "image/jpeg", []byte("jpeg")))
	_, err = slot.Wait(waitCtx(t))
	require.NoError(t, err)

	_, completed, errs := cb.snapshot()
	assert.Len(t, completed, 1)
	assert.Len(t, errs, 1)
}

func pngBytes(t *testing.T, w, h int) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestSlot_Thumbnail(t *testing.T) {
	backend := transporttest.New()
	slot := newTestSlot(t, backend, func(o *Options) {
		o.Thumbnails = thumbnail.NewExtractor(thumbnail.Config{Width: 100, Height: 100}, nil)
	})

	previews := make(chan thumbnail.Preview, 1)
	slot.OnThumbnail(func(p thumbnail.Preview) { previews <- p })

	slot.Select(media.FromBytes("photo.png", "", pngBytes(t, 400, 200)))
	_, err := slot.Wait(waitCtx(t))
	require.NoError(t, err)

	select {
	case p := <-previews:
		assert.Equal(t, 100, p.Width)
		assert.Equal(t, 50, p.Height)
	case <-time.After(5 * time.Second):
		t.Fatal("no thumbnail delivered")
	}
}

func TestSlot_ThumbnailFailureDoesNotFailUpload(t *testing.T) {
	backend := transporttest.New()
	collector := metrics.NewCollector()
	slot := newTestSlot(t, backend, func(o *Options) {
		o.Thumbnails = thumbnail.NewExtractor(thumbnail.DefaultConfig(), nil)
		o.Metrics = collector
	})
	var previews atomic.Int32
	slot.OnThumbnail(func(thumbnail.Preview) { previews.Add(1) })

	slot.Select(media.FromBytes("broken.png", "image/png", []byte("not a png")))
	_, err := slot.Wait(waitCtx(t))
	require.NoError(t, err)

	require.NoError(t, slot.Close())
	assert.Zero(t, previews.Load())
	assert.Equal(t, int64(1), collector.Snapshot().ThumbnailsFailed)
	assert.Equal(t, int64(1), collector.Snapshot().SessionsCompleted)
}

func TestSlot_Close(t *testing.T) {
	backend := transporttest.New()
	slot := newTestSlot(t, backend)

	require.NoError(t, slot.Close())
	assert.ErrorIs(t, slot.Close(), ErrClosed)

	slot.Select(media.FromBytes("photo.jpg", "image/jpeg", []byte("jpeg")))
	_, ok := slot.Current()
	assert.False(t, ok)
	assert.Empty(t, backend.Calls())
}

func TestSlot_SelectClosesFileWhenSessionCannotStart(t *testing.T) {
	slot := newTestSlot(t, transporttest.New())
	slot.opts.Backend = nil

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o644))
	file, err := media.Open(path)
	require.NoError(t, err)

	slot.Select(file)

	_, ok := slot.Current()
	assert.False(t, ok)
	_, err = file.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestNewSlot_Validation(t *testing.T) {
	_, err := NewSlot("", version.NewGuard(), Options{Backend: transporttest.New()})
	assert.Error(t, err)
	_, err = NewSlot("a", nil, Options{Backend: transporttest.New()})
	assert.Error(t, err)
	_, err = NewSlot("a", version.NewGuard(), Options{})
	assert.Error(t, err)
}
