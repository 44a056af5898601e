package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrCancelled is returned when the caller's context ends before a segment is delivered.
var ErrCancelled = errors.New("segment upload cancelled")

// FailedError is returned once a segment exhausted its attempts or failed permanently.
type FailedError struct {
	Index     int
	Attempts  int
	Permanent bool
	Cause     error
}

func (e *FailedError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("segment %d failed permanently: %v", e.Index, e.Cause)
	}
	return fmt.Sprintf("segment %d failed after %d attempts: %v", e.Index, e.Attempts, e.Cause)
}

func (e *FailedError) Unwrap() error {
	return e.Cause
}

// Destination receives segment bytes.
type Destination interface {
	PutSegment(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error
}

// Job is one segment upload.
type Job struct {
	UploadID    string
	Segment     Descriptor
	Source      io.ReaderAt
	Destination Destination
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
	// Stats holds the attempt durations of the segments this job belongs to, usually one
	// per upload session. Hung detection compares against its average; nil disables it.
	Stats *Stats
}

// Ack confirms a delivered segment.
type Ack struct {
	Index    int
	Attempts int
	Took     time.Duration
}

// Uploader uploads single segments with bounded exponential backoff. It never touches
// session state; outcomes travel back through return values and Job.OnRetry.
type Uploader struct {
	config Config
	logger log.Logger
	stats  *Stats
}

// New creates an Uploader. A nil logger falls back to the default logger.
func New(config Config, logger log.Logger) *Uploader {
	if config.AttemptCap <= 0 {
		config.AttemptCap = 1
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Uploader{
		config: config,
		logger: logger,
		stats:  &Stats{},
	}
}

// AttemptCap returns the configured number of attempts per segment.
func (u *Uploader) AttemptCap() int {
	return u.config.AttemptCap
}

// Stats returns the statistics of every segment attempt this uploader made. Direct uploads
// run through Retry are not included.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload sends exactly the bytes of job.Segment.Range. Every attempt re-reads the range
// from job.Source.
func (u *Uploader) Upload(ctx context.Context, job Job) (Ack, error) {
	seg := job.Segment
	start := time.Now()

	attempts, err := u.run(ctx, seg.Index, job.OnRetry, true, job.Stats, func(attemptCtx context.Context) error {
		body := io.NewSectionReader(job.Source, seg.Range.Start, seg.Range.Len())
		return job.Destination.PutSegment(attemptCtx, job.UploadID, seg.Index, seg.Range, body)
	})
	if err != nil {
		return Ack{}, err
	}

	return Ack{
		Index:    seg.Index,
		Attempts: attempts,
		Took:     time.Since(start),
	}, nil
}

// Retry runs fn under the uploader's policy and returns the number of attempts consumed.
// index only labels errors and log lines. Attempts are neither hung-checked nor recorded in
// the segment statistics.
func (u *Uploader) Retry(ctx context.Context, index int, onRetry func(attempt int, err error), fn func(ctx context.Context) error) (int, error) {
	return u.run(ctx, index, onRetry, false, nil, fn)
}

// run is the retry loop. Segment attempts are recorded in the uploader's statistics and in
// window; a nil window disables hung detection.
func (u *Uploader) run(ctx context.Context, index int, onRetry func(attempt int, err error), isSegment bool, window *Stats, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	record := func(fn func(*Stats)) {
		if !isSegment {
			return
		}
		fn(u.stats)
		if window != nil {
			fn(window)
		}
	}

	for attempt := 1; attempt <= u.config.AttemptCap; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, cancelled(index, err)
		}

		u.logger.Debugf("Uploading segment %d (attempt %d/%d)", index, attempt, u.config.AttemptCap)

		took, err := u.attempt(ctx, index, attempt, window, fn)
		if err == nil {
			record(func(s *Stats) { s.recordSuccess(took) })
			u.logger.Debugf("Segment %d uploaded in %v", index, took.Round(time.Millisecond))
			return attempt, nil
		}

		// The caller's cancellation wins over whatever the attempt returned.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, cancelled(index, ctxErr)
		}

		lastErr = err
		if !transport.IsTransient(err) {
			record((*Stats).recordFailure)
			u.logger.Warnf("Segment %d failed permanently: %v", index, err)
			return attempt, &FailedError{Index: index, Attempts: attempt, Permanent: true, Cause: err}
		}

		if attempt == u.config.AttemptCap {
			break
		}

		record((*Stats).recordRetry)
		backoff := u.config.backoff(attempt)
		u.logger.Warnf("Segment %d attempt %d failed: %v, retrying in %v", index, attempt, err, backoff)
		if onRetry != nil {
			onRetry(attempt, err)
		}

		if err := sleep(ctx, backoff); err != nil {
			return attempt, cancelled(index, err)
		}
	}

	record((*Stats).recordFailure)
	return u.config.AttemptCap, &FailedError{Index: index, Attempts: u.config.AttemptCap, Cause: lastErr}
}

func (u *Uploader) attempt(ctx context.Context, index, attempt int, window *Stats, fn func(context.Context) error) (time.Duration, error) {
	start := time.Now()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if u.config.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeout(attemptCtx, u.config.RequestTimeout)
		defer cancelTimeout()
	}

	// The last attempt is never cut short.
	var hung atomic.Bool
	if window != nil && attempt < u.config.AttemptCap && u.config.HungThreshold > 0 {
		go u.detectHung(attemptCtx, cancel, window, start, index, &hung)
	}

	err := fn(attemptCtx)
	if err != nil && hung.Load() {
		err = fmt.Errorf("segment %d attempt %d hung: %w", index, attempt, context.DeadlineExceeded)
	}
	return time.Since(start), err
}

func (u *Uploader) detectHung(ctx context.Context, cancel context.CancelFunc, window *Stats, start time.Time, index int, hung *atomic.Bool) {
	interval := time.Second
	if quarter := u.config.HungThreshold / 4; quarter > 0 && quarter < interval {
		interval = quarter
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limit := window.hungAfter(u.config.HungThreshold)
			if limit == 0 {
				continue
			}
			if elapsed := time.Since(start); elapsed > limit {
				u.logger.Warnf("Found hung segment upload (segment %d); canceling request after %s (limit: %s)",
					index, elapsed.Round(time.Millisecond), limit.Round(time.Millisecond))
				hung.Store(true)
				cancel()
				return
			}
		}
	}
}

func cancelled(index int, cause error) error {
	return fmt.Errorf("%w: segment %d: %w", ErrCancelled, index, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
