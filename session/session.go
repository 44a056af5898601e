// Package session drives the upload of one selected file: planning, segment fan-out,
// finalize, and the single terminal transition.
//
// The session is the only writer of its segment table. Every commit checks that the
// session's token is still current inside the same critical section, so a superseded
// session can never publish progress or an outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/metrics"
	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-mediaupload/version"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

const abortTimeout = 30 * time.Second

// ErrSuperseded is returned by Run when a newer selection replaced the session.
var ErrSuperseded = errors.New("upload superseded")

// Status is the lifecycle state of a session.
type Status int

const (
	StatusPlanning Status = iota
	StatusUploading
	StatusFinalizing
	StatusCompleted
	StatusFailed
	StatusSuperseded
)

func (s Status) String() string {
	switch s {
	case StatusPlanning:
		return "planning"
	case StatusUploading:
		return "uploading"
	case StatusFinalizing:
		return "finalizing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSuperseded
}

// Phase names the step a session failed in.
type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseInitiate Phase = "initiate"
	PhaseSegment  Phase = "segment"
	PhaseDirect   Phase = "direct"
	PhaseFinalize Phase = "finalize"
)

// Error is the single error a failed session surfaces.
type Error struct {
	Phase Phase
	// Attempts is zero when the backend retried the call on its own and the count is unknown.
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("upload failed during %s: %v", e.Phase, e.Cause)
	}
	return fmt.Sprintf("upload failed during %s (%d attempt(s)): %v", e.Phase, e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// EventKind ...
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

// Event is emitted in commit order. Superseded sessions emit nothing.
type Event struct {
	Kind     EventKind
	Token    version.Token
	Progress progress.Status
	Result   transport.Result
	Err      error
}

// Emitter receives events while the session lock is held and must not block.
type Emitter func(Event)

// Planner decides how a file is uploaded.
type Planner interface {
	Plan(file *media.File) (segment.Plan, error)
}

// Options configures a session.
type Options struct {
	Planner     Planner
	Uploader    *segment.Uploader
	Backend     transport.Backend
	Concurrency int
	PostType    string
	// IsCurrent reports whether the session's token is still the slot's current token.
	// Nil means always current.
	IsCurrent func() bool
	Emit      Emitter
	Logger    log.Logger
	Metrics   *metrics.Collector
}

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Token         version.Token
	Status        Status
	Direct        bool
	UploadID      string
	Segments      []segment.Descriptor
	TotalBytes    int64
	UploadedBytes int64
	Retries       int
	Progress      progress.Status
	Result        *transport.Result
	Err           error
}

// Session uploads one file. Run may be called once.
type Session struct {
	file  *media.File
	token version.Token
	opts  Options

	mu       sync.Mutex
	started  bool
	status   Status
	plan     segment.Plan
	segments []segment.Descriptor
	uploadID string
	uploaded int64
	retries  int
	result   *transport.Result
	err      error
	last     *progress.Status
	cancel   context.CancelFunc
	done     chan struct{}
	// Attempt durations of this session's segments only.
	stats segment.Stats
}

// New creates a session in the Planning state.
func New(file *media.File, token version.Token, opts Options) (*Session, error) {
	if file == nil {
		return nil, errors.New("no file to upload")
	}
	if opts.Backend == nil {
		return nil, errors.New("no upload backend configured")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Planner == nil {
		planner, err := segment.NewPlanner(segment.DefaultPlannerConfig())
		if err != nil {
			return nil, err
		}
		opts.Planner = planner
	}
	if opts.Uploader == nil {
		opts.Uploader = segment.New(segment.DefaultConfig(), opts.Logger)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = segment.DefaultConcurrency()
	}
	if opts.IsCurrent == nil {
		opts.IsCurrent = func() bool { return true }
	}
	if opts.Emit == nil {
		opts.Emit = func(Event) {}
	}

	return &Session{
		file:  file,
		token: token,
		opts:  opts,
		done:  make(chan struct{}),
	}, nil
}

// Token returns the version token the session was started with.
func (s *Session) Token() version.Token {
	return s.token
}

// File returns the file being uploaded.
func (s *Session) File() *media.File {
	return s.file
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session to a terminal state and returns the result descriptor.
// A superseded session returns ErrSuperseded; a failed one returns *Error.
func (s *Session) Run(ctx context.Context) (transport.Result, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return transport.Result{}, errors.New("session already started")
	}
	s.started = true
	if s.status.Terminal() {
		s.mu.Unlock()
		return s.outcome()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.opts.Metrics.IncSessionStarted()

	plan, err := s.opts.Planner.Plan(s.file)
	if err != nil {
		s.fail(PhasePlanning, 0, err)
		return s.outcome()
	}

	if !s.commit(func() {
		s.plan = plan
		s.segments = append([]segment.Descriptor(nil), plan.Segments...)
		s.status = StatusUploading
		s.emitProgressLocked()
	}) {
		return s.outcome()
	}

	if plan.Direct {
		s.opts.Logger.Infof("Uploading %s (%d bytes) directly", s.file.Name, s.file.Size)
		s.runDirect(ctx)
	} else {
		s.opts.Logger.Infof("Uploading %s (%d bytes) in %d segments of %d bytes",
			s.file.Name, s.file.Size, len(plan.Segments), plan.SegmentSize)
		s.runChunked(ctx)
	}
	return s.outcome()
}

func (s *Session) runDirect(ctx context.Context) {
	params := transport.FinalizeParams{PostType: s.opts.PostType}

	var result transport.Result
	attempts, err := s.opts.Uploader.Retry(ctx, 0, s.onRetry(0), func(attemptCtx context.Context) error {
		r, err := s.opts.Backend.UploadDirect(attemptCtx, s.file, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		s.failWith(PhaseDirect, attempts, err)
		return
	}

	if !s.commit(func() {
		s.segments[0].Status = segment.Succeeded
		s.segments[0].Attempts = attempts
		s.uploaded = s.plan.Size
	}) {
		return
	}
	s.opts.Metrics.IncDirectUpload(s.file.Size)
	s.complete(result)
}

func (s *Session) runChunked(ctx context.Context) {
	meta := transport.MetadataOf(s.file, len(s.plan.Segments))
	uploadID, err := s.opts.Backend.Initiate(ctx, meta)
	if err != nil {
		s.failWith(PhaseInitiate, 0, err)
		return
	}
	s.opts.Logger.Debugf("Initiated upload %s for %s", uploadID, s.file.Name)

	if !s.commit(func() { s.uploadID = uploadID }) {
		// Superseded while initiating: nobody else knows about this upload ID.
		s.abortRemote(uploadID)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, seg := range s.plan.Segments {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.uploadSegment(gctx, uploadID, seg)
		})
	}
	if err := g.Wait(); err != nil {
		var failed *segment.FailedError
		if errors.As(err, &failed) {
			s.failWith(PhaseSegment, failed.Attempts, err)
		} else {
			s.failWith(PhaseSegment, 0, err)
		}
		return
	}
	if err := ctx.Err(); err != nil {
		s.failWith(PhaseSegment, 0, err)
		return
	}

	var missing []int
	if !s.commit(func() {
		for _, d := range s.segments {
			if d.Status != segment.Succeeded {
				missing = append(missing, d.Index)
			}
		}
		if len(missing) == 0 {
			s.status = StatusFinalizing
			s.emitProgressLocked()
		}
	}) {
		return
	}
	if len(missing) > 0 {
		s.fail(PhaseSegment, 0, fmt.Errorf("segments %v did not succeed", missing))
		return
	}

	s.opts.Logger.Debugf("Finalizing upload %s", uploadID)
	result, err := s.opts.Backend.Finalize(ctx, uploadID, transport.FinalizeParams{PostType: s.opts.PostType})
	if err != nil {
		s.failWith(PhaseFinalize, 0, err)
		return
	}
	s.complete(result)
}

func (s *Session) uploadSegment(ctx context.Context, uploadID string, seg segment.Descriptor) error {
	// Slots released by a failed segment must not start new work.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: segment %d not started: %w", segment.ErrCancelled, seg.Index, err)
	}
	if !s.commit(func() { s.segments[seg.Index].Status = segment.InFlight }) {
		return ErrSuperseded
	}

	ack, err := s.opts.Uploader.Upload(ctx, segment.Job{
		UploadID:    uploadID,
		Segment:     seg,
		Source:      s.file,
		Destination: s.opts.Backend,
		OnRetry:     s.onRetry(seg.Index),
		Stats:       &s.stats,
	})
	if err != nil {
		var failed *segment.FailedError
		if errors.As(err, &failed) {
			s.commit(func() {
				s.segments[seg.Index].Status = segment.Failed
				s.segments[seg.Index].Attempts = failed.Attempts
			})
		}
		return err
	}

	s.commitAck(ack)
	return nil
}

func (s *Session) onRetry(index int) func(attempt int, err error) {
	return func(attempt int, err error) {
		s.opts.Metrics.IncSegmentRetry()
		s.commit(func() {
			if index < len(s.segments) {
				s.segments[index].Attempts = attempt
			}
			s.retries++
			s.emitProgressLocked()
		})
	}
}

// commitAck marks a segment Succeeded. A repeated ack for the same segment changes nothing.
func (s *Session) commitAck(ack segment.Ack) bool {
	applied := false
	s.commit(func() {
		if ack.Index < 0 || ack.Index >= len(s.segments) {
			return
		}
		d := &s.segments[ack.Index]
		if d.Status == segment.Succeeded {
			return
		}
		d.Status = segment.Succeeded
		d.Attempts = ack.Attempts
		s.uploaded += d.Range.Len()
		s.opts.Metrics.IncSegmentUploaded(d.Range.Len())
		s.emitProgressLocked()
		applied = true
	})
	return applied
}

// commit runs fn under the session lock if the session is still live and current.
// A stale token turns the commit into the Superseded transition.
func (s *Session) commit(fn func()) bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	if !s.opts.IsCurrent() {
		uploadID := s.supersedeLocked()
		s.mu.Unlock()
		s.abortRemote(uploadID)
		return false
	}
	fn()
	// Done closes only after the terminal events were emitted.
	if s.status.Terminal() {
		close(s.done)
	}
	s.mu.Unlock()
	return true
}

func (s *Session) complete(result transport.Result) {
	if s.commit(func() {
		s.result = &result
		s.setTerminalLocked(StatusCompleted)
		s.emitProgressLocked()
		s.opts.Emit(Event{Kind: EventCompleted, Token: s.token, Result: result})
	}) {
		s.opts.Metrics.IncSessionCompleted()
		s.opts.Logger.Donef("Uploaded %s: %s", s.file.Name, result.MediaURL)
	}
}

// failWith records a failure unless supersession caused it.
func (s *Session) failWith(phase Phase, attempts int, cause error) {
	if errors.Is(cause, ErrSuperseded) {
		return
	}
	s.fail(phase, attempts, cause)
}

func (s *Session) fail(phase Phase, attempts int, cause error) {
	sessionErr := &Error{Phase: phase, Attempts: attempts, Cause: cause}

	var uploadID string
	if s.commit(func() {
		s.err = sessionErr
		s.setTerminalLocked(StatusFailed)
		s.emitProgressLocked()
		s.opts.Emit(Event{Kind: EventFailed, Token: s.token, Err: sessionErr})
		uploadID = s.uploadID
	}) {
		s.opts.Metrics.IncSessionFailed()
		s.opts.Logger.Errorf("Upload of %s failed: %s", s.file.Name, sessionErr)
		s.abortRemote(uploadID)
	}
}

// Supersede moves a live session to Superseded and cancels its in-flight work.
// It reports whether the transition happened.
func (s *Session) Supersede() bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	uploadID := s.supersedeLocked()
	s.mu.Unlock()

	s.abortRemote(uploadID)
	return true
}

func (s *Session) supersedeLocked() string {
	s.setTerminalLocked(StatusSuperseded)
	close(s.done)
	s.opts.Metrics.IncSessionSuperseded()
	s.opts.Logger.Debugf("Upload of %s superseded", s.file.Name)
	return s.uploadID
}

func (s *Session) setTerminalLocked(status Status) {
	s.status = status
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) abortRemote(uploadID string) {
	if uploadID == "" {
		return
	}
	aborter, ok := s.opts.Backend.(transport.Aborter)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if err := aborter.Abort(ctx, uploadID); err != nil {
			s.opts.Logger.Warnf("Failed to abort upload %s: %s", uploadID, err)
		}
	}()
}

func (s *Session) emitProgressLocked() {
	status := progress.Report(s.progressStateLocked())
	if s.last != nil && *s.last == status {
		return
	}
	s.last = &status
	s.opts.Emit(Event{Kind: EventProgress, Token: s.token, Progress: status})
}

func (s *Session) progressStateLocked() progress.State {
	state := progress.State{
		Direct:        s.plan.Direct,
		IsVideo:       s.file.IsVideo(),
		TotalBytes:    s.file.Size,
		UploadedBytes: s.uploaded,
		Retries:       s.retries,
		Err:           s.err,
	}
	switch s.status {
	case StatusPlanning:
		state.Stage = progress.StagePlanning
	case StatusUploading:
		state.Stage = progress.StageUploading
	case StatusFinalizing:
		state.Stage = progress.StageFinalizing
	case StatusCompleted:
		state.Stage = progress.StageCompleted
	case StatusFailed:
		state.Stage = progress.StageFailed
	}
	return state
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Token:         s.token,
		Status:        s.status,
		Direct:        s.plan.Direct,
		UploadID:      s.uploadID,
		Segments:      append([]segment.Descriptor(nil), s.segments...),
		TotalBytes:    s.file.Size,
		UploadedBytes: s.uploaded,
		Retries:       s.retries,
		Err:           s.err,
	}
	if s.result != nil {
		result := *s.result
		snap.Result = &result
	}
	if s.status != StatusSuperseded {
		snap.Progress = progress.Report(s.progressStateLocked())
	}
	return snap
}

func (s *Session) outcome() (transport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusCompleted:
		return *s.result, nil
	case StatusFailed:
		return transport.Result{}, s.err
	case StatusSuperseded:
		return transport.Result{}, ErrSuperseded
	default:
		return transport.Result{}, fmt.Errorf("session is %s", s.status)
	}
}
