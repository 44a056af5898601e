// Package attachment is the caller-facing API of the upload pipeline: one Slot per place
// a compose form can attach a file.
//
// Selecting, replacing and clearing a file all issue a new version token for the slot.
// Callbacks of older selections are dropped right before delivery, so once Select or
// Clear returned, no callback of a previous selection runs.
package attachment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/metrics"
	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/segment"
	"github.com/bitrise-io/go-mediaupload/session"
	"github.com/bitrise-io/go-mediaupload/thumbnail"
	"github.com/bitrise-io/go-mediaupload/transport"
	"github.com/bitrise-io/go-mediaupload/version"
	"github.com/bitrise-io/go-utils/v2/log"
)

var (
	// ErrNoSelection is returned by Wait when the slot holds no file.
	ErrNoSelection = errors.New("no file selected")
	// ErrClosed is returned after the slot was closed.
	ErrClosed = errors.New("attachment slot closed")
)

// Options configures the sessions a slot starts.
type Options struct {
	Backend     transport.Backend
	Planner     session.Planner
	Uploader    *segment.Uploader
	Concurrency int
	PostType    string
	// Thumbnails renders previews; nil disables them.
	Thumbnails *thumbnail.Extractor
	Logger     log.Logger
	Metrics    *metrics.Collector
}

// Slot owns the current selection of one attachment point and its upload session.
//
// Callbacks run on a single dispatcher goroutine in emit order. They must not call
// Select, Clear, Close or Wait of the same slot synchronously.
type Slot struct {
	id    string
	guard *version.Guard
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	token  version.Token
	work   sync.WaitGroup
	// current is written under mu and read without it, so callbacks may inspect it.
	current atomic.Pointer[session.Session]

	// deliverMu makes "is current" plus the callback atomic with respect to NewVersion.
	deliverMu sync.Mutex
	queue     *queue
	stopped   chan struct{}

	cbMu        sync.RWMutex
	onProgress  []func(progress.Status)
	onComplete  []func(transport.Result)
	onError     []func(error)
	onThumbnail []func(thumbnail.Preview)
}

// NewSlot creates a slot named id. Slot names must be unique per guard.
func NewSlot(id string, guard *version.Guard, opts Options) (*Slot, error) {
	if id == "" {
		return nil, errors.New("slot id must not be empty")
	}
	if guard == nil {
		return nil, errors.New("no version guard given")
	}
	if opts.Backend == nil {
		return nil, errors.New("no upload backend configured")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Uploader == nil {
		opts.Uploader = segment.New(segment.DefaultConfig(), opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Slot{
		id:      id,
		guard:   guard,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		queue:   newQueue(),
		stopped: make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// ID ...
func (s *Slot) ID() string {
	return s.id
}

// OnProgress registers a progress callback.
func (s *Slot) OnProgress(fn func(progress.Status)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onProgress = append(s.onProgress, fn)
}

// OnComplete registers a callback that fires at most once per selection.
func (s *Slot) OnComplete(fn func(transport.Result)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// OnError registers a callback that fires at most once per failed selection. It never
// fires for a superseded one.
func (s *Slot) OnError(fn func(error)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onError = append(s.onError, fn)
}

// OnThumbnail registers a preview callback.
func (s *Slot) OnThumbnail(fn func(thumbnail.Preview)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onThumbnail = append(s.onThumbnail, fn)
}

// Select replaces the slot's file and starts uploading it. A nil file is a Clear.
// The slot takes ownership of file and closes it once its upload and preview finished.
func (s *Slot) Select(file *media.File) version.Token {
	if file == nil {
		return s.Clear()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = file.Close()
		return s.token
	}

	token := s.supersedeLocked()

	sess, err := session.New(file, token, session.Options{
		Planner:     s.opts.Planner,
		Uploader:    s.opts.Uploader,
		Backend:     s.opts.Backend,
		Concurrency: s.opts.Concurrency,
		PostType:    s.opts.PostType,
		IsCurrent:   func() bool { return s.guard.IsCurrent(s.id, token) },
		Emit: func(e session.Event) {
			s.queue.push(delivery{token: token, fn: func() { s.deliver(e) }})
		},
		Logger:  s.opts.Logger,
		Metrics: s.opts.Metrics,
	})
	if err != nil {
		s.opts.Logger.Errorf("Failed to start upload of %s: %s", file.Name, err)
		if err := file.Close(); err != nil {
			s.opts.Logger.Warnf("Failed to close %s: %s", file.Name, err)
		}
		return token
	}
	s.current.Store(sess)

	var selection sync.WaitGroup
	selection.Add(1)
	s.work.Add(1)
	go func() {
		defer s.work.Done()
		defer selection.Done()
		if _, err := sess.Run(s.ctx); err != nil && !errors.Is(err, session.ErrSuperseded) {
			s.opts.Logger.Debugf("Upload session of slot %s ended: %s", s.id, err)
		}
	}()

	if s.opts.Thumbnails != nil {
		selection.Add(1)
		s.work.Add(1)
		go func() {
			defer s.work.Done()
			defer selection.Done()
			s.extractThumbnail(token, file)
		}()
	}

	go func() {
		selection.Wait()
		if err := file.Close(); err != nil {
			s.opts.Logger.Warnf("Failed to close %s: %s", file.Name, err)
		}
	}()

	return token
}

// Clear supersedes the current selection without starting a new one. Clearing an empty
// slot creates no session and performs no network calls.
func (s *Slot) Clear() version.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.token
	}
	return s.supersedeLocked()
}

// supersedeLocked issues a new token and supersedes the current session. Once it returned,
// the dispatcher drops every pending callback of the previous token.
func (s *Slot) supersedeLocked() version.Token {
	s.deliverMu.Lock()
	token := s.guard.NewVersion(s.id)
	s.deliverMu.Unlock()

	if prev := s.current.Swap(nil); prev != nil {
		prev.Supersede()
	}
	s.token = token
	return token
}

// Current returns a snapshot of the current session, if any.
func (s *Slot) Current() (session.Snapshot, bool) {
	sess := s.current.Load()
	if sess == nil {
		return session.Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Wait blocks until the current session is terminal and its callbacks were delivered,
// then returns its outcome.
func (s *Slot) Wait(ctx context.Context) (transport.Result, error) {
	sess := s.current.Load()
	if sess == nil {
		return transport.Result{}, ErrNoSelection
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		return transport.Result{}, ctx.Err()
	}

	flushed := make(chan struct{})
	if s.queue.push(delivery{barrier: flushed}) {
		select {
		case <-flushed:
		case <-ctx.Done():
			return transport.Result{}, ctx.Err()
		}
	}

	snap := sess.Snapshot()
	switch snap.Status {
	case session.StatusCompleted:
		return *snap.Result, nil
	case session.StatusFailed:
		return transport.Result{}, snap.Err
	default:
		return transport.Result{}, session.ErrSuperseded
	}
}

// Close unmounts the slot: the current session is superseded, the slot is forgotten by
// the guard, and the dispatcher stops after delivering what is already queued.
func (s *Slot) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.supersedeLocked()
	s.closed = true
	s.mu.Unlock()

	s.guard.Forget(s.id)
	s.cancel()
	s.work.Wait()
	s.queue.close()
	<-s.stopped
	return nil
}

func (s *Slot) extractThumbnail(token version.Token, file *media.File) {
	preview, err := s.opts.Thumbnails.Extract(s.ctx, file)
	if err != nil {
		if errors.Is(err, thumbnail.ErrUnsupported) || errors.Is(err, context.Canceled) {
			s.opts.Logger.Debugf("No preview for %s: %s", file.Name, err)
			return
		}
		s.opts.Metrics.IncThumbnailFailed()
		s.opts.Logger.Warnf("Failed to render preview of %s: %s", file.Name, err)
		return
	}

	s.queue.push(delivery{token: token, fn: func() {
		s.cbMu.RLock()
		callbacks := append([]func(thumbnail.Preview){}, s.onThumbnail...)
		s.cbMu.RUnlock()
		for _, fn := range callbacks {
			fn(preview)
		}
	}})
}

func (s *Slot) deliver(e session.Event) {
	s.cbMu.RLock()
	onProgress := append([]func(progress.Status){}, s.onProgress...)
	onComplete := append([]func(transport.Result){}, s.onComplete...)
	onError := append([]func(error){}, s.onError...)
	s.cbMu.RUnlock()

	switch e.Kind {
	case session.EventProgress:
		for _, fn := range onProgress {
			fn(e.Progress)
		}
	case session.EventCompleted:
		for _, fn := range onComplete {
			fn(e.Result)
		}
	case session.EventFailed:
		for _, fn := range onError {
			fn(e.Err)
		}
	}
}

func (s *Slot) dispatch() {
	defer close(s.stopped)

	for {
		items, ok := s.queue.take()
		for _, d := range items {
			if d.barrier != nil {
				close(d.barrier)
				continue
			}
			s.deliverMu.Lock()
			if s.guard.IsCurrent(s.id, d.token) {
				d.fn()
			}
			s.deliverMu.Unlock()
		}
		if !ok {
			return
		}
	}
}
