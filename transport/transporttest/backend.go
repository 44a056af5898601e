// Package transporttest provides an in-memory transport.Backend for tests.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bitrise-io/go-mediaupload/media"
	"github.com/bitrise-io/go-mediaupload/transport"
)

// Operation names recorded in Call.Op.
const (
	OpInitiate = "initiate"
	OpPut      = "put_segment"
	OpFinalize = "finalize"
	OpDirect   = "upload_direct"
	OpAbort    = "abort"
)

// Call is one recorded backend invocation.
type Call struct {
	Op       string
	UploadID string
	Index    int
	// Attempt counts the calls of the same Op and Index, starting at 1.
	Attempt int
}

// Hook runs before a call is served. A non-nil error fails the call.
type Hook func(ctx context.Context, call Call) error

type upload struct {
	meta     transport.Metadata
	parts    map[int][]byte
	result   *transport.Result
	aborted  bool
	assembly []byte
}

// Backend is a controllable fake. Hooks must be set before the backend is used.
type Backend struct {
	OnInitiate Hook
	OnPut      Hook
	OnFinalize Hook
	OnDirect   Hook
	OnAbort    Hook

	// BaseURL prefixes result URLs. Default: memory://media
	BaseURL string

	mu            sync.Mutex
	nextID        int
	calls         []Call
	attempts      map[string]int
	uploads       map[string]*upload
	direct        map[string][]byte
	inFlightPuts  int
	maxConcurrent int
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		attempts: map[string]int{},
		uploads:  map[string]*upload{},
		direct:   map[string][]byte{},
	}
}

func (b *Backend) record(op, uploadID string, index int) Call {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := fmt.Sprintf("%s/%s/%d", op, uploadID, index)
	b.attempts[key]++
	call := Call{Op: op, UploadID: uploadID, Index: index, Attempt: b.attempts[key]}
	b.calls = append(b.calls, call)
	return call
}

func runHook(ctx context.Context, hook Hook, call Call) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, call)
}

func (b *Backend) baseURL() string {
	if b.BaseURL != "" {
		return strings.TrimSuffix(b.BaseURL, "/")
	}
	return "memory://media"
}

// Initiate implements transport.Backend.
func (b *Backend) Initiate(ctx context.Context, meta transport.Metadata) (string, error) {
	call := b.record(OpInitiate, "", -1)
	if err := runHook(ctx, b.OnInitiate, call); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("upload-%d", b.nextID)
	b.uploads[id] = &upload{meta: meta, parts: map[int][]byte{}}
	return id, nil
}

// PutSegment implements transport.Backend.
func (b *Backend) PutSegment(ctx context.Context, uploadID string, index int, r media.Range, body io.ReadSeeker) error {
	call := b.record(OpPut, uploadID, index)

	b.mu.Lock()
	b.inFlightPuts++
	if b.inFlightPuts > b.maxConcurrent {
		b.maxConcurrent = b.inFlightPuts
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlightPuts--
		b.mu.Unlock()
	}()

	if err := runHook(ctx, b.OnPut, call); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != r.Len() {
		return &transport.StatusError{Op: OpPut, StatusCode: http.StatusBadRequest,
			Body: fmt.Sprintf("segment %d: got %d bytes, range %s", index, len(data), r)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[uploadID]
	if !ok || u.aborted {
		return &transport.StatusError{Op: OpPut, StatusCode: http.StatusNotFound, Body: "unknown upload " + uploadID}
	}
	u.parts[index] = data
	return nil
}

// Finalize implements transport.Backend. It fails with 409 unless every announced segment
// was stored and the assembled size matches.
func (b *Backend) Finalize(ctx context.Context, uploadID string, params transport.FinalizeParams) (transport.Result, error) {
	call := b.record(OpFinalize, uploadID, -1)
	if err := runHook(ctx, b.OnFinalize, call); err != nil {
		return transport.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.Result{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[uploadID]
	if !ok || u.aborted {
		return transport.Result{}, &transport.StatusError{Op: OpFinalize, StatusCode: http.StatusNotFound, Body: "unknown upload " + uploadID}
	}
	if u.result != nil {
		return *u.result, nil
	}

	var assembly bytes.Buffer
	for i := 0; i < u.meta.SegmentCount; i++ {
		part, ok := u.parts[i]
		if !ok {
			return transport.Result{}, &transport.StatusError{Op: OpFinalize, StatusCode: http.StatusConflict,
				Body: fmt.Sprintf("missing segment %d", i)}
		}
		assembly.Write(part)
	}
	if int64(assembly.Len()) != u.meta.SizeBytes {
		return transport.Result{}, &transport.StatusError{Op: OpFinalize, StatusCode: http.StatusConflict,
			Body: fmt.Sprintf("assembled %d bytes, expected %d", assembly.Len(), u.meta.SizeBytes)}
	}

	u.assembly = assembly.Bytes()
	u.result = &transport.Result{
		MediaURL: fmt.Sprintf("%s/%s/%s", b.baseURL(), uploadID, u.meta.Filename),
		Filename: u.meta.Filename,
		IsVideo:  strings.HasPrefix(u.meta.ContentType, "video/"),
	}
	return *u.result, nil
}

// UploadDirect implements transport.Backend.
func (b *Backend) UploadDirect(ctx context.Context, file *media.File, params transport.FinalizeParams) (transport.Result, error) {
	call := b.record(OpDirect, "", -1)
	if err := runHook(ctx, b.OnDirect, call); err != nil {
		return transport.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.Result{}, err
	}

	data, err := io.ReadAll(file.Reader())
	if err != nil {
		return transport.Result{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct[file.Name] = data
	return transport.Result{
		MediaURL: fmt.Sprintf("%s/direct/%s", b.baseURL(), file.Name),
		Filename: file.Name,
		IsVideo:  file.IsVideo(),
	}, nil
}

// Abort implements transport.Aborter.
func (b *Backend) Abort(ctx context.Context, uploadID string) error {
	call := b.record(OpAbort, uploadID, -1)
	if err := runHook(ctx, b.OnAbort, call); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.uploads[uploadID]; ok {
		u.aborted = true
	}
	return nil
}

// Calls returns the recorded calls, optionally filtered by operation.
func (b *Backend) Calls(ops ...string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()

	var calls []Call
	for _, c := range b.calls {
		if len(ops) == 0 || slices.Contains(ops, c.Op) {
			calls = append(calls, c)
		}
	}
	return calls
}

// PutIndices returns the distinct segment indices PutSegment was called with, sorted.
func (b *Backend) PutIndices() []int {
	seen := map[int]bool{}
	var indices []int
	for _, c := range b.Calls(OpPut) {
		if !seen[c.Index] {
			seen[c.Index] = true
			indices = append(indices, c.Index)
		}
	}
	sort.Ints(indices)
	return indices
}

// MaxConcurrentPuts is the highest number of PutSegment calls observed in flight at once.
func (b *Backend) MaxConcurrentPuts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxConcurrent
}

// Assembled returns the bytes a successful Finalize assembled.
func (b *Backend) Assembled(uploadID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.uploads[uploadID]; ok {
		return u.assembly
	}
	return nil
}

// DirectBytes returns the bytes received by UploadDirect for a file name.
func (b *Backend) DirectBytes(name string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.direct[name]
}

// Aborted reports whether Abort was called for uploadID.
func (b *Backend) Aborted(uploadID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[uploadID]
	return ok && u.aborted
}

// FailTimes returns a hook that fails the first n attempts of every call with err.
func FailTimes(n int, err error) Hook {
	return func(_ context.Context, call Call) error {
		if call.Attempt <= n {
			return err
		}
		return nil
	}
}

// FailIndex returns a hook that always fails PutSegment for index with err.
func FailIndex(index int, err error) Hook {
	return func(_ context.Context, call Call) error {
		if call.Index == index {
			return err
		}
		return nil
	}
}

// Block returns a hook that waits until release is closed or the call's context ends.
// started, when not nil, receives the call before it blocks.
func Block(release <-chan struct{}, started chan<- Call) Hook {
	return func(ctx context.Context, call Call) error {
		if started != nil {
			select {
			case started <- call:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ServerError is a retriable 500 response.
func ServerError(op string) error {
	return &transport.StatusError{Op: op, StatusCode: http.StatusInternalServerError, Body: "internal error"}
}

var (
	_ transport.Backend = (*Backend)(nil)
	_ transport.Aborter = (*Backend)(nil)
)
