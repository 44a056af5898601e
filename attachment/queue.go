package attachment

import (
	"sync"

	"github.com/bitrise-io/go-mediaupload/version"
)

// delivery is a queued callback, or a barrier closed once everything before it was handled.
type delivery struct {
	token   version.Token
	fn      func()
	barrier chan struct{}
}

// queue is unbounded so that sessions can emit while holding their lock.
type queue struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(d delivery) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, d)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// take blocks until items are queued. It returns false once the queue is closed and drained.
func (q *queue) take() ([]delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items := q.items
			q.items = nil
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
