package segment

import (
	"sync"
	"time"
)

// Stats aggregates segment attempt outcomes. The running average of successful attempts
// feeds hung detection. The zero value is ready to use.
type Stats struct {
	mu        sync.Mutex
	succeeded int64
	retried   int64
	failed    int64
	busy      time.Duration
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Succeeded int64
	Retried   int64
	Failed    int64
	Average   time.Duration
}

func (s *Stats) recordSuccess(took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
	s.busy += took
}

func (s *Stats) recordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried++
}

func (s *Stats) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// hungAfter returns how long an attempt may run before it counts as hung. It is zero until
// at least one attempt finished.
func (s *Stats) hungAfter(threshold time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.succeeded == 0 {
		return 0
	}
	return s.busy/time.Duration(s.succeeded) + threshold
}

// Snapshot ...
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Succeeded: s.succeeded,
		Retried:   s.retried,
		Failed:    s.failed,
	}
	if s.succeeded > 0 {
		snap.Average = s.busy / time.Duration(s.succeeded)
	}
	return snap
}
