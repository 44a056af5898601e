// Package version issues supersession tokens per attachment slot.
package version

import "sync"

// Token identifies one selection in a slot. Tokens are compared by equality only.
type Token uint64

// Guard hands out tokens. Once NewVersion is called for a slot, every token previously
// issued for that slot stays stale forever. The zero value is ready to use.
type Guard struct {
	mu      sync.RWMutex
	seq     uint64
	current map[string]Token
}

// NewGuard ...
func NewGuard() *Guard {
	return &Guard{current: map[string]Token{}}
}

// NewVersion invalidates every earlier token of slot and returns the new current one.
// Tokens grow across the whole guard, so a forgotten slot can never revive an old token.
func (g *Guard) NewVersion(slot string) Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil {
		g.current = map[string]Token{}
	}
	g.seq++
	t := Token(g.seq)
	g.current[slot] = t
	return t
}

// IsCurrent reports whether token is the latest token issued for slot.
func (g *Guard) IsCurrent(slot string, token Token) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	current, ok := g.current[slot]
	return ok && current == token
}

// Forget drops the slot; every token issued for it becomes stale.
func (g *Guard) Forget(slot string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.current, slot)
}
