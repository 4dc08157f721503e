// Package dedup suppresses repeated triggers of the same operation that
// arrive within a short window, such as a file drop event firing twice.
package dedup

import (
	"sync"
	"time"
)

// DefaultCapacity bounds how many distinct keys a Guard remembers
const DefaultCapacity = 256

// Guard remembers when each key was last accepted
type Guard struct {
	window time.Duration
	last   *lruCache[string, time.Time]
	mu     sync.Mutex
}

// NewGuard creates a guard with the given coalescing window
func NewGuard(window time.Duration) *Guard {
	return NewGuardWithCapacity(window, DefaultCapacity)
}

// NewGuardWithCapacity creates a guard remembering at most capacity keys
func NewGuardWithCapacity(window time.Duration, capacity int) *Guard {
	return &Guard{
		window: window,
		last:   newLRUCache[string, time.Time](capacity),
	}
}

// ShouldAllow reports whether an operation keyed by key may run at now.
// A rejected call leaves the recorded timestamp untouched, so a burst of
// triggers cannot extend the window indefinitely.
func (g *Guard) ShouldAllow(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last.get(key); ok && now.Sub(last) < g.window {
		return false
	}
	g.last.put(key, now)
	return true
}

// Window returns the coalescing window
func (g *Guard) Window() time.Duration {
	return g.window
}
