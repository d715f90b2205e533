package remedy

import (
	"sync"
	"time"
)

// FailureCounter tracks remediation attempts per server so the engine can
// stop fighting a crash loop.
type FailureCounter interface {
	Increment(serverID string)
	Count(serverID string) int
}

// MemoryCounter is the in-process FailureCounter. Entries decay after the
// stability window: a server that stays up that long earns a clean slate.
type MemoryCounter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]counterEntry
}

type counterEntry struct {
	count   int
	expires time.Time
}

func NewMemoryCounter(window time.Duration) *MemoryCounter {
	if window <= 0 {
		window = time.Hour
	}
	return &MemoryCounter{window: window, now: time.Now, entries: map[string]counterEntry{}}
}

func (c *MemoryCounter) Increment(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[serverID]
	if c.now().After(e.expires) {
		e.count = 0
	}
	e.count++
	e.expires = c.now().Add(c.window)
	c.entries[serverID] = e
}

func (c *MemoryCounter) Count(serverID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[serverID]
	if !ok {
		return 0
	}
	if c.now().After(e.expires) {
		delete(c.entries, serverID)
		return 0
	}
	return e.count
}
