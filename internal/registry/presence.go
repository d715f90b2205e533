package registry

import (
	"sync"
	"time"
)

// presenceCache is the hot liveness record for the fleet. A node is online
// iff its entry has not expired; entries decay on their own so a worker
// that silently vanishes stops being schedulable without any explicit
// "node died" signal. Updates are per-key, never behind a global lock,
// since heartbeat volume scales with fleet size.
type presenceCache struct {
	ttl time.Duration
	m   sync.Map // node id -> time.Time deadline
	now func() time.Time
}

func newPresenceCache(ttl time.Duration) *presenceCache {
	return &presenceCache{ttl: ttl, now: time.Now}
}

func (p *presenceCache) Touch(nodeID string) {
	p.m.Store(nodeID, p.now().Add(p.ttl))
}

func (p *presenceCache) Alive(nodeID string) bool {
	v, ok := p.m.Load(nodeID)
	if !ok {
		return false
	}
	deadline := v.(time.Time)
	if p.now().After(deadline) {
		p.m.Delete(nodeID)
		return false
	}
	return true
}

func (p *presenceCache) Forget(nodeID string) {
	p.m.Delete(nodeID)
}
