// Package ids provides a recyclable identifier pool for sessions and
// contexts, bounded by a fixed capacity so the runtime can detect leaks
// instead of growing identifiers without limit.
package ids

import (
	"sync"

	"github.com/goa-design/semcore/errkind"
)

// RECYCLE_POOL_SIZE is the default bound on live ids per Pool.
const RECYCLE_POOL_SIZE = 1 << 16

type (
	// Pool hands out small integer ids that are released back for reuse.
	// Safe for concurrent use; the embedding single-threaded event loop
	// typically calls it without contention, but the lock keeps it correct
	// under tests that exercise it directly from multiple goroutines.
	Pool struct {
		mu      sync.Mutex
		cap     int
		free    []uint64
		nextNew uint64
		live    int
	}
)

// New returns a Pool bounded by capacity. A capacity of zero uses
// RECYCLE_POOL_SIZE.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = RECYCLE_POOL_SIZE
	}
	return &Pool{cap: capacity}
}

// Acquire returns a fresh id, preferring a released one. Returns
// errkind.PoolExhausted when the pool is at capacity.
func (p *Pool) Acquire() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		p.live++
		return id, nil
	}
	if p.live >= p.cap {
		return 0, errkind.New(errkind.PoolExhausted, "id pool exhausted")
	}
	id := p.nextNew
	p.nextNew++
	p.live++
	return id, nil
}

// Release returns id to the pool for reuse. Releasing an id that was not
// live is a caller bug and is treated as a no-op.
func (p *Pool) Release(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == 0 || id >= p.nextNew {
		return
	}
	for _, f := range p.free {
		if f == id {
			return
		}
	}
	p.live--
	p.free = append(p.free, id)
}

// Live returns the number of currently acquired ids.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
