package executor

import (
	"sync"

	"github.com/goa-design/semcore/dataholder"
)

// HolderRegistry binds Variable ids to DataHolders, created on first
// reference by the Executor and destroyed once every referring Session has
// terminated.
type HolderRegistry struct {
	mu      sync.Mutex
	holders map[string]*dataholder.DataHolder
	refs    map[string]int
}

// NewHolderRegistry returns an empty registry.
func NewHolderRegistry() *HolderRegistry {
	return &HolderRegistry{
		holders: make(map[string]*dataholder.DataHolder),
		refs:    make(map[string]int),
	}
}

// GetOrCreate returns the DataHolder bound to varID, creating it under
// tokenizer on first reference, and increments its referring-session count.
func (r *HolderRegistry) GetOrCreate(varID, tokenizer string) *dataholder.DataHolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holders[varID]
	if !ok {
		h = dataholder.New(tokenizer)
		r.holders[varID] = h
	}
	r.refs[varID]++
	return h
}

// Release decrements varID's referring-session count, removing the holder
// from the registry once it reaches zero.
func (r *HolderRegistry) Release(varID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[varID]--
	if r.refs[varID] <= 0 {
		delete(r.refs, varID)
		delete(r.holders, varID)
	}
}

// Lookup returns the holder currently bound to varID, if any, without
// affecting its reference count.
func (r *HolderRegistry) Lookup(varID string) (*dataholder.DataHolder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holders[varID]
	return h, ok
}
