// Package kvcontext models a Context: the engine-side KV-cache region bound
// to a call. Contexts form a tree through parent/child forks rooted at a
// shared ancestor; forks never mutate their parent.
package kvcontext

import (
	"context"
	"sync"
)

type (
	// Context represents a KV-cache region on one or more engines. A child
	// Context forks from a parent for prefix sharing; it may only execute on
	// an engine that also hosts every ancestor in its parent chain.
	Context struct {
		// ID uniquely identifies this context.
		ID string
		// Parent is the context this one was forked from, or nil for a root.
		Parent *Context
		// Shared marks a context as user-managed: it lives until explicit
		// teardown and is never freed by Session termination.
		Shared bool

		mu            sync.Mutex
		refs          int
		materialized  map[string]bool // engine id -> has fill/generate'd this context
		destroyed     bool
		destroyNotify func(ctx context.Context, c *Context) error
	}

	// FreeContextFunc issues the free_context RPC to a single engine. It is
	// the external collaborator boundary for the engine client.
	FreeContextFunc func(ctx context.Context, engineID, contextID string) (numFreedTokens int, err error)
)

// NewRoot returns a fresh, parentless Context.
func NewRoot(id string, shared bool) *Context {
	return &Context{ID: id, Shared: shared, materialized: make(map[string]bool)}
}

// Fork returns a new child Context whose parent is c. The child starts with
// no materialized engines of its own; it inherits eligibility to run on any
// engine that has materialized the full ancestor chain.
func (c *Context) Fork(childID string) *Context {
	return &Context{ID: childID, Parent: c, materialized: make(map[string]bool)}
}

// Root walks the parent chain and returns the root ancestor (c itself if c
// has no parent).
func (c *Context) Root() *Context {
	cur := c
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// MarkMaterialized records that engineID now hosts this context (e.g. after
// a successful fill or generate RPC against it).
func (c *Context) MarkMaterialized(engineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.materialized[engineID] = true
}

// CachedEngines returns the set of engines that have materialized this
// specific context (not including ancestors).
func (c *Context) CachedEngines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.materialized))
	for id := range c.materialized {
		out = append(out, id)
	}
	return out
}

// HostedChain reports whether engineID has materialized c and every
// ancestor of c, satisfying the invariant that a child context may only
// execute on an engine that also hosts its parent chain.
func (c *Context) HostedChain(engineID string) bool {
	for cur := c; cur != nil; cur = cur.Parent {
		cur.mu.Lock()
		ok := cur.materialized[engineID]
		cur.mu.Unlock()
		if !ok {
			return false
		}
	}
	return true
}

// OnDestroy registers the callback invoked exactly once when c transitions
// to fully unreferenced. Implementations typically issue a free_context RPC
// to every engine in CachedEngines.
func (c *Context) OnDestroy(fn func(ctx context.Context, c *Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyNotify = fn
}

// Retain increments the referring-session count.
func (c *Context) Retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Release decrements the referring-session count. When it reaches zero and
// the context is not Shared, Release triggers the destruction callback
// exactly once and returns true. Shared contexts are never auto-destroyed;
// Release still decrements their count but never invokes destroyNotify.
func (c *Context) Release(ctx context.Context) (destroyed bool, err error) {
	c.mu.Lock()
	c.refs--
	shouldDestroy := !c.Shared && c.refs <= 0 && !c.destroyed
	if shouldDestroy {
		c.destroyed = true
	}
	notify := c.destroyNotify
	c.mu.Unlock()

	if !shouldDestroy {
		return false, nil
	}
	if notify != nil {
		if err := notify(ctx, c); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Destroyed reports whether this context has already been freed.
func (c *Context) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
