// Package enginerpc describes an inference backend (Engine) and the three
// RPCs the session executor issues against it. The RPC client itself —
// transport, retries, wire encoding — is an external collaborator; this
// package only defines the request/response shapes and the Client contract
// the rest of the core programs against.
package enginerpc

import (
	"context"
	"sync"

	"github.com/goa-design/semcore/dataholder"
	"github.com/goa-design/semcore/instruction"
)

type (
	// Engine describes one inference backend and tracks the dynamic set of
	// sessions currently assigned to it by the dispatcher.
	Engine struct {
		// ID uniquely identifies the engine.
		ID string
		// Tokenizer names the tokenizer this engine's model was built with.
		// Sessions may only be dispatched to engines whose Tokenizer matches
		// the call's bound tokenizer.
		Tokenizer string
		// Address is the wire address used by Client to reach this engine.
		Address string
		// ThreadsCapacity bounds the number of concurrent sessions.
		ThreadsCapacity int
		// TokensCapacity bounds the sum of projected tokens across assigned
		// sessions.
		TokensCapacity int
		// FillChunkSize is the engine's preferred prefill chunk size. A value
		// of FillNoChunk disables chunking (issue one prefill for the whole
		// fill-coalescing buffer).
		FillChunkSize int
		// PerFunctionRequestsUpperbound overrides the function-declared
		// requests_num_upperbound dispatch annotation for sessions bound to
		// this engine, keyed by function name.
		PerFunctionRequestsUpperbound map[string]int

		mu       sync.Mutex
		assigned map[string]int // session id -> projected token demand
	}
)

// FillNoChunk disables fill-buffer chunking: the whole buffer is issued as
// a single prefill RPC.
const FillNoChunk = 0

// New returns an Engine with the given static attributes and empty dynamic
// session accounting.
func New(id, tokenizer, address string, threadsCapacity, tokensCapacity int) *Engine {
	return &Engine{
		ID:              id,
		Tokenizer:       tokenizer,
		Address:         address,
		ThreadsCapacity: threadsCapacity,
		TokensCapacity:  tokensCapacity,
		assigned:        make(map[string]int),
	}
}

// Assigned reports whether sessionID is currently assigned to this engine.
func (e *Engine) Assigned(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.assigned[sessionID]
	return ok
}

// AssignedThreads returns the number of sessions currently assigned.
func (e *Engine) AssignedThreads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.assigned)
}

// ProjectedTokens returns the sum of projected token demand across assigned
// sessions.
func (e *Engine) ProjectedTokens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, d := range e.assigned {
		total += d
	}
	return total
}

// HasCapacityFor reports whether placing one more session with the given
// projected token demand keeps the engine within both its thread and token
// capacity bounds.
func (e *Engine) HasCapacityFor(demand int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.assigned)+1 <= e.ThreadsCapacity && e.sumLocked()+demand <= e.TokensCapacity
}

func (e *Engine) sumLocked() int {
	total := 0
	for _, d := range e.assigned {
		total += d
	}
	return total
}

// AddThread records sessionID as assigned with the given projected token
// demand, incrementing both capacity counters.
func (e *Engine) AddThread(sessionID string, demand int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigned[sessionID] = demand
}

// RemoveThread decrements both capacity counters for sessionID. Safe to call
// even if sessionID was never assigned.
func (e *Engine) RemoveThread(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.assigned, sessionID)
}

// RequestsUpperbound returns the effective requests_num_upperbound for
// function, preferring an engine-level override over the function's
// declared default.
func (e *Engine) RequestsUpperbound(function string, declaredDefault int) int {
	if e.PerFunctionRequestsUpperbound != nil {
		if v, ok := e.PerFunctionRequestsUpperbound[function]; ok {
			return v
		}
	}
	return declaredDefault
}

// Forbids reports whether this engine has an explicit per-function override
// of zero for function, meaning the operator has opted it out of hosting
// that function regardless of the function's own declared default.
func (e *Engine) Forbids(function string) bool {
	if e.PerFunctionRequestsUpperbound == nil {
		return false
	}
	v, ok := e.PerFunctionRequestsUpperbound[function]
	return ok && v == 0
}

type (
	// FillRequest is the payload for a prefill RPC.
	FillRequest struct {
		EngineID        string
		SessionID       string
		ContextID       string
		ParentContextID string
		TokenIDs        []dataholder.Token
	}

	// FillResponse reports how many tokens the engine actually filled.
	FillResponse struct {
		NumFilledTokens int
	}

	// GenerateRequest is the payload for a generate RPC.
	GenerateRequest struct {
		EngineID        string
		SessionID       string
		ContextID       string
		ParentContextID string
		Sampling        instruction.SamplingParams
	}

	// GenerateChunk is one element of a generate RPC's token stream. Err is
	// set only on the final chunk when the stream terminates abnormally; a
	// clean end of stream is signaled by closing the channel with Err nil
	// chunks exhausted.
	GenerateChunk struct {
		TokenID dataholder.Token
		Err     error
	}

	// FreeContextRequest is the payload for a free_context RPC.
	FreeContextRequest struct {
		EngineID  string
		ContextID string
	}

	// FreeContextResponse reports how many tokens were freed.
	FreeContextResponse struct {
		NumFreedTokens int
	}

	// Client is the external collaborator boundary for the three engine
	// RPCs. Implementations translate these into transport calls (HTTP,
	// gRPC, etc.) against the inference engine.
	Client interface {
		Fill(ctx context.Context, req FillRequest) (FillResponse, error)
		Generate(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, error)
		FreeContext(ctx context.Context, req FreeContextRequest) (FreeContextResponse, error)
	}
)
