// Package dataholder binds a Variable to an execution-side token buffer. A
// DataHolder is append-only on its token stream, has exactly one producer,
// and supports arbitrarily many consumers through a replay-from-subscribe
// pipe.
package dataholder

import (
	"context"
	"strings"
	"sync"
)

// Token is a model vocabulary token id.
type Token uint32

// STREAMING_END_TOKEN_ID is the sentinel fanned out to mark end-of-stream.
// It is never appended to a holder's token buffer.
const STREAMING_END_TOKEN_ID Token = ^Token(0)

type (
	// DataHolder is the runtime binding of a Variable to a streaming token
	// buffer. At most one producer ever calls SendToken/MarkStreaming/MarkReady
	// on a given holder; any number of consumers may Subscribe concurrently.
	//
	// Guarantees: a consumer that subscribes before the producer begins
	// receives every token in emission order with no gaps or duplicates; a
	// consumer that subscribes after Ready returns true may instead read
	// Tokens() directly for the full buffer.
	DataHolder struct {
		// Tokenizer names the tokenizer that produced/will consume these
		// token ids. It is immutable after construction.
		Tokenizer string

		mu     sync.Mutex
		tokens []Token
		ended  bool
		update chan struct{}

		streamingOnce sync.Once
		streamingCh   chan struct{}
		readyOnce     sync.Once
		readyCh       chan struct{}

		text      strings.Builder
		textReady bool
	}

	// Subscription replays a DataHolder's token stream from its first
	// buffered token onward. Each call to Next blocks until either more tokens are
	// available or the producer has published the END sentinel.
	Subscription struct {
		holder *DataHolder
		cursor int
	}

	// Detokenizer decodes a token slice into text. Implementations are
	// supplied by the tokenizer registry, which is an external collaborator
	// of this package.
	Detokenizer interface {
		Decode(tokens []Token) (string, error)
	}
)

// New returns an empty DataHolder bound to the given tokenizer name.
func New(tokenizer string) *DataHolder {
	return &DataHolder{
		Tokenizer:   tokenizer,
		update:      make(chan struct{}),
		streamingCh: make(chan struct{}),
		readyCh:     make(chan struct{}),
	}
}

// SendToken is called by the producer. When id is STREAMING_END_TOKEN_ID it
// is fanned out to subscribers but never appended to the buffer. Otherwise,
// if put is true, id is appended before being fanned out.
func (h *DataHolder) SendToken(id Token, put bool) {
	h.mu.Lock()
	if id == STREAMING_END_TOKEN_ID {
		h.ended = true
	} else if put {
		h.tokens = append(h.tokens, id)
	}
	ch := h.update
	h.update = make(chan struct{})
	close(ch)
	h.mu.Unlock()
}

// MarkStreaming fires the streaming event exactly once. Subsequent calls are
// no-ops.
func (h *DataHolder) MarkStreaming() {
	h.streamingOnce.Do(func() { close(h.streamingCh) })
}

// MarkReady fires the ready event exactly once. Subsequent calls are no-ops.
func (h *DataHolder) MarkReady() {
	h.readyOnce.Do(func() { close(h.readyCh) })
}

// WaitStreaming blocks until MarkStreaming has been called or ctx is done.
func (h *DataHolder) WaitStreaming(ctx context.Context) error {
	select {
	case <-h.streamingCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitReady blocks until MarkReady has been called or ctx is done.
func (h *DataHolder) WaitReady(ctx context.Context) error {
	select {
	case <-h.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Streaming reports whether MarkStreaming has fired, without blocking.
func (h *DataHolder) Streaming() bool {
	select {
	case <-h.streamingCh:
		return true
	default:
		return false
	}
}

// Ready reports whether MarkReady has fired, without blocking.
func (h *DataHolder) Ready() bool {
	select {
	case <-h.readyCh:
		return true
	default:
		return false
	}
}

// Tokens returns a copy of the full token buffer accumulated so far. Callers
// that observed Ready() == true are guaranteed this reflects the complete,
// final buffer.
func (h *DataHolder) Tokens() []Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Token(nil), h.tokens...)
}

// Len returns the number of tokens currently buffered.
func (h *DataHolder) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tokens)
}

// Subscribe returns a Subscription that replays the token stream starting
// from whatever has already been buffered.
func (h *DataHolder) Subscribe() *Subscription {
	return &Subscription{holder: h}
}

// Next blocks until new tokens are available past the subscription's cursor
// or the producer has published END. On the final call, end is true and
// tokens is nil. Next must not be called again after end is true.
func (s *Subscription) Next(ctx context.Context) (tokens []Token, end bool, err error) {
	h := s.holder
	h.mu.Lock()
	for s.cursor >= len(h.tokens) && !h.ended {
		ch := h.update
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		h.mu.Lock()
	}
	if s.cursor < len(h.tokens) {
		tokens = append([]Token(nil), h.tokens[s.cursor:]...)
		s.cursor = len(h.tokens)
		h.mu.Unlock()
		return tokens, false, nil
	}
	h.mu.Unlock()
	return nil, true, nil
}

// Text returns the text accumulated by RunDetokenize so far, and whether
// detokenization has finished.
func (h *DataHolder) Text() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String(), h.textReady
}

// RunDetokenize consumes the holder's pipe and incrementally decodes new
// tokens into text, marking the text buffer ready once the producer
// publishes END. It is intended to run as a background task spawned by the
// session executor before the first token arrives. ctx cancellation stops
// the loop without marking the text ready.
func (h *DataHolder) RunDetokenize(ctx context.Context, dz Detokenizer) error {
	sub := h.Subscribe()
	for {
		chunk, end, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			piece, err := dz.Decode(chunk)
			if err != nil {
				return err
			}
			h.mu.Lock()
			h.text.WriteString(piece)
			h.mu.Unlock()
		}
		if end {
			h.mu.Lock()
			h.textReady = true
			h.mu.Unlock()
			return nil
		}
	}
}
