// Package session implements the Session (Thread): a running call's ordered
// instruction queue and the cooperative execution loop that drains it,
// driving chunked prefill batching, generate streaming, and inter-session
// token forwarding through DataHolders.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/goa-design/semcore/dataholder"
	"github.com/goa-design/semcore/enginerpc"
	"github.com/goa-design/semcore/errkind"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/instruction"
	"github.com/goa-design/semcore/kvcontext"
	"github.com/goa-design/semcore/telemetry"
)

// Status is the lifecycle state of a Session.
type Status int

const (
	// Pending sessions have not yet started executing (queued, or awaiting
	// dispatch to an engine).
	Pending Status = iota
	// Running sessions have an active execution task.
	Running
	// Completed sessions drained their queue without error.
	Completed
	// Failed sessions aborted with a fatal error.
	Failed
	// Canceled sessions were interrupted via context cancellation.
	Canceled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// FinishFunc is invoked exactly once when a Session's execution loop exits,
// successfully or not. Typical implementations release the Session's
// Context and remove it from its Engine's accounting.
type FinishFunc func(ctx context.Context, s *Session, err error)

// Session is a running call: an id, a reference to its Call, its Context,
// its bound Engine, and the FIFO instruction queue that its single
// execution task drains. Session state is private to the executing task:
// Enqueue appends to queue only until Run starts, after which only Run
// touches queue/fillBuffer; Status and Err read their fields under the
// mutex.
type Session struct {
	ID      string
	Call    *function.Call
	Context *kvcontext.Context
	// Engine is set by the Dispatcher before Run is called.
	Engine *enginerpc.Engine
	// Client issues the RPCs this session's instructions require.
	Client enginerpc.Client
	// Detokenizer, if set, is used to run incremental detokenization of
	// generated output holders in the background.
	Detokenizer dataholder.Detokenizer

	Logger  telemetry.Logger
	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	mu         sync.Mutex
	status     Status
	err        error
	started    bool
	queue      []instruction.Instruction
	fillBuffer []dataholder.Token
	finish     FinishFunc
}

// New constructs a Session bound to the given call and context. Engine is
// assigned later by the Dispatcher.
func New(id string, call *function.Call, ctx *kvcontext.Context, client enginerpc.Client, logger telemetry.Logger, tracer telemetry.Tracer, metrics telemetry.Metrics) *Session {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Session{ID: id, Call: call, Context: ctx, Client: client, Logger: logger, Tracer: tracer, Metrics: metrics}
}

// SetFinish registers the callback invoked when the execution loop exits.
func (s *Session) SetFinish(fn FinishFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish = fn
}

// Enqueue appends an instruction to the session's FIFO queue. Enqueue must
// only be called before Run starts; calling it afterward is a programming
// error and returns false.
func (s *Session) Enqueue(instr instruction.Instruction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.queue = append(s.queue, instr)
	return true
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run drains the instruction queue in order, executing each instruction's
// effect, and invokes the finish callback exactly once on exit. Run must be
// called at most once per Session.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errkind.New(errkind.AssertionFailure, "session already started")
	}
	s.started = true
	s.status = Running
	queue := s.queue
	s.mu.Unlock()

	ctx, span := s.Tracer.Start(ctx, "session.run")
	defer span.End()

	var runErr error
	for i, instr := range queue {
		switch instr.Kind {
		case instruction.ConstantFill:
			s.fillBuffer = append(s.fillBuffer, instr.Tokens...)
		case instruction.PlaceholderFill:
			runErr = s.runPlaceholderFill(ctx, instr)
		case instruction.PlaceholderGeneration:
			runErr = s.runPlaceholderGeneration(ctx, instr)
		}
		if runErr != nil {
			runErr = errkind.FromError(runErr).WithInstruction(s.ID, i)
			break
		}
	}
	if runErr == nil {
		runErr = s.flushFillBuffer(ctx)
	}

	s.mu.Lock()
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.status = Canceled
		} else {
			s.status = Failed
		}
		s.err = runErr
	} else {
		s.status = Completed
	}
	finish := s.finish
	s.mu.Unlock()

	if runErr != nil {
		s.Logger.Error(ctx, "session failed", "session_id", s.ID, "error", runErr.Error())
		span.RecordError(runErr)
	}
	if finish != nil {
		finish(ctx, s, runErr)
	}
	return runErr
}

// runPlaceholderFill feeds the tokens of another holder into the current
// context. A holder that is already ready fast-paths its full token array
// into the fill buffer; otherwise the buffer is flushed first and each
// chunk arriving from the producer is prefilled immediately.
func (s *Session) runPlaceholderFill(ctx context.Context, instr instruction.Instruction) error {
	h := instr.InputHolder
	if err := h.WaitStreaming(ctx); err != nil {
		return errkind.Wrap(errkind.EngineRPCError, "wait streaming", err)
	}

	if h.Ready() {
		s.fillBuffer = append(s.fillBuffer, h.Tokens()...)
		return nil
	}

	if err := s.flushFillBuffer(ctx); err != nil {
		return err
	}

	sub := h.Subscribe()
	filled := 0
	for {
		chunk, end, err := sub.Next(ctx)
		if err != nil {
			return errkind.Wrap(errkind.EngineRPCError, "subscribe next", err)
		}
		if len(chunk) > 0 {
			resp, err := s.Client.Fill(ctx, enginerpc.FillRequest{
				EngineID:        s.Engine.ID,
				SessionID:       s.ID,
				ContextID:       s.Context.ID,
				ParentContextID: s.parentContextID(),
				TokenIDs:        chunk,
			})
			if err != nil {
				return errkind.Wrap(errkind.EngineRPCError, "fill", err)
			}
			if resp.NumFilledTokens != len(chunk) {
				return errkind.Newf(errkind.AssertionFailure, "fill chunk mismatch: submitted %d, engine reported %d", len(chunk), resp.NumFilledTokens)
			}
			s.Context.MarkMaterialized(s.Engine.ID)
			filled += resp.NumFilledTokens
		}
		if end {
			break
		}
	}

	total := len(h.Tokens())
	if filled != total {
		return errkind.Newf(errkind.AssertionFailure, "placeholder fill total mismatch: filled %d, holder has %d", filled, total)
	}
	return nil
}

// runPlaceholderGeneration flushes the fill buffer, then streams a generate
// RPC into the output holder: streaming is signaled just before the stream
// is consumed, every token is forwarded through the holder, and the END
// sentinel plus the ready event close it out.
func (s *Session) runPlaceholderGeneration(ctx context.Context, instr instruction.Instruction) error {
	if err := s.flushFillBuffer(ctx); err != nil {
		return err
	}

	h := instr.OutputHolder
	if s.Detokenizer != nil {
		go func() {
			if err := h.RunDetokenize(ctx, s.Detokenizer); err != nil {
				s.Logger.Warn(ctx, "detokenize stopped", "session_id", s.ID, "error", err.Error())
			}
		}()
	}

	h.MarkStreaming()
	stream, err := s.Client.Generate(ctx, enginerpc.GenerateRequest{
		EngineID:        s.Engine.ID,
		SessionID:       s.ID,
		ContextID:       s.Context.ID,
		ParentContextID: s.parentContextID(),
		Sampling:        instr.Sampling,
	})
	if err != nil {
		return errkind.Wrap(errkind.EngineRPCError, "generate", err)
	}

	for chunk := range stream {
		if chunk.Err != nil {
			return errkind.Wrap(errkind.EngineRPCError, "generate stream", chunk.Err)
		}
		h.SendToken(chunk.TokenID, true)
	}
	h.SendToken(dataholder.STREAMING_END_TOKEN_ID, false)
	h.MarkReady()
	s.Context.MarkMaterialized(s.Engine.ID)
	return nil
}

// parentContextID returns the id of the context this session's context was
// forked from, or the empty string for a root context.
func (s *Session) parentContextID() string {
	if s.Context != nil && s.Context.Parent != nil {
		return s.Context.Parent.ID
	}
	return ""
}

// flushFillBuffer issues prefill RPCs for the accumulated fill buffer,
// partitioned into engine.FillChunkSize-sized chunks, and clears the
// buffer. A no-op when the buffer is empty.
func (s *Session) flushFillBuffer(ctx context.Context) error {
	if len(s.fillBuffer) == 0 {
		return nil
	}
	buf := s.fillBuffer
	s.fillBuffer = nil

	chunkSize := s.Engine.FillChunkSize
	var chunks [][]dataholder.Token
	if chunkSize == enginerpc.FillNoChunk {
		chunks = [][]dataholder.Token{buf}
	} else {
		for i := 0; i < len(buf); i += chunkSize {
			end := i + chunkSize
			if end > len(buf) {
				end = len(buf)
			}
			chunks = append(chunks, buf[i:end])
		}
	}

	submitted, filled := 0, 0
	for _, chunk := range chunks {
		start := time.Now()
		resp, err := s.Client.Fill(ctx, enginerpc.FillRequest{
			EngineID:        s.Engine.ID,
			SessionID:       s.ID,
			ContextID:       s.Context.ID,
			ParentContextID: s.parentContextID(),
			TokenIDs:        chunk,
		})
		s.Metrics.RecordTimer("semcore.session.fill", time.Since(start), "engine_id", s.Engine.ID)
		if err != nil {
			return errkind.Wrap(errkind.EngineRPCError, "fill", err)
		}
		submitted += len(chunk)
		filled += resp.NumFilledTokens
		s.Context.MarkMaterialized(s.Engine.ID)
	}
	if filled != submitted {
		return errkind.Newf(errkind.AssertionFailure, "fill flush mismatch: submitted %d, engine reported %d", submitted, filled)
	}
	return nil
}
