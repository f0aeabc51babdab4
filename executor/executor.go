// Package executor translates submitted calls into instruction sequences,
// materializes their Context per call mode, constructs their Session, and
// submits it to the Dispatcher. Once Pump observes a session bound to an
// engine it spawns that session's cooperative execution task.
package executor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goa-design/semcore/dispatcher"
	"github.com/goa-design/semcore/enginerpc"
	"github.com/goa-design/semcore/errkind"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/ids"
	"github.com/goa-design/semcore/kvcontext"
	"github.com/goa-design/semcore/session"
	"github.com/goa-design/semcore/telemetry"
)

// PrefixProvider resolves the Context already hosting a function's
// materialized cached prefix, if one has been established. Satisfied by
// controller.Controller.
type PrefixProvider interface {
	CachedPrefixContext(functionName string) (*kvcontext.Context, bool)
}

// SessionFinishInfo summarizes a terminated Session for a FinishObserver.
type SessionFinishInfo struct {
	SessionID       string
	FunctionName    string
	EngineID        string
	ProjectedTokens int
	Status          session.Status
	Err             error
	FinishedAt      time.Time
}

// FinishObserver is notified, best-effort, after every Session terminates.
// It never gates or delays teardown: a slow or failing observer only
// affects observability.
type FinishObserver interface {
	OnSessionFinish(ctx context.Context, info SessionFinishInfo)
}

// Executor is the single entry point calls are submitted through.
type Executor struct {
	dispatcher *dispatcher.Dispatcher
	client     enginerpc.Client
	ids        *ids.Pool
	holders    *HolderRegistry
	prefixes   PrefixProvider

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	mu            sync.Mutex
	tokenizers    map[string]Tokenizer
	sharedCtxs    map[string]*kvcontext.Context
	pendingBySess map[string]*pendingSubmission
	observer      FinishObserver
}

type pendingSubmission struct {
	call          *function.Call
	ctx           *kvcontext.Context
	referencedVar map[string]int // Variable id -> holder references taken
	demand        int
}

// New constructs an Executor wired to the given Dispatcher and engine RPC
// client. prefixes may be nil if no cached-prefix registry is in use.
func New(d *dispatcher.Dispatcher, client enginerpc.Client, idPool *ids.Pool, prefixes PrefixProvider, logger telemetry.Logger, tracer telemetry.Tracer, metrics telemetry.Metrics) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Executor{
		dispatcher:    d,
		client:        client,
		ids:           idPool,
		holders:       NewHolderRegistry(),
		prefixes:      prefixes,
		logger:        logger,
		tracer:        tracer,
		metrics:       metrics,
		tokenizers:    make(map[string]Tokenizer),
		sharedCtxs:    make(map[string]*kvcontext.Context),
		pendingBySess: make(map[string]*pendingSubmission),
	}
}

// RegisterTokenizer makes tok available under its own Name() for demand
// projection and, later, call translation.
func (e *Executor) RegisterTokenizer(tok Tokenizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokenizers[tok.Name()] = tok
}

// SetObserver installs obs to receive a best-effort notification after every
// Session terminates. Pass nil to disable (the default).
func (e *Executor) SetObserver(obs FinishObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = obs
}

// Submit validates the call, materializes its Context, constructs its
// Session, translates the call and enqueues the resulting instructions on
// the Session, and pushes it onto the Dispatcher's pending queue. The
// Session's execution task is not started until Pump observes it bound to
// an engine.
func (e *Executor) Submit(call *function.Call) (*session.Session, error) {
	if err := call.Validate(); err != nil {
		return nil, errkind.Wrap(errkind.UserError, "call validation", err)
	}

	e.mu.Lock()
	tok, ok := e.tokenizers[call.Tokenizer]
	e.mu.Unlock()
	if !ok {
		return nil, errkind.Newf(errkind.UserError, "no tokenizer registered for %q", call.Tokenizer)
	}

	kvctx, err := e.materializeContext(call)
	if err != nil {
		return nil, err
	}
	e.attachDestroyHook(kvctx)
	kvctx.Retain()

	rawID, err := e.ids.Acquire()
	if err != nil {
		kvctx.Release(context.Background())
		return nil, err
	}
	sessID := strconv.FormatUint(rawID, 10)

	sess := session.New(sessID, call, kvctx, e.client, e.logger, e.tracer, e.metrics)

	demand, err := e.projectDemand(tok, call)
	if err != nil {
		kvctx.Release(context.Background())
		e.ids.Release(rawID)
		return nil, err
	}

	// Translation only depends on call.Tokenizer, which the Dispatcher
	// guarantees equals whichever engine ends up bound (tokenizer
	// compatibility is its first filter), so it is safe — and simpler — to
	// translate once here rather than deferring to after binding.
	instrs, referenced, err := translate(tok, call, kvctx, e.holders)
	if err != nil {
		kvctx.Release(context.Background())
		e.ids.Release(rawID)
		return nil, err
	}
	for _, instr := range instrs {
		sess.Enqueue(instr)
	}

	ps := &pendingSubmission{call: call, ctx: kvctx, referencedVar: make(map[string]int), demand: demand}
	for _, id := range referenced {
		ps.referencedVar[id]++
	}
	sess.SetFinish(e.finishFunc(ps, rawID))

	e.mu.Lock()
	e.pendingBySess[sessID] = ps
	e.mu.Unlock()

	if err := e.dispatcher.Push(sess, call, call.Tokenizer, demand); err != nil {
		e.mu.Lock()
		delete(e.pendingBySess, sessID)
		e.mu.Unlock()
		for _, id := range referenced {
			e.holders.Release(id)
		}
		kvctx.Release(context.Background())
		e.ids.Release(rawID)
		return nil, err
	}
	return sess, nil
}

// Pump runs one Dispatcher selection pass, spawning the execution task for
// every session newly bound to an engine (their instructions were already
// enqueued at Submit time).
func (e *Executor) Pump(ctx context.Context) []*session.Session {
	bound := e.dispatcher.Dispatch()
	for _, sess := range bound {
		e.mu.Lock()
		delete(e.pendingBySess, sess.ID)
		e.mu.Unlock()
		go sess.Run(ctx)
	}
	return bound
}

// materializeContext picks the Context for a call by mode: reuse for a
// shared-context write, fork for a shared-context read or a cached-prefix
// call, and a fresh root otherwise.
func (e *Executor) materializeContext(call *function.Call) (*kvcontext.Context, error) {
	if call.SharedContext != "" {
		e.mu.Lock()
		root, ok := e.sharedCtxs[call.SharedContext]
		if !ok && call.SharedWrite {
			root = kvcontext.NewRoot(call.SharedContext, true)
			e.sharedCtxs[call.SharedContext] = root
		}
		e.mu.Unlock()
		if call.SharedWrite {
			return root, nil
		}
		if !ok {
			return nil, errkind.Newf(errkind.UserError, "shared context %q does not exist", call.SharedContext)
		}
		return root.Fork(uuid.NewString()), nil
	}

	if call.Function.HasCachedPrefix && e.prefixes != nil {
		if prefixCtx, ok := e.prefixes.CachedPrefixContext(call.Function.Name); ok {
			return prefixCtx.Fork(uuid.NewString()), nil
		}
	}

	return kvcontext.NewRoot(uuid.NewString(), false), nil
}

// attachDestroyHook registers the free_context fan-out for non-shared
// contexts.
func (e *Executor) attachDestroyHook(c *kvcontext.Context) {
	if c.Shared {
		return
	}
	c.OnDestroy(func(ctx context.Context, cc *kvcontext.Context) error {
		for _, engID := range cc.CachedEngines() {
			if _, err := e.client.FreeContext(ctx, enginerpc.FreeContextRequest{EngineID: engID, ContextID: cc.ID}); err != nil {
				e.logger.Warn(ctx, "free_context failed", "context_id", cc.ID, "engine_id", engID, "error", err.Error())
			}
		}
		return nil
	})
}

// finishFunc builds the Session.FinishFunc that tears down this
// submission's Context, releases its Variable references, deregisters it
// from its Engine, and returns its numeric id to the pool.
func (e *Executor) finishFunc(ps *pendingSubmission, rawID uint64) session.FinishFunc {
	return func(ctx context.Context, sess *session.Session, runErr error) {
		engineID := ""
		if sess.Engine != nil {
			engineID = sess.Engine.ID
			sess.Engine.RemoveThread(sess.ID)
		}
		for varID, n := range ps.referencedVar {
			for i := 0; i < n; i++ {
				e.holders.Release(varID)
			}
		}
		if _, err := ps.ctx.Release(ctx); err != nil {
			e.logger.Warn(ctx, "context teardown failed", "context_id", ps.ctx.ID, "error", err.Error())
		}
		e.ids.Release(rawID)

		e.mu.Lock()
		observer := e.observer
		e.mu.Unlock()
		if observer != nil {
			observer.OnSessionFinish(ctx, SessionFinishInfo{
				SessionID:       sess.ID,
				FunctionName:    ps.call.Function.Name,
				EngineID:        engineID,
				ProjectedTokens: ps.demand,
				Status:          sess.Status(),
				Err:             runErr,
				FinishedAt:      time.Now(),
			})
		}
	}
}

// projectDemand estimates a call's token footprint for the Dispatcher's
// capacity check: the sum of constant/literal piece token counts plus
// every output parameter's max_gen_length. A Future-bound
// input parameter contributes nothing — its size is unknown until its
// producer streams, which is why the session executor chunks that path
// rather than relying on this estimate.
func (e *Executor) projectDemand(tok Tokenizer, call *function.Call) (int, error) {
	total := 0
	for _, piece := range call.Function.Pieces {
		switch piece.Kind {
		case function.Constant:
			toks, err := tok.Encode(piece.Text, false)
			if err != nil {
				return 0, errkind.Wrap(errkind.UserError, "tokenize constant piece", err)
			}
			total += len(toks)
		case function.ParameterLoc:
			param := call.Function.Params[piece.ParamName]
			if param.Direction == function.Output {
				total += int(param.Sampling.MaxGenLength)
				continue
			}
			b := call.Bindings[piece.ParamName]
			if b.Kind == function.Literal {
				toks, err := tok.Encode(b.Value, false)
				if err != nil {
					return 0, errkind.Wrap(errkind.UserError, "tokenize literal binding", err)
				}
				total += len(toks)
			}
		}
	}
	return total, nil
}
