// Package controller is the program-facing lifecycle owner: it registers
// engines and tokenizers, maintains the cached-prefix affinity bookkeeping
// the Dispatcher's prefix-affinity step consults, and exposes the Run
// entrypoint that scopes a program's execution.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goa-design/semcore/dispatcher"
	"github.com/goa-design/semcore/enginerpc"
	"github.com/goa-design/semcore/errkind"
	"github.com/goa-design/semcore/executor"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/ids"
	"github.com/goa-design/semcore/kvcontext"
	"github.com/goa-design/semcore/obsstore"
	"github.com/goa-design/semcore/session"
	"github.com/goa-design/semcore/telemetry"
)

type cachedPrefixSpec struct {
	function  *function.Function
	tokenizer string
}

// Replicator mirrors cached-prefix engine membership across core replicas.
// Satisfied by *controller/cluster.EngineSet; left nil for a single-node
// deployment.
type Replicator interface {
	Add(ctx context.Context, functionName, engineID string) error
	Clear(ctx context.Context, functionName string) error
}

// Controller wires together a Dispatcher and an Executor, registers the
// engines and tokenizers a running program needs, and owns the cached-prefix
// contexts shared across every call to a prefix-cached function.
type Controller struct {
	dispatcher *dispatcher.Dispatcher
	executor   *executor.Executor
	client     enginerpc.Client

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	mu             sync.Mutex
	engines        map[string]*enginerpc.Engine
	tokenizers     map[string]executor.Tokenizer
	cachedPrefixes map[string]*kvcontext.Context
	prefixSpecs    []cachedPrefixSpec
	replicator     Replicator
}

// SetReplicator wires r so every CachePrefix/FreePrefix call mirrors its
// engine-membership changes to it. Pass nil to run single-node (the
// default).
func (c *Controller) SetReplicator(r Replicator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicator = r
}

// SetObsStore wires store to receive a best-effort RunRecord after every
// Session terminates. Pass nil to disable (the default).
func (c *Controller) SetObsStore(store obsstore.Store) {
	if store == nil {
		c.executor.SetObserver(nil)
		return
	}
	c.executor.SetObserver(&obsObserver{store: store, logger: c.logger})
}

// obsObserver adapts executor.FinishObserver to obsstore.Store, stringifying
// the richer session.Status/error types at the boundary so obsstore stays
// free of a dependency on session or errkind.
type obsObserver struct {
	store  obsstore.Store
	logger telemetry.Logger
}

func (o *obsObserver) OnSessionFinish(ctx context.Context, info executor.SessionFinishInfo) {
	errText := ""
	if info.Err != nil {
		errText = info.Err.Error()
	}
	record := &obsstore.RunRecord{
		SessionID:       info.SessionID,
		FunctionName:    info.FunctionName,
		EngineID:        info.EngineID,
		ProjectedTokens: info.ProjectedTokens,
		Status:          info.Status.String(),
		Err:             errText,
		FinishedAt:      info.FinishedAt,
	}
	if err := o.store.Save(ctx, record); err != nil {
		o.logger.Warn(ctx, "obsstore save failed", "session_id", info.SessionID, "error", err.Error())
	}
}

// New constructs a Controller with its own Dispatcher and Executor, wired to
// client for engine RPCs and idPool for session id allocation.
func New(cfg dispatcher.DispatcherConfig, client enginerpc.Client, idPool *ids.Pool, logger telemetry.Logger, tracer telemetry.Tracer, metrics telemetry.Metrics) *Controller {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	c := &Controller{
		client:         client,
		logger:         logger,
		tracer:         tracer,
		metrics:        metrics,
		engines:        make(map[string]*enginerpc.Engine),
		tokenizers:     make(map[string]executor.Tokenizer),
		cachedPrefixes: make(map[string]*kvcontext.Context),
	}
	c.dispatcher = dispatcher.New(cfg, logger, metrics)
	c.executor = executor.New(c.dispatcher, client, idPool, c, logger, tracer, metrics)
	return c
}

// RegisterEngine adds e to both the Dispatcher's placement pool and the
// Controller's own bookkeeping, the latter needed to fan cached-prefix fills
// out to every compatible engine.
func (c *Controller) RegisterEngine(e *enginerpc.Engine) {
	c.mu.Lock()
	c.engines[e.ID] = e
	c.mu.Unlock()
	c.dispatcher.RegisterEngine(e)
}

// RegisterTokenizer makes tok available to the Executor for translation and
// demand projection, and to the Controller for cached-prefix tokenization.
func (c *Controller) RegisterTokenizer(tok executor.Tokenizer) {
	c.mu.Lock()
	c.tokenizers[tok.Name()] = tok
	c.mu.Unlock()
	c.executor.RegisterTokenizer(tok)
}

// RegisterCachedPrefix marks fn's leading constant piece as a prefix to
// materialize, under tokenizerName, at the start of every Run and free at
// its end. fn must have HasCachedPrefix set.
func (c *Controller) RegisterCachedPrefix(fn *function.Function, tokenizerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixSpecs = append(c.prefixSpecs, cachedPrefixSpec{function: fn, tokenizer: tokenizerName})
}

// Submit translates and queues call for dispatch. See executor.Executor.Submit.
func (c *Controller) Submit(call *function.Call) (*session.Session, error) {
	return c.executor.Submit(call)
}

// Pump runs one Dispatcher selection pass and starts every newly bound
// session's execution task. See executor.Executor.Pump.
func (c *Controller) Pump(ctx context.Context) []*session.Session {
	return c.executor.Pump(ctx)
}

// CachedPrefixContext implements executor.PrefixProvider: it reports the
// root Context already hosting fn's materialized cached prefix, if any.
func (c *Controller) CachedPrefixContext(functionName string) (*kvcontext.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.cachedPrefixes[functionName]
	return ctx, ok
}

// CachePrefix tokenizes fn's leading constant piece under tokenizerName and
// fills it into every registered engine whose tokenizer matches and that
// does not explicitly forbid fn, recording the result as fn's cached-prefix
// context. Calling it twice for the same function replaces the previous
// cached-prefix context without freeing it; callers should prefer
// FreePrefix first.
func (c *Controller) CachePrefix(ctx context.Context, fn *function.Function, tokenizerName string) error {
	if !fn.HasCachedPrefix {
		return errkind.Newf(errkind.UserError, "function %q is not marked HasCachedPrefix", fn.Name)
	}
	text, ok := firstConstantPiece(fn)
	if !ok {
		return errkind.Newf(errkind.UserError, "function %q has no leading constant piece to cache", fn.Name)
	}

	c.mu.Lock()
	tok, ok := c.tokenizers[tokenizerName]
	c.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.UserError, "no tokenizer registered for %q", tokenizerName)
	}

	toks, err := tok.Encode(text, true)
	if err != nil {
		return errkind.Wrap(errkind.UserError, "tokenize cached prefix", err)
	}

	root := kvcontext.NewRoot(uuid.NewString(), false)
	c.attachDestroyHook(root)

	c.mu.Lock()
	var targets []*enginerpc.Engine
	for _, e := range c.engines {
		if e.Tokenizer == tokenizerName && !e.Forbids(fn.Name) {
			targets = append(targets, e)
		}
	}
	c.mu.Unlock()

	for _, e := range targets {
		resp, err := c.client.Fill(ctx, enginerpc.FillRequest{
			EngineID:  e.ID,
			ContextID: root.ID,
			TokenIDs:  toks,
		})
		if err != nil {
			return errkind.Wrap(errkind.EngineRPCError, "cache prefix fill", err)
		}
		if resp.NumFilledTokens != len(toks) {
			return errkind.Newf(errkind.AssertionFailure, "cache prefix fill mismatch on engine %s: submitted %d, engine reported %d", e.ID, len(toks), resp.NumFilledTokens)
		}
		root.MarkMaterialized(e.ID)
	}

	c.mu.Lock()
	c.cachedPrefixes[fn.Name] = root
	replicator := c.replicator
	c.mu.Unlock()

	if replicator != nil {
		for _, e := range targets {
			if err := replicator.Add(ctx, fn.Name, e.ID); err != nil {
				c.logger.Warn(ctx, "replicate cached prefix engine failed", "function", fn.Name, "engine_id", e.ID, "error", err.Error())
			}
		}
	}
	return nil
}

// FreePrefix releases fn's cached-prefix context, fanning a free_context RPC
// out to every engine that hosts it. A no-op if fn has no cached-prefix
// context registered.
func (c *Controller) FreePrefix(ctx context.Context, functionName string) error {
	c.mu.Lock()
	root, ok := c.cachedPrefixes[functionName]
	if ok {
		delete(c.cachedPrefixes, functionName)
	}
	replicator := c.replicator
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if replicator != nil {
		if err := replicator.Clear(ctx, functionName); err != nil {
			c.logger.Warn(ctx, "clear replicated cached prefix failed", "function", functionName, "error", err.Error())
		}
	}
	_, err := root.Release(ctx)
	return err
}

func (c *Controller) attachDestroyHook(ctx *kvcontext.Context) {
	ctx.OnDestroy(func(bg context.Context, cc *kvcontext.Context) error {
		for _, engID := range cc.CachedEngines() {
			if _, err := c.client.FreeContext(bg, enginerpc.FreeContextRequest{EngineID: engID, ContextID: cc.ID}); err != nil {
				c.logger.Warn(bg, "free cached prefix context failed", "context_id", cc.ID, "engine_id", engID, "error", err.Error())
			}
		}
		return nil
	})
}

func firstConstantPiece(fn *function.Function) (string, bool) {
	if len(fn.Pieces) > 0 && fn.Pieces[0].Kind == function.Constant {
		return fn.Pieces[0].Text, true
	}
	return "", false
}

// Run executes program under a controller-running scope: it caches every
// function prefix registered via RegisterCachedPrefix, runs program, and
// always frees those prefixes on the way out regardless of outcome, then
// logs elapsed time on a clean exit when timeit is set.
func (c *Controller) Run(ctx context.Context, timeit bool, program func(ctx context.Context, c *Controller) error) error {
	start := time.Now()

	c.mu.Lock()
	specs := append([]cachedPrefixSpec(nil), c.prefixSpecs...)
	c.mu.Unlock()

	defer func() {
		for _, spec := range specs {
			if err := c.FreePrefix(context.Background(), spec.function.Name); err != nil {
				c.logger.Warn(ctx, "free cached prefix failed", "function", spec.function.Name, "error", err.Error())
			}
		}
	}()
	for _, spec := range specs {
		if err := c.CachePrefix(ctx, spec.function, spec.tokenizer); err != nil {
			return err
		}
	}

	err := program(ctx, c)
	if err == nil && timeit {
		c.logger.Info(ctx, "run complete", "elapsed", time.Since(start).String())
	}
	return err
}
