// Package dispatcher assigns pending Sessions to Engines under a
// configurable, composable policy, enforcing tokenizer compatibility,
// prefix affinity, and per-engine capacity.
package dispatcher

import (
	"sort"
	"sync"

	"github.com/goa-design/semcore/enginerpc"
	"github.com/goa-design/semcore/errkind"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/session"
	"github.com/goa-design/semcore/telemetry"
)

// DispatcherConfig selects and parameterizes the dispatch policies applied
// on every Dispatch pass.
type DispatcherConfig struct {
	// DAGAware clusters throughput-class sessions onto fewer engines.
	DAGAware bool
	// ThroughputThreshold is the requests_num_upperbound at or above which a
	// call is classified throughput-class under DAGAware.
	ThroughputThreshold int
	// AppFIFO gates eligibility so a consumer never overtakes its producer
	// within one app's chain.
	AppFIFO bool
	// MaxQueueSize bounds the pending queue; a zero value means unbounded.
	// Pushes beyond this bound fail with errkind.QueueFull.
	MaxQueueSize int
}

// pending is one queued session plus the bookkeeping the policies need.
type pending struct {
	sess      *session.Session
	call      *function.Call
	tokenizer string
	demand    int
	arrival   int
}

// Dispatcher holds the pending queue and the set of registered engines.
type Dispatcher struct {
	cfg     DispatcherConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu       sync.Mutex
	engines  []*enginerpc.Engine
	queue    []*pending
	arrivalN int

	// produced tracks, per Variable id, whether the producing call has
	// already been dispatched or completed — consulted by app_fifo.
	produced map[string]bool

	// throughputOn tracks which engine each live throughput-class session
	// was placed on, so DAG-aware placement can cluster later arrivals onto
	// the same engine. Entries whose session has since been removed from its
	// engine are pruned lazily during counting.
	throughputOn map[string]string
}

// New returns a Dispatcher with no registered engines.
func New(cfg DispatcherConfig, logger telemetry.Logger, metrics telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{cfg: cfg, logger: logger, metrics: metrics, produced: make(map[string]bool), throughputOn: make(map[string]string)}
}

// RegisterEngine adds an engine to the pool considered during dispatch.
func (d *Dispatcher) RegisterEngine(e *enginerpc.Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engines = append(d.engines, e)
}

// Push enqueues a session for future dispatch. call carries the tokenizer,
// dispatch annotations, and app/dependency metadata the policies need; demand
// is the projected token footprint (input_tokens + sampling.max_gen_length).
// Push fails with errkind.QueueFull once MaxQueueSize pending sessions are
// already queued.
func (d *Dispatcher) Push(sess *session.Session, call *function.Call, tokenizer string, demand int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.MaxQueueSize > 0 && len(d.queue) >= d.cfg.MaxQueueSize {
		return errkind.NewDispatch(errkind.QueueFull, "pending queue at capacity")
	}
	d.arrivalN++
	d.queue = append(d.queue, &pending{sess: sess, call: call, tokenizer: tokenizer, demand: demand, arrival: d.arrivalN})
	return nil
}

// MarkProduced records that varID's producing call has dispatched or
// completed, unblocking app_fifo-eligible consumers that depend on it.
func (d *Dispatcher) MarkProduced(varID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.produced[varID] = true
}

// Dispatch runs one selection pass: it filters, orders, and places as many
// eligible pending sessions as capacity allows, returning those newly bound.
// Sessions left pending (no feasible engine right now) remain queued for a
// future Dispatch call.
func (d *Dispatcher) Dispatch() []*session.Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := d.eligibleLocked()
	order := d.orderLocked(candidates)

	var bound []*session.Session
	remaining := make(map[*pending]bool, len(d.queue))
	for _, p := range d.queue {
		remaining[p] = true
	}

	for _, p := range order {
		eng := d.selectEngineLocked(p)
		if eng == nil {
			continue
		}
		p.sess.Engine = eng
		eng.AddThread(p.sess.ID, p.demand)
		if d.cfg.DAGAware && p.throughputClass(d.cfg.ThroughputThreshold) {
			d.throughputOn[p.sess.ID] = eng.ID
		}
		for _, v := range p.call.Produces {
			d.produced[v] = true
		}
		bound = append(bound, p.sess)
		delete(remaining, p)
	}

	newQueue := make([]*pending, 0, len(remaining))
	for _, p := range d.queue {
		if remaining[p] {
			newQueue = append(newQueue, p)
		}
	}
	d.queue = newQueue
	return bound
}

// eligibleLocked returns the subset of the pending queue that app_fifo (if
// enabled) allows to be considered this pass: every upstream producer
// already dispatched or completed, and no earlier-ranked call of the same
// app still pending. Without app_fifo, every pending session is eligible.
func (d *Dispatcher) eligibleLocked() []*pending {
	if !d.cfg.AppFIFO {
		out := make([]*pending, len(d.queue))
		copy(out, d.queue)
		return out
	}
	// The lowest AppRank still pending, per app: a call may only dispatch
	// once every lower-ranked call of its app has left the queue, so a
	// consumer never overtakes its producer even when no Upstream edge was
	// declared between them.
	minRank := make(map[string]int)
	for _, p := range d.queue {
		if p.call.App == "" {
			continue
		}
		if r, ok := minRank[p.call.App]; !ok || p.call.AppRank < r {
			minRank[p.call.App] = p.call.AppRank
		}
	}
	var out []*pending
	for _, p := range d.queue {
		if !d.upstreamSatisfiedLocked(p) {
			continue
		}
		if p.call.App != "" && p.call.AppRank > minRank[p.call.App] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (d *Dispatcher) upstreamSatisfiedLocked(p *pending) bool {
	for _, v := range p.call.Upstream {
		if !d.produced[v] {
			return false
		}
	}
	return true
}

// orderLocked applies app_fifo arrival ordering and/or dag_aware packing
// preference. The two compose: app_fifo gates eligibility (eligibleLocked),
// dag_aware orders among the eligibles.
func (d *Dispatcher) orderLocked(candidates []*pending) []*pending {
	out := make([]*pending, len(candidates))
	copy(out, candidates)

	if d.cfg.AppFIFO {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].arrival < out[j].arrival
		})
	}

	if d.cfg.DAGAware {
		out = d.dagAwareOrderLocked(out)
	}

	return out
}

func (p *pending) throughputClass(threshold int) bool {
	return p.call.Function.RequestsNumUpperbound >= threshold
}

// selectEngineLocked picks the engine for one pending session: tokenizer
// filter first, then prefix affinity, then DAG-aware clustering when
// enabled, and finally the remaining-capacity fallback.
func (d *Dispatcher) selectEngineLocked(p *pending) *enginerpc.Engine {
	feasible := d.tokenizerCompatibleLocked(p)
	if len(feasible) == 0 {
		return nil
	}

	if eng := d.prefixAffinityLocked(p, feasible); eng != nil {
		return eng
	}

	if d.cfg.DAGAware {
		if eng := d.dagAwarePlaceLocked(p, feasible); eng != nil {
			return eng
		}
	}

	return d.mostCapacityLocked(p, feasible)
}

// dagAwarePlaceLocked clusters throughput-class sessions onto the feasible
// engine that already holds the most of them, and keeps latency-class
// sessions off any engine hosting throughput-class work. Returns nil when no
// engine satisfies the preference, letting placement fall back to plain
// remaining-capacity selection.
func (d *Dispatcher) dagAwarePlaceLocked(p *pending, feasible []*enginerpc.Engine) *enginerpc.Engine {
	counts := d.throughputCountsLocked()

	if p.throughputClass(d.cfg.ThroughputThreshold) {
		var best *enginerpc.Engine
		bestCount := 0
		for _, e := range feasible {
			if !e.HasCapacityFor(p.demand) {
				continue
			}
			if c := counts[e.ID]; c > bestCount {
				best, bestCount = e, c
			}
		}
		return best
	}

	var quiet []*enginerpc.Engine
	for _, e := range feasible {
		if counts[e.ID] == 0 {
			quiet = append(quiet, e)
		}
	}
	if len(quiet) == 0 {
		return nil
	}
	return d.mostCapacityLocked(p, quiet)
}

// throughputCountsLocked returns the number of live throughput-class
// sessions per engine, pruning entries whose session has since been removed
// from its engine.
func (d *Dispatcher) throughputCountsLocked() map[string]int {
	byID := make(map[string]*enginerpc.Engine, len(d.engines))
	for _, e := range d.engines {
		byID[e.ID] = e
	}
	counts := make(map[string]int)
	for sessID, engID := range d.throughputOn {
		e, ok := byID[engID]
		if !ok || !e.Assigned(sessID) {
			delete(d.throughputOn, sessID)
			continue
		}
		counts[engID]++
	}
	return counts
}

// tokenizerCompatibleLocked filters by tokenizer match and excludes engines
// an operator has explicitly opted out of hosting this function via a
// zero-valued per-function override. The function's own declared
// requests_num_upperbound is consulted separately by dagAwareOrderLocked
// for throughput classification.
func (d *Dispatcher) tokenizerCompatibleLocked(p *pending) []*enginerpc.Engine {
	var out []*enginerpc.Engine
	for _, e := range d.engines {
		if e.Tokenizer != p.tokenizer {
			continue
		}
		if e.Forbids(p.call.Function.Name) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// prefixAffinityLocked prefers an engine that already hosts the call's
// cached-prefix context, breaking ties by lowest load.
func (d *Dispatcher) prefixAffinityLocked(p *pending, feasible []*enginerpc.Engine) *enginerpc.Engine {
	if !p.call.Function.HasCachedPrefix || p.sess.Context == nil {
		return nil
	}
	// The cached-prefix bookkeeping lives on the root context a call's
	// Context was forked from (controller.Controller keeps one root per
	// function); a fresh per-call fork has no materialized engines of its
	// own yet, so affinity is judged against the root's set.
	cached := make(map[string]bool)
	for _, id := range p.sess.Context.Root().CachedEngines() {
		cached[id] = true
	}
	if len(cached) == 0 {
		return nil
	}
	var best *enginerpc.Engine
	for _, e := range feasible {
		if !cached[e.ID] {
			continue
		}
		if !e.HasCapacityFor(p.demand) {
			continue
		}
		if best == nil || e.AssignedThreads() < best.AssignedThreads() {
			best = e
		}
	}
	return best
}

// mostCapacityLocked picks the engine with the most remaining
// threads_capacity, breaking ties by remaining tokens_capacity, skipping
// any engine without room for the projected demand.
func (d *Dispatcher) mostCapacityLocked(p *pending, feasible []*enginerpc.Engine) *enginerpc.Engine {
	var best *enginerpc.Engine
	bestThreadsFree := -1
	bestTokensFree := -1
	for _, e := range feasible {
		if !e.HasCapacityFor(p.demand) {
			continue
		}
		threadsFree := e.ThreadsCapacity - e.AssignedThreads()
		tokensFree := e.TokensCapacity - e.ProjectedTokens()
		if threadsFree > bestThreadsFree || (threadsFree == bestThreadsFree && tokensFree > bestTokensFree) {
			best, bestThreadsFree, bestTokensFree = e, threadsFree, tokensFree
		}
	}
	return best
}

// dagAwareOrderLocked moves throughput-class candidates (high
// requests_num_upperbound) ahead of latency-class ones so clustering
// decisions are made before latency placements constrain the remaining
// engines. The actual clustering preference is applied per session by
// dagAwarePlaceLocked.
func (d *Dispatcher) dagAwareOrderLocked(candidates []*pending) []*pending {
	var throughput, latency []*pending
	for _, p := range candidates {
		if p.throughputClass(d.cfg.ThroughputThreshold) {
			throughput = append(throughput, p)
		} else {
			latency = append(latency, p)
		}
	}
	return append(throughput, latency...)
}
