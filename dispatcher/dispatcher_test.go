package dispatcher

import (
	"testing"

	"github.com/goa-design/semcore/enginerpc"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/kvcontext"
	"github.com/goa-design/semcore/session"
)

func newPendingSession(t *testing.T, id string, fn *function.Function) (*session.Session, *function.Call) {
	t.Helper()
	call := &function.Call{Function: fn, Bindings: map[string]function.Binding{}}
	ctx := kvcontext.NewRoot(id+"-ctx", false)
	sess := session.New(id, call, ctx, nil, nil, nil, nil)
	return sess, call
}

func TestDefaultLoadBalancePicksLeastLoadedEngine(t *testing.T) {
	d := New(DispatcherConfig{}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 2, 1000)
	e2 := enginerpc.New("e2", "tok", "a2", 2, 1000)
	d.RegisterEngine(e1)
	d.RegisterEngine(e2)
	e1.AddThread("warm", 10)

	fn := &function.Function{Name: "f"}
	s, c := newPendingSession(t, "s1", fn)
	if err := d.Push(s, c, "tok", 5); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	bound := d.Dispatch()
	if len(bound) != 1 {
		t.Fatalf("expected 1 bound session, got %d", len(bound))
	}
	if bound[0].Engine.ID != "e2" {
		t.Fatalf("expected least-loaded engine e2, got %s", bound[0].Engine.ID)
	}
}

func TestQueueFullRejectsExcessPush(t *testing.T) {
	d := New(DispatcherConfig{MaxQueueSize: 1}, nil, nil)
	fn := &function.Function{Name: "f"}
	s1, c1 := newPendingSession(t, "s1", fn)
	s2, c2 := newPendingSession(t, "s2", fn)

	if err := d.Push(s1, c1, "tok", 1); err != nil {
		t.Fatalf("first push should succeed: %v", err)
	}
	err := d.Push(s2, c2, "tok", 1)
	if err == nil {
		t.Fatal("expected QueueFull on second push")
	}
}

func TestNoFeasibleEngineLeavesSessionPending(t *testing.T) {
	d := New(DispatcherConfig{}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 1, 10)
	d.RegisterEngine(e1)
	e1.AddThread("busy", 0)

	fn := &function.Function{Name: "f"}
	s, c := newPendingSession(t, "s1", fn)
	if err := d.Push(s, c, "tok", 1); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	bound := d.Dispatch()
	if len(bound) != 0 {
		t.Fatalf("expected no bindings at full thread capacity, got %d", len(bound))
	}
	if s.Engine != nil {
		t.Fatal("session should remain unbound")
	}
}

func TestTokenizerMismatchExcludesEngine(t *testing.T) {
	d := New(DispatcherConfig{}, nil, nil)
	e1 := enginerpc.New("e1", "tok-a", "a1", 4, 1000)
	d.RegisterEngine(e1)

	fn := &function.Function{Name: "f"}
	s, c := newPendingSession(t, "s1", fn)
	if err := d.Push(s, c, "tok-b", 1); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	bound := d.Dispatch()
	if len(bound) != 0 {
		t.Fatalf("expected no bindings across tokenizer mismatch, got %d", len(bound))
	}
}

func TestAppFIFOOrdersChainedCallsByArrivalAndDependency(t *testing.T) {
	d := New(DispatcherConfig{AppFIFO: true, MaxQueueSize: 100}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 1, 1000)
	d.RegisterEngine(e1)

	fn := &function.Function{Name: "f"}

	// Two apps, each with a chained A -> B call (B depends on A's output).
	for _, app := range []string{"app1", "app2"} {
		sa, ca := newPendingSession(t, app+"-A", fn)
		ca.App, ca.AppRank = app, 0
		ca.Produces = []string{app + "-var"}
		if err := d.Push(sa, ca, "tok", 1); err != nil {
			t.Fatalf("push A failed: %v", err)
		}

		sb, cb := newPendingSession(t, app+"-B", fn)
		cb.App, cb.AppRank = app, 1
		cb.Upstream = []string{app + "-var"}
		if err := d.Push(sb, cb, "tok", 1); err != nil {
			t.Fatalf("push B failed: %v", err)
		}
	}

	// First pass: only the A calls are eligible (threads_capacity=1, so only
	// one dispatches; the rest remain pending until that engine frees up).
	bound := d.Dispatch()
	if len(bound) != 1 {
		t.Fatalf("expected exactly 1 dispatched this pass under threads_capacity=1, got %d", len(bound))
	}
	if bound[0].ID != "app1-A" {
		t.Fatalf("expected app1-A to dispatch first by arrival rank, got %s", bound[0].ID)
	}

	// Simulate app1-A completing: free its engine slot and record that it
	// produced its output Variable, unblocking app1-B.
	e1.RemoveThread("app1-A")
	d.MarkProduced("app1-var")

	bound = d.Dispatch()
	if len(bound) != 1 {
		t.Fatalf("expected exactly 1 dispatched this pass, got %d", len(bound))
	}
	if bound[0].ID != "app1-B" {
		t.Fatalf("expected app1-B to overtake app2-A (a consumer cannot overtake its producer, but an unblocked earlier-arrival consumer precedes a later-arrival independent call), got %s", bound[0].ID)
	}
}

func TestAppFIFORankGateHoldsWithoutDeclaredUpstreamEdges(t *testing.T) {
	d := New(DispatcherConfig{AppFIFO: true, MaxQueueSize: 100}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 1, 1000)
	d.RegisterEngine(e1)

	fn := &function.Function{Name: "f"}

	// Push the app's second call first. No Upstream edge links the two, so
	// only the AppRank gate can keep B from overtaking A.
	sb, cb := newPendingSession(t, "app1-B", fn)
	cb.App, cb.AppRank = "app1", 1
	if err := d.Push(sb, cb, "tok", 1); err != nil {
		t.Fatalf("push B failed: %v", err)
	}
	sa, ca := newPendingSession(t, "app1-A", fn)
	ca.App, ca.AppRank = "app1", 0
	if err := d.Push(sa, ca, "tok", 1); err != nil {
		t.Fatalf("push A failed: %v", err)
	}

	bound := d.Dispatch()
	if len(bound) != 1 || bound[0].ID != "app1-A" {
		t.Fatalf("expected app1-A to dispatch first despite later push, got %v", bound)
	}

	e1.RemoveThread("app1-A")
	bound = d.Dispatch()
	if len(bound) != 1 || bound[0].ID != "app1-B" {
		t.Fatalf("expected app1-B once app1-A left the queue, got %v", bound)
	}
}

func TestDAGAwarePacksThroughputClassAndSpreadsLatencyClass(t *testing.T) {
	d := New(DispatcherConfig{DAGAware: true, ThroughputThreshold: 64, MaxQueueSize: 100}, nil, nil)
	engines := make([]*enginerpc.Engine, 4)
	for i := range engines {
		id := "e" + string(rune('1'+i))
		engines[i] = enginerpc.New(id, "tok", "addr-"+id, 16, 100000)
		d.RegisterEngine(engines[i])
	}

	bigFn := &function.Function{Name: "big", RequestsNumUpperbound: 64}
	smallFn := &function.Function{Name: "small", RequestsNumUpperbound: 3}
	for i := 0; i < 8; i++ {
		sb, cb := newPendingSession(t, "big"+string(rune('0'+i)), bigFn)
		if err := d.Push(sb, cb, "tok", 10); err != nil {
			t.Fatalf("push big failed: %v", err)
		}
		sl, cl := newPendingSession(t, "small"+string(rune('0'+i)), smallFn)
		if err := d.Push(sl, cl, "tok", 10); err != nil {
			t.Fatalf("push small failed: %v", err)
		}
	}

	bound := d.Dispatch()
	if len(bound) != 16 {
		t.Fatalf("expected all 16 sessions dispatched, got %d", len(bound))
	}

	bigEngine := ""
	for _, sess := range bound {
		if sess.Call.Function != bigFn {
			continue
		}
		if bigEngine == "" {
			bigEngine = sess.Engine.ID
		} else if sess.Engine.ID != bigEngine {
			t.Fatalf("throughput-class sessions split across %s and %s", bigEngine, sess.Engine.ID)
		}
	}
	perEngine := make(map[string]int)
	for _, sess := range bound {
		if sess.Call.Function == smallFn {
			if sess.Engine.ID == bigEngine {
				t.Fatalf("latency-class session %s placed on the throughput engine %s", sess.ID, bigEngine)
			}
			perEngine[sess.Engine.ID]++
		}
	}
	if len(perEngine) != 3 {
		t.Fatalf("expected latency-class sessions spread across the 3 remaining engines, got %v", perEngine)
	}
}

func TestDAGAwareClusteringSurvivesAcrossDispatchPasses(t *testing.T) {
	d := New(DispatcherConfig{DAGAware: true, ThroughputThreshold: 100}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 4, 100000)
	e2 := enginerpc.New("e2", "tok", "a2", 4, 100000)
	d.RegisterEngine(e1)
	d.RegisterEngine(e2)

	bigFn := &function.Function{Name: "big", RequestsNumUpperbound: 500}
	s1, c1 := newPendingSession(t, "big1", bigFn)
	if err := d.Push(s1, c1, "tok", 10); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	bound := d.Dispatch()
	if len(bound) != 1 {
		t.Fatalf("expected 1 bound session, got %d", len(bound))
	}
	firstEngine := bound[0].Engine.ID

	s2, c2 := newPendingSession(t, "big2", bigFn)
	if err := d.Push(s2, c2, "tok", 10); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	bound2 := d.Dispatch()
	if len(bound2) != 1 {
		t.Fatalf("expected 1 bound session, got %d", len(bound2))
	}
	if bound2[0].Engine.ID != firstEngine {
		t.Fatalf("expected throughput-class sessions clustered on %s, got %s", firstEngine, bound2[0].Engine.ID)
	}
}

func TestChainDependencyOrderNeverDispatchesConsumerBeforeProducer(t *testing.T) {
	d := New(DispatcherConfig{AppFIFO: true, MaxQueueSize: 100}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 1, 1000)
	d.RegisterEngine(e1)

	fn := &function.Function{Name: "f"}

	// Four independent producer/consumer chains, pushed consumer-first (the
	// reverse of topological order) to verify ordering comes from the
	// dependency gate, not push order.
	var producerOf = make(map[string]string)
	for i := 0; i < 4; i++ {
		chain := string(rune('a' + i))
		varID := chain + "-var"
		sc, cc := newPendingSession(t, chain+"-consumer", fn)
		cc.Upstream = []string{varID}
		if err := d.Push(sc, cc, "tok", 1); err != nil {
			t.Fatalf("push consumer failed: %v", err)
		}

		sp, cp := newPendingSession(t, chain+"-producer", fn)
		cp.Produces = []string{varID}
		if err := d.Push(sp, cp, "tok", 1); err != nil {
			t.Fatalf("push producer failed: %v", err)
		}
		producerOf[chain+"-consumer"] = chain + "-producer"
	}

	dispatchedAt := make(map[string]int)
	for round := 1; round <= 8; round++ {
		bound := d.Dispatch()
		if len(bound) != 1 {
			t.Fatalf("round %d: expected exactly 1 dispatched session under threads_capacity=1, got %d", round, len(bound))
		}
		id := bound[0].ID
		if producer, isConsumer := producerOf[id]; isConsumer {
			if _, producerDone := dispatchedAt[producer]; !producerDone {
				t.Fatalf("round %d: consumer %s dispatched before its producer %s", round, id, producer)
			}
		}
		dispatchedAt[id] = round
		e1.RemoveThread(id)
		for _, v := range bound[0].Call.Produces {
			d.MarkProduced(v)
		}
	}
	if len(dispatchedAt) != 8 {
		t.Fatalf("expected all 8 sessions dispatched across 8 rounds, got %d", len(dispatchedAt))
	}
}

func TestTokenCapacityGatingAdmitsOnlyWhatFitsThenMoreAfterFreeing(t *testing.T) {
	d := New(DispatcherConfig{MaxQueueSize: 100}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 8, 2048)
	d.RegisterEngine(e1)

	fn := &function.Function{Name: "f"}
	sessions := make([]*session.Session, 8)
	for i := 0; i < 8; i++ {
		s, c := newPendingSession(t, "s"+string(rune('0'+i)), fn)
		sessions[i] = s
		if err := d.Push(s, c, "tok", 1000); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	bound := d.Dispatch()
	if len(bound) != 2 {
		t.Fatalf("expected exactly 2 sessions to fit in 2048 tokens_capacity at 1000 each, got %d", len(bound))
	}

	for _, sess := range bound {
		sess.Engine.RemoveThread(sess.ID)
	}

	bound2 := d.Dispatch()
	if len(bound2) != 2 {
		t.Fatalf("expected exactly 2 more sessions dispatched after freeing, got %d", len(bound2))
	}
}

func TestPrefixAffinityPrefersEngineHostingCachedPrefix(t *testing.T) {
	d := New(DispatcherConfig{}, nil, nil)
	e1 := enginerpc.New("e1", "tok", "a1", 4, 1000)
	e2 := enginerpc.New("e2", "tok", "a2", 4, 1000)
	d.RegisterEngine(e1)
	d.RegisterEngine(e2)

	fn := &function.Function{Name: "cached", HasCachedPrefix: true}
	ctx := kvcontext.NewRoot("cached-ctx", true)
	ctx.MarkMaterialized("e2")
	call := &function.Call{Function: fn, Bindings: map[string]function.Binding{}}
	sess := session.New("s1", call, ctx, nil, nil, nil, nil)

	if err := d.Push(sess, call, "tok", 1); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	bound := d.Dispatch()
	if len(bound) != 1 {
		t.Fatalf("expected 1 bound session, got %d", len(bound))
	}
	if bound[0].Engine.ID != "e2" {
		t.Fatalf("expected prefix-affine engine e2, got %s", bound[0].Engine.ID)
	}
}
