package executor

import (
	"context"
	"testing"
	"time"

	"github.com/goa-design/semcore/dataholder"
	"github.com/goa-design/semcore/dispatcher"
	"github.com/goa-design/semcore/enginerpc"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/ids"
	"github.com/goa-design/semcore/instruction"
	"github.com/goa-design/semcore/kvcontext"
	"github.com/goa-design/semcore/session"
	"github.com/goa-design/semcore/variable"
)

// asciiTokenizer is a trivial one-byte-per-token tokenizer for tests.
type asciiTokenizer struct{ name string }

func (t asciiTokenizer) Name() string { return t.name }

func (t asciiTokenizer) Encode(text string, _ bool) ([]dataholder.Token, error) {
	out := make([]dataholder.Token, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = dataholder.Token(text[i])
	}
	return out, nil
}

func (t asciiTokenizer) EOSTokenID() dataholder.Token { return 255 }

type fakeEngineClient struct{}

func (fakeEngineClient) Fill(_ context.Context, req enginerpc.FillRequest) (enginerpc.FillResponse, error) {
	return enginerpc.FillResponse{NumFilledTokens: len(req.TokenIDs)}, nil
}

func (fakeEngineClient) Generate(_ context.Context, _ enginerpc.GenerateRequest) (<-chan enginerpc.GenerateChunk, error) {
	ch := make(chan enginerpc.GenerateChunk, 2)
	ch <- enginerpc.GenerateChunk{TokenID: 'x'}
	ch <- enginerpc.GenerateChunk{TokenID: 'y'}
	close(ch)
	return ch, nil
}

func (fakeEngineClient) FreeContext(_ context.Context, _ enginerpc.FreeContextRequest) (enginerpc.FreeContextResponse, error) {
	return enginerpc.FreeContextResponse{}, nil
}

// waitForTerminal polls sess.Status until it leaves Running/Pending or the
// deadline expires. The fakes in this file never block, so completion is
// near-immediate; polling avoids adding a second synchronization channel
// just for tests.
func waitForTerminal(t *testing.T, sess *session.Session) session.Status {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		switch st := sess.Status(); st {
		case session.Completed, session.Failed, session.Canceled:
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("session did not reach a terminal status in time")
	return session.Failed
}

func TestSubmitAndPumpRunsConstantOnlyCall(t *testing.T) {
	d := dispatcher.New(dispatcher.DispatcherConfig{}, nil, nil)
	eng := enginerpc.New("e1", "ascii", "addr", 4, 1000)
	d.RegisterEngine(eng)

	e := New(d, fakeEngineClient{}, ids.New(8), nil, nil, nil, nil)
	e.RegisterTokenizer(asciiTokenizer{name: "ascii"})

	fn := &function.Function{
		Name: "greet",
		Pieces: []function.Piece{
			{Kind: function.Constant, Text: "hello"},
		},
	}
	call := &function.Call{Function: fn, Tokenizer: "ascii", Bindings: map[string]function.Binding{}}

	sess, err := e.Submit(call)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	bound := e.Pump(context.Background())
	if len(bound) != 1 || bound[0] != sess {
		t.Fatalf("expected the session to be bound on first pump, got %v", bound)
	}

	if st := waitForTerminal(t, sess); st != session.Completed {
		t.Fatalf("expected Completed, got %v", st)
	}
}

func TestTranslateSkipsOnlyTheLeadingConstantForCachedPrefix(t *testing.T) {
	tok := asciiTokenizer{name: "ascii"}
	holders := NewHolderRegistry()
	v := variable.NewFuture("in-var", "text")

	fn := &function.Function{
		Name:            "cached",
		HasCachedPrefix: true,
		Pieces: []function.Piece{
			{Kind: function.Constant, Text: "prefix"},
			{Kind: function.ParameterLoc, ParamName: "text"},
			{Kind: function.Constant, Text: "tail"},
		},
		Params: map[string]function.Param{
			"text": {Name: "text", Direction: function.Input},
		},
	}
	call := &function.Call{
		Function:  fn,
		Tokenizer: "ascii",
		Bindings:  map[string]function.Binding{"text": function.NewFutureBinding(v)},
	}

	instrs, _, err := translate(tok, call, kvcontext.NewRoot("c1", false), holders)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if len(instrs) != 2 {
		t.Fatalf("expected the leading constant skipped and the tail kept, got %d instructions", len(instrs))
	}
	if instrs[0].Kind != instruction.PlaceholderFill {
		t.Fatalf("expected a placeholder fill first, got %v", instrs[0].Kind)
	}
	if instrs[1].Kind != instruction.ConstantFill || len(instrs[1].Tokens) != len("tail") {
		t.Fatalf("the trailing constant must still emit its tokens, got %+v", instrs[1])
	}
}

func TestTranslateKeepsEveryConstantWhenLeadingPieceIsAParameter(t *testing.T) {
	tok := asciiTokenizer{name: "ascii"}
	holders := NewHolderRegistry()
	v := variable.NewFuture("in-var", "text")

	fn := &function.Function{
		Name:            "cached",
		HasCachedPrefix: true,
		Pieces: []function.Piece{
			{Kind: function.ParameterLoc, ParamName: "text"},
			{Kind: function.Constant, Text: "tail"},
		},
		Params: map[string]function.Param{
			"text": {Name: "text", Direction: function.Input},
		},
	}
	call := &function.Call{
		Function:  fn,
		Tokenizer: "ascii",
		Bindings:  map[string]function.Binding{"text": function.NewFutureBinding(v)},
	}

	instrs, _, err := translate(tok, call, kvcontext.NewRoot("c1", false), holders)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if len(instrs) != 2 {
		t.Fatalf("expected both pieces to emit, got %d instructions", len(instrs))
	}
	if instrs[1].Kind != instruction.ConstantFill || len(instrs[1].Tokens) != len("tail") {
		t.Fatalf("a constant that is not the leading piece must never be skipped, got %+v", instrs[1])
	}
}

func TestSubmitRejectsOutputParameterWithLiteralBinding(t *testing.T) {
	d := dispatcher.New(dispatcher.DispatcherConfig{}, nil, nil)
	e := New(d, fakeEngineClient{}, ids.New(8), nil, nil, nil, nil)
	e.RegisterTokenizer(asciiTokenizer{name: "ascii"})

	fn := &function.Function{
		Name: "f",
		Params: map[string]function.Param{
			"out": {Name: "out", Direction: function.Output},
		},
	}
	call := &function.Call{
		Function:  fn,
		Tokenizer: "ascii",
		Bindings:  map[string]function.Binding{"out": function.NewLiteralBinding("nope")},
	}

	if _, err := e.Submit(call); err == nil {
		t.Fatal("expected a UserError for an output parameter bound to a literal")
	}
}

func TestSubmitGeneratesFillsAndGenerationEndToEnd(t *testing.T) {
	d := dispatcher.New(dispatcher.DispatcherConfig{}, nil, nil)
	eng := enginerpc.New("e1", "ascii", "addr", 4, 1000)
	d.RegisterEngine(eng)

	e := New(d, fakeEngineClient{}, ids.New(8), nil, nil, nil, nil)
	e.RegisterTokenizer(asciiTokenizer{name: "ascii"})

	v := variable.NewFuture("out-var", "answer")
	fn := &function.Function{
		Name: "ask",
		Pieces: []function.Piece{
			{Kind: function.Constant, Text: "Q: "},
			{Kind: function.ParameterLoc, ParamName: "answer"},
		},
		Params: map[string]function.Param{
			"answer": {
				Name:      "answer",
				Direction: function.Output,
				Sampling:  instruction.SamplingParams{MaxGenLength: 2},
			},
		},
	}
	call := &function.Call{
		Function:  fn,
		Tokenizer: "ascii",
		Bindings:  map[string]function.Binding{"answer": function.NewFutureBinding(v)},
	}

	holder, ok := e.holders.Lookup(v.ID)
	if ok {
		t.Fatal("holder should not exist before the call referencing it is submitted")
	}

	sess, err := e.Submit(call)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	holder, ok = e.holders.Lookup(v.ID)
	if !ok {
		t.Fatal("expected the output holder to be created at Submit time")
	}

	e.Pump(context.Background())
	if st := waitForTerminal(t, sess); st != session.Completed {
		t.Fatalf("expected Completed, got %v", st)
	}

	got := holder.Tokens()
	if len(got) != 2 || got[0] != 'x' || got[1] != 'y' {
		t.Fatalf("unexpected generated tokens: %v", got)
	}
	if !holder.Ready() {
		t.Fatal("expected output holder to be marked ready")
	}
}
