package function

import "github.com/goa-design/semcore/variable"

// BindingKind tags a Binding's variant.
type BindingKind int

const (
	// Literal bindings carry an already-available plain value.
	Literal BindingKind = iota
	// FutureRef bindings carry a reference to a Variable produced
	// elsewhere (possibly still pending).
	FutureRef
)

// Binding is the call-time argument bound to a Param.
type Binding struct {
	Kind  BindingKind
	Value string
	Ref   *variable.Variable
}

// NewLiteralBinding returns a Binding carrying a plain, already-available
// value.
func NewLiteralBinding(value string) Binding {
	return Binding{Kind: Literal, Value: value}
}

// NewFutureBinding returns a Binding that defers to the given Variable.
func NewFutureBinding(v *variable.Variable) Binding {
	return Binding{Kind: FutureRef, Ref: v}
}

// Call is one invocation of a Function: the declaration plus the call-time
// argument bindings and app/dependency metadata the Dispatcher needs for
// app_fifo ordering.
type Call struct {
	// Function is the declaration being invoked.
	Function *Function
	// Tokenizer names the tokenizer this call must run under. The
	// Dispatcher only considers engines whose Tokenizer matches.
	Tokenizer string
	// Bindings maps parameter name to its call-time argument.
	Bindings map[string]Binding
	// SharedContext, when non-empty, names the user-managed shared context
	// this call reads from or writes to.
	SharedContext string
	// SharedWrite marks that this call is the writer of SharedContext,
	// rather than a reader forking a child of it.
	SharedWrite bool
	// App identifies the connected component of producer/consumer calls
	// this one belongs to. Under app_fifo, a call is eligible for dispatch
	// only once no lower-ranked call of the same App remains pending.
	App string
	// AppRank is this call's arrival rank within App, consulted by the
	// app_fifo eligibility gate.
	AppRank int
	// Upstream lists the Variable ids this call's Input Futures depend on,
	// used by app_fifo to determine eligibility.
	Upstream []string
	// Produces lists the Variable id(s) this call's Output parameters
	// produce, used to resolve Upstream dependencies of other calls.
	Produces []string
}

// Validate checks bindings against the declared parameter directions: an
// Output parameter supplied a Literal binding by the caller is a user
// error.
func (c *Call) Validate() error {
	if err := c.Function.Validate(); err != nil {
		return err
	}
	for name, b := range c.Bindings {
		param, ok := c.Function.Params[name]
		if !ok {
			return &ValidationError{Function: c.Function.Name, Param: name, Reason: "binding for undeclared parameter"}
		}
		if param.Direction == Output && b.Kind == Literal {
			return &ValidationError{Function: c.Function.Name, Param: name, Reason: "output parameter supplied a literal value by the caller"}
		}
	}
	return nil
}
