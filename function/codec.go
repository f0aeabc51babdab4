package function

import (
	"encoding/json"
	"fmt"

	"github.com/goa-design/semcore/instruction"
	"github.com/goa-design/semcore/variable"
)

// Wire forms for function declarations. Kinds and directions serialize as
// strings so payloads stay readable and stable across re-orderings of the
// Go enum values.
type (
	pieceWire struct {
		Kind  string `json:"kind"`
		Text  string `json:"text,omitempty"`
		Param string `json:"param,omitempty"`
	}

	samplingWire struct {
		Temperature        float32  `json:"temperature"`
		TopP               float32  `json:"top_p"`
		MaxGenLength       uint32   `json:"max_gen_length"`
		StopTokenIDs       []uint32 `json:"stop_token_ids,omitempty"`
		IgnoreTokenizerEOS bool     `json:"ignore_tokenizer_eos,omitempty"`
	}

	paramWire struct {
		Name               string       `json:"name"`
		Direction          string       `json:"direction"`
		Sampling           samplingWire `json:"sampling"`
		IgnoreTokenizerEOS bool         `json:"ignore_tokenizer_eos,omitempty"`
	}

	functionWire struct {
		Name                  string      `json:"name"`
		Pieces                []pieceWire `json:"pieces"`
		Params                []paramWire `json:"params,omitempty"`
		RequestsNumUpperbound int         `json:"requests_num_upperbound,omitempty"`
		HasCachedPrefix       bool        `json:"has_cached_prefix,omitempty"`
	}
)

// Encode serializes fn so it can be reconstructed by Decode with an
// equivalent body: same piece sequence, same parameter directions, same
// sampling configs.
func Encode(fn *Function) ([]byte, error) {
	w := functionWire{
		Name:                  fn.Name,
		RequestsNumUpperbound: fn.RequestsNumUpperbound,
		HasCachedPrefix:       fn.HasCachedPrefix,
	}
	for _, p := range fn.Pieces {
		switch p.Kind {
		case Constant:
			w.Pieces = append(w.Pieces, pieceWire{Kind: "constant", Text: p.Text})
		case ParameterLoc:
			w.Pieces = append(w.Pieces, pieceWire{Kind: "parameter_loc", Param: p.ParamName})
		default:
			return nil, fmt.Errorf("function %q: unknown piece kind %d", fn.Name, p.Kind)
		}
	}
	// Emit params in body order so encoding is deterministic; params never
	// referenced by a piece follow in no particular order.
	emitted := make(map[string]bool)
	emit := func(name string, p Param) {
		dir := "input"
		if p.Direction == Output {
			dir = "output"
		}
		w.Params = append(w.Params, paramWire{
			Name:      name,
			Direction: dir,
			Sampling: samplingWire{
				Temperature:        p.Sampling.Temperature,
				TopP:               p.Sampling.TopP,
				MaxGenLength:       p.Sampling.MaxGenLength,
				StopTokenIDs:       p.Sampling.StopTokenIDs,
				IgnoreTokenizerEOS: p.Sampling.IgnoreTokenizerEOS,
			},
			IgnoreTokenizerEOS: p.IgnoreTokenizerEOS,
		})
		emitted[name] = true
	}
	for _, p := range fn.Pieces {
		if p.Kind != ParameterLoc || emitted[p.ParamName] {
			continue
		}
		if param, ok := fn.Params[p.ParamName]; ok {
			emit(p.ParamName, param)
		}
	}
	for name, param := range fn.Params {
		if !emitted[name] {
			emit(name, param)
		}
	}
	return json.Marshal(w)
}

// Decode reconstructs a Function serialized by Encode.
func Decode(data []byte) (*Function, error) {
	var w functionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode function declaration: %w", err)
	}
	fn := &Function{
		Name:                  w.Name,
		Params:                make(map[string]Param, len(w.Params)),
		RequestsNumUpperbound: w.RequestsNumUpperbound,
		HasCachedPrefix:       w.HasCachedPrefix,
	}
	for _, p := range w.Pieces {
		switch p.Kind {
		case "constant":
			fn.Pieces = append(fn.Pieces, Piece{Kind: Constant, Text: p.Text})
		case "parameter_loc":
			fn.Pieces = append(fn.Pieces, Piece{Kind: ParameterLoc, ParamName: p.Param})
		default:
			return nil, fmt.Errorf("function %q: unknown piece kind %q", w.Name, p.Kind)
		}
	}
	for _, p := range w.Params {
		dir := Input
		switch p.Direction {
		case "input":
		case "output":
			dir = Output
		default:
			return nil, fmt.Errorf("function %q: param %q: unknown direction %q", w.Name, p.Name, p.Direction)
		}
		fn.Params[p.Name] = Param{
			Name:      p.Name,
			Direction: dir,
			Sampling: instruction.SamplingParams{
				Temperature:        p.Sampling.Temperature,
				TopP:               p.Sampling.TopP,
				MaxGenLength:       p.Sampling.MaxGenLength,
				StopTokenIDs:       p.Sampling.StopTokenIDs,
				IgnoreTokenizerEOS: p.Sampling.IgnoreTokenizerEOS,
			},
			IgnoreTokenizerEOS: p.IgnoreTokenizerEOS,
		}
	}
	return fn, nil
}

// EncodeBindings flattens call bindings into a plain string map suitable
// for embedding in a call payload: literals carry their value verbatim and
// Future references are wrapped in the Future magic header.
func EncodeBindings(bindings map[string]Binding) map[string]string {
	out := make(map[string]string, len(bindings))
	for name, b := range bindings {
		switch b.Kind {
		case FutureRef:
			if b.Ref != nil {
				out[name] = b.Ref.EncodePayload()
			}
		default:
			out[name] = b.Value
		}
	}
	return out
}

// DecodeBindings reverses EncodeBindings. A decoded Future reference
// carries only the Variable's id; the caller resolves it against its own
// Variable table (the id is the identity).
func DecodeBindings(payload map[string]string) map[string]Binding {
	out := make(map[string]Binding, len(payload))
	for name, val := range payload {
		if id, ok := variable.DecodePayload(val); ok {
			out[name] = NewFutureBinding(variable.NewFuture(id, ""))
			continue
		}
		out[name] = NewLiteralBinding(val)
	}
	return out
}
