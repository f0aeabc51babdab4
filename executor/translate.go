package executor

import (
	"github.com/goa-design/semcore/errkind"
	"github.com/goa-design/semcore/function"
	"github.com/goa-design/semcore/instruction"
	"github.com/goa-design/semcore/kvcontext"
)

// translate is the sub-executor's body: it walks a Function's pieces under
// tok and call's bindings, producing the ordered instruction sequence the
// session loop will drain.
func translate(tok Tokenizer, call *function.Call, kvctx *kvcontext.Context, holders *HolderRegistry) ([]instruction.Instruction, []string, error) {
	skipFirstConstant := call.Function.HasCachedPrefix && call.SharedContext == ""

	var out []instruction.Instruction
	var referenced []string

	for i, piece := range call.Function.Pieces {
		switch piece.Kind {
		case function.Constant:
			// Only the leading piece can be a cached prefix; a Constant
			// appearing later in the body always emits.
			if i == 0 && skipFirstConstant {
				continue
			}
			toks, err := tok.Encode(piece.Text, false)
			if err != nil {
				return nil, nil, errkind.Wrap(errkind.UserError, "tokenize constant piece", err)
			}
			out = append(out, instruction.NewConstantFill(toks))

		case function.ParameterLoc:
			param, ok := call.Function.Params[piece.ParamName]
			if !ok {
				return nil, nil, errkind.Newf(errkind.UserError, "parameter %q referenced but not declared", piece.ParamName)
			}
			binding := call.Bindings[piece.ParamName]

			switch {
			case param.Direction == function.Output:
				if binding.Kind != function.FutureRef || binding.Ref == nil {
					return nil, nil, errkind.Newf(errkind.UserError, "output parameter %q requires a future binding", piece.ParamName)
				}
				sampling := param.Sampling
				if !param.IgnoreTokenizerEOS {
					sampling.StopTokenIDs = append(append([]uint32(nil), sampling.StopTokenIDs...), uint32(tok.EOSTokenID()))
				}
				holder := holders.GetOrCreate(binding.Ref.ID, tok.Name())
				referenced = append(referenced, binding.Ref.ID)
				out = append(out, instruction.NewPlaceholderGeneration(holder, sampling))

			case binding.Kind == function.Literal:
				toks, err := tok.Encode(binding.Value, false)
				if err != nil {
					return nil, nil, errkind.Wrap(errkind.UserError, "tokenize literal binding", err)
				}
				out = append(out, instruction.NewConstantFill(toks))

			case binding.Kind == function.FutureRef && binding.Ref != nil:
				holder := holders.GetOrCreate(binding.Ref.ID, tok.Name())
				referenced = append(referenced, binding.Ref.ID)
				out = append(out, instruction.NewPlaceholderFill(holder))

			default:
				return nil, nil, errkind.Newf(errkind.UserError, "parameter %q has no usable binding", piece.ParamName)
			}
		}
	}
	return out, referenced, nil
}
