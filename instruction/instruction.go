// Package instruction defines the tagged-variant primitives a Session
// executes in order: fixed-token fills, fills sourced from another
// DataHolder, and generations into an output DataHolder.
package instruction

import "github.com/goa-design/semcore/dataholder"

// Kind tags the variant carried by an Instruction. Dispatch is by switching
// on Kind rather than through a virtual-method interface hierarchy.
type Kind int

const (
	// ConstantFill feeds a fixed token array into the current context.
	ConstantFill Kind = iota
	// PlaceholderFill feeds the tokens of another holder, possibly blocking
	// until the producer streams.
	PlaceholderFill
	// PlaceholderGeneration generates into an output holder under the given
	// sampling parameters.
	PlaceholderGeneration
)

// String returns the human-readable name of the Kind, for logs and errors.
func (k Kind) String() string {
	switch k {
	case ConstantFill:
		return "constant_fill"
	case PlaceholderFill:
		return "placeholder_fill"
	case PlaceholderGeneration:
		return "placeholder_generation"
	default:
		return "unknown"
	}
}

type (
	// SamplingParams controls token generation for a PlaceholderGeneration.
	SamplingParams struct {
		Temperature        float32
		TopP               float32
		MaxGenLength       uint32
		StopTokenIDs       []uint32
		IgnoreTokenizerEOS bool
	}

	// Instruction is one step of a Session's instruction queue. Exactly one
	// of the *Fill/*Generation fields is populated, selected by Kind.
	Instruction struct {
		Kind Kind

		// ConstantFill fields.
		Tokens []dataholder.Token

		// PlaceholderFill fields.
		InputHolder *dataholder.DataHolder

		// PlaceholderGeneration fields.
		OutputHolder *dataholder.DataHolder
		Sampling     SamplingParams
	}
)

// NewConstantFill returns a ConstantFill instruction for the given tokens.
func NewConstantFill(tokens []dataholder.Token) Instruction {
	return Instruction{Kind: ConstantFill, Tokens: tokens}
}

// NewPlaceholderFill returns a PlaceholderFill instruction sourced from in.
func NewPlaceholderFill(in *dataholder.DataHolder) Instruction {
	return Instruction{Kind: PlaceholderFill, InputHolder: in}
}

// NewPlaceholderGeneration returns a PlaceholderGeneration instruction that
// will stream tokens into out under the given sampling parameters.
func NewPlaceholderGeneration(out *dataholder.DataHolder, sampling SamplingParams) Instruction {
	return Instruction{Kind: PlaceholderGeneration, OutputHolder: out, Sampling: sampling}
}
