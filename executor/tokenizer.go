package executor

import "github.com/goa-design/semcore/dataholder"

// Tokenizer is the external collaborator boundary for text<->token
// conversion; the tokenizer registry itself lives outside this module. One
// Tokenizer instance is registered per tokenizer name and shared by every
// engine that declares that tokenizer.
type Tokenizer interface {
	// Name returns the tokenizer's registered name.
	Name() string
	// Encode converts text into token ids. addSpecialTokens is always false
	// for the piece/binding tokenization this package performs.
	Encode(text string, addSpecialTokens bool) ([]dataholder.Token, error)
	// EOSTokenID returns the tokenizer's end-of-sequence token id, appended
	// to an output parameter's stop_token_ids unless IgnoreTokenizerEOS.
	EOSTokenID() dataholder.Token
}
