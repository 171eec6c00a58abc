package tokenizer

import "errors"

// Tokenizer defines the minimal interface used by the generation loop.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

var ErrBadTokenID = errors.New("tokenizer: token id out of range")
