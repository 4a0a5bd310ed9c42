package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter counts tokens with the model's BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter resolves the encoding for a model name, falling back to
// treating name as an encoding name.
func NewTiktokenCounter(name string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, err
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *TiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates four characters per token. It needs no
// encoding tables, so it is used offline.
type EstimateCounter struct{}

// Count returns the estimated number of tokens in text.
func (EstimateCounter) Count(text string) int {
	return (len(text) + 3) / 4
}
