package textproc

import (
	"fmt"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
)

// Tokenizer converts between text and the token IDs the backbone's text
// embedding table indexes.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(tokens []int32) (string, error)
}

// HFTokenizer adapts a HuggingFace tokenizer to the Tokenizer
// interface.
type HFTokenizer struct {
	tok tokenizers.Tokenizer
}

// NewHFTokenizer loads the tokenizer shipped with the given HuggingFace
// repo, downloading it into the local hub cache on first use. authToken
// may be empty for public repos.
func NewHFTokenizer(repoID, authToken string) (*HFTokenizer, error) {
	repo := hub.New(repoID).WithProgressBar(false)
	if authToken != "" {
		repo = repo.WithAuth(authToken)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, fmt.Errorf("textproc: tokenizer for %q: %w", repoID, err)
	}
	return &HFTokenizer{tok: tok}, nil
}

// Encode implements Tokenizer.
func (t *HFTokenizer) Encode(text string) ([]int32, error) {
	ids := t.tok.Encode(text)
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out, nil
}

// Decode implements Tokenizer.
func (t *HFTokenizer) Decode(tokens []int32) (string, error) {
	ids := make([]int, len(tokens))
	for i, id := range tokens {
		ids[i] = int(id)
	}
	return t.tok.Decode(ids), nil
}
