package t3

import (
	"fmt"

	"github.com/samcharles93/aria/internal/tensor"
)

// EmbeddingCache holds detached copies of the model's speech-token and
// positional embedding tables so per-step lookups never touch model weights.
// Speech has one row per speech token; Pos has TokenLimit+1 rows, one per
// decode position including the BOS slot.
type EmbeddingCache struct {
	Speech tensor.Mat
	Pos    tensor.Mat
}

// NewEmbeddingCache builds both tables for the model's geometry.
func NewEmbeddingCache(m Model) (*EmbeddingCache, error) {
	hp := m.Hyperparams()
	speech, err := BuildSpeechEmbeddingCache(m, tensor.Mat{}, hp.SpeechVocab)
	if err != nil {
		return nil, err
	}
	pos, err := BuildPositionCache(m, tensor.Mat{}, TokenLimit)
	if err != nil {
		return nil, err
	}
	return &EmbeddingCache{Speech: speech, Pos: pos}, nil
}

// BuildSpeechEmbeddingCache returns a contiguous table of vocab speech
// embedding rows. When existing already covers the requested vocab at the
// model's width it is returned unchanged; a larger request rebuilds the
// whole table, never grows it in place.
func BuildSpeechEmbeddingCache(m Model, existing tensor.Mat, vocab int) (tensor.Mat, error) {
	hp := m.Hyperparams()
	if vocab <= 0 {
		return tensor.Mat{}, fmt.Errorf("t3: invalid speech vocab %d", vocab)
	}
	if existing.C == hp.Dim && existing.R >= vocab {
		return existing, nil
	}
	mat := tensor.NewMat(vocab, hp.Dim)
	for tok := 0; tok < vocab; tok++ {
		if err := m.SpeechEmbedding(mat.Row(tok), int32(tok)); err != nil {
			return tensor.Mat{}, fmt.Errorf("t3: speech embedding row %d: %w", tok, err)
		}
	}
	return mat, nil
}

// BuildPositionCache returns a table of maxLen+1 positional rows (positions
// 0 through maxLen inclusive) with the same idempotence contract as
// BuildSpeechEmbeddingCache.
func BuildPositionCache(m Model, existing tensor.Mat, maxLen int) (tensor.Mat, error) {
	hp := m.Hyperparams()
	if maxLen <= 0 {
		return tensor.Mat{}, fmt.Errorf("t3: invalid position cache length %d", maxLen)
	}
	rows := maxLen + 1
	if existing.C == hp.Dim && existing.R >= rows {
		return existing, nil
	}
	mat := tensor.NewMat(rows, hp.Dim)
	for pos := 0; pos < rows; pos++ {
		if err := m.PositionEmbedding(mat.Row(pos), pos); err != nil {
			return tensor.Mat{}, fmt.Errorf("t3: position embedding row %d: %w", pos, err)
		}
	}
	return mat, nil
}

// Lookup writes speech[token] + pos[position] into dst without allocating.
// dst must hold Dim values; out-of-range indices panic like a slice access.
func (e *EmbeddingCache) Lookup(dst []float32, token int32, pos int) {
	e.Speech.RowTo(dst, int(token))
	e.Pos.AccumRowTo(dst, pos)
}
