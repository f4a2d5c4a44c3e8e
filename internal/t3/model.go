// Package t3 implements the accelerated decode core for the speech-token
// transformer: pre-built embedding tables, a pre-allocated KV cache, a fused
// sampling step over pinned buffers and captured replayable step graphs.
// The transformer forward itself stays behind the Model contract; this
// package owns everything around it.
package t3

import (
	"context"
	"fmt"

	"github.com/samcharles93/aria/internal/graph"
	"github.com/samcharles93/aria/internal/kvcache"
	"github.com/samcharles93/aria/internal/tensor"
)

// Decode geometry. The token buffer holds BOS plus up to TokenLimit
// generated tokens; prompts are right-padded to MaxPromptLen before the
// seed forward so the prefill shape is constant, and the cache is sized to
// MaxCacheLen by default.
const (
	TokenLimit   = 1500
	BucketSize   = 250
	MaxPromptLen = 1024
	MaxCacheLen  = 2048
)

// Hyperparams describes the fixed geometry of a backbone.
type Hyperparams struct {
	Layers  int
	Heads   int
	HeadDim int
	Dim     int

	TextVocab   int
	SpeechVocab int

	BOSToken       int32 // speech start token
	EOSToken       int32 // speech stop token
	StartTextToken int32
	StopTextToken  int32
}

// Validate checks the geometry before any buffer is sized from it.
func (h Hyperparams) Validate() error {
	if h.Layers <= 0 || h.Heads <= 0 || h.HeadDim <= 0 || h.Dim <= 0 {
		return fmt.Errorf("t3: invalid geometry layers=%d heads=%d head_dim=%d dim=%d",
			h.Layers, h.Heads, h.HeadDim, h.Dim)
	}
	if h.SpeechVocab <= 0 {
		return fmt.Errorf("t3: invalid speech vocab %d", h.SpeechVocab)
	}
	if h.BOSToken < 0 || int(h.BOSToken) >= h.SpeechVocab {
		return fmt.Errorf("t3: speech start token %d outside vocab %d", h.BOSToken, h.SpeechVocab)
	}
	if h.EOSToken < 0 || int(h.EOSToken) >= h.SpeechVocab {
		return fmt.Errorf("t3: speech stop token %d outside vocab %d", h.EOSToken, h.SpeechVocab)
	}
	return nil
}

// PadToken returns the sentinel the unwritten token-buffer tail carries. It
// sits one past the stop token so a stop scan never matches an unwritten
// slot, and it is never embedded or sampled.
func (h Hyperparams) PadToken() int32 { return h.EOSToken + 1 }

// Model is the backbone contract the decode core drives. One variable-length
// Seed call fills the cache from the padded prompt, then fixed-shape Step
// calls extend it one position at a time. Implementations receive the real
// prompt length at seed time and are responsible for masking the padded
// slots in every later forward.
type Model interface {
	Hyperparams() Hyperparams

	// SpeechEmbedding copies the embedding table row for one speech token
	// into dst (Dim values).
	SpeechEmbedding(dst []float32, token int32) error
	// PositionEmbedding copies the positional row for one decode position
	// into dst (Dim values). Position 0 is the BOS slot.
	PositionEmbedding(dst []float32, pos int) error
	// TextEmbedding copies one embedded text token at its text position
	// into dst (Dim values).
	TextEmbedding(dst []float32, token int32, pos int) error

	// Seed runs the full-prompt forward. embeds holds batch blocks of
	// MaxPromptLen rows; promptLen is the real length before padding. The
	// cache is filled and logits receives one vocab row per batch row,
	// taken at the last real prompt position.
	Seed(ctx context.Context, embeds *tensor.Mat, promptLen int, cache *kvcache.Cache, logits *tensor.Mat) error

	// Step runs one fixed-shape decode forward. embeds holds one row per
	// batch row, positions the absolute cache slot being written (one value
	// per batch row), and logits is overwritten in place.
	Step(embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) error
}

// GraphCapturer is the optional acceleration capability. A model that can
// pre-bind a bucket's fixed shapes returns a replayable closure over the
// exact buffers passed here; the scheduler guards those bindings before
// every replay. Models without the capability run every step eagerly.
type GraphCapturer interface {
	CaptureStep(bucket int, embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) (graph.StepFunc, error)
}
