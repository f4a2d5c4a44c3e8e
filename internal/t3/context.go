package t3

import (
	"github.com/samcharles93/aria/internal/graph"
	"github.com/samcharles93/aria/internal/tensor"
)

// inferenceContext owns every pinned buffer one generation shape touches.
// One is allocated per batch shape, reset in place between requests, and
// never resized mid-generation; the decode loop allocates nothing from it.
type inferenceContext struct {
	batch int
	bos   int32
	pad   int32

	// tokens[0] is BOS; slot i+1 receives the token sampled at decode step
	// i. The unwritten tail holds the pad sentinel.
	tokens []int32

	seedEmbeds tensor.Mat // batch blocks of MaxPromptLen rows
	stepEmbeds tensor.Mat // batch × dim, pinned step input
	logits     tensor.Mat // batch × vocab, pinned step output
	positions  []int32    // absolute cache slot of the step, per batch row
	mixed      []float32  // vocab scratch for the CFG mix
}

func newInferenceContext(hp Hyperparams, batch int) *inferenceContext {
	ic := &inferenceContext{
		batch:      batch,
		bos:        hp.BOSToken,
		pad:        hp.PadToken(),
		tokens:     make([]int32, TokenLimit+1),
		seedEmbeds: tensor.NewMat(batch*MaxPromptLen, hp.Dim),
		stepEmbeds: tensor.NewMat(batch, hp.Dim),
		logits:     tensor.NewMat(batch, hp.SpeechVocab),
		positions:  make([]int32, batch),
	}
	if batch > 1 {
		ic.mixed = make([]float32, hp.SpeechVocab)
	}
	ic.reset()
	return ic
}

// reset restores the initial BOS + pad token layout.
func (ic *inferenceContext) reset() {
	ic.tokens[0] = ic.bos
	for i := 1; i < len(ic.tokens); i++ {
		ic.tokens[i] = ic.pad
	}
}

// bindings lists the pinned buffers a captured step reads or writes,
// excluding the cache; the session appends those.
func (ic *inferenceContext) bindings() []graph.Binding {
	return []graph.Binding{
		graph.Bind("step_embeds", ic.stepEmbeds.Data),
		graph.Bind("logits", ic.logits.Data),
		graph.Bind("positions", ic.positions),
	}
}
