package onnxrt

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/aria/internal/graph"
	"github.com/samcharles93/aria/internal/kvcache"
	"github.com/samcharles93/aria/internal/logger"
	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/tensor"
)

// Decode graph tensor names. The exported graphs share past and present KV
// buffers: each forward scatters its K/V rows into the bound past tensors,
// so the decode core's cache slices are the storage the graphs read and
// write.
const (
	tensorInputsEmbeds  = "inputs_embeds"
	tensorAttentionMask = "attention_mask"
	tensorPositionIDs   = "position_ids"
	tensorLogits        = "logits"
)

// BackboneConfig configures the transformer adapter.
type BackboneConfig struct {
	Runner RunnerConfig
	Log    logger.Logger
}

// Backbone drives the prefill and decode graphs behind the t3 model
// contract. It is not safe for concurrent use; the decode session already
// serializes generations.
type Backbone struct {
	hp  t3.Hyperparams
	log logger.Logger

	prefill *Runner
	decode  *Runner

	speech tensor.Mat
	text   tensor.Mat
	pos    tensor.Mat

	// promptLen is the real length of the last seeded prompt, needed to
	// mask the padded window slots on every later step.
	promptLen int

	scratch  *stepScratch
	captured map[int]*BoundRun
}

// NewBackbone loads the embedding tables and creates runners for the
// prefill and decode graphs.
func NewBackbone(m *Manifest, cfg BackboneConfig) (*Backbone, error) {
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	hp := m.Hyperparams
	if m.tables.speech == "" || m.tables.text == "" || m.tables.position == "" {
		return nil, errors.New("onnxrt: manifest is missing embedding table files")
	}

	speech, err := loadTable(m.tables.speech, hp.SpeechVocab, hp.Dim)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: speech table: %w", err)
	}
	text, err := loadTable(m.tables.text, hp.TextVocab, hp.Dim)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: text table: %w", err)
	}
	pos, err := loadTable(m.tables.position, t3.TokenLimit+1, hp.Dim)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: position table: %w", err)
	}

	prefillGraph, ok := m.Graph(GraphPrefill)
	if !ok {
		return nil, fmt.Errorf("onnxrt: manifest has no %q graph", GraphPrefill)
	}
	decodeGraph, ok := m.Graph(GraphDecode)
	if !ok {
		return nil, fmt.Errorf("onnxrt: manifest has no %q graph", GraphDecode)
	}

	prefill, err := NewRunner(prefillGraph, cfg.Runner)
	if err != nil {
		return nil, err
	}
	decode, err := NewRunner(decodeGraph, cfg.Runner)
	if err != nil {
		prefill.Close()
		return nil, err
	}

	b := &Backbone{
		hp:       hp,
		log:      cfg.Log,
		prefill:  prefill,
		decode:   decode,
		speech:   speech,
		text:     text,
		pos:      pos,
		captured: make(map[int]*BoundRun),
	}
	cfg.Log.Info("backbone ready",
		"layers", hp.Layers,
		"heads", hp.Heads,
		"dim", hp.Dim,
		"speech_vocab", hp.SpeechVocab,
	)
	return b, nil
}

// Close releases every bound step and both runners.
func (b *Backbone) Close() {
	for _, bound := range b.captured {
		bound.Close()
	}
	clear(b.captured)
	if b.decode != nil {
		b.decode.Close()
		b.decode = nil
	}
	if b.prefill != nil {
		b.prefill.Close()
		b.prefill = nil
	}
}

func (b *Backbone) Hyperparams() t3.Hyperparams { return b.hp }

func (b *Backbone) SpeechEmbedding(dst []float32, token int32) error {
	if token < 0 || int(token) >= b.hp.SpeechVocab {
		return fmt.Errorf("onnxrt: speech token %d outside vocab %d", token, b.hp.SpeechVocab)
	}
	b.speech.RowTo(dst, int(token))
	return nil
}

func (b *Backbone) PositionEmbedding(dst []float32, pos int) error {
	if pos < 0 || pos >= b.pos.R {
		return fmt.Errorf("onnxrt: position %d outside table %d", pos, b.pos.R)
	}
	b.pos.RowTo(dst, pos)
	return nil
}

func (b *Backbone) TextEmbedding(dst []float32, token int32, pos int) error {
	if token < 0 || int(token) >= b.hp.TextVocab {
		return fmt.Errorf("onnxrt: text token %d outside vocab %d", token, b.hp.TextVocab)
	}
	if pos < 0 || pos >= b.pos.R {
		return fmt.Errorf("onnxrt: text position %d outside table %d", pos, b.pos.R)
	}
	b.text.RowTo(dst, int(token))
	b.pos.AccumRowTo(dst, pos)
	return nil
}

// kvInputs adds the shared past-KV tensors for every layer. The graphs
// update them in place, which requires the f32 cache layout.
func (b *Backbone) kvInputs(dst map[string]*Tensor, cache *kvcache.Cache) error {
	cc := cache.Config()
	if cc.DType != tensor.F32 {
		return fmt.Errorf("onnxrt: the runtime backbone requires an f32 cache, got %s", cc.DType)
	}
	shape := []int64{int64(cc.Batch), int64(cc.Heads), int64(cc.MaxLen), int64(cc.HeadDim)}
	for l := 0; l < cc.Layers; l++ {
		k, err := F32Tensor(cache.KeyData(l), shape...)
		if err != nil {
			return fmt.Errorf("onnxrt: key layer %d: %w", l, err)
		}
		v, err := F32Tensor(cache.ValueData(l), shape...)
		if err != nil {
			return fmt.Errorf("onnxrt: value layer %d: %w", l, err)
		}
		dst[fmt.Sprintf("past_key_%d", l)] = k
		dst[fmt.Sprintf("past_value_%d", l)] = v
	}
	return nil
}

func (b *Backbone) Seed(ctx context.Context, embeds *tensor.Mat, promptLen int, cache *kvcache.Cache, logits *tensor.Mat) error {
	if promptLen <= 0 || promptLen > t3.MaxPromptLen {
		return fmt.Errorf("onnxrt: prompt length %d outside window %d", promptLen, t3.MaxPromptLen)
	}
	if embeds.R%t3.MaxPromptLen != 0 {
		return fmt.Errorf("onnxrt: seed embeds have %d rows, want a multiple of %d", embeds.R, t3.MaxPromptLen)
	}
	batch := embeds.R / t3.MaxPromptLen

	inputs := make(map[string]*Tensor, 2+2*b.hp.Layers)
	ie, err := F32Tensor(embeds.Data, int64(batch), int64(t3.MaxPromptLen), int64(b.hp.Dim))
	if err != nil {
		return err
	}
	mask := promptMask(batch, promptLen)
	am, err := F32Tensor(mask, int64(batch), int64(t3.MaxPromptLen))
	if err != nil {
		return err
	}
	inputs[tensorInputsEmbeds] = ie
	inputs[tensorAttentionMask] = am
	if err := b.kvInputs(inputs, cache); err != nil {
		return err
	}

	out, err := b.prefill.Run(ctx, inputs)
	if err != nil {
		return fmt.Errorf("onnxrt: prefill: %w", err)
	}
	if err := copyLogits(logits, out, batch); err != nil {
		return fmt.Errorf("onnxrt: prefill: %w", err)
	}
	b.promptLen = promptLen
	return nil
}

func (b *Backbone) Step(embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) error {
	batch := embeds.R
	sc := b.ensureScratch(batch, cache.Cap())
	sc.fill(positions, b.promptLen)

	inputs := make(map[string]*Tensor, 3+2*b.hp.Layers)
	if err := b.stepInputs(inputs, embeds, cache, sc); err != nil {
		return err
	}
	out, err := b.decode.Run(context.Background(), inputs)
	if err != nil {
		return fmt.Errorf("onnxrt: decode: %w", err)
	}
	if err := copyLogits(logits, out, batch); err != nil {
		return fmt.Errorf("onnxrt: decode: %w", err)
	}
	return nil
}

// CaptureStep pre-wraps the decode inputs for one bucket so replayed steps
// reuse the same ORT values over the same pinned buffers. A recapture for
// the bucket closes the previous binding.
func (b *Backbone) CaptureStep(bucket int, embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) (graph.StepFunc, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("onnxrt: invalid bucket %d", bucket)
	}
	batch := embeds.R
	sc := newStepScratch(batch, cache.Cap())

	inputs := make(map[string]*Tensor, 3+2*b.hp.Layers)
	if err := b.stepInputs(inputs, embeds, cache, sc); err != nil {
		return nil, err
	}
	bound, err := b.decode.Bind(inputs)
	if err != nil {
		return nil, fmt.Errorf("onnxrt: bind decode bucket %d: %w", bucket, err)
	}
	if prev, ok := b.captured[bucket]; ok {
		prev.Close()
	}
	b.captured[bucket] = bound
	b.log.Debug("bound decode step", "bucket", bucket, "batch", batch)

	return func() error {
		sc.fill(positions, b.promptLen)
		out, err := bound.Run(context.Background())
		if err != nil {
			return fmt.Errorf("onnxrt: replay decode: %w", err)
		}
		return copyLogits(logits, out, batch)
	}, nil
}

func (b *Backbone) stepInputs(dst map[string]*Tensor, embeds *tensor.Mat, cache *kvcache.Cache, sc *stepScratch) error {
	batch := embeds.R
	ie, err := F32Tensor(embeds.Data, int64(batch), 1, int64(b.hp.Dim))
	if err != nil {
		return err
	}
	am, err := F32Tensor(sc.mask, int64(batch), int64(sc.maskLen))
	if err != nil {
		return err
	}
	pi, err := I64Tensor(sc.posI64, int64(batch), 1)
	if err != nil {
		return err
	}
	dst[tensorInputsEmbeds] = ie
	dst[tensorAttentionMask] = am
	dst[tensorPositionIDs] = pi
	return b.kvInputs(dst, cache)
}

func (b *Backbone) ensureScratch(batch, maxLen int) *stepScratch {
	if b.scratch == nil || b.scratch.batch != batch || b.scratch.maskLen != maxLen {
		b.scratch = newStepScratch(batch, maxLen)
	}
	return b.scratch
}

// stepScratch holds the per-step tensors the decode graph needs beyond the
// pinned core buffers: int64 position ids and the attention mask.
type stepScratch struct {
	batch   int
	maskLen int
	posI64  []int64
	mask    []float32
}

func newStepScratch(batch, maxLen int) *stepScratch {
	return &stepScratch{
		batch:   batch,
		maskLen: maxLen,
		posI64:  make([]int64, batch),
		mask:    make([]float32, batch*maxLen),
	}
}

// fill refreshes the position ids and the attention mask. A mask row
// enables the real prompt slots and every generated slot through the
// current position; window padding and future slots stay masked.
func (s *stepScratch) fill(positions []int32, promptLen int) {
	for bi := 0; bi < s.batch; bi++ {
		s.posI64[bi] = int64(positions[bi])
		row := s.mask[bi*s.maskLen : (bi+1)*s.maskLen]
		clear(row)
		for p := 0; p < promptLen && p < len(row); p++ {
			row[p] = 1
		}
		for p := t3.MaxPromptLen; p <= int(positions[bi]) && p < len(row); p++ {
			row[p] = 1
		}
	}
}

// promptMask builds the seed-time mask: ones through promptLen per batch
// row, zeros over the padding.
func promptMask(batch, promptLen int) []float32 {
	mask := make([]float32, batch*t3.MaxPromptLen)
	for bi := 0; bi < batch; bi++ {
		row := mask[bi*t3.MaxPromptLen:]
		for p := 0; p < promptLen; p++ {
			row[p] = 1
		}
	}
	return mask
}

func copyLogits(dst *tensor.Mat, out map[string]*Tensor, batch int) error {
	lg, ok := out[tensorLogits]
	if !ok {
		return errors.New("missing logits output")
	}
	data := lg.Float32()
	if data == nil {
		return errors.New("logits output is not float32")
	}
	if len(data) != batch*dst.C {
		return fmt.Errorf("logits have %d values, want %d", len(data), batch*dst.C)
	}
	copy(dst.Data, data)
	return nil
}
