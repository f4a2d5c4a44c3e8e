package t3

import (
	"context"
	"fmt"

	"github.com/samcharles93/aria/internal/graph"
	"github.com/samcharles93/aria/internal/kvcache"
	"github.com/samcharles93/aria/internal/tensor"
)

// stubModel is the in-package test backbone. Weights derive from fixed
// seeds so two instances are identical; step logits are a pure function of
// the pinned inputs and the cache row written one slot earlier, which makes
// broken cache rewinds visible in the output. The stop token is suppressed
// unless a spike is scripted, so stops happen exactly where a test puts
// them.
type stubModel struct {
	hp  Hyperparams
	emb tensor.Mat
	pos tensor.Mat

	capture    bool
	captureErr error

	// stopAt scripts a stop-token spike at that decode index; -1 never.
	stopAt int

	onStep func()

	seedCalls    int
	seedBatch    int
	seedLen      int
	stepCalls    int
	captureCalls int
}

func testHyperparams() Hyperparams {
	return Hyperparams{
		Layers: 2, Heads: 2, HeadDim: 4, Dim: 8,
		TextVocab: 32, SpeechVocab: 15,
		BOSToken: 13, EOSToken: 14,
		StartTextToken: 1, StopTextToken: 2,
	}
}

func newStubModel(capture bool) *stubModel {
	hp := testHyperparams()
	m := &stubModel{hp: hp, capture: capture, stopAt: -1}
	m.emb = tensor.NewMat(hp.SpeechVocab, hp.Dim)
	m.pos = tensor.NewMat(TokenLimit+1, hp.Dim)
	tensor.FillRand(&m.emb, 7)
	tensor.FillRand(&m.pos, 9)
	return m
}

func (m *stubModel) Hyperparams() Hyperparams { return m.hp }

func (m *stubModel) SpeechEmbedding(dst []float32, token int32) error {
	if token < 0 || int(token) >= m.hp.SpeechVocab {
		return fmt.Errorf("stub: speech token %d out of range", token)
	}
	m.emb.RowTo(dst, int(token))
	return nil
}

func (m *stubModel) PositionEmbedding(dst []float32, pos int) error {
	if pos < 0 || pos > TokenLimit {
		return fmt.Errorf("stub: position %d out of range", pos)
	}
	m.pos.RowTo(dst, pos)
	return nil
}

func (m *stubModel) TextEmbedding(dst []float32, token int32, pos int) error {
	if token < 0 || int(token) >= m.hp.TextVocab {
		return fmt.Errorf("stub: text token %d out of range", token)
	}
	for j := range dst {
		dst[j] = 0.01 * float32(int(token)+pos+j+1)
	}
	return nil
}

// logitsFor mixes x against the embedding table with a positional term.
// The stop token is pinned to an unsampleable floor.
func (m *stubModel) logitsFor(dst, x []float32, pos int) {
	for j := range dst {
		row := m.emb.Row(j)
		var acc float32
		for k := range row {
			acc += x[k] * row[k]
		}
		dst[j] = acc + float32((pos*31+j*17)%13)*0.05
	}
	dst[m.hp.EOSToken] = -1e9
}

// maybeSpike forces the stop token when the logits being produced will be
// consumed at the scripted decode index.
func (m *stubModel) maybeSpike(dst []float32, nextIndex int) {
	if m.stopAt >= 0 && nextIndex == m.stopAt {
		dst[m.hp.EOSToken] = 1e9
	}
}

func (m *stubModel) Seed(_ context.Context, embeds *tensor.Mat, promptLen int, cache *kvcache.Cache, logits *tensor.Mat) error {
	m.seedCalls++
	m.seedBatch = embeds.R / MaxPromptLen
	m.seedLen = promptLen
	for b := 0; b < m.seedBatch; b++ {
		for p := 0; p < MaxPromptLen; p++ {
			x := embeds.Row(b*MaxPromptLen + p)
			for l := 0; l < m.hp.Layers; l++ {
				cache.WriteKey(l, b, 0, p, x[:m.hp.HeadDim])
				cache.WriteValue(l, b, 0, p, x[m.hp.HeadDim:2*m.hp.HeadDim])
			}
		}
		last := embeds.Row(b*MaxPromptLen + promptLen - 1)
		m.logitsFor(logits.Row(b), last, promptLen-1)
		m.maybeSpike(logits.Row(b), 0)
	}
	return nil
}

func (m *stubModel) Step(embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) error {
	m.stepCalls++
	if m.onStep != nil {
		m.onStep()
	}
	pos := int(positions[0])
	for b := 0; b < embeds.R; b++ {
		x := embeds.Row(b)
		var prev [4]float32
		cache.ReadKeyTo(prev[:], 0, b, 0, pos-1)
		var mixed [8]float32
		for k := range mixed {
			mixed[k] = x[k] + 0.5*prev[k%4]
		}
		for l := 0; l < m.hp.Layers; l++ {
			cache.WriteKey(l, b, 0, pos, x[:m.hp.HeadDim])
			cache.WriteValue(l, b, 0, pos, x[m.hp.HeadDim:2*m.hp.HeadDim])
		}
		m.logitsFor(logits.Row(b), mixed[:], pos)
		m.maybeSpike(logits.Row(b), pos-MaxPromptLen+1)
	}
	return nil
}

func (m *stubModel) CaptureStep(bucket int, embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) (graph.StepFunc, error) {
	if !m.capture {
		return nil, graph.ErrCaptureUnsupported
	}
	if m.captureErr != nil {
		return nil, m.captureErr
	}
	m.captureCalls++
	return func() error {
		return m.Step(embeds, cache, positions, logits)
	}, nil
}
