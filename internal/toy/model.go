// Package toy provides a self-contained speech backbone with deterministic
// pseudo-random weights. It implements the same contract as the ONNX
// backbone so the decode loop, KV cache, and capture scheduler can run and
// be benchmarked without model assets.
//
// The forward is deliberately crude: each layer projects the hidden vector
// to keys and values, attends uniformly over every cached position, and
// adds a residual. The numbers mean nothing; the shapes and the cache
// traffic are what a benchmark needs.
package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/aria/internal/graph"
	"github.com/samcharles93/aria/internal/kvcache"
	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/tensor"
)

// Config sizes the toy backbone. Dim is always Heads*HeadDim.
type Config struct {
	Layers      int
	Heads       int
	HeadDim     int
	TextVocab   int
	SpeechVocab int
	// Seed drives the weight fill. The same seed always builds the same
	// model.
	Seed uint64
}

// DefaultConfig mirrors the production vocab layout at a fraction of the
// production width, so benchmark token paths stay realistic while the
// forward stays cheap.
func DefaultConfig() Config {
	return Config{
		Layers:      4,
		Heads:       4,
		HeadDim:     16,
		TextVocab:   704,
		SpeechVocab: 6563,
		Seed:        1,
	}
}

// Model is a deterministic decode backbone with random weights.
type Model struct {
	hp t3.Hyperparams

	speechEmb tensor.Mat
	textEmb   tensor.Mat
	posEmb    tensor.Mat

	wk []tensor.Mat
	wv []tensor.Mat
	wo []tensor.Mat

	headW tensor.Mat
	bias  tensor.Mat

	// Per-step scratch, reused so decode steps never allocate.
	x    []float32
	k    []float32
	v    []float32
	mean []float32
	slot []float32
}

// New builds a toy backbone from cfg. The speech vocab reserves its two top
// ids for the start and stop tokens, matching the production layout.
func New(cfg Config) (*Model, error) {
	if cfg.SpeechVocab < 4 {
		return nil, fmt.Errorf("toy: speech vocab %d too small", cfg.SpeechVocab)
	}
	if cfg.TextVocab < 3 {
		return nil, fmt.Errorf("toy: text vocab %d too small", cfg.TextVocab)
	}
	dim := cfg.Heads * cfg.HeadDim
	hp := t3.Hyperparams{
		Layers:         cfg.Layers,
		Heads:          cfg.Heads,
		HeadDim:        cfg.HeadDim,
		Dim:            dim,
		TextVocab:      cfg.TextVocab,
		SpeechVocab:    cfg.SpeechVocab,
		BOSToken:       int32(cfg.SpeechVocab - 2),
		EOSToken:       int32(cfg.SpeechVocab - 1),
		StartTextToken: 1,
		StopTextToken:  2,
	}
	if err := hp.Validate(); err != nil {
		return nil, err
	}

	m := &Model{hp: hp}
	m.speechEmb = tensor.NewMat(cfg.SpeechVocab, dim)
	m.textEmb = tensor.NewMat(cfg.TextVocab, dim)
	m.posEmb = tensor.NewMat(t3.TokenLimit+1, dim)
	tensor.FillRand(&m.speechEmb, cfg.Seed+11)
	tensor.FillRand(&m.textEmb, cfg.Seed+23)
	tensor.FillRand(&m.posEmb, cfg.Seed+37)

	m.wk = make([]tensor.Mat, cfg.Layers)
	m.wv = make([]tensor.Mat, cfg.Layers)
	m.wo = make([]tensor.Mat, cfg.Layers)
	for l := 0; l < cfg.Layers; l++ {
		m.wk[l] = tensor.NewMat(dim, dim)
		m.wv[l] = tensor.NewMat(dim, dim)
		m.wo[l] = tensor.NewMat(dim, dim)
		tensor.FillRand(&m.wk[l], cfg.Seed+uint64(100+l))
		tensor.FillRand(&m.wv[l], cfg.Seed+uint64(200+l))
		tensor.FillRand(&m.wo[l], cfg.Seed+uint64(300+l))
	}

	m.headW = tensor.NewMat(dim, cfg.SpeechVocab)
	m.bias = tensor.NewMat(1, cfg.SpeechVocab)
	tensor.FillRand(&m.headW, cfg.Seed+41)
	tensor.FillRand(&m.bias, cfg.Seed+43)

	m.x = make([]float32, dim)
	m.k = make([]float32, dim)
	m.v = make([]float32, dim)
	m.mean = make([]float32, dim)
	m.slot = make([]float32, cfg.HeadDim)
	return m, nil
}

func (m *Model) Hyperparams() t3.Hyperparams { return m.hp }

func (m *Model) SpeechEmbedding(dst []float32, token int32) error {
	if token < 0 || int(token) >= m.hp.SpeechVocab {
		return fmt.Errorf("toy: speech token %d outside vocab %d", token, m.hp.SpeechVocab)
	}
	m.speechEmb.RowTo(dst, int(token))
	return nil
}

func (m *Model) PositionEmbedding(dst []float32, pos int) error {
	if pos < 0 || pos >= m.posEmb.R {
		return fmt.Errorf("toy: position %d outside table %d", pos, m.posEmb.R)
	}
	m.posEmb.RowTo(dst, pos)
	return nil
}

func (m *Model) TextEmbedding(dst []float32, token int32, pos int) error {
	if token < 0 || int(token) >= m.hp.TextVocab {
		return fmt.Errorf("toy: text token %d outside vocab %d", token, m.hp.TextVocab)
	}
	if pos < 0 || pos >= m.posEmb.R {
		return fmt.Errorf("toy: text position %d outside table %d", pos, m.posEmb.R)
	}
	m.textEmb.RowTo(dst, int(token))
	m.posEmb.AccumRowTo(dst, pos)
	return nil
}

// matVec computes dst = w^T x with w laid out input-major.
func matVec(dst []float32, w *tensor.Mat, x []float32) {
	clear(dst)
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := w.Row(i)
		for j, wij := range row {
			dst[j] += xi * wij
		}
	}
}

// matVecAccum computes dst += w^T x. dst and x must not alias.
func matVecAccum(dst []float32, w *tensor.Mat, x []float32) {
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := w.Row(i)
		for j, wij := range row {
			dst[j] += xi * wij
		}
	}
}

// forward runs the layer stack on the hidden vector in m.x for batch row b,
// writing this position's K/V and attending over slots 0..pos.
func (m *Model) forward(cache *kvcache.Cache, b, pos int) {
	hd := m.hp.HeadDim
	n := pos + 1
	inv := 1 / float32(n)
	for l := 0; l < m.hp.Layers; l++ {
		matVec(m.k, &m.wk[l], m.x)
		matVec(m.v, &m.wv[l], m.x)
		for h := 0; h < m.hp.Heads; h++ {
			cache.WriteKey(l, b, h, pos, m.k[h*hd:(h+1)*hd])
			cache.WriteValue(l, b, h, pos, m.v[h*hd:(h+1)*hd])
		}
		for h := 0; h < m.hp.Heads; h++ {
			seg := m.mean[h*hd : (h+1)*hd]
			clear(seg)
			for p := 0; p < n; p++ {
				cache.ReadValueTo(m.slot, l, b, h, p)
				for j, vv := range m.slot {
					seg[j] += vv
				}
			}
			for j := range seg {
				seg[j] *= inv
			}
		}
		matVecAccum(m.x, &m.wo[l], m.mean)
	}
}

// padSlot zeroes one cache position across all layers and heads. Reset
// rewinds the write marker without clearing, so padded slots must be
// written explicitly or a previous request's values would bleed into the
// attention average.
func (m *Model) padSlot(cache *kvcache.Cache, b, pos int) {
	clear(m.slot)
	for l := 0; l < m.hp.Layers; l++ {
		for h := 0; h < m.hp.Heads; h++ {
			cache.WriteKey(l, b, h, pos, m.slot)
			cache.WriteValue(l, b, h, pos, m.slot)
		}
	}
}

func (m *Model) Seed(ctx context.Context, embeds *tensor.Mat, promptLen int, cache *kvcache.Cache, logits *tensor.Mat) error {
	if promptLen <= 0 || promptLen > t3.MaxPromptLen {
		return fmt.Errorf("toy: prompt length %d outside window %d", promptLen, t3.MaxPromptLen)
	}
	if embeds.R%t3.MaxPromptLen != 0 {
		return fmt.Errorf("toy: seed embeds have %d rows, want a multiple of %d", embeds.R, t3.MaxPromptLen)
	}
	batch := embeds.R / t3.MaxPromptLen
	for b := 0; b < batch; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for p := 0; p < t3.MaxPromptLen; p++ {
			if p >= promptLen {
				m.padSlot(cache, b, p)
				continue
			}
			copy(m.x, embeds.Row(b*t3.MaxPromptLen+p))
			m.forward(cache, b, p)
			if p == promptLen-1 {
				m.logitsInto(logits.Row(b))
			}
		}
	}
	return nil
}

func (m *Model) Step(embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) error {
	if len(positions) < embeds.R {
		return fmt.Errorf("toy: %d positions for %d batch rows", len(positions), embeds.R)
	}
	for b := 0; b < embeds.R; b++ {
		copy(m.x, embeds.Row(b))
		m.forward(cache, b, int(positions[b]))
		m.logitsInto(logits.Row(b))
	}
	return nil
}

func (m *Model) logitsInto(dst []float32) {
	copy(dst, m.bias.Row(0))
	for i, xi := range m.x {
		row := m.headW.Row(i)
		for j, wij := range row {
			dst[j] += xi * wij
		}
	}
}

// CaptureStep returns a replayable closure over the exact buffers passed in.
// The toy has no device graph to record; capture support exists so the
// scheduler's replay and guard paths run against a live backbone.
func (m *Model) CaptureStep(bucket int, embeds *tensor.Mat, cache *kvcache.Cache, positions []int32, logits *tensor.Mat) (graph.StepFunc, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("toy: invalid bucket %d", bucket)
	}
	return func() error {
		return m.Step(embeds, cache, positions, logits)
	}, nil
}
