package onnxrt

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/aria/internal/logger"
)

// Vocoder tensor names.
const (
	tensorSpeechTokens = "speech_tokens"
	tensorAudio        = "audio"
)

// VocoderConfig configures the waveform adapter.
type VocoderConfig struct {
	Runner RunnerConfig
	Log    logger.Logger
}

// Vocoder drives the token-to-waveform graph.
type Vocoder struct {
	runner     *Runner
	sampleRate int
	log        logger.Logger
}

// NewVocoder creates a runner for the manifest's vocoder graph.
func NewVocoder(m *Manifest, cfg VocoderConfig) (*Vocoder, error) {
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	g, ok := m.Graph(GraphVocoder)
	if !ok {
		return nil, fmt.Errorf("onnxrt: manifest has no %q graph", GraphVocoder)
	}
	runner, err := NewRunner(g, cfg.Runner)
	if err != nil {
		return nil, err
	}
	return &Vocoder{runner: runner, sampleRate: m.SampleRate, log: cfg.Log}, nil
}

// SampleRate returns the output rate declared by the manifest.
func (v *Vocoder) SampleRate() int { return v.sampleRate }

// Close releases the underlying session.
func (v *Vocoder) Close() { v.runner.Close() }

// Decode converts a finished speech-token sequence into PCM samples.
func (v *Vocoder) Decode(ctx context.Context, tokens []int32) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, errors.New("onnxrt: no tokens to vocode")
	}
	ids := make([]int64, len(tokens))
	for i, t := range tokens {
		ids[i] = int64(t)
	}
	in, err := I64Tensor(ids, 1, int64(len(ids)))
	if err != nil {
		return nil, err
	}

	out, err := v.runner.Run(ctx, map[string]*Tensor{tensorSpeechTokens: in})
	if err != nil {
		return nil, fmt.Errorf("onnxrt: vocoder: %w", err)
	}
	audio, ok := out[tensorAudio]
	if !ok {
		return nil, errors.New("onnxrt: vocoder output missing audio")
	}
	pcm := audio.Float32()
	if pcm == nil {
		return nil, errors.New("onnxrt: vocoder audio is not float32")
	}
	v.log.Debug("vocoded", "tokens", len(tokens), "samples", len(pcm))
	return pcm, nil
}
