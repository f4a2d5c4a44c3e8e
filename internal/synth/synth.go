// Package synth orchestrates full text-to-speech requests: normalization
// and chunking of the input text, speech-token generation through the
// session, and vocoding into PCM samples.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/aria/internal/audio"
	"github.com/samcharles93/aria/internal/logger"
	"github.com/samcharles93/aria/internal/metrics"
	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/textproc"
)

// Defaults for the long-text path. A chunk of 300 characters stays well
// inside the token budget of a single generation.
const (
	DefaultMaxChunkChars = 300
	DefaultChunkGap      = 200 * time.Millisecond
	DefaultVocodeWorkers = 2
)

// Vocoder turns final speech tokens into PCM samples.
type Vocoder interface {
	Decode(ctx context.Context, tokens []int32) ([]float32, error)
	SampleRate() int
}

// Config wires a Pipeline.
type Config struct {
	Model     t3.Model
	Session   *t3.Session
	Tokenizer textproc.Tokenizer
	Vocoder   Vocoder
	// Voice is the optional conditioning bundle applied to every request.
	Voice *Voice
	Log   logger.Logger

	// MaxChunkChars bounds chunk size for long text; 0 takes the default
	// and negative disables chunking.
	MaxChunkChars int
	// ChunkGap is the silence inserted between chunks.
	ChunkGap time.Duration
	// VocodeWorkers bounds concurrent vocoder calls; 0 takes the default.
	VocodeWorkers int
}

// Pipeline runs synthesis requests end to end. Token generation is
// sequential because the session's cache handle is exclusive; vocoding of
// finished chunks overlaps the next chunk's decode.
type Pipeline struct {
	hp      t3.Hyperparams
	session *t3.Session
	tok     textproc.Tokenizer
	voc     Vocoder
	voice   *Voice
	log     logger.Logger

	maxChunkChars int
	gap           time.Duration
	workers       int
}

// Request is one synthesis call. Options pass through to the session
// untouched.
type Request struct {
	Text    string
	Options t3.GenerateOptions
}

// Audio is synthesized PCM.
type Audio struct {
	Samples    []float32
	SampleRate int
}

// Duration is the playback length.
func (a *Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(a.Samples)) / float64(a.SampleRate) * float64(time.Second))
}

// WriteWAV encodes the audio as a mono 16-bit WAV stream.
func (a *Audio) WriteWAV(w io.Writer) error {
	data, err := audio.EncodeWAV(a.Samples, a.SampleRate)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("synth: write wav: %w", err)
	}
	return nil
}

// New validates the wiring and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Model == nil {
		return nil, errors.New("synth: model is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("synth: session is required")
	}
	if cfg.Tokenizer == nil {
		return nil, errors.New("synth: tokenizer is required")
	}
	if cfg.Vocoder == nil {
		return nil, errors.New("synth: vocoder is required")
	}
	if cfg.Vocoder.SampleRate() <= 0 {
		return nil, fmt.Errorf("synth: vocoder sample rate %d out of range", cfg.Vocoder.SampleRate())
	}
	hp := cfg.Model.Hyperparams()
	if cfg.Voice != nil {
		if err := cfg.Voice.check(hp); err != nil {
			return nil, err
		}
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	p := &Pipeline{
		hp:            hp,
		session:       cfg.Session,
		tok:           cfg.Tokenizer,
		voc:           cfg.Vocoder,
		voice:         cfg.Voice,
		log:           log,
		maxChunkChars: cfg.MaxChunkChars,
		gap:           cfg.ChunkGap,
		workers:       cfg.VocodeWorkers,
	}
	if p.maxChunkChars == 0 {
		p.maxChunkChars = DefaultMaxChunkChars
	}
	if p.gap == 0 {
		p.gap = DefaultChunkGap
	}
	if p.workers <= 0 {
		p.workers = DefaultVocodeWorkers
	}
	return p, nil
}

// Synthesize runs one request end to end and returns the stitched audio.
func (p *Pipeline) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	start := time.Now()
	log := p.log.With("request_id", uuid.NewString())

	chunks := textproc.SplitChunks(req.Text, p.maxChunkChars)
	if len(chunks) == 0 {
		return nil, errors.New("synth: empty text")
	}
	log.Info("synthesis started", "chunks", len(chunks), "chars", len(req.Text))

	pcm := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, chunk := range chunks {
		tokens, err := p.generateChunk(gctx, log, i, chunk, req.Options)
		if err != nil {
			// A failed vocode task cancels gctx and the generate error
			// is just the fallout; the group error is the root cause.
			if werr := g.Wait(); werr != nil {
				return nil, werr
			}
			return nil, err
		}
		g.Go(func() error {
			samples, err := p.voc.Decode(gctx, tokens)
			if err != nil {
				return fmt.Errorf("synth: vocode chunk %d: %w", i, err)
			}
			pcm[i] = samples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Audio{
		Samples:    p.stitch(pcm),
		SampleRate: p.voc.SampleRate(),
	}
	elapsed := time.Since(start)
	metrics.SynthesisDuration.Observe(elapsed.Seconds())
	log.Info("synthesis finished",
		"duration", elapsed,
		"audio_seconds", out.Duration().Seconds())
	return out, nil
}

// generateChunk normalizes and tokenizes one chunk, then runs the session.
// The returned tokens have the stop marker trimmed.
func (p *Pipeline) generateChunk(ctx context.Context, log logger.Logger, idx int, chunk string, opts t3.GenerateOptions) ([]int32, error) {
	norm := textproc.Normalize(chunk)
	if norm == "" {
		return nil, fmt.Errorf("synth: chunk %d empty after normalization", idx)
	}
	text, err := p.tok.Encode(norm)
	if err != nil {
		return nil, fmt.Errorf("synth: tokenize chunk %d: %w", idx, err)
	}
	cond := t3.Conditioning{TextTokens: text}
	if p.voice != nil {
		cond.Speaker = p.voice.Speaker
		cond.PromptSpeechTokens = p.voice.PromptTokens
		cond.Exaggeration = p.voice.Exaggeration
	}
	res, err := p.session.Generate(ctx, cond, opts)
	if err != nil {
		return nil, fmt.Errorf("synth: generate chunk %d: %w", idx, err)
	}
	tokens := trimStop(res.Tokens, p.hp.EOSToken)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("synth: chunk %d produced no speech tokens", idx)
	}
	log.Debug("chunk generated", "chunk", idx, "tokens", len(tokens), "tps", res.Stats.TPS)
	return tokens, nil
}

// stitch concatenates chunk PCM in order with the configured silence gap
// between chunks.
func (p *Pipeline) stitch(pcm [][]float32) []float32 {
	gap := int(float64(p.voc.SampleRate()) * p.gap.Seconds())
	total := 0
	for _, s := range pcm {
		total += len(s)
	}
	if len(pcm) > 1 {
		total += gap * (len(pcm) - 1)
	}
	out := make([]float32, 0, total)
	for i, s := range pcm {
		if i > 0 {
			out = append(out, make([]float32, gap)...)
		}
		out = append(out, s...)
	}
	return out
}

// trimStop drops a trailing stop token.
func trimStop(tokens []int32, stop int32) []int32 {
	if n := len(tokens); n > 0 && tokens[n-1] == stop {
		return tokens[:n-1]
	}
	return tokens
}
