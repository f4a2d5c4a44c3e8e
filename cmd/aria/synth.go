package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/aria/internal/audio"
	"github.com/samcharles93/aria/internal/logger"
	"github.com/samcharles93/aria/internal/metrics"
	"github.com/samcharles93/aria/internal/onnxrt"
	"github.com/samcharles93/aria/internal/synth"
	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/textproc"
)

// defaultTokenizerRepo carries the text tokenizer the released voices were
// trained against.
const defaultTokenizerRepo = "ResembleAI/chatterbox"

func synthCmd() *cli.Command {
	var (
		text          string
		textFile      string
		outPath       string
		voiceDir      string
		tokenizerRepo string
		hfToken       string
		metricsAddr   string
		noGraph       bool

		temperature       float64
		topP              float64
		minP              float64
		repetitionPenalty float64
		cfgWeight         float64
		maxNewTokens      int64
		seed              int64

		maxChunkChars int64
		chunkGap      time.Duration
		vocodeWorkers int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "text",
			Usage:       "text to synthesize",
			Destination: &text,
		},
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "read text from file (- for stdin)",
			Destination: &textFile,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output wav path",
			Value:       "out.wav",
			Destination: &outPath,
		},
		&cli.StringFlag{
			Name:        "voice",
			Usage:       "path to a voice directory",
			Destination: &voiceDir,
		},
		&cli.StringFlag{
			Name:        "tokenizer-repo",
			Usage:       "HuggingFace repo carrying the text tokenizer",
			Value:       defaultTokenizerRepo,
			Destination: &tokenizerRepo,
		},
		&cli.StringFlag{
			Name:        "hf-token",
			Usage:       "HuggingFace auth token (falls back to HF_TOKEN)",
			Destination: &hfToken,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature",
			Value:       0.8,
			Destination: &temperature,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top_p sampling parameter (1.0 = disabled)",
			Value:       1.0,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p"},
			Usage:       "min_p sampling parameter (0.0 = disabled)",
			Value:       0.05,
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repetition-penalty",
			Aliases:     []string{"repetition_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.2,
			Destination: &repetitionPenalty,
		},
		&cli.Float64Flag{
			Name:        "cfg-weight",
			Aliases:     []string{"cfg_weight"},
			Usage:       "classifier-free guidance weight (0.0 = disabled)",
			Value:       0.5,
			Destination: &cfgWeight,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Usage:       "max speech tokens to generate per chunk",
			Value:       1000,
			Destination: &maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = random)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "max-chunk-chars",
			Usage:       "split long text into chunks up to this size (0 = default, negative disables)",
			Destination: &maxChunkChars,
		},
		&cli.DurationFlag{
			Name:        "chunk-gap",
			Usage:       "silence inserted between chunks",
			Value:       200 * time.Millisecond,
			Destination: &chunkGap,
		},
		&cli.Int64Flag{
			Name:        "vocode-workers",
			Usage:       "max concurrent vocoder calls (0 = default)",
			Destination: &vocodeWorkers,
		},
		&cli.BoolFlag{
			Name:        "no-graph",
			Usage:       "disable step capture, decode every step eagerly",
			Destination: &noGraph,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "expose prometheus metrics on this address",
			Destination: &metricsAddr,
		},
	)

	return &cli.Command{
		Name:  "synth",
		Usage: "Synthesize speech from text",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applySynthConfig(c, cfg, &voiceDir, &tokenizerRepo, &metricsAddr,
				&temperature, &topP, &minP, &repetitionPenalty, &cfgWeight,
				&maxNewTokens, &seed)

			log := newLogger()
			ctx = logger.WithContext(ctx, log)

			input, err := resolveText(text, textFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			manifestPath, err := resolveModelManifest(modelPath, modelsPath, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(metricsAddr); err != nil {
						log.Error("metrics listener failed", "addr", metricsAddr, "error", err)
					}
				}()
			}

			loadStart := time.Now()
			manifest, err := onnxrt.LoadManifest(manifestPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load manifest: %v", err), 1)
			}
			runner := onnxrt.RunnerConfig{LibraryPath: ortLibrary}
			backbone, err := onnxrt.NewBackbone(manifest, onnxrt.BackboneConfig{Runner: runner, Log: log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load backbone: %v", err), 1)
			}
			defer backbone.Close()
			vocoder, err := onnxrt.NewVocoder(manifest, onnxrt.VocoderConfig{Runner: runner, Log: log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load vocoder: %v", err), 1)
			}
			defer vocoder.Close()

			session, err := t3.NewSession(backbone, t3.Config{Log: log, DisableCapture: noGraph})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build session: %v", err), 1)
			}

			authToken := hfToken
			if authToken == "" {
				authToken = os.Getenv("HF_TOKEN")
			}
			tok, err := textproc.NewHFTokenizer(tokenizerRepo, authToken)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load tokenizer: %v", err), 1)
			}

			var voice *synth.Voice
			if voiceDir != "" {
				voice, err = synth.LoadVoice(voiceDir, manifest.Hyperparams.Dim)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load voice: %v", err), 1)
				}
				log.Info("voice loaded", "name", voice.Name, "speaker_rows", voice.Speaker.R)
			}
			fmt.Printf("Model loaded in %s\n", time.Since(loadStart).Round(time.Millisecond))

			pipe, err := synth.New(synth.Config{
				Model:         backbone,
				Session:       session,
				Tokenizer:     tok,
				Vocoder:       vocoder,
				Voice:         voice,
				Log:           log,
				MaxChunkChars: int(maxChunkChars),
				ChunkGap:      chunkGap,
				VocodeWorkers: int(vocodeWorkers),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build pipeline: %v", err), 1)
			}

			opts := samplingOptions(temperature, topP, minP, repetitionPenalty, cfgWeight, maxNewTokens, seed)

			synthStart := time.Now()
			res, err := pipe.Synthesize(ctx, synth.Request{Text: input, Options: opts})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: synthesize: %v", err), 1)
			}
			if err := audio.WriteWAVFile(outPath, res.Samples, res.SampleRate); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", outPath, err), 1)
			}

			fmt.Printf("Wrote %s (%.2fs audio in %s)\n",
				outPath, res.Duration().Seconds(), time.Since(synthStart).Round(time.Millisecond))
			return nil
		},
	}
}

// samplingOptions packs the flag values into per-request options. The flag
// defaults match the session defaults, so passing them through changes
// nothing unless the user or the config file overrode them.
func samplingOptions(temperature, topP, minP, repetitionPenalty, cfgWeight float64, maxNewTokens, seed int64) t3.GenerateOptions {
	temp := float32(temperature)
	tp := float32(topP)
	mp := float32(minP)
	rep := float32(repetitionPenalty)
	cw := float32(cfgWeight)
	maxNew := int(maxNewTokens)
	opts := t3.GenerateOptions{
		Temperature:       &temp,
		TopP:              &tp,
		MinP:              &mp,
		RepetitionPenalty: &rep,
		CFGWeight:         &cw,
		MaxNewTokens:      &maxNew,
	}
	if seed != -1 {
		s := uint64(seed)
		opts.Seed = &s
	}
	return opts
}

func resolveText(text, file string) (string, error) {
	if text != "" && file != "" {
		return "", errors.New("--text and --file are mutually exclusive")
	}
	if text != "" {
		return text, nil
	}
	if file == "" {
		return "", errors.New("--text or --file is required")
	}
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", errors.New("input text is empty")
	}
	return string(data), nil
}
