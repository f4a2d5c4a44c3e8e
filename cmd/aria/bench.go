package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/aria/internal/logger"
	"github.com/samcharles93/aria/internal/t3"
	"github.com/samcharles93/aria/internal/tensor"
	"github.com/samcharles93/aria/internal/toy"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		steps      int64
		textLen    int64
		layers     int64
		heads      int64
		headDim    int64
		cacheDType string
		seed       int64
	)

	def := toy.DefaultConfig()
	flags := []cli.Flag{
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "speech tokens to generate per run",
			Value:       256,
			Destination: &steps,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "text-tokens",
			Usage:       "synthetic text tokens in the prompt",
			Value:       64,
			Destination: &textLen,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "toy backbone layers",
			Value:       int64(def.Layers),
			Destination: &layers,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "toy backbone heads",
			Value:       int64(def.Heads),
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Usage:       "toy backbone head dimension",
			Value:       int64(def.HeadDim),
			Destination: &headDim,
		},
		&cli.StringFlag{
			Name:        "cache-dtype",
			Usage:       "KV cache data type (f32, f16)",
			Value:       "f32",
			Destination: &cacheDType,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed, shared by both modes",
			Value:       42,
			Destination: &seed,
		},
	}

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark decode throughput, captured vs eager",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			var dtype tensor.DType
			switch cacheDType {
			case "f32":
				dtype = tensor.F32
			case "f16":
				dtype = tensor.F16
			default:
				return cli.Exit(fmt.Sprintf("error: unknown cache dtype %q", cacheDType), 1)
			}

			cfg := toy.DefaultConfig()
			cfg.Layers = int(layers)
			cfg.Heads = int(heads)
			cfg.HeadDim = int(headDim)
			model, err := toy.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build backbone: %v", err), 1)
			}
			hp := model.Hyperparams()

			fmt.Println("=== Aria Benchmark ===")
			fmt.Printf("Backbone: toy (%d layers, %d heads, head dim %d)\n", cfg.Layers, cfg.Heads, cfg.HeadDim)
			fmt.Printf("Cache:    %s\n", dtype)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Steps:    %d tokens\n", steps)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			cond := benchConditioning(hp, int(textLen))
			stepsVal := int(steps)
			seedVal := uint64(seed)
			opts := t3.GenerateOptions{
				MaxNewTokens: &stepsVal,
				Seed:         &seedVal,
			}

			modes := []struct {
				name    string
				disable bool
			}{
				{"captured", false},
				{"eager", true},
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-10s %-4s %10s %10s %8s %8s %8s\n",
				"Mode", "Run", "tps", "duration", "tokens", "replay", "eager")

			means := make(map[string]float64, len(modes))
			for _, mode := range modes {
				session, err := t3.NewSession(model, t3.Config{
					Log:            log,
					CacheDType:     dtype,
					DisableCapture: mode.disable,
				})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: build %s session: %v", mode.name, err), 1)
				}

				for i := range int(warmupRuns) {
					if _, err := session.Generate(ctx, cond, opts); err != nil {
						return cli.Exit(fmt.Sprintf("error: %s warmup run %d: %v", mode.name, i+1, err), 1)
					}
				}

				tps := make([]float64, 0, benchRuns)
				for i := range int(benchRuns) {
					res, err := session.Generate(ctx, cond, opts)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %s run %d: %v", mode.name, i+1, err), 1)
					}
					st := res.Stats
					fmt.Printf("%-10s %-4d %10.2f %10s %8d %8d %8d\n",
						mode.name, i+1, st.TPS, st.Duration.Round(time.Millisecond),
						st.TokensGenerated, st.Replays, st.EagerSteps)
					tps = append(tps, st.TPS)
				}

				mean := stat.Mean(tps, nil)
				stddev := 0.0
				if len(tps) > 1 {
					stddev = stat.StdDev(tps, nil)
				}
				fmt.Printf("%-10s %-4s %10.2f   (stddev %.2f)\n\n", mode.name, "Avg", mean, stddev)
				means[mode.name] = mean
			}

			if eagerMean := means["eager"]; eagerMean > 0 {
				fmt.Printf("Speedup (captured vs eager): %.2fx\n", means["captured"]/eagerMean)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

// benchConditioning builds a synthetic prompt of textLen in-vocab text
// tokens. The start and stop markers are inserted by the session.
func benchConditioning(hp t3.Hyperparams, textLen int) t3.Conditioning {
	tokens := make([]int32, textLen)
	for i := range tokens {
		tokens[i] = int32(3 + (i*7)%(hp.TextVocab-3))
	}
	return t3.Conditioning{TextTokens: tokens}
}
