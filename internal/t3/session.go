package t3

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/aria/internal/graph"
	"github.com/samcharles93/aria/internal/kvcache"
	"github.com/samcharles93/aria/internal/logger"
	"github.com/samcharles93/aria/internal/metrics"
	"github.com/samcharles93/aria/internal/sampling"
	"github.com/samcharles93/aria/internal/tensor"
)

// ErrBudgetExceeded reports a hard ceiling violated before any device work,
// such as a prompt that cannot fit the fixed prompt window. Soft limits
// (max new tokens beyond cache capacity) clamp instead.
var ErrBudgetExceeded = errors.New("t3: hard budget exceeded")

// Config wires a Session.
type Config struct {
	Log logger.Logger
	// CacheLen overrides the allocated cache capacity; 0 means MaxCacheLen.
	CacheLen int
	// CacheDType selects f32 or f16 K/V storage.
	CacheDType tensor.DType
	// DisableCapture forces every step down the eager path even when the
	// model can capture.
	DisableCapture bool
}

// Stats summarizes one generation.
type Stats struct {
	TokensGenerated int
	Duration        time.Duration
	TPS             float64

	Replays    int
	Captures   int
	EagerSteps int
	GuardTrips int
}

// Result carries the generated speech tokens, stop token included when one
// was emitted, BOS excluded.
type Result struct {
	Tokens []int32
	Stats  Stats
}

// Session drives generation for one model. The embedding caches, the cache
// manager and the capture scheduler live for the session; pinned buffers
// are (re)allocated per batch shape and reused across requests. A second
// concurrent Generate fails fast with kvcache.ErrCacheBusy.
type Session struct {
	model   Model
	hp      Hyperparams
	log     logger.Logger
	embeds  *EmbeddingCache
	manager *kvcache.Manager
	sched   *graph.Scheduler

	cacheLen int
	dtype    tensor.DType
	kvNames  []string

	mu sync.Mutex

	// Per-request state. The scheduler's closures read these fields at call
	// time so re-pinning between requests is picked up by the guard.
	ic      *inferenceContext
	cache   *kvcache.Cache
	chain   *sampling.Chain
	sampler *sampling.Sampler
	req     request
}

// NewSession builds the embedding caches and the step scheduler for m.
// Capture is wired only when the model implements GraphCapturer and
// cfg.DisableCapture is unset.
func NewSession(m Model, cfg Config) (*Session, error) {
	if m == nil {
		return nil, errors.New("t3: model is required")
	}
	hp := m.Hyperparams()
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	cacheLen := cfg.CacheLen
	if cacheLen == 0 {
		cacheLen = MaxCacheLen
	}
	if cacheLen <= MaxPromptLen {
		return nil, fmt.Errorf("t3: cache length %d leaves no room past the %d prompt window", cacheLen, MaxPromptLen)
	}

	embeds, err := NewEmbeddingCache(m)
	if err != nil {
		return nil, fmt.Errorf("t3: building embedding caches: %w", err)
	}

	s := &Session{
		model:    m,
		hp:       hp,
		log:      log,
		embeds:   embeds,
		manager:  kvcache.NewManager(log),
		cacheLen: cacheLen,
		dtype:    cfg.CacheDType,
		kvNames:  make([]string, 2*hp.Layers),
	}
	for l := 0; l < hp.Layers; l++ {
		s.kvNames[2*l] = fmt.Sprintf("cache_k%d", l)
		s.kvNames[2*l+1] = fmt.Sprintf("cache_v%d", l)
	}

	gcfg := graph.Config{
		Step: func() error {
			return s.model.Step(&s.ic.stepEmbeds, s.cache, s.ic.positions, &s.ic.logits)
		},
		BucketSize: BucketSize,
		Limit:      cacheLen,
		WarmupRuns: -1,
		Log:        log,
	}
	if mc, ok := m.(GraphCapturer); ok && !cfg.DisableCapture {
		gcfg.Capture = func(bucket int) (graph.StepFunc, error) {
			return mc.CaptureStep(bucket, &s.ic.stepEmbeds, s.cache, s.ic.positions, &s.ic.logits)
		}
		gcfg.Bindings = s.bindings
	}
	sched, err := graph.NewScheduler(gcfg)
	if err != nil {
		return nil, err
	}
	s.sched = sched

	log.Debug("session ready",
		"layers", hp.Layers, "dim", hp.Dim, "speech_vocab", hp.SpeechVocab,
		"cache_len", cacheLen, "cache_dtype", cfg.CacheDType.String(),
		"capture", gcfg.Capture != nil)
	return s, nil
}

// bindings reports every pinned buffer a captured step touches: the step
// IO plus all cache layers.
func (s *Session) bindings() []graph.Binding {
	bs := s.ic.bindings()
	for l := 0; l < s.hp.Layers; l++ {
		if k := s.cache.KeyData(l); k != nil {
			bs = append(bs,
				graph.Bind(s.kvNames[2*l], k),
				graph.Bind(s.kvNames[2*l+1], s.cache.ValueData(l)))
		} else {
			bs = append(bs,
				graph.Bind(s.kvNames[2*l], s.cache.KeyHalf(l)),
				graph.Bind(s.kvNames[2*l+1], s.cache.ValueHalf(l)))
		}
	}
	return bs
}

// Generate synthesizes one speech-token sequence. Panics below the model
// boundary surface as errors, never crash the caller.
func (s *Session) Generate(ctx context.Context, cond Conditioning, opts GenerateOptions) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("t3: generate panicked: %v", r)
		}
	}()
	return s.generate(ctx, cond, opts)
}

func (s *Session) generate(ctx context.Context, cond Conditioning, opts GenerateOptions) (*Result, error) {
	if ctx == nil {
		return nil, errors.New("t3: context is required")
	}
	req, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.mu.TryLock() {
		return nil, fmt.Errorf("t3: session busy: %w", kvcache.ErrCacheBusy)
	}
	defer s.mu.Unlock()

	batch := 1
	if req.cfgWeight > 0 {
		batch = 2
	}
	cache, err := s.manager.GetOrCreate(kvcache.Config{
		Layers:  s.hp.Layers,
		Heads:   s.hp.Heads,
		HeadDim: s.hp.HeadDim,
		Batch:   batch,
		MaxLen:  s.cacheLen,
		DType:   s.dtype,
	})
	if err != nil {
		return nil, err
	}
	if err := cache.Checkout(); err != nil {
		return nil, err
	}
	defer cache.Release()

	start := time.Now()
	s.cache = cache
	s.req = req
	if s.ic == nil || s.ic.batch != batch {
		s.ic = newInferenceContext(s.hp, batch)
	} else {
		s.ic.reset()
	}
	cache.Reset()
	s.chain = sampling.NewChain(req.params)
	s.sampler = sampling.NewSampler(req.params.Seed, req.params.Greedy())

	// INIT
	text := ensureTextMarkers(cond.TextTokens, s.hp.StartTextToken, s.hp.StopTextToken)
	maxNew := req.maxNewTokens
	if maxNew > TokenLimit {
		s.log.Warn("max new tokens clamped to the token limit", "requested", maxNew, "limit", TokenLimit)
		maxNew = TokenLimit
	}
	if room := s.cacheLen - MaxPromptLen; maxNew > room {
		s.log.Warn("max new tokens clamped to cache capacity", "requested", maxNew, "capacity", room)
		maxNew = room
	}

	// SEED
	promptLen, err := buildSeedEmbedding(s.model, s.embeds, cond, text, &s.ic.seedEmbeds, batch)
	if err != nil {
		return nil, err
	}
	if err := s.model.Seed(ctx, &s.ic.seedEmbeds, promptLen, cache, &s.ic.logits); err != nil {
		return nil, fmt.Errorf("t3: seed forward: %w", err)
	}
	if err := cache.Advance(MaxPromptLen); err != nil {
		return nil, err
	}

	s.log.Debug("generation started",
		"batch", batch, "prompt_len", promptLen, "max_new", maxNew,
		"cfg_weight", req.cfgWeight, "seed", req.params.Seed,
		"exaggeration", cond.Exaggeration)

	// DECODE
	before := s.sched.Stats()
	written := 0
	for i := 0; i < maxNew; i++ {
		if _, err := s.decodeStep(i); err != nil {
			return nil, err
		}
		written = i + 1
		if written >= req.minTokensBeforeStopCheck && written%req.stopCheckInterval == 0 {
			if scanStop(s.ic.tokens[1:written+1], s.hp.EOSToken) >= 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	// DONE
	out := s.ic.tokens[1 : written+1]
	if idx := scanStop(out, s.hp.EOSToken); idx >= 0 {
		out = out[:idx+1]
	}
	tokens := append([]int32(nil), out...)

	after := s.sched.Stats()
	stats := Stats{
		TokensGenerated: len(tokens),
		Duration:        time.Since(start),
		Replays:         after.Replays - before.Replays,
		Captures:        after.Captures - before.Captures,
		EagerSteps:      after.EagerSteps - before.EagerSteps,
		GuardTrips:      after.GuardTrips - before.GuardTrips,
	}
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
	metrics.TokensGenerated.Add(float64(stats.TokensGenerated))
	metrics.TokensPerSecond.Observe(stats.TPS)

	s.log.Debug("generation complete",
		"tokens", stats.TokensGenerated, "duration", stats.Duration,
		"tps", stats.TPS, "replays", stats.Replays, "captures", stats.Captures,
		"eager_steps", stats.EagerSteps, "guard_trips", stats.GuardTrips)
	return &Result{Tokens: tokens, Stats: stats}, nil
}
