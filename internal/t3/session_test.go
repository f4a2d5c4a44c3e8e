package t3

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/samcharles93/aria/internal/kvcache"
	"github.com/samcharles93/aria/internal/logger"
)

func f32p(v float32) *float32 { return &v }
func intp(v int) *int         { return &v }
func u64p(v uint64) *uint64   { return &v }

func newTestSession(t *testing.T, m Model, cfg Config) *Session {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	s, err := NewSession(m, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func testCond() Conditioning {
	return Conditioning{TextTokens: []int32{1, 5, 6, 7, 2}}
}

// fixedOpts is a fully pinned option set so runs are comparable.
func fixedOpts(seed uint64, maxNew int, cfgWeight float32) GenerateOptions {
	return GenerateOptions{
		Temperature:       f32p(0.8),
		TopP:              f32p(1.0),
		MinP:              f32p(0.05),
		RepetitionPenalty: f32p(1.2),
		CFGWeight:         f32p(cfgWeight),
		Seed:              u64p(seed),
		MaxNewTokens:      intp(maxNew),
	}
}

func TestRepeatGenerationsIdentical(t *testing.T) {
	s := newTestSession(t, newStubModel(true), Config{})
	ctx := context.Background()

	first, err := s.Generate(ctx, testCond(), fixedOpts(42, 30, 0.5))
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	second, err := s.Generate(ctx, testCond(), fixedOpts(42, 30, 0.5))
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if !slices.Equal(first.Tokens, second.Tokens) {
		t.Fatalf("same seed diverged:\n%v\n%v", first.Tokens, second.Tokens)
	}
	if first.Stats.TokensGenerated != 30 || first.Stats.TPS <= 0 || first.Stats.Duration <= 0 {
		t.Fatalf("stats = %+v", first.Stats)
	}
	// The second run reuses the captured step: the bucket's handle is still
	// bound to the same buffers.
	if st := second.Stats; st.Captures != 0 || st.GuardTrips != 0 || st.EagerSteps != 0 || st.Replays != 30 {
		t.Fatalf("second run stats = %+v", st)
	}
}

func TestDifferentSeedsDiverge(t *testing.T) {
	s := newTestSession(t, newStubModel(false), Config{})
	ctx := context.Background()

	a, err := s.Generate(ctx, testCond(), fixedOpts(1, 30, 0))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Generate(ctx, testCond(), fixedOpts(2, 30, 0))
	if err != nil {
		t.Fatal(err)
	}
	if slices.Equal(a.Tokens, b.Tokens) {
		t.Fatal("different seeds produced identical sequences")
	}
}

func TestEagerMatchesCaptured(t *testing.T) {
	eager := newTestSession(t, newStubModel(true), Config{DisableCapture: true})
	captured := newTestSession(t, newStubModel(true), Config{})
	ctx := context.Background()

	re, err := eager.Generate(ctx, testCond(), fixedOpts(42, 30, 0.5))
	if err != nil {
		t.Fatalf("eager Generate: %v", err)
	}
	rc, err := captured.Generate(ctx, testCond(), fixedOpts(42, 30, 0.5))
	if err != nil {
		t.Fatalf("captured Generate: %v", err)
	}
	if !slices.Equal(re.Tokens, rc.Tokens) {
		t.Fatalf("captured path diverged from eager:\n%v\n%v", re.Tokens, rc.Tokens)
	}
	if st := re.Stats; st.EagerSteps != 30 || st.Replays != 0 || st.Captures != 0 {
		t.Fatalf("eager stats = %+v", st)
	}
	// 3 warmup steps, one capture, rest replayed.
	if st := rc.Stats; st.EagerSteps != 3 || st.Captures != 1 || st.Replays != 27 {
		t.Fatalf("captured stats = %+v", st)
	}
}

func TestCaptureFailureFallsBackToEager(t *testing.T) {
	m := newStubModel(true)
	m.captureErr = errors.New("device stream busy")
	s := newTestSession(t, m, Config{})

	res, err := s.Generate(context.Background(), testCond(), fixedOpts(42, 10, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if st := res.Stats; st.EagerSteps != 10 || st.Captures != 0 || st.Replays != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if res.Stats.TokensGenerated != 10 {
		t.Fatalf("TokensGenerated = %d", res.Stats.TokensGenerated)
	}
}

func TestStopTokenReturnsExactCount(t *testing.T) {
	m := newStubModel(false)
	m.stopAt = 7
	s := newTestSession(t, m, Config{})

	res, err := s.Generate(context.Background(), testCond(), fixedOpts(42, 50, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 8 {
		t.Fatalf("stop at step 7 returned %d tokens, want 8: %v", len(res.Tokens), res.Tokens)
	}
	if res.Tokens[7] != m.hp.EOSToken {
		t.Fatalf("last token = %d, want stop %d", res.Tokens[7], m.hp.EOSToken)
	}
	for i, tok := range res.Tokens[:7] {
		if tok == m.hp.EOSToken {
			t.Fatalf("early stop token at %d", i)
		}
	}
}

func TestStopScanIsPeriodic(t *testing.T) {
	m := newStubModel(false)
	m.stopAt = 2
	s := newTestSession(t, m, Config{})

	opts := fixedOpts(42, 50, 0)
	opts.StopCheckInterval = intp(5)
	res, err := s.Generate(context.Background(), testCond(), opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(res.Tokens))
	}
	// The stop landed at step 2 but the scan only runs every 5 steps, so
	// the loop executed exactly 5 steps before noticing.
	if m.stepCalls != 5 {
		t.Fatalf("stepCalls = %d, want 5", m.stepCalls)
	}
}

func TestMinTokensDefersStopScan(t *testing.T) {
	m := newStubModel(false)
	m.stopAt = 2
	s := newTestSession(t, m, Config{})

	opts := fixedOpts(42, 50, 0)
	opts.StopCheckInterval = intp(5)
	opts.MinTokensBeforeStopCheck = intp(12)
	res, err := s.Generate(context.Background(), testCond(), opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 3 {
		t.Fatalf("got %d tokens, want 3", len(res.Tokens))
	}
	// Scans start once 12 tokens exist; the first eligible multiple of the
	// interval is 15.
	if m.stepCalls != 15 {
		t.Fatalf("stepCalls = %d, want 15", m.stepCalls)
	}
}

// recordLogger captures Warn messages for assertions.
type recordLogger struct {
	mu    sync.Mutex
	warns []string
}

func (r *recordLogger) Debug(string, ...any) {}
func (r *recordLogger) Info(string, ...any)  {}
func (r *recordLogger) Warn(msg string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, msg)
}
func (r *recordLogger) Error(string, ...any)          {}
func (r *recordLogger) With(...any) logger.Logger     { return r }
func (r *recordLogger) WithGroup(string) logger.Logger { return r }

func TestBudgetClampsToCapacityWithoutError(t *testing.T) {
	rl := &recordLogger{}
	s := newTestSession(t, newStubModel(false), Config{Log: rl, CacheLen: 1100})

	res, err := s.Generate(context.Background(), testCond(), fixedOpts(42, 5000, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// 1100 cache slots minus the prompt window leaves 76 decode steps.
	if len(res.Tokens) != 76 {
		t.Fatalf("got %d tokens, want 76", len(res.Tokens))
	}
	if len(rl.warns) == 0 {
		t.Fatal("clamping did not log a warning")
	}
}

func TestCFGWeightSelectsBatch(t *testing.T) {
	m := newStubModel(false)
	s := newTestSession(t, m, Config{})
	ctx := context.Background()

	if _, err := s.Generate(ctx, testCond(), fixedOpts(42, 5, 0.5)); err != nil {
		t.Fatalf("cfg Generate: %v", err)
	}
	if m.seedBatch != 2 {
		t.Fatalf("cfg weight 0.5 seeded batch %d, want 2", m.seedBatch)
	}
	// Weight zero skips the unconditional row entirely.
	if _, err := s.Generate(ctx, testCond(), fixedOpts(42, 5, 0)); err != nil {
		t.Fatalf("plain Generate: %v", err)
	}
	if m.seedBatch != 1 {
		t.Fatalf("cfg weight 0 seeded batch %d, want 1", m.seedBatch)
	}
}

func TestBatchSwitchTripsGuardAndRecaptures(t *testing.T) {
	s := newTestSession(t, newStubModel(true), Config{})
	ctx := context.Background()

	first, err := s.Generate(ctx, testCond(), fixedOpts(42, 10, 0.5))
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	if st := first.Stats; st.EagerSteps != 3 || st.Captures != 1 || st.Replays != 7 || st.GuardTrips != 0 {
		t.Fatalf("first stats = %+v", st)
	}

	// Dropping to batch 1 re-pins every buffer; the old handle must trip
	// its guard and a fresh capture must serve the rest, with no warmup
	// detour.
	second, err := s.Generate(ctx, testCond(), fixedOpts(42, 10, 0))
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if st := second.Stats; st.GuardTrips != 1 || st.Captures != 1 || st.Replays != 10 || st.EagerSteps != 0 {
		t.Fatalf("second stats = %+v", st)
	}
}

func TestCancelledContextBeforeSeed(t *testing.T) {
	m := newStubModel(false)
	s := newTestSession(t, m, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Generate(ctx, testCond(), fixedOpts(42, 10, 0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m.seedCalls != 0 {
		t.Fatal("seed ran under a cancelled context")
	}
}

func TestCancellationHonoredAtScanPoints(t *testing.T) {
	m := newStubModel(false)
	s := newTestSession(t, m, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	m.onStep = func() {
		calls++
		if calls == 3 {
			cancel()
		}
	}
	_, err := s.Generate(ctx, testCond(), fixedOpts(42, 50, 0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Cancellation lands mid-stride but is only observed at the next scan
	// point, 20 steps in.
	if m.stepCalls != 20 {
		t.Fatalf("stepCalls = %d, want 20", m.stepCalls)
	}
}

func TestConcurrentGenerateFailsFast(t *testing.T) {
	m := newStubModel(false)
	s := newTestSession(t, m, Config{})

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	m.onStep = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Generate(context.Background(), testCond(), fixedOpts(42, 5, 0))
		done <- err
	}()

	<-started
	_, err := s.Generate(context.Background(), testCond(), fixedOpts(42, 5, 0))
	if !errors.Is(err, kvcache.ErrCacheBusy) {
		t.Fatalf("concurrent Generate = %v, want ErrCacheBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Generate: %v", err)
	}
}

func TestPromptBeyondWindowFailsBeforeSeed(t *testing.T) {
	m := newStubModel(false)
	s := newTestSession(t, m, Config{})

	long := make([]int32, MaxPromptLen+10)
	for i := range long {
		long[i] = 3
	}
	_, err := s.Generate(context.Background(), Conditioning{TextTokens: long}, fixedOpts(42, 10, 0))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if m.seedCalls != 0 {
		t.Fatal("seed ran for an oversized prompt")
	}
}

func TestShortUtteranceReproducible(t *testing.T) {
	s := newTestSession(t, newStubModel(false), Config{})
	ctx := context.Background()
	cond := Conditioning{TextTokens: []int32{1, 8, 9, 10, 11, 2}}
	opts := GenerateOptions{
		Temperature:       f32p(0.8),
		MinP:              f32p(0.05),
		TopP:              f32p(1.0),
		RepetitionPenalty: f32p(1.2),
		CFGWeight:         f32p(0),
		Seed:              u64p(42),
		MaxNewTokens:      intp(50),
	}

	first, err := s.Generate(ctx, cond, opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(first.Tokens) == 0 || len(first.Tokens) > 50 {
		t.Fatalf("got %d tokens, want 1..50", len(first.Tokens))
	}
	for i, tok := range first.Tokens {
		if tok < 0 || int(tok) >= testHyperparams().SpeechVocab {
			t.Fatalf("token %d at %d outside vocab", tok, i)
		}
	}
	second, err := s.Generate(ctx, cond, opts)
	if err != nil {
		t.Fatalf("repeat Generate: %v", err)
	}
	if !slices.Equal(first.Tokens, second.Tokens) {
		t.Fatal("same request was not reproducible")
	}
}

func TestAllNoopSamplingParams(t *testing.T) {
	s := newTestSession(t, newStubModel(false), Config{})
	opts := GenerateOptions{
		Temperature:       f32p(1.0),
		TopP:              f32p(1.0),
		MinP:              f32p(0),
		RepetitionPenalty: f32p(1.0),
		CFGWeight:         f32p(0),
		Seed:              u64p(7),
		MaxNewTokens:      intp(5),
	}
	res, err := s.Generate(context.Background(), testCond(), opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 5 {
		t.Fatalf("got %d tokens, want 5", len(res.Tokens))
	}
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(nil, Config{}); err == nil {
		t.Error("nil model accepted")
	}
	bad := newStubModel(false)
	bad.hp.Layers = 0
	if _, err := NewSession(bad, Config{Log: logger.Nop()}); err == nil {
		t.Error("invalid geometry accepted")
	}
	if _, err := NewSession(newStubModel(false), Config{Log: logger.Nop(), CacheLen: MaxPromptLen}); err == nil {
		t.Error("cache shorter than the prompt window accepted")
	}
}

func TestGeneratePanicContained(t *testing.T) {
	m := newStubModel(false)
	m.onStep = func() { panic("kaboom") }
	s := newTestSession(t, m, Config{})

	res, err := s.Generate(context.Background(), testCond(), fixedOpts(42, 5, 0))
	if err == nil || res != nil {
		t.Fatalf("panicking model returned res=%v err=%v", res, err)
	}
}
