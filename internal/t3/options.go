package t3

import (
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/aria/internal/sampling"
)

// Defaults applied when a GenerateOptions field is nil.
const (
	DefaultTemperature       float32 = 0.8
	DefaultTopP              float32 = 1.0
	DefaultMinP              float32 = 0.05
	DefaultRepetitionPenalty float32 = 1.2
	DefaultCFGWeight         float32 = 0.5
	DefaultMaxNewTokens              = 1000
	DefaultStopCheckInterval         = 20
)

// GenerateOptions carries per-request overrides. Nil fields take the
// defaults above, so callers set only what they need.
type GenerateOptions struct {
	Temperature       *float32
	TopP              *float32
	MinP              *float32
	RepetitionPenalty *float32
	// CFGWeight blends conditional and unconditional logits. Zero runs the
	// single-row path with no unconditional batch row at all.
	CFGWeight    *float32
	MaxNewTokens *int
	// Seed fixes the sampling stream; nil draws a fresh seed per request.
	Seed *uint64
	// StopCheckInterval is how many decode steps run between stop-token
	// scans. Scanning is deliberately periodic, not per-step.
	StopCheckInterval *int
	// MinTokensBeforeStopCheck defers the first scan until this many tokens
	// exist.
	MinTokensBeforeStopCheck *int
}

// request is the resolved, validated form of GenerateOptions.
type request struct {
	params                   sampling.Params
	cfgWeight                float32
	maxNewTokens             int
	stopCheckInterval        int
	minTokensBeforeStopCheck int
}

func resolveOptions(opts GenerateOptions) (request, error) {
	req := request{
		params: sampling.Params{
			Temperature:       DefaultTemperature,
			TopP:              DefaultTopP,
			MinP:              DefaultMinP,
			RepetitionPenalty: DefaultRepetitionPenalty,
			Seed:              rand.Uint64(),
		},
		cfgWeight:         DefaultCFGWeight,
		maxNewTokens:      DefaultMaxNewTokens,
		stopCheckInterval: DefaultStopCheckInterval,
	}
	if opts.Temperature != nil {
		req.params.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		req.params.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.params.MinP = *opts.MinP
	}
	if opts.RepetitionPenalty != nil {
		req.params.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.Seed != nil {
		req.params.Seed = *opts.Seed
	}
	if opts.CFGWeight != nil {
		req.cfgWeight = *opts.CFGWeight
	}
	if opts.MaxNewTokens != nil {
		req.maxNewTokens = *opts.MaxNewTokens
	}
	if opts.StopCheckInterval != nil {
		req.stopCheckInterval = *opts.StopCheckInterval
	}
	if opts.MinTokensBeforeStopCheck != nil {
		req.minTokensBeforeStopCheck = *opts.MinTokensBeforeStopCheck
	}

	if req.params.Temperature < 0 {
		return request{}, fmt.Errorf("t3: negative temperature %v", req.params.Temperature)
	}
	if req.params.TopP < 0 || req.params.MinP < 0 || req.params.RepetitionPenalty < 0 {
		return request{}, fmt.Errorf("t3: negative sampling parameter (top_p=%v min_p=%v repetition_penalty=%v)",
			req.params.TopP, req.params.MinP, req.params.RepetitionPenalty)
	}
	if req.cfgWeight < 0 {
		return request{}, fmt.Errorf("t3: negative cfg weight %v", req.cfgWeight)
	}
	if req.maxNewTokens <= 0 {
		return request{}, fmt.Errorf("t3: max new tokens must be positive, got %d", req.maxNewTokens)
	}
	if req.stopCheckInterval <= 0 {
		return request{}, fmt.Errorf("t3: stop check interval must be positive, got %d", req.stopCheckInterval)
	}
	if req.minTokensBeforeStopCheck < 0 {
		return request{}, fmt.Errorf("t3: negative min tokens before stop check %d", req.minTokensBeforeStopCheck)
	}
	return req, nil
}
