package t3

import "testing"

func TestResolveOptionsDefaults(t *testing.T) {
	req, err := resolveOptions(GenerateOptions{})
	if err != nil {
		t.Fatalf("resolveOptions: %v", err)
	}
	if req.params.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v", req.params.Temperature)
	}
	if req.params.TopP != DefaultTopP {
		t.Errorf("top_p = %v", req.params.TopP)
	}
	if req.params.MinP != DefaultMinP {
		t.Errorf("min_p = %v", req.params.MinP)
	}
	if req.params.RepetitionPenalty != DefaultRepetitionPenalty {
		t.Errorf("repetition penalty = %v", req.params.RepetitionPenalty)
	}
	if req.cfgWeight != DefaultCFGWeight {
		t.Errorf("cfg weight = %v", req.cfgWeight)
	}
	if req.maxNewTokens != DefaultMaxNewTokens {
		t.Errorf("max new tokens = %d", req.maxNewTokens)
	}
	if req.stopCheckInterval != DefaultStopCheckInterval {
		t.Errorf("stop check interval = %d", req.stopCheckInterval)
	}
	if req.minTokensBeforeStopCheck != 0 {
		t.Errorf("min tokens before stop check = %d", req.minTokensBeforeStopCheck)
	}
}

func TestResolveOptionsUnseededRequestsVary(t *testing.T) {
	a, err := resolveOptions(GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := resolveOptions(GenerateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if a.params.Seed == b.params.Seed {
		t.Fatal("two unseeded requests resolved to the same seed")
	}
}

func TestResolveOptionsOverrides(t *testing.T) {
	req, err := resolveOptions(GenerateOptions{
		Temperature:              f32p(0.3),
		TopP:                     f32p(0.9),
		MinP:                     f32p(0),
		RepetitionPenalty:        f32p(1.0),
		CFGWeight:                f32p(0),
		MaxNewTokens:             intp(17),
		Seed:                     u64p(99),
		StopCheckInterval:        intp(4),
		MinTokensBeforeStopCheck: intp(8),
	})
	if err != nil {
		t.Fatalf("resolveOptions: %v", err)
	}
	if req.params.Temperature != 0.3 || req.params.TopP != 0.9 {
		t.Errorf("params = %+v", req.params)
	}
	// Explicit zeros are overrides, not unset fields.
	if req.params.MinP != 0 || req.cfgWeight != 0 {
		t.Errorf("zero overrides ignored: min_p=%v cfg=%v", req.params.MinP, req.cfgWeight)
	}
	if req.params.Seed != 99 {
		t.Errorf("seed = %d", req.params.Seed)
	}
	if req.maxNewTokens != 17 || req.stopCheckInterval != 4 || req.minTokensBeforeStopCheck != 8 {
		t.Errorf("req = %+v", req)
	}
}

func TestResolveOptionsValidation(t *testing.T) {
	cases := []struct {
		name string
		opts GenerateOptions
	}{
		{"negative temperature", GenerateOptions{Temperature: f32p(-0.1)}},
		{"negative top_p", GenerateOptions{TopP: f32p(-0.5)}},
		{"negative min_p", GenerateOptions{MinP: f32p(-0.01)}},
		{"negative repetition penalty", GenerateOptions{RepetitionPenalty: f32p(-1)}},
		{"negative cfg weight", GenerateOptions{CFGWeight: f32p(-0.5)}},
		{"zero max new tokens", GenerateOptions{MaxNewTokens: intp(0)}},
		{"zero stop interval", GenerateOptions{StopCheckInterval: intp(0)}},
		{"negative min tokens", GenerateOptions{MinTokensBeforeStopCheck: intp(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := resolveOptions(tc.opts); err == nil {
				t.Fatal("invalid options accepted")
			}
		})
	}
}
