package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the aria configuration file (~/.config/aria/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	ModelsDir     string `yaml:"models_dir"`
	ORTLibrary    string `yaml:"ort_library"`
	Voice         string `yaml:"voice"`
	TokenizerRepo string `yaml:"tokenizer_repo"`

	// Sampling defaults
	Temperature       *float64 `yaml:"temperature"`
	TopP              *float64 `yaml:"top_p"`
	MinP              *float64 `yaml:"min_p"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
	CFGWeight         *float64 `yaml:"cfg_weight"`
	MaxNewTokens      *int64   `yaml:"max_new_tokens"`
	Seed              *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics
	MetricsAddr string `yaml:"metrics_addr"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "aria", "config.yaml")
}

// applySynthConfig applies config file defaults to synth command variables
// when the corresponding CLI flag was not explicitly set.
func applySynthConfig(c *cli.Command, cfg Config,
	voiceDir *string, tokenizerRepo *string, metricsAddr *string,
	temperature *float64, topP *float64, minP *float64,
	repetitionPenalty *float64, cfgWeight *float64,
	maxNewTokens *int64, seed *int64,
) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") && !c.IsSet("path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.ORTLibrary != "" && !c.IsSet("ort-lib") {
		ortLibrary = cfg.ORTLibrary
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.Voice != "" && !c.IsSet("voice") {
		*voiceDir = cfg.Voice
	}
	if cfg.TokenizerRepo != "" && !c.IsSet("tokenizer-repo") {
		*tokenizerRepo = cfg.TokenizerRepo
	}
	if cfg.MetricsAddr != "" && !c.IsSet("metrics-addr") {
		*metricsAddr = cfg.MetricsAddr
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") && !c.IsSet("temp") && !c.IsSet("t") {
		*temperature = *cfg.Temperature
	}
	if cfg.TopP != nil && !c.IsSet("top-p") && !c.IsSet("top_p") {
		*topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") && !c.IsSet("min_p") {
		*minP = *cfg.MinP
	}
	if cfg.RepetitionPenalty != nil && !c.IsSet("repetition-penalty") && !c.IsSet("repetition_penalty") {
		*repetitionPenalty = *cfg.RepetitionPenalty
	}
	if cfg.CFGWeight != nil && !c.IsSet("cfg-weight") && !c.IsSet("cfg_weight") {
		*cfgWeight = *cfg.CFGWeight
	}
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		*maxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyFetchConfig applies config file defaults to fetch command variables.
func applyFetchConfig(c *cli.Command, cfg Config) {
	if cfg.ModelsDir != "" && !c.IsSet("models-path") && !c.IsSet("path") {
		modelsPath = cfg.ModelsDir
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
