package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models refinery.yml: pricing, wave defaults, worker endpoints and the
// model backend. Pricing lives here so the affordability check and post-hoc
// cost accumulation share one cost model.
type Config struct {
	Pricing struct {
		USDPerToken float64 `yaml:"usd_per_token"`
	} `yaml:"pricing"`
	Waves struct {
		GeneratorsPerWave        int     `yaml:"generators_per_wave"`
		DefaultTokensPerArtifact int64   `yaml:"default_tokens_per_artifact"`
		GenerationTimeoutSeconds int     `yaml:"generation_timeout_seconds"`
		AnalysisTimeoutSeconds   int     `yaml:"analysis_timeout_seconds"`
		MaxRetries               int     `yaml:"max_retries"`
		ViabilityThreshold       float64 `yaml:"viability_threshold"`
		SweepIntervalSeconds     int     `yaml:"sweep_interval_seconds"`
	} `yaml:"waves"`
	Analyzer struct {
		EvalConcurrency int `yaml:"eval_concurrency"`
	} `yaml:"analyzer"`
	Endpoints struct {
		// SelfURL is the externally reachable base URL of this process; workers
		// post their callbacks here.
		SelfURL      string `yaml:"self_url"`
		GeneratorURL string `yaml:"generator_url"`
		AnalyzerURL  string `yaml:"analyzer_url"`
		EvaluatorURL string `yaml:"evaluator_url"`
	} `yaml:"endpoints"`
	Model struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Name           string `yaml:"name"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"model"`
}

// Default returns the config with every knob at its default.
func Default() *Config {
	var c Config
	c.Pricing.USDPerToken = 0.000002
	c.Waves.GeneratorsPerWave = 3
	c.Waves.DefaultTokensPerArtifact = 2000
	c.Waves.GenerationTimeoutSeconds = 180
	c.Waves.AnalysisTimeoutSeconds = 300
	c.Waves.MaxRetries = 2
	c.Waves.ViabilityThreshold = 80
	c.Waves.SweepIntervalSeconds = 15
	c.Analyzer.EvalConcurrency = 16
	c.Model.Name = "default"
	c.Model.TimeoutSeconds = 120
	return &c
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pricing.USDPerToken <= 0 {
		return fmt.Errorf("config.pricing.usd_per_token must be > 0")
	}
	if c.Waves.GeneratorsPerWave < 1 {
		return fmt.Errorf("config.waves.generators_per_wave must be >= 1")
	}
	if c.Waves.DefaultTokensPerArtifact <= 0 {
		return fmt.Errorf("config.waves.default_tokens_per_artifact must be > 0")
	}
	if c.Waves.GenerationTimeoutSeconds <= 0 || c.Waves.AnalysisTimeoutSeconds <= 0 {
		return fmt.Errorf("config.waves timeouts must be > 0")
	}
	if c.Waves.MaxRetries < 0 {
		return fmt.Errorf("config.waves.max_retries must be >= 0")
	}
	if c.Waves.ViabilityThreshold < 0 || c.Waves.ViabilityThreshold > 100 {
		return fmt.Errorf("config.waves.viability_threshold must be in [0,100]")
	}
	if c.Analyzer.EvalConcurrency < 1 {
		return fmt.Errorf("config.analyzer.eval_concurrency must be >= 1")
	}
	return nil
}

// GenerationTimeout returns the generation deadline as a duration.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Waves.GenerationTimeoutSeconds) * time.Second
}

// AnalysisTimeout returns the analysis deadline as a duration.
func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Waves.AnalysisTimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "refinery.yml")
}

// Load reads refinery.yml from workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Absent keys keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML for `rf config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pricing:
  usd_per_token: 0.000002

waves:
  generators_per_wave: 3
  default_tokens_per_artifact: 2000
  generation_timeout_seconds: 180
  analysis_timeout_seconds: 300
  max_retries: 2
  viability_threshold: 80
  sweep_interval_seconds: 15

analyzer:
  eval_concurrency: 16

endpoints:
  self_url: "http://127.0.0.1:8080"
  generator_url: ""
  analyzer_url: ""
  evaluator_url: ""

model:
  base_url: ""
  api_key: ""
  name: default
  timeout_seconds: 120
`
