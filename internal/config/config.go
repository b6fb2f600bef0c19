// Package config loads the YAML runtime configuration and maps it onto
// the component configurations. Only the knobs an operator actually
// tunes are exposed; everything else keeps its built-in default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shortpilot/shortpilot/internal/analytics"
	"github.com/shortpilot/shortpilot/internal/fallback"
	"github.com/shortpilot/shortpilot/internal/fingerprint"
	"github.com/shortpilot/shortpilot/internal/health"
	"github.com/shortpilot/shortpilot/internal/orchestrator"
	"github.com/shortpilot/shortpilot/internal/provider"
	"github.com/shortpilot/shortpilot/internal/risk"
	"github.com/shortpilot/shortpilot/internal/schedule"
	"github.com/shortpilot/shortpilot/internal/strategy"
)

// Duration parses "45m" style YAML values into a time.Duration.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asInt int64
	if err := value.Decode(&asInt); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	*d = Duration(time.Duration(asInt) * time.Second)
	return nil
}

// Std converts back to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Storage selects and parameterizes the persistence backend.
type Storage struct {
	Backend      string   `yaml:"backend"`       // "file" or "postgres"
	Dir          string   `yaml:"dir"`           // file backend root
	DSN          string   `yaml:"dsn"`           // postgres connection string
	QueryTimeout Duration `yaml:"query_timeout"` // per-query bound, postgres only
}

// Server configures the operational HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Endpoint is one remote JSON capability service.
type Endpoint struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// HTTPConfig converts to the provider adapter configuration.
func (e Endpoint) HTTPConfig() provider.HTTPConfig {
	return provider.HTTPConfig{
		Name:    e.Name,
		URL:     e.URL,
		APIKey:  e.APIKey,
		Timeout: e.Timeout.Std(),
	}
}

// Providers configures the capability chains, each in priority order.
type Providers struct {
	Anthropic    provider.AnthropicConfig `yaml:"anthropic"`
	QuestionBank string                   `yaml:"question_bank"` // local bank path, terminal content fallback
	AssetDir     string                   `yaml:"asset_dir"`     // local asset library root
	Narration    []Endpoint               `yaml:"narration"`
	Assets       []Endpoint               `yaml:"assets"`
	Render       []Endpoint               `yaml:"render"`
	Upload       []Endpoint               `yaml:"upload"`
	Analytics    []Endpoint               `yaml:"analytics"`
}

// Safety holds operator additions to the banned pattern set.
type Safety struct {
	ExtraBannedPatterns []string `yaml:"extra_banned_patterns"`
}

// Config is the full runtime configuration.
type Config struct {
	Storage    Storage             `yaml:"storage"`
	Server     Server              `yaml:"server"`
	Seed       int64               `yaml:"seed"`
	Dimensions map[string][]string `yaml:"dimensions"`
	Providers  Providers           `yaml:"providers"`
	Safety     Safety              `yaml:"safety"`

	Budget           Duration `yaml:"budget"`
	DailyTarget      int      `yaml:"daily_target"`
	DupThreshold     float64  `yaml:"dup_threshold"`
	FailureThreshold int      `yaml:"failure_threshold"`
	CircuitCooldown  Duration `yaml:"circuit_cooldown"`
	RecomputeEvery   Duration `yaml:"recompute_every"`
	MaturationAge    Duration `yaml:"maturation_age"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be \"file\" or \"postgres\", got %q", c.Storage.Backend)
	}

	for _, dim := range []string{strategy.DimTemplate, strategy.DimCategory, strategy.DimVoice, strategy.DimHour} {
		if len(c.Dimensions[dim]) == 0 {
			return fmt.Errorf("dimensions.%s must list at least one option", dim)
		}
	}
	if c.DupThreshold < 0 || c.DupThreshold > 1 {
		return fmt.Errorf("dup_threshold must be within [0, 1], got %v", c.DupThreshold)
	}
	return nil
}

// Component config mapping. Zero values fall through to the component
// defaults.

func (c *Config) HealthConfig() health.Config {
	return health.Config{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.CircuitCooldown.Std(),
	}
}

func (c *Config) FallbackConfig() fallback.Config {
	return fallback.Config{}
}

func (c *Config) StrategyConfig() strategy.Config {
	return strategy.Config{RecomputeEvery: c.RecomputeEvery.Std()}
}

func (c *Config) RiskConfig() risk.Config {
	return risk.Config{}
}

func (c *Config) ScheduleConfig() schedule.Config {
	return schedule.Config{DailyTarget: c.DailyTarget}
}

func (c *Config) AnalyticsConfig() analytics.Config {
	return analytics.Config{MaturationAge: c.MaturationAge.Std()}
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{Budget: c.Budget.Std()}
}

func (c *Config) Windows() fingerprint.Windows {
	return fingerprint.DefaultWindows()
}
