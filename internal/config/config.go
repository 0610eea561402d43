package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"aevo/internal/paths"
)

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = 1

// EnvPrefix prefixes environment overrides, e.g. AEVO_LOGGING_LEVEL=debug.
const EnvPrefix = "AEVO"

// Config represents the complete aevo configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
	Similarity    SimilarityConfig    `json:"similarity" mapstructure:"similarity"`
	Scoring       ScoringConfig       `json:"scoring" mapstructure:"scoring"`
	Pipeline      PipelineConfig      `json:"pipeline" mapstructure:"pipeline"`
	Persistence   PersistenceConfig   `json:"persistence" mapstructure:"persistence"`
	SelfEvolution SelfEvolutionConfig `json:"selfEvolution" mapstructure:"selfEvolution"`
	Store         StoreConfig         `json:"store" mapstructure:"store"`
	Watch         WatchConfig         `json:"watch" mapstructure:"watch"`
	Metrics       MetricsConfig       `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format     string `json:"format" mapstructure:"format"` // human | json
	Level      string `json:"level" mapstructure:"level"`
	File       bool   `json:"file" mapstructure:"file"` // also write .aevo/logs/aevo.log
	MaxSize    string `json:"maxSize" mapstructure:"maxSize"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
}

// SimilarityConfig weights the three rule similarity dimensions.
type SimilarityConfig struct {
	NameWeight                float64 `json:"nameWeight" mapstructure:"nameWeight"`
	PatternWeight             float64 `json:"patternWeight" mapstructure:"patternWeight"`
	ProductionWeight          float64 `json:"productionWeight" mapstructure:"productionWeight"`
	SimilarToThreshold        float64 `json:"similarToThreshold" mapstructure:"similarToThreshold"`
	SemanticConflictThreshold float64 `json:"semanticConflictThreshold" mapstructure:"semanticConflictThreshold"`
}

// ScoringConfig weights the success metrics when ranking conflicting events.
type ScoringConfig struct {
	Performance   float64 `json:"performance" mapstructure:"performance"`
	Compatibility float64 `json:"compatibility" mapstructure:"compatibility"`
	Confidence    float64 `json:"confidence" mapstructure:"confidence"`
}

// PipelineConfig tunes validation and apply.
type PipelineConfig struct {
	ValidationWorkers   int `json:"validationWorkers" mapstructure:"validationWorkers"`
	BranchLockTimeoutMs int `json:"branchLockTimeoutMs" mapstructure:"branchLockTimeoutMs"`
}

// PersistenceConfig controls event record persistence.
type PersistenceConfig struct {
	Workers   int    `json:"workers" mapstructure:"workers"`
	EventsDir string `json:"eventsDir" mapstructure:"eventsDir"`
}

// SelfEvolutionConfig controls the self-evolution loop.
type SelfEvolutionConfig struct {
	Enabled            bool    `json:"enabled" mapstructure:"enabled"`
	IntervalSeconds    int     `json:"intervalSeconds" mapstructure:"intervalSeconds"`
	DuplicateThreshold float64 `json:"duplicateThreshold" mapstructure:"duplicateThreshold"`
	ComplexityZScore   float64 `json:"complexityZScore" mapstructure:"complexityZScore"`
	UnderusedThreshold int     `json:"underusedThreshold" mapstructure:"underusedThreshold"`
	ReportsDir         string  `json:"reportsDir" mapstructure:"reportsDir"`
	CycleHistory       int     `json:"cycleHistory" mapstructure:"cycleHistory"`
}

// StoreConfig selects the rule store backend.
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // sqlite | memory
}

// WatchConfig tunes the events directory watcher.
type WatchConfig struct {
	DebounceMs int `json:"debounceMs" mapstructure:"debounceMs"`
}

// MetricsConfig exposes Prometheus metrics over HTTP when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Logging: LoggingConfig{
			Format:     "human",
			Level:      "info",
			MaxSize:    "10MB",
			MaxBackups: 3,
		},
		Similarity: SimilarityConfig{
			NameWeight:                1.0 / 3,
			PatternWeight:             1.0 / 3,
			ProductionWeight:          1.0 / 3,
			SimilarToThreshold:        0.6,
			SemanticConflictThreshold: 0.8,
		},
		Scoring: ScoringConfig{
			Performance:   0.5,
			Compatibility: 0.3,
			Confidence:    0.2,
		},
		Pipeline: PipelineConfig{
			ValidationWorkers:   8,
			BranchLockTimeoutMs: 5000,
		},
		Persistence: PersistenceConfig{
			Workers: 8,
		},
		SelfEvolution: SelfEvolutionConfig{
			IntervalSeconds:    300,
			DuplicateThreshold: 0.9,
			ComplexityZScore:   2.0,
			UnderusedThreshold: 1,
			CycleHistory:       50,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Watch: WatchConfig{
			DebounceMs: 250,
		},
	}
}

// BranchLockTimeout returns the pipeline lock wait as a duration.
func (c *Config) BranchLockTimeout() time.Duration {
	return time.Duration(c.Pipeline.BranchLockTimeoutMs) * time.Millisecond
}

// Interval returns the self-evolution period as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.SelfEvolution.IntervalSeconds) * time.Second
}

// LoadConfig loads configuration from <root>/.aevo/config.json.
// Missing keys keep their defaults; AEVO_* environment variables override both.
func LoadConfig(root string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(paths.DataDir(root))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]interface{}); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
}

// Save writes the configuration to <root>/.aevo/config.json
func (c *Config) Save(root string) error {
	path := paths.ConfigPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "human", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: "must be human or json"}
	}

	s := c.Similarity
	for field, w := range map[string]float64{
		"similarity.nameWeight":       s.NameWeight,
		"similarity.patternWeight":    s.PatternWeight,
		"similarity.productionWeight": s.ProductionWeight,
	} {
		if w < 0 {
			return &ConfigError{Field: field, Message: "weight must be non-negative"}
		}
	}
	if s.NameWeight+s.PatternWeight+s.ProductionWeight == 0 {
		return &ConfigError{Field: "similarity", Message: "at least one weight must be positive"}
	}
	if !unit(s.SimilarToThreshold) {
		return &ConfigError{Field: "similarity.similarToThreshold", Message: "must be in [0,1]"}
	}
	if !unit(s.SemanticConflictThreshold) {
		return &ConfigError{Field: "similarity.semanticConflictThreshold", Message: "must be in [0,1]"}
	}

	if c.Pipeline.ValidationWorkers < 1 {
		return &ConfigError{Field: "pipeline.validationWorkers", Message: "must be at least 1"}
	}
	if c.Pipeline.BranchLockTimeoutMs <= 0 {
		return &ConfigError{Field: "pipeline.branchLockTimeoutMs", Message: "must be positive"}
	}
	if c.Persistence.Workers < 1 {
		return &ConfigError{Field: "persistence.workers", Message: "must be at least 1"}
	}

	se := c.SelfEvolution
	if se.IntervalSeconds <= 0 {
		return &ConfigError{Field: "selfEvolution.intervalSeconds", Message: "must be positive"}
	}
	if !unit(se.DuplicateThreshold) {
		return &ConfigError{Field: "selfEvolution.duplicateThreshold", Message: "must be in [0,1]"}
	}
	if se.ComplexityZScore <= 0 {
		return &ConfigError{Field: "selfEvolution.complexityZScore", Message: "must be positive"}
	}

	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return &ConfigError{Field: "store.backend", Message: "must be sqlite or memory"}
	}

	if c.Watch.DebounceMs < 0 {
		return &ConfigError{Field: "watch.debounceMs", Message: "must not be negative"}
	}
	return nil
}

func unit(f float64) bool {
	return f >= 0 && f <= 1
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
