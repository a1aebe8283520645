// Package config loads and validates the pipeline configuration from
// environment variables (prefix HUNTSYNC) merged with an optional YAML
// file. The category set is part of the configuration and is fixed for
// the lifetime of a process.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"huntsync/internal/domain"
)

// Config represents the complete pipeline configuration.
type Config struct {
	Session    SessionConfig     `yaml:"session" envconfig:"SESSION"`
	Sync       SyncConfig        `yaml:"sync" envconfig:"SYNC"`
	Governor   GovernorConfig    `yaml:"governor" envconfig:"GOVERNOR"`
	Export     ExportConfig      `yaml:"export" envconfig:"EXPORT"`
	Logging    LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig   `yaml:"telemetry" envconfig:"TELEMETRY"`
	Paths      PathsConfig       `yaml:"paths" envconfig:"PATHS"`
	Categories []domain.Category `yaml:"categories" validate:"required,min=1,unique=ID,dive"`
}

// SessionConfig configures the browser-backed session capability.
type SessionConfig struct {
	BaseURL     string        `yaml:"base_url" envconfig:"BASE_URL" validate:"required,url"`
	Username    string        `yaml:"username" envconfig:"USERNAME"`
	Password    string        `yaml:"password" envconfig:"PASSWORD"`
	Headless    bool          `yaml:"headless" envconfig:"HEADLESS" default:"true"`
	NavTimeout  time.Duration `yaml:"nav_timeout" envconfig:"NAV_TIMEOUT" default:"30s"`
	AuthTimeout time.Duration `yaml:"auth_timeout" envconfig:"AUTH_TIMEOUT" default:"45s"`
}

// SyncConfig bounds the traversal.
type SyncConfig struct {
	// MaxFirstRunRecords caps a full resync so the first run against a
	// never-synced category does not pull unbounded history.
	MaxFirstRunRecords int `yaml:"max_first_run_records" envconfig:"MAX_FIRST_RUN_RECORDS" default:"500" validate:"min=1"`
	// MaxConcurrency above 1 runs categories in parallel, one
	// independent session each. Requires a session factory that can
	// hand out isolated sessions.
	MaxConcurrency int `yaml:"max_concurrency" envconfig:"MAX_CONCURRENCY" default:"1" validate:"min=1"`
	HistoryCap     int `yaml:"history_cap" envconfig:"HISTORY_CAP" default:"50" validate:"min=1"`
}

// GovernorConfig configures retry and pacing for remote calls.
type GovernorConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"3" validate:"min=1"`
	InitialDelay time.Duration `yaml:"initial_delay" envconfig:"INITIAL_DELAY" default:"1s"`
	MaxDelay     time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY" default:"30s"`
	// Minimum inter-call delays per tier. The page tier is the finest
	// granularity and is enforced most often.
	CategoryDelay time.Duration `yaml:"category_delay" envconfig:"CATEGORY_DELAY" default:"2s"`
	RecordDelay   time.Duration `yaml:"record_delay" envconfig:"RECORD_DELAY" default:"500ms"`
	PageDelay     time.Duration `yaml:"page_delay" envconfig:"PAGE_DELAY" default:"200ms"`
}

// ExportConfig selects export targets. At least one must be enabled.
type ExportConfig struct {
	Nested bool `yaml:"nested" envconfig:"NESTED" default:"true"`
	CSV    bool `yaml:"csv" envconfig:"CSV" default:"true"`
	Excel  bool `yaml:"excel" envconfig:"EXCEL" default:"false"`
}

// LoggingConfig contains logging configuration. An empty FilePath
// defaults to huntsync.log inside the configured logs directory.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig controls the OpenTelemetry pipeline.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	SampleRatio float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0" validate:"min=0,max=1"`
}

// Load loads configuration from a YAML file merged with environment
// variables (env takes precedence). A non-empty configFile that cannot
// be read is an error; pass "" to load from the environment alone. The
// category set always comes from the file; environment variables cannot
// define categories.
func Load(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("HUNTSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.Export.Nested && !c.Export.CSV && !c.Export.Excel {
		return fmt.Errorf("at least one export target must be enabled")
	}
	if c.Governor.InitialDelay > c.Governor.MaxDelay {
		return fmt.Errorf("governor initial_delay %s exceeds max_delay %s",
			c.Governor.InitialDelay, c.Governor.MaxDelay)
	}
	return nil
}

// Category returns the configured category with the given id.
func (c *Config) Category(id string) (domain.Category, bool) {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return domain.Category{}, false
}
