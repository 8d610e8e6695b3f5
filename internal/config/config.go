// Package config loads the buildstate YAML configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/retry"
)

// CurrentVersion is the only configuration format version understood.
const CurrentVersion = "1"

// Config is the root configuration document.
type Config struct {
	Version      string             `yaml:"version"`
	Project      ProjectConfig      `yaml:"project"`
	State        StateConfig        `yaml:"state"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Watch        WatchConfig        `yaml:"watch"`
	Events       EventsConfig       `yaml:"events"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// ProjectConfig locates the project on disk.
type ProjectConfig struct {
	// BaseDir is the project base directory sources are persisted relative to.
	BaseDir string `yaml:"base_dir"`
	// OutputRoot is the directory output identifiers are relative to.
	OutputRoot string `yaml:"output_root"`
	// Roots are the source roots deltas are grouped by.
	Roots []string `yaml:"roots,omitempty"`
}

// StateConfig selects where target state is persisted.
type StateConfig struct {
	Backend            string        `yaml:"backend"`
	Path               string        `yaml:"path"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// InvalidationConfig tunes shared-output invalidation.
type InvalidationConfig struct {
	// InsignificantOutputSuffixes name outputs that never link the sources
	// producing them.
	InsignificantOutputSuffixes []string `yaml:"insignificant_output_suffixes"`
}

// WatchConfig controls the filesystem watcher.
type WatchConfig struct {
	Debounce   time.Duration `yaml:"debounce"`
	Roots      []string      `yaml:"roots,omitempty"`
	Extensions []string      `yaml:"extensions,omitempty"`
}

// EventsConfig configures output lifecycle event publishing. An empty NATSURL
// disables publishing.
type EventsConfig struct {
	NATSURL string        `yaml:"nats_url,omitempty"`
	Subject string        `yaml:"subject,omitempty"`
	Stream  string        `yaml:"stream,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Retry   RetryConfig   `yaml:"retry,omitempty"`
}

// RetryConfig configures backoff for republishing events.
type RetryConfig struct {
	Mode       string        `yaml:"mode,omitempty"`
	Initial    time.Duration `yaml:"initial,omitempty"`
	Max        time.Duration `yaml:"max,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"` // zero keeps the default
}

// Policy converts the configuration; unset fields take retry defaults.
func (r RetryConfig) Policy() retry.Policy {
	mode, _ := retry.ParseMode(r.Mode)
	maxRetries := r.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return retry.NewPolicy(mode, r.Initial, r.Max, maxRetries)
}

// MonitoringConfig groups metrics and logging.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load reads configPath, expands ${VAR} references after loading .env files
// from the working directory, then applies defaults and validates.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigError("configuration file not found").
				WithContext("path", configPath).Build()
		}
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).Build()
	}
	return Parse(data)
}

// Parse decodes a configuration document. Environment references are
// expanded but no .env files are read.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to unmarshal config").Build()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StateBackend returns the normalized persistence backend.
func (c *Config) StateBackend() persist.Backend {
	return backendNormalizer.Normalize(c.State.Backend)
}

// Init writes a starter configuration to configPath.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.ConfigError("configuration file already exists (use --force to overwrite)").
			WithContext("path", configPath).Build()
	}
	example := Config{Version: CurrentVersion, Project: ProjectConfig{BaseDir: ".", OutputRoot: "out"}}
	example.ApplyDefaults()
	data, err := yaml.Marshal(&example)
	if err != nil {
		return errors.WrapError(err, errors.CategoryConfig, "failed to marshal config").Build()
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to write config file").
			WithContext("path", configPath).Build()
	}
	return nil
}
