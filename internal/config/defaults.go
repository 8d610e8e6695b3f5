package config

import (
	"slices"
	"time"

	"git.home.luguber.info/inful/buildstate/internal/events"
	"git.home.luguber.info/inful/buildstate/internal/foundation/normalization"
	"git.home.luguber.info/inful/buildstate/internal/outputs"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/watch"
)

const (
	DefaultStatePath          = ".buildstate/state.db"
	DefaultJSONStatePath      = ".buildstate/targets"
	DefaultCheckpointInterval = time.Minute
	DefaultMetricsListen      = ":9464"
	DefaultMetricsPath        = "/metrics"
	DefaultEventsTimeout      = 5 * time.Second
)

var backendNormalizer = normalization.New("state backend", map[string]persist.Backend{
	"sqlite":  persist.BackendSQLite,
	"sqlite3": persist.BackendSQLite,
	"json":    persist.BackendJSON,
}, persist.BackendSQLite)

// ApplyDefaults fills unset fields and normalizes enum spellings. Validate
// still reports values that could not be normalized.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Project.BaseDir == "" {
		c.Project.BaseDir = "."
	}

	if b, err := backendNormalizer.Parse(c.State.Backend); err == nil {
		c.State.Backend = string(b)
	}
	if c.State.Path == "" {
		if c.StateBackend() == persist.BackendJSON {
			c.State.Path = DefaultJSONStatePath
		} else {
			c.State.Path = DefaultStatePath
		}
	}
	if c.State.CheckpointInterval == 0 {
		c.State.CheckpointInterval = DefaultCheckpointInterval
	}

	if c.Invalidation.InsignificantOutputSuffixes == nil {
		c.Invalidation.InsignificantOutputSuffixes = slices.Clone(outputs.DefaultInsignificantSuffixes)
	}

	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = watch.DefaultDebounce
	}
	if len(c.Watch.Roots) == 0 && len(c.Project.Roots) > 0 {
		c.Watch.Roots = slices.Clone(c.Project.Roots)
	}

	if c.Events.Subject == "" {
		c.Events.Subject = events.DefaultSubject
	}
	if c.Events.Timeout == 0 {
		c.Events.Timeout = DefaultEventsTimeout
	}

	if c.Monitoring.Metrics.Listen == "" {
		c.Monitoring.Metrics.Listen = DefaultMetricsListen
	}
	if c.Monitoring.Metrics.Path == "" {
		c.Monitoring.Metrics.Path = DefaultMetricsPath
	}
	c.Monitoring.Logging.Level = NormalizeLogLevel(string(c.Monitoring.Logging.Level))
	c.Monitoring.Logging.Format = NormalizeLogFormat(string(c.Monitoring.Logging.Format))
}
