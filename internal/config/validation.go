package config

import (
	"strings"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/retry"
)

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return errors.ConfigError("unsupported configuration version").
			WithContext("version", c.Version).
			WithContext("supported", CurrentVersion).
			Build()
	}
	if strings.TrimSpace(c.Project.OutputRoot) == "" {
		return errors.ConfigError("project.output_root is required").Build()
	}
	if _, err := backendNormalizer.Parse(c.State.Backend); err != nil {
		return err
	}
	if c.State.CheckpointInterval < 0 {
		return errors.ConfigError("state.checkpoint_interval must not be negative").
			WithContext("value", c.State.CheckpointInterval.String()).Build()
	}
	if c.Watch.Debounce < 0 {
		return errors.ConfigError("watch.debounce must not be negative").
			WithContext("value", c.Watch.Debounce.String()).Build()
	}
	for _, s := range c.Invalidation.InsignificantOutputSuffixes {
		if strings.TrimSpace(s) == "" {
			return errors.ConfigError("invalidation.insignificant_output_suffixes contains an empty suffix").Build()
		}
	}
	for _, ext := range c.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return errors.ConfigError("watch.extensions entries must start with a dot").
				WithContext("value", ext).Build()
		}
	}
	if c.Events.Stream != "" && c.Events.NATSURL == "" {
		return errors.ConfigError("events.stream requires events.nats_url").Build()
	}
	if _, err := retry.ParseMode(c.Events.Retry.Mode); err != nil {
		return err
	}
	if c.Events.Retry.MaxRetries < 0 || c.Events.Retry.Initial < 0 || c.Events.Retry.Max < 0 {
		return errors.ConfigError("events.retry values must not be negative").Build()
	}
	if c.Monitoring.Metrics.Enabled && !strings.HasPrefix(c.Monitoring.Metrics.Path, "/") {
		return errors.ConfigError("monitoring.metrics.path must start with /").
			WithContext("value", c.Monitoring.Metrics.Path).Build()
	}
	return nil
}
