package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildstate/internal/foundation/errors"
	"git.home.luguber.info/inful/buildstate/internal/persist"
	"git.home.luguber.info/inful/buildstate/internal/retry"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
project:
  output_root: out
`))
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, ".", cfg.Project.BaseDir)
	assert.Equal(t, persist.BackendSQLite, cfg.StateBackend())
	assert.Equal(t, DefaultStatePath, cfg.State.Path)
	assert.Equal(t, DefaultCheckpointInterval, cfg.State.CheckpointInterval)
	assert.Equal(t, []string{".kotlin_module"}, cfg.Invalidation.InsignificantOutputSuffixes)
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "buildstate.events", cfg.Events.Subject)
	assert.Equal(t, DefaultMetricsPath, cfg.Monitoring.Metrics.Path)
	assert.Equal(t, LogLevelInfo, cfg.Monitoring.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Monitoring.Logging.Format)
}

func TestParseFullDocument(t *testing.T) {
	cfg, err := Parse([]byte(`
version: "1"
project:
  base_dir: /work/app
  output_root: /work/app/out
  roots: [/work/app/src/main, /work/app/src/test]
state:
  backend: JSON
  checkpoint_interval: 30s
invalidation:
  insignificant_output_suffixes: []
watch:
  debounce: 1s
  extensions: [.java, .kt]
events:
  nats_url: nats://localhost:4222
  stream: BUILDSTATE
  retry:
    mode: exponential
    initial: 50ms
    max_retries: 4
monitoring:
  metrics:
    enabled: true
  logging:
    level: DEBUG
    format: json
`))
	require.NoError(t, err)

	assert.Equal(t, persist.BackendJSON, cfg.StateBackend())
	assert.Equal(t, DefaultJSONStatePath, cfg.State.Path)
	assert.Equal(t, 30*time.Second, cfg.State.CheckpointInterval)
	assert.Empty(t, cfg.Invalidation.InsignificantOutputSuffixes)
	assert.NotNil(t, cfg.Invalidation.InsignificantOutputSuffixes)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
	assert.Equal(t, cfg.Project.Roots, cfg.Watch.Roots)
	assert.Equal(t, "BUILDSTATE", cfg.Events.Stream)
	policy := cfg.Events.Retry.Policy()
	assert.Equal(t, retry.ModeExponential, policy.Mode)
	assert.Equal(t, 50*time.Millisecond, policy.Initial)
	assert.Equal(t, 4, policy.MaxRetries)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
	assert.Equal(t, LogLevelDebug, cfg.Monitoring.Logging.Level)
	assert.Equal(t, LogFormatJSON, cfg.Monitoring.Logging.Format)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing output root", `project: {base_dir: /p}`},
		{"unknown version", "version: \"9\"\nproject: {output_root: out}"},
		{"unknown backend", "project: {output_root: out}\nstate: {backend: postgres}"},
		{"negative debounce", "project: {output_root: out}\nwatch: {debounce: -1s}"},
		{"empty suffix", "project: {output_root: out}\ninvalidation: {insignificant_output_suffixes: [\"\"]}"},
		{"extension without dot", "project: {output_root: out}\nwatch: {extensions: [java]}"},
		{"stream without url", "project: {output_root: out}\nevents: {stream: S}"},
		{"bad metrics path", "project: {output_root: out}\nmonitoring: {metrics: {enabled: true, path: metrics}}"},
		{"unknown retry mode", "project: {output_root: out}\nevents: {retry: {mode: random}}"},
		{"malformed yaml", "project: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.HasCategory(err, errors.CategoryConfig), "got %v", err)
		})
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BUILDSTATE_TEST_OUT", "/tmp/out")
	path := filepath.Join(dir, "buildstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project:\n  output_root: ${BUILDSTATE_TEST_OUT}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out", cfg.Project.OutputRoot)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("BUILDSTATE_TEST_NATS", "")
	require.NoError(t, os.Unsetenv("BUILDSTATE_TEST_NATS"))
	require.NoError(t, os.WriteFile(".env", []byte("BUILDSTATE_TEST_NATS=nats://env:4222\n"), 0o600))
	require.NoError(t, os.WriteFile("buildstate.yaml",
		[]byte("project: {output_root: out}\nevents: {nats_url: \"${BUILDSTATE_TEST_NATS}\"}\n"), 0o600))

	cfg, err := Load("buildstate.yaml")
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.Events.NATSURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildstate.yaml")
	require.NoError(t, Init(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.Project.OutputRoot)

	err = Init(path, false)
	require.Error(t, err)
	require.NoError(t, Init(path, true))
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	LoggingConfig{Level: LogLevelWarn, Format: LogFormatJSON}.NewLogger(&buf).Info("dropped")
	assert.Empty(t, buf.String())

	LoggingConfig{Level: LogLevelDebug, Format: LogFormatJSON}.NewLogger(&buf).Debug("kept")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}
