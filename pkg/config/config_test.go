package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the loader away from any real config files on the machine
// running the tests.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	s, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", s.Logging.Level)
	assert.Equal(t, "gpt-4o", s.Provider.Model)
	assert.Equal(t, "apiprobe-knowledge.db", s.Knowledge.Path)
	assert.Equal(t, "apiprobe-runs.db", s.Runs.Path)
	assert.Equal(t, 10, s.Runtime.MaxRoundTrips)
	assert.Equal(t, 5, s.Runtime.RetrievalK)
	assert.Equal(t, 512, s.Embeddings.CacheSize)
	assert.Empty(t, s.Provider.APIKey)
}

func TestLoadConfigFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "apiprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
provider:
  api-key: sk-from-file
  model: gpt-4o-mini
  temperature: 0.2
knowledge:
  path: /tmp/probe-knowledge.db
runtime:
  max-round-trips: 4
base-url: https://staging.example.com
`), 0o644))

	s, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", s.Logging.Level)
	assert.Equal(t, "sk-from-file", s.Provider.APIKey)
	assert.Equal(t, "gpt-4o-mini", s.Provider.Model)
	assert.InDelta(t, 0.2, s.Provider.Temperature, 0.001)
	assert.Equal(t, "/tmp/probe-knowledge.db", s.Knowledge.Path)
	assert.Equal(t, 4, s.Runtime.MaxRoundTrips)
	assert.Equal(t, "https://staging.example.com", s.BaseURL)

	// untouched keys keep their defaults
	assert.Equal(t, "apiprobe-runs.db", s.Runs.Path)
	assert.Equal(t, 5, s.Runtime.RetrievalK)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "apiprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  model: gpt-4o\n"), 0o644))

	t.Setenv("APIPROBE_PROVIDER_MODEL", "gpt-4o-mini")
	t.Setenv("APIPROBE_RUNTIME_MAX_ROUND_TRIPS", "3")

	s, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", s.Provider.Model)
	assert.Equal(t, 3, s.Runtime.MaxRoundTrips)
}

func TestOpenAIKeyFallback(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "  sk-ambient  ")

	s, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "sk-ambient", s.Provider.APIKey)
	assert.Equal(t, "sk-ambient", s.Embeddings.APIKey, "embeddings inherit the provider key")
}

func TestEmbeddingsKeyStaysExplicit(t *testing.T) {
	isolate(t)
	t.Setenv("APIPROBE_EMBEDDINGS_API_KEY", "sk-embed")
	t.Setenv("OPENAI_API_KEY", "sk-ambient")

	s, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "sk-ambient", s.Provider.APIKey)
	assert.Equal(t, "sk-embed", s.Embeddings.APIKey)
}

func TestChangedFlagWinsOverEverything(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "apiprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))
	t.Setenv("APIPROBE_LOGGING_LEVEL", "error")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Set("log-level", "trace"))

	s, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "trace", s.Logging.Level)
}

func TestUnchangedFlagDoesNotShadowFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "apiprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")

	s, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "warn", s.Logging.Level)
}

func TestExplicitMissingFileIsAnError(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "apiprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  max-round-trips: 0\n"), 0o644))

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max-round-trips")
}
