package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/apiprobe/apiprobe/pkg/agent"
	"github.com/apiprobe/apiprobe/pkg/logging"
	"github.com/apiprobe/apiprobe/pkg/provider"
)

// Settings is the full configuration surface of the apiprobe binary. Values
// are resolved in the usual viper order: explicit flags, then APIPROBE_*
// environment variables, then the apiprobe.yaml config file, then defaults.
type Settings struct {
	Logging    logging.Settings   `mapstructure:"logging"`
	Provider   ProviderSettings   `mapstructure:"provider"`
	Embeddings EmbeddingsSettings `mapstructure:"embeddings"`
	Knowledge  KnowledgeSettings  `mapstructure:"knowledge"`
	Runs       RunsSettings       `mapstructure:"runs"`
	Runtime    RuntimeSettings    `mapstructure:"runtime"`

	// BaseURL is the default test-environment base URL bound into new runs
	// when the run command does not override it.
	BaseURL string `mapstructure:"base-url"`
}

// ProviderSettings configures the chat completions backend.
type ProviderSettings struct {
	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey      string  `mapstructure:"api-key"`
	BaseURL     string  `mapstructure:"base-url"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max-tokens"`
}

// EmbeddingsSettings configures the embeddings backend used by the knowledge
// store.
type EmbeddingsSettings struct {
	// APIKey falls back to the provider API key when empty.
	APIKey     string `mapstructure:"api-key"`
	BaseURL    string `mapstructure:"base-url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	// CacheSize bounds the in-process embedding cache; 0 disables it.
	CacheSize int `mapstructure:"cache-size"`
}

// KnowledgeSettings locates the knowledge store.
type KnowledgeSettings struct {
	// Path is the sqlite database file. The literal ":memory:" selects the
	// in-memory store.
	Path string `mapstructure:"path"`
}

// RunsSettings locates the run-state store.
type RunsSettings struct {
	// Path is the sqlite database file. The literal ":memory:" selects the
	// in-memory store.
	Path string `mapstructure:"path"`
}

// RuntimeSettings tunes the per-step agent loop.
type RuntimeSettings struct {
	MaxRoundTrips int `mapstructure:"max-round-trips"`
	RetrievalK    int `mapstructure:"retrieval-k"`
}

// DefaultSettings returns the settings used when no config file, environment
// variable, or flag overrides them.
func DefaultSettings() *Settings {
	return &Settings{
		Logging: logging.DefaultSettings(),
		Provider: ProviderSettings{
			Model: provider.DefaultModel,
		},
		Embeddings: EmbeddingsSettings{
			CacheSize: 512,
		},
		Knowledge: KnowledgeSettings{Path: "apiprobe-knowledge.db"},
		Runs:      RunsSettings{Path: "apiprobe-runs.db"},
		Runtime: RuntimeSettings{
			MaxRoundTrips: agent.DefaultMaxRoundTrips,
			RetrievalK:    agent.DefaultRetrievalK,
		},
	}
}

// flagBindings maps CLI flag names to config keys. Only flags actually
// registered on the given set are bound, so commands can expose any subset.
var flagBindings = map[string]string{
	"log-level":         "logging.level",
	"log-format":        "logging.format",
	"with-caller":       "logging.with-caller",
	"api-key":           "provider.api-key",
	"model":             "provider.model",
	"provider-base-url": "provider.base-url",
	"knowledge-db":      "knowledge.path",
	"runs-db":           "runs.path",
	"max-round-trips":   "runtime.max-round-trips",
	"retrieval-k":       "runtime.retrieval-k",
	"base-url":          "base-url",
}

// Load resolves settings from defaults, the config file, APIPROBE_*
// environment variables, and any bound flags. An empty configFile searches
// the working directory, the user config dir, and /etc/apiprobe for
// apiprobe.yaml; a missing file is not an error unless it was named
// explicitly.
func Load(configFile string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	setDefaults(v, DefaultSettings())

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("apiprobe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "apiprobe"))
		}
		v.AddConfigPath("/etc/apiprobe")
	}

	v.SetEnvPrefix("apiprobe")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag %q", name)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "unmarshalling settings")
	}

	if s.Provider.APIKey == "" {
		s.Provider.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if s.Embeddings.APIKey == "" {
		s.Embeddings.APIKey = s.Provider.APIKey
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings no run could work with.
func (s *Settings) Validate() error {
	if s.Runtime.MaxRoundTrips < 1 {
		return errors.Errorf("runtime.max-round-trips must be at least 1, got %d", s.Runtime.MaxRoundTrips)
	}
	if s.Runtime.RetrievalK < 0 {
		return errors.Errorf("runtime.retrieval-k must not be negative, got %d", s.Runtime.RetrievalK)
	}
	if s.Knowledge.Path == "" {
		return errors.New("knowledge.path must not be empty")
	}
	if s.Runs.Path == "" {
		return errors.New("runs.path must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.with-caller", d.Logging.WithCaller)

	v.SetDefault("provider.api-key", d.Provider.APIKey)
	v.SetDefault("provider.base-url", d.Provider.BaseURL)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.temperature", d.Provider.Temperature)
	v.SetDefault("provider.max-tokens", d.Provider.MaxTokens)

	v.SetDefault("embeddings.api-key", d.Embeddings.APIKey)
	v.SetDefault("embeddings.base-url", d.Embeddings.BaseURL)
	v.SetDefault("embeddings.model", d.Embeddings.Model)
	v.SetDefault("embeddings.dimensions", d.Embeddings.Dimensions)
	v.SetDefault("embeddings.cache-size", d.Embeddings.CacheSize)

	v.SetDefault("knowledge.path", d.Knowledge.Path)
	v.SetDefault("runs.path", d.Runs.Path)

	v.SetDefault("runtime.max-round-trips", d.Runtime.MaxRoundTrips)
	v.SetDefault("runtime.retrieval-k", d.Runtime.RetrievalK)

	v.SetDefault("base-url", d.BaseURL)
}
