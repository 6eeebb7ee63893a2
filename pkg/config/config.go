// Package config loads the settings of memvault from a YAML file. Command
// line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/adapter"
	"github.com/m-mizutani/memvault/pkg/embedding"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/namespace"
	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"gopkg.in/yaml.v3"
)

const (
	BackendChromem   = "chromem"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Backend   string          `yaml:"backend"`
	Chromem   ChromemConfig   `yaml:"chromem"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Namespace NamespaceConfig `yaml:"namespace"`
	Memory    memory.Config   `yaml:"memory"`
}

type ChromemConfig struct {
	// Path persists collections on disk; empty keeps them in memory, which
	// only a long running server can use
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type PostgresConfig struct {
	DSN                string `yaml:"dsn"`
	MaxConns           int32  `yaml:"max_conns"`
	HNSWM              int    `yaml:"hnsw_m"`
	HNSWEFConstruction int    `yaml:"hnsw_ef_construction"`
	TextSearchConfig   string `yaml:"text_search_config"`
}

type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	DatabaseID string `yaml:"database_id"`
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAI compatible endpoint
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// Vertex AI; an APIKey without a project uses the Gemini API instead
	GeminiProject  string `yaml:"gemini_project"`
	GeminiLocation string `yaml:"gemini_location"`
	TaskType       string `yaml:"task_type"`

	embedding.Config `yaml:",inline"`
}

type NamespaceConfig struct {
	Prefix string `yaml:"prefix"`
}

// DefaultChromemPath is memvault under the user cache directory, or empty
// when the platform has none
func DefaultChromemPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "memvault")
}

// Default returns a configuration that runs fully offline
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  BackendChromem,
		Chromem:  ChromemConfig{Path: DefaultChromemPath()},
		Postgres: PostgresConfig{
			HNSWM:              16,
			HNSWEFConstruction: 200,
			TextSearchConfig:   "simple",
		},
		Firestore: FirestoreConfig{
			DatabaseID: "(default)",
		},
		Embedding: EmbeddingConfig{
			Provider:       ProviderHash,
			URL:            adapter.DefaultOpenAIEndpoint,
			GeminiLocation: "us-central1",
			Config:         embedding.DefaultConfig(1536),
		},
		Namespace: NamespaceConfig{Prefix: namespace.DefaultPrefix},
		Memory:    memory.DefaultConfig(),
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(model.WithKind(model.ErrConfiguration, err), "failed to open config file",
			goerr.V("path", path))
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load config file", goerr.V("path", path))
	}
	return cfg, nil
}

func Decode(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config")
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, goerr.Wrap(model.WithKind(model.ErrConfiguration, err), "invalid config")
	}
	return cfg, nil
}

// Validate checks that the configuration can be opened. Credentials are
// checked only for the selected backend and provider.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendChromem:
		// chromem rescales stored vectors to unit length
		if !c.Embedding.Normalize {
			return goerr.Wrap(model.ErrConfiguration, "chromem backend requires embedding.normalize")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return goerr.Wrap(model.ErrConfiguration, "postgres backend requires a dsn")
		}
		if c.Postgres.HNSWM <= 0 || c.Postgres.HNSWEFConstruction <= 0 {
			return goerr.Wrap(model.ErrConfiguration, "hnsw parameters must be positive",
				goerr.V("m", c.Postgres.HNSWM), goerr.V("ef_construction", c.Postgres.HNSWEFConstruction))
		}
	case BackendFirestore:
		if c.Firestore.ProjectID == "" || c.Firestore.DatabaseID == "" {
			return goerr.Wrap(model.ErrConfiguration, "firestore backend requires project and database ids")
		}
	default:
		return goerr.Wrap(model.ErrConfiguration, "unknown backend", goerr.V("backend", c.Backend))
	}

	switch c.Embedding.Provider {
	case ProviderHash:
	case ProviderOpenAI:
		if c.Embedding.URL == "" {
			return goerr.Wrap(model.ErrConfiguration, "openai provider requires an endpoint url")
		}
	case ProviderGemini:
		if c.Embedding.GeminiProject == "" && c.Embedding.APIKey == "" {
			return goerr.Wrap(model.ErrConfiguration, "gemini provider requires a project or an api key")
		}
	default:
		return goerr.Wrap(model.ErrConfiguration, "unknown embedding provider",
			goerr.V("provider", c.Embedding.Provider))
	}

	if err := c.Embedding.Config.Validate(); err != nil {
		return err
	}
	if err := namespace.ValidatePrefix(c.Namespace.Prefix); err != nil {
		return err
	}
	return c.Memory.Validate()
}
