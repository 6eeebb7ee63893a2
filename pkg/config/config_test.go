package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/config"
	"github.com/m-mizutani/memvault/pkg/model"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	gt.NoError(t, cfg.Validate())
	gt.Equal(t, cfg.Backend, config.BackendChromem)
	gt.Equal(t, cfg.Embedding.Dimension, 1536)
	gt.Equal(t, cfg.Namespace.Prefix, "memories_")
}

func TestDefaultPersistsChromem(t *testing.T) {
	cache := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cache)
	t.Setenv("HOME", cache)

	cfg := config.Default()
	gt.NotEqual(t, cfg.Chromem.Path, "")
	gt.Equal(t, filepath.Base(cfg.Chromem.Path), "memvault")
	gt.Equal(t, cfg.Chromem.Path, config.DefaultChromemPath())
}

func TestUnnormalizedEmbeddingsNeedAnotherBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.Normalize = false
	gt.True(t, errors.Is(cfg.Validate(), model.ErrConfiguration))

	cfg.Backend = config.BackendPostgres
	cfg.Postgres.DSN = "postgres://localhost/memvault"
	gt.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memvault.yaml")
	gt.NoError(t, os.WriteFile(path, []byte(`
backend: postgres
postgres:
  dsn: postgres://localhost/memvault
  hnsw_m: 32
embedding:
  provider: openai
  api_key: sk-test
  model: text-embedding-3-small
  dimension: 512
  request_timeout: 5s
memory:
  text_weight: 0.3
namespace:
  prefix: mem_
`), 0600))

	cfg, err := config.Load(path)
	gt.NoError(t, err)
	gt.NoError(t, cfg.Validate())

	gt.Equal(t, cfg.Backend, config.BackendPostgres)
	gt.Equal(t, cfg.Postgres.HNSWM, 32)
	gt.Equal(t, cfg.Postgres.HNSWEFConstruction, 200)
	gt.Equal(t, cfg.Embedding.Dimension, 512)
	gt.Equal(t, cfg.Embedding.RequestTimeout, 5*time.Second)
	gt.Equal(t, cfg.Embedding.BatchSize, 64)
	gt.Equal(t, cfg.Memory.TextWeight, 0.3)
	gt.Equal(t, cfg.Memory.VectorWeight, 1.0)
	gt.Equal(t, cfg.Namespace.Prefix, "mem_")
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := config.Decode(strings.NewReader("backnd: chromem\n"))
	gt.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestDecodeEmpty(t *testing.T) {
	cfg, err := config.Decode(strings.NewReader(""))
	gt.NoError(t, err)
	gt.Equal(t, cfg.Backend, config.BackendChromem)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	gt.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.Backend = "redis" }},
		{"postgres without dsn", func(c *config.Config) { c.Backend = config.BackendPostgres }},
		{"firestore without project", func(c *config.Config) { c.Backend = config.BackendFirestore }},
		{"unknown provider", func(c *config.Config) { c.Embedding.Provider = "word2vec" }},
		{"gemini without credentials", func(c *config.Config) { c.Embedding.Provider = config.ProviderGemini }},
		{"zero dimension", func(c *config.Config) { c.Embedding.Dimension = 0 }},
		{"bad prefix", func(c *config.Config) { c.Namespace.Prefix = "Memories-" }},
		{"long prefix", func(c *config.Config) { c.Namespace.Prefix = strings.Repeat("m", 28) }},
		{"negative weight", func(c *config.Config) { c.Memory.VectorWeight = -1 }},
		{"chromem without normalization", func(c *config.Config) { c.Embedding.Normalize = false }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.modify(cfg)
			err := cfg.Validate()
			gt.True(t, errors.Is(err, model.ErrConfiguration))
		})
	}
}
