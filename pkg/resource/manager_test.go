package resource_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/adapter/mock"
	"github.com/m-mizutani/memvault/pkg/config"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/resource"
	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/prometheus/client_golang/prometheus"
)

func offlineConfig() *config.Config {
	cfg := config.Default()
	cfg.Chromem.Path = ""
	cfg.Embedding.Dimension = 32
	cfg.Embedding.CacheSize = 100
	return cfg
}

func TestOpenOffline(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	m, err := resource.Open(ctx, offlineConfig(), resource.WithRegisterer(reg))
	gt.NoError(t, err)
	gt.NotNil(t, m.Memory)
	gt.NotNil(t, m.Metrics)
	gt.Equal(t, m.Namespaces.Dimension(), 32)
	gt.Equal(t, m.Embedder.Model(), "hash-bow-v1")

	added, err := m.Memory.Add(ctx, memory.AddInput{TenantID: "acme", ProjectID: "ops", Content: "pager rotation"})
	gt.NoError(t, err)
	gt.A(t, added.Embedding).Length(32)

	families, err := reg.Gather()
	gt.NoError(t, err)
	gt.A(t, families).Longer(0)

	gt.NoError(t, m.Close())
	gt.NoError(t, m.Close())
}

func TestOpenWithEmbedder(t *testing.T) {
	ctx := context.Background()
	provider := mock.New(mock.WithDimensions(32), mock.WithModel("injected"))

	m, err := resource.Open(ctx, offlineConfig(), resource.WithEmbedder(provider))
	gt.NoError(t, err)
	defer m.Close()

	_, err = m.Memory.Add(ctx, memory.AddInput{TenantID: "acme", ProjectID: "ops", Content: "hello"})
	gt.NoError(t, err)
	gt.Equal(t, provider.Calls(), int64(1))
}

func TestOpenPersistentChromem(t *testing.T) {
	ctx := context.Background()
	cfg := offlineConfig()
	cfg.Chromem.Path = t.TempDir()

	m, err := resource.Open(ctx, cfg)
	gt.NoError(t, err)
	added, err := m.Memory.Add(ctx, memory.AddInput{TenantID: "acme", ProjectID: "ops", Content: "kept on disk"})
	gt.NoError(t, err)
	gt.NoError(t, m.Close())

	reopened, err := resource.Open(ctx, cfg)
	gt.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Memory.Get(ctx, "acme", "ops", added.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Content, "kept on disk")
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := offlineConfig()
	cfg.Backend = config.BackendPostgres

	_, err := resource.Open(context.Background(), cfg)
	gt.True(t, errors.Is(err, model.ErrConfiguration))
}
