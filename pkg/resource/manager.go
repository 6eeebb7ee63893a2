// Package resource opens the long lived clients of a process once and
// releases them in reverse order.
package resource

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/adapter"
	"github.com/m-mizutani/memvault/pkg/adapter/mock"
	"github.com/m-mizutani/memvault/pkg/config"
	"github.com/m-mizutani/memvault/pkg/embedding"
	"github.com/m-mizutani/memvault/pkg/metrics"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/namespace"
	"github.com/m-mizutani/memvault/pkg/repository"
	"github.com/m-mizutani/memvault/pkg/usecase/memory"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// Manager owns the repository, the embedding provider and everything built
// on them
type Manager struct {
	Repository   repository.Repository
	Embedder     adapter.Embedder
	Orchestrator *embedding.Orchestrator
	Namespaces   *namespace.Manager
	Memory       *memory.UseCase
	Metrics      *metrics.Metrics

	closers   []closer
	closeOnce sync.Once
	closeErr  error
}

type closer struct {
	name  string
	close func() error
}

type options struct {
	registerer prometheus.Registerer
	embedder   adapter.Embedder
}

type Option func(*options)

// WithRegisterer enables metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithEmbedder uses the given provider instead of the configured one
func WithEmbedder(e adapter.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// Open builds every component from cfg. When a step fails, whatever was
// already opened is closed before returning.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Manager, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{}
	defer func() {
		if err != nil {
			if closeErr := m.Close(); closeErr != nil {
				logging.From(ctx).Warn("failed to release partially opened resources", logging.ErrAttr(closeErr))
			}
		}
	}()

	if o.registerer != nil {
		m.Metrics = metrics.New(o.registerer)
	}

	if m.Repository, err = openRepository(ctx, cfg); err != nil {
		return nil, err
	}
	m.onClose("repository", m.Repository.Close)

	if o.embedder != nil {
		m.Embedder = o.embedder
	} else if m.Embedder, err = m.openEmbedder(ctx, cfg); err != nil {
		return nil, err
	}

	orchOpts := []embedding.Option{embedding.WithMetrics(m.Metrics)}
	if cfg.Embedding.CacheSize > 0 {
		cache, err := embedding.NewCache(cfg.Embedding.CacheSize)
		if err != nil {
			return nil, err
		}
		m.onClose("embedding cache", func() error {
			cache.Close()
			return nil
		})
		orchOpts = append(orchOpts, embedding.WithCache(cache))
	}
	if m.Orchestrator, err = embedding.New(m.Embedder, cfg.Embedding.Config, orchOpts...); err != nil {
		return nil, err
	}

	if m.Namespaces, err = namespace.New(m.Repository, cfg.Embedding.Dimension,
		namespace.WithPrefix(cfg.Namespace.Prefix)); err != nil {
		return nil, err
	}

	if m.Memory, err = memory.New(m.Repository, m.Namespaces, m.Orchestrator, cfg.Memory,
		memory.WithMetrics(m.Metrics)); err != nil {
		return nil, err
	}

	logging.From(ctx).Debug("resources opened",
		"backend", cfg.Backend, "provider", cfg.Embedding.Provider, "model", m.Embedder.Model(),
		"dimension", cfg.Embedding.Dimension)
	return m, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		opts := []repository.PostgresOption{
			repository.WithHNSW(cfg.Postgres.HNSWM, cfg.Postgres.HNSWEFConstruction),
		}
		if cfg.Postgres.TextSearchConfig != "" {
			opts = append(opts, repository.WithTextSearchConfig(cfg.Postgres.TextSearchConfig))
		}
		if cfg.Postgres.MaxConns > 0 {
			opts = append(opts, repository.WithMaxConns(cfg.Postgres.MaxConns))
		}
		repo, err := repository.NewPostgres(ctx, cfg.Postgres.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return repo, nil

	case config.BackendFirestore:
		repo, err := repository.NewFirestore(ctx, cfg.Firestore.ProjectID, cfg.Firestore.DatabaseID)
		if err != nil {
			return nil, err
		}
		return repo, nil

	case config.BackendChromem:
		var opts []repository.ChromemOption
		if cfg.Chromem.Path != "" {
			opts = append(opts, repository.WithChromemPath(cfg.Chromem.Path, cfg.Chromem.Compress))
		}
		repo, err := repository.NewChromem(opts...)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	return nil, goerr.Wrap(model.ErrConfiguration, "unknown backend", goerr.V("backend", cfg.Backend))
}

func (m *Manager) openEmbedder(ctx context.Context, cfg *config.Config) (adapter.Embedder, error) {
	ec := cfg.Embedding
	switch ec.Provider {
	case config.ProviderGemini:
		opts := []adapter.GeminiOption{adapter.WithOutputDimension(ec.Dimension)}
		if ec.Model != "" {
			opts = append(opts, adapter.WithEmbeddingModel(ec.Model))
		}
		if ec.TaskType != "" {
			opts = append(opts, adapter.WithTaskType(ec.TaskType))
		}
		var (
			client *adapter.GeminiClient
			err    error
		)
		if ec.GeminiProject != "" {
			client, err = adapter.NewGemini(ctx, ec.GeminiProject, ec.GeminiLocation, opts...)
		} else {
			client, err = adapter.NewGeminiWithAPIKey(ctx, ec.APIKey, opts...)
		}
		if err != nil {
			return nil, err
		}
		return client, nil

	case config.ProviderOpenAI:
		// the per-request deadline comes from the orchestrator; these only
		// bound the phases of a single connection
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: ec.RequestTimeout,
			MaxIdleConnsPerHost:   ec.MaxInFlight,
			IdleConnTimeout:       90 * time.Second,
		}
		opts := []adapter.OpenAIOption{
			adapter.WithOpenAIEndpoint(ec.URL),
			adapter.WithOpenAIDimensions(ec.Dimension),
			adapter.WithHTTPClient(&http.Client{Transport: transport}),
		}
		if ec.Model != "" {
			opts = append(opts, adapter.WithOpenAIModel(ec.Model))
		}
		client := adapter.NewOpenAI(ec.APIKey, opts...)
		m.onClose("embedding http client", func() error {
			client.CloseIdleConnections()
			return nil
		})
		return client, nil

	case config.ProviderHash:
		opts := []mock.Option{mock.WithDimensions(ec.Dimension)}
		if ec.Model != "" {
			opts = append(opts, mock.WithModel(ec.Model))
		}
		return mock.New(opts...), nil
	}
	return nil, goerr.Wrap(model.ErrConfiguration, "unknown embedding provider", goerr.V("provider", ec.Provider))
}

func (m *Manager) onClose(name string, fn func() error) {
	m.closers = append(m.closers, closer{name: name, close: fn})
}

// Close releases resources in reverse order of opening. It is safe to call
// more than once; later calls return the first result.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		for i := len(m.closers) - 1; i >= 0; i-- {
			c := m.closers[i]
			if err := c.close(); err != nil {
				errs = append(errs, goerr.Wrap(err, "failed to close resource", goerr.V("resource", c.name)))
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
