package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/metrics"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/repository"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
)

// Embedder produces the vector of a single text
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Resolver maps a (tenant, project) pair to its namespace
type Resolver interface {
	Resolve(ctx context.Context, tenantID, projectID string, create bool) (*model.Namespace, error)
	Dimension() int
}

// UseCase provides the memory operations of the engine
type UseCase struct {
	repo       repository.Repository
	namespaces Resolver
	embedder   Embedder
	cfg        Config

	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	locks   keyedMutex
}

// Option is a functional option for UseCase
type Option func(*UseCase)

func WithMetrics(m *metrics.Metrics) Option {
	return func(uc *UseCase) {
		uc.metrics = m
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// WithSleep replaces the store retry sleep, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(uc *UseCase) {
		uc.sleep = sleep
	}
}

// New creates a new memory UseCase instance
func New(
	repo repository.Repository,
	namespaces Resolver,
	embedder Embedder,
	cfg Config,
	opts ...Option,
) (*UseCase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil || namespaces == nil || embedder == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "repository, namespace resolver and embedder are required")
	}
	if embedder.Dimension() != namespaces.Dimension() {
		return nil, goerr.Wrap(model.ErrConfiguration, "embedder and namespaces disagree on the vector dimension",
			goerr.V("embedder", embedder.Dimension()), goerr.V("namespaces", namespaces.Dimension()))
	}

	uc := &UseCase{
		repo:       repo,
		namespaces: namespaces,
		embedder:   embedder,
		cfg:        cfg,
		now:        time.Now,
		sleep:      gax.Sleep,
		locks:      keyedMutex{locks: make(map[string]*keyLock)},
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc, nil
}

// storeCall runs fn with the store deadline. Idempotent operations are
// retried while the store reports itself unavailable.
func (u *UseCase) storeCall(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	bo := gax.Backoff{
		Initial:    u.cfg.StoreInitialBackoff,
		Max:        u.cfg.StoreMaxBackoff,
		Multiplier: 2,
	}

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, u.cfg.StoreTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()

		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) &&
			!errors.Is(err, model.ErrStoreUnavailable) {
			err = model.WithKind(model.ErrStoreUnavailable, err)
		}
		u.metrics.StoreOp(op, time.Since(start), err)

		if err == nil {
			return nil
		}
		if !idempotent || ctx.Err() != nil || !errors.Is(err, model.ErrStoreUnavailable) || attempt >= u.cfg.StoreRetries {
			return err
		}

		wait := bo.Pause()
		u.metrics.StoreRetry(op)
		logging.From(ctx).Warn("retrying store operation", "op", op, "attempt", attempt+1,
			"wait", wait, logging.ErrAttr(err))
		if err := u.sleep(ctx, wait); err != nil {
			return goerr.Wrap(model.WithKind(model.ErrStoreUnavailable, err), "store operation aborted during backoff",
				goerr.V("op", op))
		}
	}
}

// resolve looks the namespace up and attaches it to the logger in ctx
func (u *UseCase) resolve(ctx context.Context, tenantID, projectID string, create bool) (context.Context, *model.Namespace, error) {
	var ns *model.Namespace
	err := u.storeCall(ctx, "resolve_namespace", true, func(ctx context.Context) error {
		var err error
		ns, err = u.namespaces.Resolve(ctx, tenantID, projectID, create)
		return err
	})
	if err != nil {
		return ctx, nil, err
	}
	return logging.WithNamespace(ctx, ns), ns, nil
}

func (u *UseCase) timestamp() time.Time {
	// stores keep microseconds at best
	return u.now().UTC().Truncate(time.Microsecond)
}

// keyedMutex serializes mutations of the same record. Entries are dropped
// once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
