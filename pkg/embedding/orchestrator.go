package embedding

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/adapter"
	"github.com/m-mizutani/memvault/pkg/metrics"
	"github.com/m-mizutani/memvault/pkg/model"
	"github.com/m-mizutani/memvault/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Orchestrator turns texts into validated vectors through a provider. All
// callers share one in-flight limit towards the provider.
type Orchestrator struct {
	provider adapter.Embedder
	cfg      Config
	sem      *semaphore.Weighted
	cache    *Cache
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithCache(cache *Cache) Option {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithSleep replaces the backoff sleep, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func New(provider adapter.Embedder, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "embedding provider is required")
	}

	o := &Orchestrator{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		sleep:    gax.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) Dimension() int { return o.cfg.Dimension }

// EmbedOne embeds a single text
func (o *Orchestrator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Embed returns one vector per text, in input order. Either every vector is
// returned or an error is; partial results are never exposed.
func (o *Orchestrator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	result := make([][]float32, len(texts))

	// identical texts in one call are embedded once
	slots := make(map[string][]int)
	var pending []string
	for i, text := range texts {
		if o.cache != nil {
			if vec, ok := o.cache.Get(o.provider.Model(), o.cfg.Dimension, text); ok {
				o.metrics.CacheLookup(true)
				result[i] = vec
				continue
			}
			o.metrics.CacheLookup(false)
		}
		if _, seen := slots[text]; !seen {
			pending = append(pending, text)
		}
		slots[text] = append(slots[text], i)
	}
	if len(pending) == 0 {
		return result, nil
	}

	embedded := make([][]float32, len(pending))
	eg, egCtx := errgroup.WithContext(ctx)
	for start := 0; start < len(pending); start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, len(pending))
		batch := pending[start:end]
		offset := start

		eg.Go(func() error {
			vectors, err := o.embedBatch(egCtx, batch, offset)
			if err != nil {
				return err
			}
			copy(embedded[offset:], vectors)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for j, text := range pending {
		for n, i := range slots[text] {
			if n == 0 {
				result[i] = embedded[j]
			} else {
				result[i] = append([]float32(nil), embedded[j]...)
			}
		}
		if o.cache != nil {
			o.cache.Set(o.provider.Model(), o.cfg.Dimension, text, embedded[j])
		}
	}
	return result, nil
}

func (o *Orchestrator) embedBatch(ctx context.Context, texts []string, offset int) ([][]float32, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, goerr.Wrap(contextError(err), "embedding cancelled while waiting for provider slot",
			goerr.V("batch_offset", offset))
	}
	defer o.sem.Release(1)

	vectors, err := o.callWithRetry(ctx, texts, offset)
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, goerr.Wrap(model.ErrEmbeddingDimensionMismatch, "provider returned wrong number of vectors",
			goerr.V("expected", len(texts)), goerr.V("actual", len(vectors)), goerr.V("batch_offset", offset))
	}
	for i, vec := range vectors {
		if len(vec) != o.cfg.Dimension {
			return nil, goerr.Wrap(model.ErrEmbeddingDimensionMismatch, "provider returned vector of unexpected dimension",
				goerr.V("expected", o.cfg.Dimension), goerr.V("actual", len(vec)),
				goerr.V("index", offset+i), goerr.V("model", o.provider.Model()))
		}
		if err := checkFinite(vec); err != nil {
			return nil, goerr.Wrap(err, "provider returned unusable vector", goerr.V("index", offset+i))
		}
		if o.cfg.Normalize {
			vectors[i] = normalize(vec)
		}
	}
	return vectors, nil
}

func (o *Orchestrator) callWithRetry(ctx context.Context, texts []string, offset int) ([][]float32, error) {
	logger := logging.From(ctx)
	bo := gax.Backoff{
		Initial:    o.cfg.InitialBackoff,
		Max:        o.cfg.MaxBackoff,
		Multiplier: 2,
	}

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		start := time.Now()
		vectors, err := o.provider.Embed(callCtx, texts)
		cancel()
		o.metrics.EmbedBatch(len(texts), time.Since(start), err)

		if err == nil {
			logger.Debug("embedded batch", "size", len(texts), "offset", offset,
				"attempt", attempt, "elapsed", time.Since(start))
			return vectors, nil
		}

		if ctx.Err() != nil {
			return nil, goerr.Wrap(contextError(ctx.Err()), "embedding aborted by caller",
				goerr.V("batch_offset", offset), goerr.V("attempt", attempt))
		}

		err = classify(err)
		if !errors.Is(err, model.ErrEmbeddingTransient) {
			return nil, goerr.Wrap(err, "embedding batch failed",
				goerr.V("batch_offset", offset), goerr.V("batch_size", len(texts)), goerr.V("attempt", attempt))
		}
		if attempt >= o.cfg.MaxRetries {
			return nil, goerr.Wrap(err, "embedding retries exhausted",
				goerr.V("batch_offset", offset), goerr.V("batch_size", len(texts)), goerr.V("attempts", attempt+1))
		}

		wait := bo.Pause()
		o.metrics.EmbedRetry()
		logger.Warn("retrying embedding batch", "offset", offset, "attempt", attempt+1,
			"wait", wait, logging.ErrAttr(err))
		if err := o.sleep(ctx, wait); err != nil {
			return nil, goerr.Wrap(contextError(err), "embedding aborted during backoff",
				goerr.V("batch_offset", offset))
		}
	}
}

// classify puts provider errors that carry no class into one. A timeout of
// the per-call deadline is transient; anything unknown is permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrEmbeddingTransient), errors.Is(err, model.ErrEmbeddingFailed),
		errors.Is(err, model.ErrEmbeddingDimensionMismatch):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return model.WithKind(model.ErrEmbeddingTransient, err)
	default:
		return model.WithKind(model.ErrEmbeddingFailed, err)
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WithKind(model.ErrEmbeddingTransient, err)
	}
	return model.WithKind(model.ErrEmbeddingFailed, err)
}

func checkFinite(vec []float32) error {
	var norm float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return goerr.Wrap(model.ErrEmbeddingFailed, "vector contains NaN or Inf")
		}
		norm += f * f
	}
	if norm == 0 {
		return goerr.Wrap(model.ErrEmbeddingFailed, "vector has zero length")
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	n := math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / n)
	}
	return out
}
