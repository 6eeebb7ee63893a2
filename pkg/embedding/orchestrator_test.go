package embedding_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/adapter/mock"
	"github.com/m-mizutani/memvault/pkg/embedding"
	"github.com/m-mizutani/memvault/pkg/model"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testConfig(dim int) embedding.Config {
	cfg := embedding.DefaultConfig(dim)
	cfg.BatchSize = 3
	cfg.MaxInFlight = 2
	cfg.MaxRetries = 2
	cfg.RequestTimeout = time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.CacheSize = 0
	return cfg
}

func closeTo(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-6 {
			return false
		}
	}
	return true
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("memory number %d", i)
	}
	return out
}

func TestEmbedEmptyInput(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8))
	orch, err := embedding.New(provider, testConfig(8))
	gt.NoError(t, err)

	vectors, err := orch.Embed(context.Background(), nil)
	gt.NoError(t, err)
	gt.A(t, vectors).Length(0)
	gt.Equal(t, provider.Calls(), int64(0))
}

func TestEmbedBatchesAndKeepsOrder(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8))
	orch, err := embedding.New(provider, testConfig(8))
	gt.NoError(t, err)

	input := texts(10)
	vectors, err := orch.Embed(context.Background(), input)
	gt.NoError(t, err)
	gt.A(t, vectors).Length(10)
	for i, text := range input {
		gt.True(t, closeTo(vectors[i], mock.Vector(text, 8))).Describe(text)
	}

	gt.Equal(t, provider.Calls(), int64(4))
	gt.Equal(t, provider.MaxBatch(), int64(3))
}

func TestEmbedDeduplicatesWithinCall(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8))
	orch, err := embedding.New(provider, testConfig(8))
	gt.NoError(t, err)

	vectors, err := orch.Embed(context.Background(), []string{"same", "other", "same"})
	gt.NoError(t, err)
	gt.Equal(t, provider.Texts(), int64(2))
	gt.Equal(t, vectors[0], vectors[2])

	// returned slices are independent
	vectors[0][0] = 42
	gt.NotEqual(t, vectors[2][0], float32(42))
}

func TestEmbedBoundsInFlightAcrossCallers(t *testing.T) {
	var (
		inFlight atomic.Int64
		peak     atomic.Int64
	)
	provider := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}))

	cfg := testConfig(8)
	cfg.BatchSize = 1
	cfg.MaxInFlight = 2
	orch, err := embedding.New(provider, cfg)
	gt.NoError(t, err)

	var wg sync.WaitGroup
	for c := range 4 {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			input := make([]string, 5)
			for i := range input {
				input[i] = fmt.Sprintf("caller %d text %d", c, i)
			}
			_, err := orch.Embed(context.Background(), input)
			gt.NoError(t, err)
		}(c)
	}
	wg.Wait()

	gt.Number(t, peak.Load()).LessOrEqual(2)
	gt.Equal(t, provider.Calls(), int64(20))
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)
	provider := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		if failures.Add(-1) >= 0 {
			return goerr.Wrap(model.ErrEmbeddingTransient, "rate limited")
		}
		return nil
	}))

	var waits []time.Duration
	orch, err := embedding.New(provider, testConfig(8), embedding.WithSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	gt.NoError(t, err)

	vectors, err := orch.Embed(context.Background(), []string{"hello"})
	gt.NoError(t, err)
	gt.A(t, vectors).Length(1)
	gt.Equal(t, provider.Calls(), int64(3))
	gt.A(t, waits).Length(2)
}

func TestEmbedRetriesExhausted(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		return goerr.Wrap(model.ErrEmbeddingTransient, "service unavailable")
	}))
	orch, err := embedding.New(provider, testConfig(8), embedding.WithSleep(noSleep))
	gt.NoError(t, err)

	_, err = orch.Embed(context.Background(), []string{"hello"})
	gt.True(t, errors.Is(err, model.ErrEmbeddingTransient))
	gt.Equal(t, provider.Calls(), int64(3))
}

func TestEmbedPermanentFailureIsNotRetried(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		return errors.New("invalid api key")
	}))
	orch, err := embedding.New(provider, testConfig(8), embedding.WithSleep(noSleep))
	gt.NoError(t, err)

	_, err = orch.Embed(context.Background(), []string{"hello"})
	gt.True(t, errors.Is(err, model.ErrEmbeddingFailed))
	gt.Equal(t, model.KindOf(err), model.KindEmbeddingFailed)
	gt.Equal(t, provider.Calls(), int64(1))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	provider := mock.New(mock.WithDimensions(4))
	orch, err := embedding.New(provider, testConfig(8), embedding.WithSleep(noSleep))
	gt.NoError(t, err)

	_, err = orch.Embed(context.Background(), []string{"hello"})
	gt.True(t, errors.Is(err, model.ErrEmbeddingDimensionMismatch))
	gt.Equal(t, provider.Calls(), int64(1))
}

func TestEmbedAllOrNothing(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		for _, text := range texts {
			if strings.Contains(text, "poison") {
				return errors.New("content rejected")
			}
		}
		return nil
	}))
	orch, err := embedding.New(provider, testConfig(8), embedding.WithSleep(noSleep))
	gt.NoError(t, err)

	input := append(texts(7), "poison pill")
	vectors, err := orch.Embed(context.Background(), input)
	gt.Error(t, err)
	gt.A(t, vectors).Length(0)
}

func TestEmbedRequestTimeoutIsTransient(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	cfg := testConfig(8)
	cfg.RequestTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	orch, err := embedding.New(provider, cfg, embedding.WithSleep(noSleep))
	gt.NoError(t, err)

	_, err = orch.Embed(context.Background(), []string{"slow"})
	gt.True(t, errors.Is(err, model.ErrEmbeddingTransient))
	gt.Equal(t, provider.Calls(), int64(2))
}

func TestEmbedUsesCache(t *testing.T) {
	provider := mock.New(mock.WithDimensions(8))
	cache, err := embedding.NewCache(100)
	gt.NoError(t, err)
	defer cache.Close()

	orch, err := embedding.New(provider, testConfig(8), embedding.WithCache(cache))
	gt.NoError(t, err)
	ctx := context.Background()

	first, err := orch.EmbedOne(ctx, "cached text")
	gt.NoError(t, err)
	cache.Wait()

	second, err := orch.EmbedOne(ctx, "cached text")
	gt.NoError(t, err)
	gt.Equal(t, first, second)
	gt.Equal(t, provider.Calls(), int64(1))
}

type fixedProvider struct{ vec []float32 }

func (p *fixedProvider) Model() string { return "fixed" }
func (p *fixedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = append([]float32(nil), p.vec...)
	}
	return out, nil
}

func TestEmbedNormalizes(t *testing.T) {
	cfg := testConfig(2)
	orch, err := embedding.New(&fixedProvider{vec: []float32{3, 4}}, cfg)
	gt.NoError(t, err)

	vec, err := orch.EmbedOne(context.Background(), "x")
	gt.NoError(t, err)
	gt.True(t, math.Abs(float64(vec[0])-0.6) < 1e-6)
	gt.True(t, math.Abs(float64(vec[1])-0.8) < 1e-6)

	cfg.Normalize = false
	raw, err := embedding.New(&fixedProvider{vec: []float32{3, 4}}, cfg)
	gt.NoError(t, err)
	vec, err = raw.EmbedOne(context.Background(), "x")
	gt.NoError(t, err)
	gt.Equal(t, vec, []float32{3, 4})
}

func TestEmbedRejectsZeroVector(t *testing.T) {
	orch, err := embedding.New(&fixedProvider{vec: []float32{0, 0}}, testConfig(2))
	gt.NoError(t, err)
	_, err = orch.EmbedOne(context.Background(), "x")
	gt.True(t, errors.Is(err, model.ErrEmbeddingFailed))
}

func TestConfigValidate(t *testing.T) {
	gt.NoError(t, embedding.DefaultConfig(8).Validate())

	for _, mutate := range []func(*embedding.Config){
		func(c *embedding.Config) { c.Dimension = 0 },
		func(c *embedding.Config) { c.BatchSize = 0 },
		func(c *embedding.Config) { c.MaxInFlight = 0 },
		func(c *embedding.Config) { c.MaxRetries = -1 },
		func(c *embedding.Config) { c.RequestTimeout = 0 },
		func(c *embedding.Config) { c.MaxBackoff = 0 },
		func(c *embedding.Config) { c.CacheSize = -1 },
	} {
		cfg := embedding.DefaultConfig(8)
		mutate(&cfg)
		err := cfg.Validate()
		gt.True(t, errors.Is(err, model.ErrConfiguration))
	}
}
