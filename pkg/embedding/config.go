package embedding

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
)

// Config controls how texts are sent to the provider
type Config struct {
	// Dimension every returned vector must have
	Dimension int `yaml:"dimension"`
	// BatchSize is the provider's request size limit in texts
	BatchSize int `yaml:"batch_size"`
	// MaxInFlight bounds concurrent provider calls across all callers
	MaxInFlight int `yaml:"max_in_flight"`
	// MaxRetries of a transiently failing batch. 0 disables retry.
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// Normalize scales vectors to unit length before they are returned
	Normalize bool `yaml:"normalize"`
	// CacheSize is the number of cached vectors, 0 disables the cache
	CacheSize int64 `yaml:"cache_size"`
}

func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:      dimension,
		BatchSize:      64,
		MaxInFlight:    4,
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Normalize:      true,
		CacheSize:      10000,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Dimension <= 0:
		return goerr.Wrap(model.ErrConfiguration, "embedding dimension must be positive", goerr.V("dimension", c.Dimension))
	case c.BatchSize <= 0:
		return goerr.Wrap(model.ErrConfiguration, "embedding batch size must be positive", goerr.V("batch_size", c.BatchSize))
	case c.MaxInFlight <= 0:
		return goerr.Wrap(model.ErrConfiguration, "embedding max in-flight must be positive", goerr.V("max_in_flight", c.MaxInFlight))
	case c.MaxRetries < 0:
		return goerr.Wrap(model.ErrConfiguration, "embedding max retries must not be negative", goerr.V("max_retries", c.MaxRetries))
	case c.RequestTimeout <= 0:
		return goerr.Wrap(model.ErrConfiguration, "embedding request timeout must be positive", goerr.V("request_timeout", c.RequestTimeout))
	case c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff:
		return goerr.Wrap(model.ErrConfiguration, "invalid embedding backoff range",
			goerr.V("initial_backoff", c.InitialBackoff), goerr.V("max_backoff", c.MaxBackoff))
	case c.CacheSize < 0:
		return goerr.Wrap(model.ErrConfiguration, "embedding cache size must not be negative", goerr.V("cache_size", c.CacheSize))
	}
	return nil
}
