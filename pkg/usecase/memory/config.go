package memory

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memvault/pkg/model"
)

// Config tunes the record store and the search engine
type Config struct {
	DefaultListLimit int `yaml:"default_list_limit"`
	MaxListLimit     int `yaml:"max_list_limit"`
	MaxSearchLimit   int `yaml:"max_search_limit"`

	// VectorWeight and TextWeight fuse the two scores when the store
	// supports full text search. A perfect text match outranks a vector
	// lead of at most TextWeight/VectorWeight, 0.01 with the defaults, so
	// text only breaks near ties.
	VectorWeight float64 `yaml:"vector_weight"`
	TextWeight   float64 `yaml:"text_weight"`
	MinScore     float64 `yaml:"min_score"`

	StoreTimeout        time.Duration `yaml:"store_timeout"`
	StoreRetries        int           `yaml:"store_retries"`
	StoreInitialBackoff time.Duration `yaml:"store_initial_backoff"`
	StoreMaxBackoff     time.Duration `yaml:"store_max_backoff"`

	BatchWorkers int `yaml:"batch_workers"`
}

func DefaultConfig() Config {
	return Config{
		DefaultListLimit:    20,
		MaxListLimit:        1000,
		MaxSearchLimit:      100,
		VectorWeight:        1.0,
		TextWeight:          0.01,
		MinScore:            0,
		StoreTimeout:        10 * time.Second,
		StoreRetries:        3,
		StoreInitialBackoff: 100 * time.Millisecond,
		StoreMaxBackoff:     2 * time.Second,
		BatchWorkers:        4,
	}
}

func (c Config) Validate() error {
	invalid := func(msg string, field string, value any) error {
		return goerr.Wrap(model.ErrConfiguration, msg, goerr.V("field", field), goerr.V("value", value))
	}

	switch {
	case c.DefaultListLimit <= 0:
		return invalid("list limit must be positive", "default_list_limit", c.DefaultListLimit)
	case c.MaxListLimit < c.DefaultListLimit:
		return invalid("max list limit must not be below the default", "max_list_limit", c.MaxListLimit)
	case c.MaxSearchLimit <= 0:
		return invalid("search limit must be positive", "max_search_limit", c.MaxSearchLimit)
	case c.VectorWeight < 0:
		return invalid("weight must not be negative", "vector_weight", c.VectorWeight)
	case c.TextWeight < 0:
		return invalid("weight must not be negative", "text_weight", c.TextWeight)
	case c.VectorWeight+c.TextWeight <= 0:
		return invalid("at least one weight must be positive", "vector_weight", c.VectorWeight)
	case c.MinScore < 0 || c.MinScore > 1:
		return invalid("min score must be within [0, 1]", "min_score", c.MinScore)
	case c.StoreTimeout <= 0:
		return invalid("store timeout must be positive", "store_timeout", c.StoreTimeout)
	case c.StoreRetries < 0:
		return invalid("store retries must not be negative", "store_retries", c.StoreRetries)
	case c.StoreInitialBackoff <= 0 || c.StoreMaxBackoff < c.StoreInitialBackoff:
		return invalid("store backoff must be positive and max must not be below initial", "store_initial_backoff", c.StoreInitialBackoff)
	case c.BatchWorkers <= 0:
		return invalid("batch workers must be positive", "batch_workers", c.BatchWorkers)
	}
	return nil
}
