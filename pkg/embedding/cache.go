package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// Cache keeps vectors by (model, dimension, text). Stored and returned
// slices are copies.
type Cache struct {
	cache *ristretto.Cache
}

func NewCache(maxEntries int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		BufferItems: 64,
		// cost counts entries, not bytes
		MaxCost:            maxEntries,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache", goerr.V("max_entries", maxEntries))
	}
	return &Cache{cache: c}, nil
}

func cacheKey(model string, dim int, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(dim)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) Get(model string, dim int, text string) ([]float32, bool) {
	v, ok := c.cache.Get(cacheKey(model, dim, text))
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	if !ok {
		return nil, false
	}
	return slices.Clone(vec), true
}

// Set is asynchronous; an entry may be dropped by admission policy
func (c *Cache) Set(model string, dim int, text string, vec []float32) {
	c.cache.Set(cacheKey(model, dim, text), slices.Clone(vec), 1)
}

// Wait blocks until pending Set calls are applied
func (c *Cache) Wait() {
	c.cache.Wait()
}

func (c *Cache) Close() {
	c.cache.Close()
}
