package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSource wraps a Source with a Redis read-through cache. Cache errors
// are ignored; the wrapped source is always the authority on a miss.
type CachedSource struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
}

// NewCachedSource creates a cached wrapper around source.
func NewCachedSource(source Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
	}
}

func (c *CachedSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	data, err := c.rdb.Get(ctx, quoteKey(symbol)).Bytes()
	if err == nil {
		var q Quote
		if json.Unmarshal(data, &q) == nil {
			return q, nil
		}
	}

	// Cache miss.
	q, err := c.source.GetPrice(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	if data, err := json.Marshal(q); err == nil {
		c.rdb.Set(ctx, quoteKey(symbol), data, c.ttl)
	}
	return q, nil
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }
