package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is one edge-cache entry: a fully buffered, size-capped copy
// of a served response.
type CachedResponse struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// EdgeCache is the ephemeral response tier, keyed by the normalized public
// URL of the request.
type EdgeCache interface {
	// Get returns nil without error on a miss.
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
}

// CacheKey normalizes a request identity to scheme+host+path.
func CacheKey(host, path string) string {
	return fmt.Sprintf("https://%s%s", host, path)
}

type redisEdgeCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// edgeCacheTTL mirrors the max-age=31536000 directive on served responses.
const edgeCacheTTL = 365 * 24 * time.Hour

func NewEdgeCache(rdb *redis.Client) EdgeCache {
	return &redisEdgeCache{rdb: rdb, ttl: edgeCacheTTL}
}

func (c *redisEdgeCache) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := c.rdb.Get(ctx, "edge:"+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *redisEdgeCache) Put(ctx context.Context, key string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, "edge:"+key, data, c.ttl).Err()
}
