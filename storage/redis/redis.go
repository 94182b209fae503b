// Package redis provides a Redis implementation of the webhook.ProductCache
// interface. Entries are hashes keyed product::<productID>[::<accountID>],
// pure derived state that is safe to lose and rebuild from the platform.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gskaplan/imweb-stripe-webhook/pkg/webhook"
)

const keyBase = "product::"

// Cache implements webhook.ProductCache using Redis.
type Cache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis cache configuration.
type Config struct {
	// KeyPrefix is prepended to all keys, in front of the product:: base
	// (default: none). Useful when the instance is shared.
	KeyPrefix string

	// ProductTTL is the TTL applied on every Put (0 = no expiration). The
	// cache is not a system of record, so expiry only costs a rebuild.
	ProductTTL time.Duration
}

// New creates a new Redis product cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Cache{client: client, config: config}, nil
}

func (c *Cache) key(productID, accountID string) string {
	key := c.config.KeyPrefix + keyBase + productID
	if accountID != "" {
		key += "::" + accountID
	}
	return key
}

// Put implements webhook.ProductCache. All fields are overwritten
// unconditionally: last write wins, no versioning.
func (c *Cache) Put(ctx context.Context, productID, accountID string, details webhook.ProductDetails) error {
	key := c.key(productID, accountID)
	fields := map[string]interface{}{
		"name":  details.Name,
		"roles": details.Roles,
	}
	// Write and expire in one transaction so a failure cannot leave the
	// entry without its TTL.
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if c.config.ProductTTL > 0 {
			pipe.Expire(ctx, key, c.config.ProductTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache product %s: %w", productID, err)
	}
	return nil
}

// Evict implements webhook.ProductCache. Deleting an absent key is not an error.
func (c *Cache) Evict(ctx context.Context, productID, accountID string) error {
	if err := c.client.Del(ctx, c.key(productID, accountID)).Err(); err != nil {
		return fmt.Errorf("failed to evict product %s: %w", productID, err)
	}
	return nil
}

// Get reads an entry back, mainly for verification and operational
// inspection; the receiver itself never reads the cache. Returns nil when
// the entry is absent.
func (c *Cache) Get(ctx context.Context, productID, accountID string) (*webhook.ProductDetails, error) {
	values, err := c.client.HGetAll(ctx, c.key(productID, accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read product %s: %w", productID, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &webhook.ProductDetails{
		Name:  values["name"],
		Roles: values["roles"],
	}, nil
}

var _ webhook.ProductCache = (*Cache)(nil)
