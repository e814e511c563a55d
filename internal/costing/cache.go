package costing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerwise/wms/internal/shared"
)

const bumpChannel = "wms.costing.bump"

// Cache keeps period summaries in Redis. Each (warehouse, period) pair has
// its own version counter; bumping it orphans every key built before.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func versionKey(warehouseID int64, period shared.BillingPeriod) string {
	return fmt.Sprintf("costing:version:%d:%s", warehouseID, period.Key())
}

// Version returns the current version of a period, initialising when missing.
func (c *Cache) Version(ctx context.Context, warehouseID int64, period shared.BillingPeriod) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := versionKey(warehouseID, period)
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX so a concurrent bump is not overwritten.
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, key).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the summary key with the period's current version.
func (c *Cache) BuildKey(ctx context.Context, warehouseID int64, period shared.BillingPeriod, parts ...string) (string, error) {
	base := strings.Join(append([]string{"costing", strconv.FormatInt(warehouseID, 10), period.Key()}, parts...), ":")
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx, warehouseID, period)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Invalidate bumps the version of a period and publishes the new value.
func (c *Cache) Invalidate(ctx context.Context, warehouseID int64, period shared.BillingPeriod) error {
	if c == nil || c.client == nil {
		return nil
	}
	key := versionKey(warehouseID, period)
	ver, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, fmt.Sprintf("%s=%d", key, ver)).Err()
}

// Subscribe streams invalidation notices until ctx ends. The callback gets
// the version key that moved.
func (c *Cache) Subscribe(ctx context.Context, fn func(key string, version int64)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key, raw, found := strings.Cut(msg.Payload, "=")
				if !found {
					continue
				}
				if ver, err := strconv.ParseInt(raw, 10, 64); err == nil {
					fn(key, ver)
				}
			}
		}
	}()
	return nil
}
