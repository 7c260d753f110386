// Package redis wraps the go-redis client with the operations the
// router needs: distributed locks for cross-process split
// coordination, a small cache-aside layer for compiled rule sets, and
// pub/sub for the queue change feed.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// AcquireSplitLock takes the cross-process lock for one parent order.
// Returns false when another process holds it; callers surface that as
// a split conflict, they do not wait.
func (c *Client) AcquireSplitLock(ctx context.Context, parentOrderID string, expiration time.Duration) (bool, error) {
	acquired, err := c.rdb.SetNX(ctx, splitLockKey(parentOrderID), "locked", expiration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire split lock: %w", err)
	}
	return acquired, nil
}

// ReleaseSplitLock frees the per-parent lock.
func (c *Client) ReleaseSplitLock(ctx context.Context, parentOrderID string) error {
	if err := c.rdb.Del(ctx, splitLockKey(parentOrderID)).Err(); err != nil {
		return fmt.Errorf("failed to release split lock: %w", err)
	}
	return nil
}

// ExtendSplitLock pushes out the expiration of a held lock. Extending
// a lock that already expired is an error so the caller knows its
// critical section was exposed.
func (c *Client) ExtendSplitLock(ctx context.Context, parentOrderID string, expiration time.Duration) error {
	key := splitLockKey(parentOrderID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check split lock: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("split lock for order %s expired", parentOrderID)
	}
	if err := c.rdb.Expire(ctx, key, expiration).Err(); err != nil {
		return fmt.Errorf("failed to extend split lock: %w", err)
	}
	return nil
}

func splitLockKey(parentOrderID string) string {
	return fmt.Sprintf("split-lock:%s", parentOrderID)
}

// Set stores a value. Strings and byte slices go through unchanged,
// everything else is JSON encoded.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	var data []byte
	var err error

	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
	}

	return c.rdb.Set(ctx, key, data, expiration).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// GetJSON reads a key and decodes it into dest. Returns redis.Nil for
// a cache miss so callers can fall through to storage.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.rdb.Exists(ctx, key).Result()
	return count > 0, err
}

// Publish sends a message on a channel. Non-string payloads are JSON
// encoded.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	var data []byte
	var err error

	switch v := message.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
	}

	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe opens a subscription on the given channels. The caller
// owns the returned PubSub and must close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}
