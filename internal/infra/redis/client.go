package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis operations used for cache snapshots.
type Client struct {
	rdb  *redis.Client
	addr string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"      toml:"url"`
	Password string `yaml:"password" toml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, addr: opts.Addr}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// SnapshotKey returns the hash key holding an instance's cache entries.
func SnapshotKey(instance string) string {
	return fmt.Sprintf("muniwatch:cache:%s", instance)
}

// LoadHash returns all fields of a hash. A missing key yields an empty map.
func (c *Client) LoadHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}
	return fields, nil
}

// ReplaceHash atomically replaces the fields of a hash.
func (c *Client) ReplaceHash(ctx context.Context, key string, fields map[string]string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			values := make([]any, 0, len(fields)*2)
			for k, v := range fields {
				values = append(values, k, v)
			}
			pipe.HSet(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace hash failed: %w", err)
	}
	return nil
}

// KeyStat reports whether key exists and its memory footprint in bytes.
func (c *Client) KeyStat(ctx context.Context, key string) (bool, int64, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("exists failed: %w", err)
	}
	if n == 0 {
		return false, 0, nil
	}
	size, err := c.rdb.MemoryUsage(ctx, key).Result()
	if err != nil {
		return true, 0, nil
	}
	return true, size, nil
}
