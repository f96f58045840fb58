// Package redis provides the Redis client and the Redis-backed services:
// the shared campaign rate limiter and idempotency keys.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// namespace prefixes every key courier writes so the instance can share a
// Redis database with other services.
const namespace = "courier"

// Config holds Redis connection settings. URL, when set, takes precedence
// over the individual fields.
type Config struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
}

func (cfg Config) options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	// Runner workers and the API limiter share the pool.
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.PoolTimeout = 4 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return opts, nil
}

// Client wraps go-redis and owns the key namespace.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info("redis connection established",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Key joins parts under the courier namespace.
func (c *Client) Key(parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping is used as the /health check for Redis.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PoolStats reports the number of open connections.
func (c *Client) PoolStats() int {
	return int(c.rdb.PoolStats().TotalConns)
}
