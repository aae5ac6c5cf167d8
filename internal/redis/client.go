package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/newrelic/go-agent/v3/integrations/nrredis-v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Niiaks/Lodge/internal/config"
)

// Client wraps go-redis with the key layout used by the service:
//
//	{prefix}idempotency:{scope}
//	{prefix}processed:{namespace}:{id}
//	{prefix}lock:{name}
//	{prefix}ratelimit:{caller}
type Client struct {
	rdb       *redis.Client
	keyPrefix string
	log       *zerolog.Logger
}

func New(log *zerolog.Logger, cfg *config.RedisConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	rdb := redis.NewClient(opts)
	// Datastore segments are only recorded when ctx carries a New Relic transaction.
	rdb.AddHook(nrredis.NewHook(opts))

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.Address).Str("prefix", cfg.KeyPrefix).Msg("Connected to Redis")

	return NewFromClient(rdb, cfg.KeyPrefix, log), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client, keyPrefix string, log *zerolog.Logger) *Client {
	return &Client{rdb: rdb, keyPrefix: keyPrefix, log: log}
}

func (c *Client) key(kind string, parts ...string) string {
	return c.keyPrefix + kind + ":" + strings.Join(parts, ":")
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	c.log.Info().Msg("Closing Redis client")
	return c.rdb.Close()
}
