package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrKeyExists = errors.New("idempotency key already exists")

const pendingMarker = "pending"

// completeScript stores the response only while the claim is still pending,
// so a request that outlived its claim cannot overwrite a newer one.
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return false
`)

// CheckAndSetIdempotency claims key for ttl. It returns (nil, nil) when the
// caller now owns the key, the cached response when the operation already
// completed, and ErrKeyExists while another request is still in flight.
func (c *Client) CheckAndSetIdempotency(ctx context.Context, key string, ttl time.Duration) ([]byte, error) {
	k := c.key("idempotency", key)

	claimed, err := c.rdb.SetNX(ctx, k, pendingMarker, ttl).Result()
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, nil
	}

	val, err := c.rdb.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between SETNX and GET
		return nil, ErrKeyExists
	case err != nil:
		return nil, err
	case string(val) == pendingMarker:
		return nil, ErrKeyExists
	}
	return val, nil
}

// MarkIdempotencyComplete caches the response for replay. It is a no-op when
// the claim has already expired.
func (c *Client) MarkIdempotencyComplete(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	err := completeScript.Run(ctx, c.rdb, []string{c.key("idempotency", key)},
		pendingMarker, response, ttl.Milliseconds()).Err()
	if errors.Is(err, redis.Nil) {
		c.log.Warn().Str("key", key).Msg("Idempotency claim expired before the response was stored")
		return nil
	}
	return err
}

// MarkIdempotencyFailed releases the key so the request can be retried.
func (c *Client) MarkIdempotencyFailed(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key("idempotency", key)).Err()
}

// MarkProcessed records that an inbound event (a gateway webhook or a
// notification) was fully handled.
func (c *Client) MarkProcessed(ctx context.Context, namespace, id string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key("processed", namespace, id), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (c *Client) IsProcessed(ctx context.Context, namespace, id string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key("processed", namespace, id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
