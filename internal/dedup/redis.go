package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"myco/pkg/platform/sentinel"
)

const redisKeyPrefix = "dedup:"

// Redis shares the seen-set across ingestor processes with SET NX PX GET, so
// the check and the insert are one server-side step that also returns the
// current holder. It needs Redis 7 or later. The capacity bound is the server's maxmemory
// policy.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis creates a Redis-backed cache. ttl falls back to DefaultTTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// CheckAndMark implements Cache.
func (r *Redis) CheckAndMark(ctx context.Context, key Key, claim string) (bool, error) {
	holder, err := r.client.SetArgs(ctx, redisKeyPrefix+key.String(), claim, redis.SetArgs{
		Mode: "NX",
		TTL:  r.ttl,
		Get:  true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set nx %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return !heldBy(holder, claim), nil
}
