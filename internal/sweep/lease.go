package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "mailcredits:sweep:"

// releaseScript deletes the lease only while this holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// ReleaseFunc gives a held lease back.
type ReleaseFunc func(ctx context.Context) error

// Lease guards a sweep so only one process runs it at a time.
type Lease interface {
	Acquire(ctx context.Context, name string) (ReleaseFunc, bool, error)
}

// LocalLease always grants the lease. Used when no redis is configured.
type LocalLease struct{}

// Acquire implements Lease.
func (LocalLease) Acquire(context.Context, string) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// RedisLease is a SET NX lease with a TTL so a crashed holder cannot block sweeps forever.
type RedisLease struct {
	client  redis.UniversalClient
	ttl     time.Duration
	owner   string
	release *redis.Script
}

// NewRedisLease returns a lease backed by client.
func NewRedisLease(client redis.UniversalClient, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	return &RedisLease{
		client:  client,
		ttl:     ttl,
		owner:   uuid.NewString(),
		release: redis.NewScript(releaseScript),
	}, nil
}

// Acquire implements Lease.
func (lease *RedisLease) Acquire(ctx context.Context, name string) (ReleaseFunc, bool, error) {
	key := leaseKeyPrefix + name
	acquired, err := lease.client.SetNX(ctx, key, lease.owner, lease.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lease %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		if err := lease.release.Run(ctx, lease.client, []string{key}, lease.owner).Err(); err != nil {
			return fmt.Errorf("release sweep lease %s: %w", name, err)
		}
		return nil
	}, true, nil
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
