package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCoordinator provides countdown leases and schedule markers shared by
// every scheduler instance.
type RedisCoordinator struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

func NewRedisCoordinator(client redis.UniversalClient, prefix string) *RedisCoordinator {
	return &RedisCoordinator{
		client: client,
		prefix: redisPrefix(prefix),
		owner:  uuid.NewString(),
	}
}

func (c *RedisCoordinator) leaseKey(key string) string {
	return fmt.Sprintf("%s:countdown:%s", c.prefix, key)
}

// AcquireLease takes the lease if it is free or already ours.
func (c *RedisCoordinator) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.leaseKey(key), c.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return c.RenewLease(ctx, key, ttl)
}

// RenewLease extends the lease if this instance still holds it.
func (c *RedisCoordinator) RenewLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, c.client, []string{c.leaseKey(key)}, c.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if this instance holds it.
func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key string) error {
	return releaseLeaseScript.Run(ctx, c.client, []string{c.leaseKey(key)}, c.owner).Err()
}

// MarkScheduled records that a delayed job was published. It reports false if
// the marker already existed.
func (c *RedisCoordinator) MarkScheduled(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, fmt.Sprintf("%s:scheduled:%s", c.prefix, key), c.owner, ttl).Result()
}
