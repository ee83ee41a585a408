package cache

import (
	"context"
	"fmt"
	"time"

	"ranksync/pkg/uid"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every claim key.
const DefaultKeyPrefix = "ranksync:claim"

var releaseIfOwnerScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisClaimer implements Claimer with SET NX PX, so claims are shared by every process
// pointed at the same Redis.
type RedisClaimer struct {
	client    redis.UniversalClient
	owner     string
	keyPrefix string
}

// NewRedisClaimer wraps an existing client. The client stays owned by the caller.
func NewRedisClaimer(client redis.UniversalClient, keyPrefix string) *RedisClaimer {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisClaimer{
		client:    client,
		owner:     uid.New(),
		keyPrefix: keyPrefix,
	}
}

func (c *RedisClaimer) key(k string) string {
	return c.keyPrefix + ":" + k
}

// Claim takes key for ttl.
func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), c.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes key only while it still carries this claimer's owner token,
// so an expired claim re-taken by another process is left alone.
func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := releaseIfOwnerScript.Run(ctx, c.client, []string{c.key(key)}, c.owner).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (c *RedisClaimer) Close() error {
	return nil
}

// Ensure RedisClaimer implements Claimer
var _ Claimer = (*RedisClaimer)(nil)
