package cache

import (
	"context"
	"time"
)

// Claimer grants short-lived exclusive claims on keys.
// The memory implementation serves single-instance deployments and tests; the Redis
// implementation shares claims across coordinator replicas.
//
// Claims back two things: realtime event de-duplication (a claimed purchase ID is not
// processed again until the TTL lapses) and the drain lock (only one drain cycle runs
// across the fleet at a time).
type Claimer interface {
	// Claim takes key for ttl. It reports false when someone else holds it.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives up key if this claimer still holds it.
	Release(ctx context.Context, key string) error

	// Close releases background resources.
	Close() error
}
