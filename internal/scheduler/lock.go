package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a short-lived exclusive hold on a Redis key. Pollers use it for
// housekeeping that only one instance should do per interval; run claims
// never depend on it.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// TryLease takes the lease on key for ttl. It returns nil, nil when another
// holder has it.
func TryLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !acquired {
		return nil, nil
	}
	return &Lease{client: client, key: key, token: token}, nil
}

// Release gives the lease up early if this holder still owns it
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
