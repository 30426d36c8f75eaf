package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// Lease elects the replica that sweeps during one interval.
type Lease interface {
	// Acquire reports whether the caller holds the lease for ttl.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// Always grants the lease to every caller, so each replica sweeps.
type Always struct{}

// Acquire always reports true.
func (Always) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }

// RedisLease is a SET NX PX lease shared by every replica.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
}

// NewRedisLease returns a lease on key tagged with a random owner id.
func NewRedisLease(client *redis.Client, key string) (*RedisLease, error) {
	owner, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &RedisLease{client: client, key: key, owner: owner.String()}, nil
}

// Acquire takes the lease when nobody else holds it. The lease is never
// released early; it lapses after ttl.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sweeper: lease: %w", err)
	}
	return ok, nil
}
