// Package cooldown implements the State Enforcer's per-(lab, node)
// retry-storm guard as Redis keys with a native TTL, so the guard survives a
// controller restart instead of resetting to zero the moment the process
// comes back up.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store guards enforcement actions behind a per-(lab, node) TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a Store dialing addr (a redis:// URL) with the given TTL.
func New(addr string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("cooldown: parse redis address: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

// Active reports whether a cooldown is currently set for (labID, node).
func (s *Store) Active(ctx context.Context, labID uuid.UUID, node string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key(labID, node)).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown: check: %w", err)
	}
	return n > 0, nil
}

// Set starts a cooldown for (labID, node) with the Store's configured TTL.
// Called immediately before dispatching the corrective job, not after, so a
// slow dispatch can't race a second enforcement pass onto the same node.
func (s *Store) Set(ctx context.Context, labID uuid.UUID, node string) error {
	if err := s.rdb.Set(ctx, key(labID, node), time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("cooldown: set: %w", err)
	}
	return nil
}

// Clear removes a cooldown ahead of its TTL, used when an operator forces an
// immediate retry.
func (s *Store) Clear(ctx context.Context, labID uuid.UUID, node string) error {
	if err := s.rdb.Del(ctx, key(labID, node)).Err(); err != nil {
		return fmt.Errorf("cooldown: clear: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func key(labID uuid.UUID, node string) string {
	return fmt.Sprintf("netlab:enforce_cooldown:%s:%s", labID, node)
}
