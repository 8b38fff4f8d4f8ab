// Package redis provides a Redis-backed device identity storage, for
// kiosk-style fleets that share a profile across hosts.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"go.glassdash.io/devicegate/deviceid"
)

// Storage implements deviceid.Storage on a Redis key. The key is written
// with SETNX so the first writer wins and the identifier is never replaced.
type Storage struct {
	client *redis.Client
	prefix string
}

// NewStorage creates a Storage using the given client. prefix namespaces
// the key per deployment profile.
func NewStorage(client *redis.Client, prefix string) *Storage {
	return &Storage{client: client, prefix: prefix}
}

func (s *Storage) key() string {
	return fmt.Sprintf("%s:device:id", s.prefix)
}

// Load returns the stored identifier, or "" when none exists.
func (s *Storage) Load(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, s.key()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", deviceid.ErrStorageUnavailable
	}
	return id, nil
}

// StoreOnce persists id if the key is still empty and returns the winning
// value.
func (s *Storage) StoreOnce(ctx context.Context, id string) (string, error) {
	// No expiry: the identifier lives for the lifetime of the profile.
	set, err := s.client.SetNX(ctx, s.key(), id, 0).Result()
	if err != nil {
		return "", deviceid.ErrStorageUnavailable
	}
	if set {
		return id, nil
	}
	return s.Load(ctx)
}
