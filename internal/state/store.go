package state

import (
	"context"
	"time"
)

// Store is a namespaced key-value capability. Values are opaque strings,
// usually JSON. A zero TTL means the key does not expire. SetNX is used
// for short-lived lease keys and must be atomic per backend.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
