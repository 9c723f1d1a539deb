package db

import (
	"context"
	"errors"
	"time"
)

// ErrUnchanged is returned from an UpdateFunc to commit nothing.
var ErrUnchanged = errors.New("kv: unchanged")

// ErrNotConfigured is returned by a nil or unbound store.
var ErrNotConfigured = errors.New("kv: no storage backend bound")

// UpdateFunc receives the current value of a key and returns the next one.
// found may be true for a value past its ttl on backends that expire lazily.
// Returning a nil value deletes the key. ttl bounds the physical lifetime of
// the written value.
type UpdateFunc func(current []byte, found bool) (next []byte, ttl time.Duration, err error)

// KV is an expiring key-value table whose per-key read-modify-write is atomic.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Sweep reclaims space held by expired entries.
	Sweep(ctx context.Context) error
	Close() error
}
