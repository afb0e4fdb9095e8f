// Package kv defines the TTL-capable key-value contract the authorization
// server keeps all of its state in, plus Redis, Postgres and in-memory
// implementations of it.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultOpTimeout bounds a single store call when the caller's context has
// no earlier deadline.
const DefaultOpTimeout = 3 * time.Second

var (
	// ErrNotFound is returned when a key is absent or has expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrUnavailable wraps every backend failure. Callers must surface it as a
	// retryable 5xx and never treat it as ErrNotFound.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the persistence contract shared by every server process.
//
// Values are opaque bytes. A ttl of zero means the key never expires.
// TakeOnce is the only atomic read-modify-write primitive: of any number of
// concurrent callers racing on one key, exactly one receives the value.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	TakeOnce(ctx context.Context, key string) ([]byte, error)

	// AddToSet adds members to the set stored at key and (re)sets its ttl.
	// A ttl of zero leaves the whole set without expiry. Adding to an expired
	// set starts a new one.
	AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	RemoveFromSet(ctx context.Context, key string, members ...string) error

	Ping(ctx context.Context) error
	Close() error
}

// unavailable wraps a backend error so that errors.Is(err, ErrUnavailable)
// holds while the original cause stays visible.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// withTimeout applies timeout to ctx unless ctx already ends sooner.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
