package kv

import (
	"context"
	"strings"
	"time"
)

// Namespaced prefixes every key so several deployments can share a backend.
// Set members are stored verbatim.
type Namespaced struct {
	inner  Store
	prefix string
}

// NewNamespaced wraps inner. An empty prefix returns inner unchanged.
func NewNamespaced(inner Store, prefix string) Store {
	if prefix == "" {
		return inner
	}
	return &Namespaced{inner: inner, prefix: prefix}
}

func (n *Namespaced) key(k string) string { return n.prefix + k }

func (n *Namespaced) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.inner.Put(ctx, n.key(key), value, ttl)
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.inner.Get(ctx, n.key(key))
}

func (n *Namespaced) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = n.key(k)
	}
	return n.inner.Delete(ctx, full...)
}

func (n *Namespaced) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.ScanPrefix(ctx, n.key(prefix))
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, n.prefix)
	}
	return keys, nil
}

func (n *Namespaced) TakeOnce(ctx context.Context, key string) ([]byte, error) {
	return n.inner.TakeOnce(ctx, n.key(key))
}

func (n *Namespaced) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	return n.inner.AddToSet(ctx, n.key(key), ttl, members...)
}

func (n *Namespaced) SetMembers(ctx context.Context, key string) ([]string, error) {
	return n.inner.SetMembers(ctx, n.key(key))
}

func (n *Namespaced) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	return n.inner.RemoveFromSet(ctx, n.key(key), members...)
}

func (n *Namespaced) Ping(ctx context.Context) error { return n.inner.Ping(ctx) }

func (n *Namespaced) Close() error { return n.inner.Close() }
