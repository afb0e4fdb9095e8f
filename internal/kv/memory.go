package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry holds a stored value with its expiration. A zero expiration never
// expires.
type entry struct {
	value      []byte
	expiration time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && !now.Before(e.expiration)
}

type setEntry struct {
	members    map[string]struct{}
	expiration time.Time
}

// MemoryStore is a thread-safe single-process Store. It is meant for tests
// and single-replica development; state is lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
	sets  map[string]*setEntry
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]entry),
		sets:  make(map[string]*setEntry),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Tests use it to expire keys.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = entry{value: append([]byte(nil), value...), expiration: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(m.now()) {
		delete(m.items, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.items, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemoryStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for k, e := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.expired(now) {
			delete(m.items, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) TakeOnce(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("take", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.items, key)
	if e.expired(m.now()) {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("sadd", err)
	}
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok || (!s.expiration.IsZero() && !m.now().Before(s.expiration)) {
		s = &setEntry{members: make(map[string]struct{})}
		m.sets[key] = s
	}
	for _, member := range members {
		s.members[member] = struct{}{}
	}
	s.expiration = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("smembers", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	if !s.expiration.IsZero() && !m.now().Before(s.expiration) {
		delete(m.sets, key)
		return nil, nil
	}
	out := make([]string, 0, len(s.members))
	for member := range s.members {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("srem", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s.members, member)
	}
	if len(s.members) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close drops all state.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]entry)
	m.sets = make(map[string]*setEntry)
	return nil
}

var _ Store = (*MemoryStore)(nil)
