package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stockfeed/stockfeed/pkg/logging"
	"github.com/stockfeed/stockfeed/pkg/telemetry"
)

// Policy sets the freshness windows of a cache entry. An entry younger than
// TTL is fresh; until StaleTime it is served while being revalidated in the
// background; after that a read waits for a new value.
type Policy struct {
	TTL       time.Duration
	StaleTime time.Duration
}

// Fetcher loads the value for a key
type Fetcher func(ctx context.Context) (interface{}, error)

type entry struct {
	value    interface{}
	storedAt time.Time
}

var cacheRequests = telemetry.NewCounter("cache.requests", "In-memory cache lookups by state")

// Memory is a per-process read-through cache with stale-while-revalidate
// semantics. Construct one at startup and share it.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*entry
	gens     map[string]uint64
	epoch    uint64
	policies map[string]Policy
	fallback Policy

	group  singleflight.Group
	wg     sync.WaitGroup
	now    func() time.Time
	logger *zap.Logger
}

// NewMemory creates an empty cache using def for keys without a specific policy
func NewMemory(def Policy) *Memory {
	return &Memory{
		entries:  make(map[string]*entry),
		gens:     make(map[string]uint64),
		policies: make(map[string]Policy),
		fallback: def,
		now:      time.Now,
		logger:   logging.WithComponent("memory_cache"),
	}
}

// SetPolicy applies p to every key starting with prefix. The longest
// matching prefix wins.
func (m *Memory) SetPolicy(prefix string, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[prefix] = p
}

func (m *Memory) policyFor(key string) Policy {
	best, bestLen := m.fallback, -1
	for prefix, p := range m.policies {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best
}

// Get returns the value for key, calling fetch as the entry's state requires
func (m *Memory) Get(ctx context.Context, key string, fetch Fetcher) (interface{}, error) {
	m.mu.Lock()
	e := m.entries[key]
	token := m.token(key)
	policy := m.policyFor(key)
	m.mu.Unlock()

	if e == nil {
		cacheRequests.Add(ctx, 1, "key", key, "state", "empty")
		return m.load(ctx, key, token, fetch)
	}

	age := m.now().Sub(e.storedAt)
	switch {
	case age < policy.TTL:
		cacheRequests.Add(ctx, 1, "key", key, "state", "fresh")
		return e.value, nil

	case age < policy.StaleTime:
		cacheRequests.Add(ctx, 1, "key", key, "state", "stale")
		m.revalidate(ctx, key, token, fetch)
		return e.value, nil

	default:
		cacheRequests.Add(ctx, 1, "key", key, "state", "expired")
		v, err := m.load(ctx, key, token, fetch)
		if err != nil {
			m.logger.Warn("Fetch failed for expired entry, serving last good value",
				zap.String("key", key),
				zap.Duration("age", age),
				zap.Error(err),
			)
			return e.value, nil
		}
		return v, nil
	}
}

// load runs fetch once per key and generation and stores the result unless
// the key was invalidated meanwhile.
func (m *Memory) load(ctx context.Context, key string, token uint64, fetch Fetcher) (interface{}, error) {
	v, err, _ := m.group.Do(fmt.Sprintf("%s#%d", key, token), func() (interface{}, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.token(key) == token {
			m.entries[key] = &entry{value: v, storedAt: m.now()}
		}
		m.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (m *Memory) revalidate(ctx context.Context, key string, token uint64, fetch Fetcher) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.load(ctx, key, token, fetch); err != nil {
			m.logger.Warn("Background revalidation failed, keeping stale value",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}()
}

// token must be called with mu held
func (m *Memory) token(key string) uint64 {
	return m.epoch + m.gens[key]
}

// Peek returns the cached value for key without fetching
func (m *Memory) Peek(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Invalidate discards the given keys regardless of age
func (m *Memory) Invalidate(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
		m.gens[key]++
	}
}

// InvalidatePrefix discards every key starting with prefix
func (m *Memory) InvalidatePrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			m.gens[key]++
		}
	}
}

// InvalidateAll empties the cache
func (m *Memory) InvalidateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	m.epoch++
}

// Len returns the number of cached entries
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Wait blocks until background revalidations have finished
func (m *Memory) Wait() {
	m.wg.Wait()
}

// Load is a typed wrapper around Get
func Load[T any](ctx context.Context, m *Memory, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := m.Get(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: unexpected %T under key %s", v, key)
	}
	return t, nil
}
