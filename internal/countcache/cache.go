// Package countcache provides the TTL cache behind per-team vector counts
// and short-lived quota denial markers.
//
// The cache is a best-effort accelerator: values expire, increments are
// lost when the backing store restarts, and every caller must tolerate a
// miss by falling back to the authoritative store. Nothing in this package
// returns an error to the caller for a degraded cache; failures are logged
// and reported as misses.
package countcache

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cache is a minimal string cache with TTLs.
//
// Implementations:
//   - Memory: in-process map, for development and tests
//   - Redis: shared cache for multi-replica deployments
type Cache interface {
	// Get returns the value for key, or "" when the key is absent or
	// expired. An empty value is indistinguishable from a miss, so
	// callers never store "".
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrBy adds delta to the integer value at key only if the key
	// exists. Incrementing an absent key is a no-op, preserving the
	// key's TTL-miss semantics.
	IncrBy(ctx context.Context, key string, delta int64) error

	// SetNX stores value under key for ttl only if the key is absent.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes key.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Memory is an in-process Cache with lazy expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) get(key string) (string, bool) {
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

// Get returns the value for key, or "" on a miss.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.get(key)
	return v, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

// IncrBy adds delta to an existing integer value. Absent keys are left
// absent. The entry's expiry is preserved.
func (m *Memory) IncrBy(_ context.Context, key string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Corrupt entry, drop it so the next read repopulates.
		delete(m.entries, key)
		return nil
	}
	e := m.entries[key]
	e.value = strconv.FormatInt(n+delta, 10)
	m.entries[key] = e
	return nil
}

// SetNX stores value only if key is absent.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

// Del removes key.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close is a no-op for the in-process cache.
func (m *Memory) Close() error {
	return nil
}

var _ Cache = (*Memory)(nil)

const teamCountKeyPrefix = "vectord:teamcount:"

// TeamCounts caches per-team vector counts as string-encoded integers.
// It is never authoritative: a miss, an unparseable value, or any cache
// error just sends the caller back to the vector store.
type TeamCounts struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewTeamCounts wraps a Cache with team count semantics.
func NewTeamCounts(cache Cache, ttl time.Duration, logger *zap.Logger) *TeamCounts {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeamCounts{cache: cache, ttl: ttl, logger: logger}
}

func teamCountKey(teamID string) string {
	return teamCountKeyPrefix + teamID
}

// Get returns the cached count for the team. ok is false on a miss or on
// any cache failure.
func (t *TeamCounts) Get(ctx context.Context, teamID string) (int64, bool) {
	v, err := t.cache.Get(ctx, teamCountKey(teamID))
	if err != nil {
		t.logger.Warn("team count cache read failed", zap.String("team_id", teamID), zap.Error(err))
		return 0, false
	}
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		t.logger.Warn("team count cache value corrupt", zap.String("team_id", teamID), zap.String("value", v))
		_ = t.cache.Del(ctx, teamCountKey(teamID))
		return 0, false
	}
	return n, true
}

// Set stores the authoritative count with the configured TTL, jittered by
// up to 10% so entries repopulated in a burst do not expire in the same
// instant.
func (t *TeamCounts) Set(ctx context.Context, teamID string, count int64) {
	ttl := t.ttl
	if ttl > 0 {
		ttl += time.Duration(rand.Int64N(int64(ttl/10) + 1))
	}
	if err := t.cache.Set(ctx, teamCountKey(teamID), strconv.FormatInt(count, 10), ttl); err != nil {
		t.logger.Warn("team count cache write failed", zap.String("team_id", teamID), zap.Error(err))
	}
}

// Incr bumps an existing cached count. Absent entries stay absent so the
// next read repopulates from the store.
func (t *TeamCounts) Incr(ctx context.Context, teamID string, delta int64) {
	if err := t.cache.IncrBy(ctx, teamCountKey(teamID), delta); err != nil {
		t.logger.Warn("team count cache increment failed", zap.String("team_id", teamID), zap.Error(err))
	}
}

// Invalidate drops the cached count for the team.
func (t *TeamCounts) Invalidate(ctx context.Context, teamID string) {
	if err := t.cache.Del(ctx, teamCountKey(teamID)); err != nil {
		t.logger.Warn("team count cache delete failed", zap.String("team_id", teamID), zap.Error(err))
	}
}
