package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLock implements Service with an in-process map. It provides the
// same lease semantics as RedisLock but is only visible inside one process,
// so it suits single-instance deployments and tests.
type MemoryLock struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLock creates an in-memory lock service.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use this to simulate expiry
// without sleeping.
func (l *MemoryLock) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire implements Service.
func (l *MemoryLock) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.expiresAt.After(l.now()) {
		return false, nil
	}
	l.entries[key] = memoryEntry{token: token, expiresAt: l.now().Add(ttl)}
	return true, nil
}

// Get implements Service.
func (l *MemoryLock) Get(ctx context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.expiresAt.After(l.now()) {
		return "", false, nil
	}
	return e.token, true, nil
}

// Renew implements Service.
func (l *MemoryLock) Renew(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.expiresAt.After(l.now()) {
		return nil
	}
	e.expiresAt = l.now().Add(ttl)
	l.entries[key] = e
	return nil
}

// Release implements Service.
func (l *MemoryLock) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.expiresAt.After(l.now()) || e.token != token {
		return ErrNotOwner
	}
	delete(l.entries, key)
	return nil
}

// TTLRemaining reports how long the key has left on its lease. Test helper.
func (l *MemoryLock) TTLRemaining(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !e.expiresAt.After(l.now()) {
		return 0, false
	}
	return e.expiresAt.Sub(l.now()), true
}
