package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops-mx/recargas"
)

// MemoryLock is an in-process LockClient for tests. TTL expiry is honored
// lazily on the next Acquire.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]string
	until map[string]time.Time
	now   func() time.Time
}

// NewMemory creates an empty in-memory lock client.
func NewMemory() *MemoryLock {
	return &MemoryLock{
		held:  make(map[string]string),
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *MemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok && l.now().Before(l.until[key]) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	l.until[key] = l.now().Add(ttl)
	return token, true, nil
}

func (l *MemoryLock) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	delete(l.held, key)
	delete(l.until, key)
	return true, nil
}

func (l *MemoryLock) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return false, nil
	}
	l.until[key] = l.now().Add(ttl)
	return true, nil
}

// Holder reports the current owner token, for tests.
func (l *MemoryLock) Holder(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

var _ recargas.LockClient = (*MemoryLock)(nil)
