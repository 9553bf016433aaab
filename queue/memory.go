package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops-mx/recargas"
)

// MemoryStore is an in-memory QueueStore for tests and tooling. It keeps
// the same ordering and no-op-remove semantics as FileStore, minus
// durability.
type MemoryStore struct {
	mu    sync.Mutex
	items []recargas.PendingRecharge

	// AppendErr, when set, makes Append fail; used to exercise the
	// pipeline's crash-safety ordering in tests.
	AppendErr error
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(ctx context.Context, item *recargas.PendingRecharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	stored := *item
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.items = append(s.items, stored)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*recargas.PendingRecharge)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			mutate(&s.items[i])
			s.items[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("queue: update %s: not found", id)
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) ([]recargas.PendingRecharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recargas.PendingRecharge, len(s.items))
	copy(out, s.items)
	return out, nil
}

var _ recargas.QueueStore = (*MemoryStore)(nil)
