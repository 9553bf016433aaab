// Package queue implements the auxiliary queue holding PendingRecharge
// items between a provider charge and its confirmed settlement.
//
// FileStore is the production implementation: one JSON-lines file per
// service, rewritten atomically on every mutation and fsynced before the
// call returns. Exclusive write access is guaranteed by the per-service
// distributed lock, so the store only defends against crashes, not
// against concurrent writers.
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/fleetops-mx/recargas"
)

// FileStore persists one service's queue as a JSON-lines file.
type FileStore struct {
	mu        sync.Mutex
	path      string
	items     []recargas.PendingRecharge
	now       func() time.Time
	onCorrupt func(quarantinedPath string)
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// WithCorruptionHandler installs a callback invoked after a corrupted
// queue file has been quarantined.
func WithCorruptionHandler(fn func(quarantinedPath string)) FileOption {
	return func(s *FileStore) { s.onCorrupt = fn }
}

// OpenFile loads (or creates) the queue file for one service. A file that
// fails to parse is quarantined by renaming it with a timestamp suffix and
// an empty queue takes its place; the process keeps running so a bad file
// can never block the other services.
func OpenFile(path string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}
	if err := s.load(); err != nil {
		quarantined, qerr := s.quarantine()
		if qerr != nil {
			return nil, fmt.Errorf("queue: quarantine %s: %w", path, qerr)
		}
		s.items = nil
		if s.onCorrupt != nil {
			s.onCorrupt(quarantined)
		}
	}
	return s, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var items []recargas.PendingRecharge
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var item recargas.PendingRecharge
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeQueueCorruption,
				"queue file %s: %v", s.path, err)
		}
		if item.ID == "" || item.Status == "" {
			return recargas.Errorf(recargas.CategoryFatal, recargas.ErrCodeQueueCorruption,
				"queue file %s: record missing id or status", s.path)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	s.items = items
	return nil
}

func (s *FileStore) quarantine() (string, error) {
	quarantined := fmt.Sprintf("%s.corrupt.%s", s.path, s.now().Format("20060102T150405"))
	if err := os.Rename(s.path, quarantined); err != nil {
		return "", err
	}
	return quarantined, nil
}

// flush rewrites the whole file atomically: temp file, fsync, rename.
// Called with the mutex held.
func (s *FileStore) flush() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i := range s.items {
		line, err := json.Marshal(&s.items[i])
		if err != nil {
			f.Close()
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Append stores a new pending item durably. The item is visible to
// Snapshot after a crash the moment Append returns.
func (s *FileStore) Append(ctx context.Context, item *recargas.PendingRecharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := *item
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.items = append(s.items, stored)
	if err := s.flush(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return fmt.Errorf("queue: append %s: %w", item.ID, err)
	}
	return nil
}

// Update mutates one item in place and persists the change.
func (s *FileStore) Update(ctx context.Context, id string, mutate func(*recargas.PendingRecharge)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].ID != id {
			continue
		}
		prev := s.items[i]
		mutate(&s.items[i])
		s.items[i].UpdatedAt = s.now()
		if err := s.flush(); err != nil {
			s.items[i] = prev
			return fmt.Errorf("queue: update %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("queue: update %s: not found", id)
}

// Remove deletes an item after its settlement has been confirmed.
// Removing an absent id is a no-op so recovery can be re-run safely.
func (s *FileStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := lo.Filter(s.items, func(it recargas.PendingRecharge, _ int) bool {
		return it.ID != id
	})
	if len(kept) == len(s.items) {
		return nil
	}
	prev := s.items
	s.items = kept
	if err := s.flush(); err != nil {
		s.items = prev
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}
	return nil
}

// Snapshot returns the pending items in insertion order.
func (s *FileStore) Snapshot(ctx context.Context) ([]recargas.PendingRecharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]recargas.PendingRecharge, len(s.items))
	copy(out, s.items)
	return out, nil
}

var _ recargas.QueueStore = (*FileStore)(nil)
