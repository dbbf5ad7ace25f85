package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var errReadOnly = errors.New("read-only transaction")

// MemoryStore is an in-process store with optimistic transactions.
// A transaction records what it read; the commit fails with ErrConflict if
// any of it changed since the transaction started.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	modified map[string]uint64
	gen      uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]string),
		modified: make(map[string]uint64),
	}
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.newTx(false))
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.newTx(true)
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Dump returns a copy of every stored value. Used by tests and the CLI.
func (s *MemoryStore) Dump() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) newTx(writable bool) *memTx {
	s.mu.RLock()
	start := s.gen
	s.mu.RUnlock()
	return &memTx{
		s:        s,
		start:    start,
		writable: writable,
		overlay:  make(map[string]*string),
		reads:    make(map[string]struct{}),
		prefixes: make(map[string]struct{}),
	}
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range tx.reads {
		if s.modified[k] > tx.start {
			return fmt.Errorf("%s changed: %w", k, ErrConflict)
		}
	}
	for prefix := range tx.prefixes {
		for k, g := range s.modified {
			if g > tx.start && (k == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(k, prefix)) {
				return fmt.Errorf("%s changed: %w", k, ErrConflict)
			}
		}
	}
	if len(tx.overlay) == 0 {
		return nil
	}

	s.gen++
	for k, v := range tx.overlay {
		if v == nil {
			delete(s.data, k)
		} else {
			s.data[k] = *v
		}
		s.modified[k] = s.gen
	}
	return nil
}

type memTx struct {
	s        *MemoryStore
	start    uint64
	writable bool
	overlay  map[string]*string
	reads    map[string]struct{}
	prefixes map[string]struct{}
}

func (t *memTx) Read(p string) (string, error) {
	p = Join(p)
	t.reads[p] = struct{}{}
	if v, ok := t.overlay[p]; ok {
		if v == nil {
			return "", fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return *v, nil
	}
	t.s.mu.RLock()
	v, ok := t.s.data[p]
	t.s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return v, nil
}

func (t *memTx) Write(p, value string) error {
	if !t.writable {
		return fmt.Errorf("write %s: %w", p, errReadOnly)
	}
	t.overlay[Join(p)] = &value
	return nil
}

func (t *memTx) Remove(p string) error {
	if !t.writable {
		return fmt.Errorf("remove %s: %w", p, errReadOnly)
	}
	p = Join(p)
	prefix := subtreePrefix(p)
	t.prefixes[prefix] = struct{}{}

	t.s.mu.RLock()
	for k := range t.s.data {
		if k == p || strings.HasPrefix(k, prefix) {
			t.overlay[k] = nil
		}
	}
	t.s.mu.RUnlock()
	for k := range t.overlay {
		if k == p || strings.HasPrefix(k, prefix) {
			t.overlay[k] = nil
		}
	}
	return nil
}

func (t *memTx) List(p string) ([]string, error) {
	prefix := subtreePrefix(p)
	t.prefixes[prefix] = struct{}{}

	live := make(map[string]bool)
	t.s.mu.RLock()
	for k := range t.s.data {
		if strings.HasPrefix(k, prefix) {
			live[k] = true
		}
	}
	t.s.mu.RUnlock()
	for k, v := range t.overlay {
		if strings.HasPrefix(k, prefix) {
			live[k] = v != nil
		}
	}

	seen := make(map[string]struct{})
	for k, ok := range live {
		if !ok {
			continue
		}
		if name := childName(k, prefix); name != "" {
			seen[name] = struct{}{}
		}
	}
	return sortedNames(seen), nil
}
