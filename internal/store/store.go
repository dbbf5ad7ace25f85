// Package store implements the hierarchical transactional configuration
// store shared by the domain manager, guests and external tools.
//
// Paths are slash separated ("/local/domain/3/memory/target"). A node may
// carry a value and children at the same time. Every multi-key update runs
// inside a transaction; backends that detect concurrent modification fail
// the commit with ErrConflict and callers retry with RetryUpdate.
package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	// ErrNotFound is returned when a path has no value.
	ErrNotFound = errdefs.ErrNotFound

	// ErrConflict is returned when a transaction lost a race with another writer.
	ErrConflict = fmt.Errorf("store transaction conflict: %w", errdefs.ErrConflict)
)

// Tx is a view of the store inside a transaction.
type Tx interface {
	// Read returns the value stored at p or ErrNotFound.
	Read(p string) (string, error)
	// Write sets the value stored at p.
	Write(p, value string) error
	// Remove deletes p and its whole subtree. Removing a missing path is not an error.
	Remove(p string) error
	// List returns the sorted names of the immediate children of p.
	List(p string) ([]string, error)
}

// Store is the transactional contract consumed by the manager.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing is committed.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Join joins path elements into a clean absolute store path.
func Join(elem ...string) string {
	p := path.Join(elem...)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Read reads a single value.
func Read(ctx context.Context, s Store, p string) (string, error) {
	var v string
	err := s.View(ctx, func(tx Tx) error {
		var err error
		v, err = tx.Read(p)
		return err
	})
	return v, err
}

// ReadOptional reads a single value, returning "" when it does not exist.
func ReadOptional(ctx context.Context, s Store, p string) (string, error) {
	v, err := Read(ctx, s, p)
	if errdefs.IsNotFound(err) {
		return "", nil
	}
	return v, err
}

// Write writes every key of kv below base in one transaction.
func Write(ctx context.Context, s Store, base string, kv map[string]string) error {
	return RetryUpdate(ctx, s, func(tx Tx) error {
		return WriteTx(tx, base, kv)
	})
}

// WriteTx writes every key of kv below base inside tx, in key order.
func WriteTx(tx Tx, base string, kv map[string]string) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := tx.Write(Join(base, k), kv[k]); err != nil {
			return fmt.Errorf("write %s: %w", Join(base, k), err)
		}
	}
	return nil
}

// Remove removes a subtree.
func Remove(ctx context.Context, s Store, p string) error {
	return RetryUpdate(ctx, s, func(tx Tx) error {
		return tx.Remove(p)
	})
}

// List lists the children of p.
func List(ctx context.Context, s Store, p string) ([]string, error) {
	var names []string
	err := s.View(ctx, func(tx Tx) error {
		var err error
		names, err = tx.List(p)
		return err
	})
	return names, err
}

// Gather reads several keys below base. Missing keys are omitted from the result.
func Gather(ctx context.Context, s Store, base string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	err := s.View(ctx, func(tx Tx) error {
		for _, k := range keys {
			v, err := tx.Read(Join(base, k))
			if errdefs.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	return out, err
}

// childName returns the first path segment of key below prefix, or "" when
// key is not strictly below prefix. prefix must end with "/".
func childName(key, prefix string) string {
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return ""
	}
	rest := key[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// subtreePrefix returns the key prefix matching every descendant of p.
func subtreePrefix(p string) string {
	p = Join(p)
	if p == "/" {
		return p
	}
	return p + "/"
}
