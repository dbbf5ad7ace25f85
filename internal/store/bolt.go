package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("store")

// BoltStore keeps the store tree in a bolt database, one key per path.
// Instances opened on the same file share one bolt.DB.
//
// bolt serializes writers, so Update never fails with ErrConflict.
type BoltStore struct {
	db   *bolt.DB
	path string
}

var (
	sharedDBs = make(map[string]*sharedDB)
	dbMu      sync.Mutex
)

type sharedDB struct {
	db       *bolt.DB
	refCount int
}

// NewBoltStore opens (or joins) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	sdb, exists := sharedDBs[dbPath]
	if !exists {
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{
			Timeout:        30 * time.Second,
			NoFreelistSync: true,
			FreelistType:   bolt.FreelistMapType,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt db: %w", err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketName)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		sdb = &sharedDB{db: db}
		sharedDBs[dbPath] = sdb
	}
	sdb.refCount++

	return &BoltStore{db: sdb.db, path: dbPath}, nil
}

// View implements Store.
func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{b: tx.Bucket(bucketName)})
	})
}

// Update implements Store.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{b: tx.Bucket(bucketName), writable: true})
	})
}

// Close drops this reference; the database closes with the last one.
func (s *BoltStore) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	sdb, ok := sharedDBs[s.path]
	if !ok || sdb.db != s.db {
		return nil
	}
	sdb.refCount--
	if sdb.refCount > 0 {
		return nil
	}
	delete(sharedDBs, s.path)
	return sdb.db.Close()
}

type boltTx struct {
	b        *bolt.Bucket
	writable bool
}

func (t *boltTx) Read(p string) (string, error) {
	v := t.b.Get([]byte(Join(p)))
	if v == nil {
		return "", fmt.Errorf("%s: %w", Join(p), ErrNotFound)
	}
	return string(v), nil
}

func (t *boltTx) Write(p, value string) error {
	if !t.writable {
		return fmt.Errorf("write %s in read-only transaction: %w", p, bolt.ErrTxNotWritable)
	}
	return t.b.Put([]byte(Join(p)), []byte(value))
}

func (t *boltTx) Remove(p string) error {
	if !t.writable {
		return fmt.Errorf("remove %s in read-only transaction: %w", p, bolt.ErrTxNotWritable)
	}
	p = Join(p)
	keys := [][]byte{[]byte(p)}
	prefix := []byte(subtreePrefix(p))
	c := t.b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := t.b.Delete(k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func (t *boltTx) List(p string) ([]string, error) {
	prefix := subtreePrefix(p)
	seen := make(map[string]struct{})
	c := t.b.Cursor()
	for k, _ := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, _ = c.Next() {
		if name := childName(string(k), prefix); name != "" {
			seen[name] = struct{}{}
		}
	}
	return sortedNames(seen), nil
}
