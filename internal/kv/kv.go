// Package kv is the local persistent state of the server process: a pebble key/value
// store used for client-side memo caches and read markers.
package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

var ErrNotFound = errors.New("key not found")

type Store struct {
	db *pebble.DB
}

// Open opens the store in dir. An empty dir opens an in-memory store.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{}
	path := filepath.Clean(dir)
	if dir == "" {
		opts.FS = vfs.NewMem()
		path = ""
	} else if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create kv directory: %w", err)
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key []byte) ([]byte, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *Store) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.Sync)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.Sync)
}

// Batch groups writes that commit atomically.
type Batch struct {
	b *pebble.Batch
}

func (b *Batch) Set(key, value []byte) error { return b.b.Set(key, value, nil) }

func (b *Batch) Delete(key []byte) error { return b.b.Delete(key, nil) }

// Update runs fn against a batch and commits it if fn succeeds.
func (s *Store) Update(fn func(b *Batch) error) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := fn(&Batch{b: batch}); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Scan visits keys with prefix in ascending order until fn returns false. Key and
// value are only valid during the call.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	for it.First(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
