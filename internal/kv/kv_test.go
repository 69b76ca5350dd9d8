package kv_test

import (
	"errors"
	"testing"

	"lingochat/internal/kv"
)

func openMem(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.Open("")
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetSetDelete(t *testing.T) {
	store := openMem(t)

	if _, err := store.Get([]byte("a")); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set err: %v", err)
	}
	got, err := store.Get([]byte("a"))
	if err != nil || string(got) != "1" {
		t.Fatalf("unexpected Get: %q %v", got, err)
	}
	if err := store.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	if _, err := store.Get([]byte("a")); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestScanPrefixInOrder(t *testing.T) {
	store := openMem(t)
	err := store.Update(func(b *kv.Batch) error {
		for _, k := range []string{"p/2", "p/1", "q/1", "p/3", "o/9"} {
			if err := b.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update err: %v", err)
	}

	var keys []string
	if err := store.Scan([]byte("p/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return len(keys) < 2
	}); err != nil {
		t.Fatalf("Scan err: %v", err)
	}
	if len(keys) != 2 || keys[0] != "p/1" || keys[1] != "p/2" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
