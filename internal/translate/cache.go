package translate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lingochat/internal/kv"
)

const (
	DefaultCacheTTL   = 30 * 24 * time.Hour
	DefaultCacheLimit = 5000
)

var (
	entryPrefix = []byte("tr/e/")
	agePrefix   = []byte("tr/a/")
)

// Cache memoizes provider results by content and language pair. Entries expire after
// the TTL and the oldest entries are evicted beyond the limit. A nil Cache is a
// cache that never hits.
type Cache struct {
	mu    sync.Mutex
	store *kv.Store
	clock clock.Clock
	ttl   time.Duration
	limit int
	count int
}

func NewCache(store *kv.Store, clk clock.Clock, ttl time.Duration, limit int) (*Cache, error) {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	c := &Cache{store: store, clock: clk, ttl: ttl, limit: limit}
	err := store.Scan(entryPrefix, func(_, _ []byte) bool {
		c.count++
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("count cache entries: %w", err)
	}
	return c, nil
}

func cacheKey(text, source, target string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]) + "/" + source + "/" + target
}

func entryKey(key string) []byte {
	return append(append([]byte(nil), entryPrefix...), key...)
}

func ageKey(stored time.Time, key string) []byte {
	k := append([]byte(nil), agePrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(stored.UnixNano()))
	return append(k, key...)
}

func decodeEntry(v []byte) (time.Time, string, bool) {
	if len(v) < 8 {
		return time.Time{}, "", false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))), string(v[8:]), true
}

func (c *Cache) Get(text, source, target string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(text, source, target)
	v, err := c.store.Get(entryKey(key))
	if err != nil {
		return "", false
	}
	stored, translated, ok := decodeEntry(v)
	if !ok || c.clock.Now().Sub(stored) > c.ttl {
		c.remove(key, stored)
		return "", false
	}
	return translated, true
}

func (c *Cache) Put(text, source, target, translated string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(text, source, target)
	now := c.clock.Now()
	prev, err := c.store.Get(entryKey(key))
	exists := err == nil
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	value := binary.BigEndian.AppendUint64(nil, uint64(now.UnixNano()))
	value = append(value, translated...)
	err = c.store.Update(func(b *kv.Batch) error {
		if exists {
			if stored, _, ok := decodeEntry(prev); ok {
				if err := b.Delete(ageKey(stored, key)); err != nil {
					return err
				}
			}
		}
		if err := b.Set(entryKey(key), value); err != nil {
			return err
		}
		return b.Set(ageKey(now, key), nil)
	})
	if err != nil {
		return err
	}
	if !exists {
		c.count++
	}
	return c.evict()
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Cache) evict() error {
	for c.count > c.limit {
		var oldest []byte
		err := c.store.Scan(agePrefix, func(k, _ []byte) bool {
			oldest = append([]byte(nil), k...)
			return false
		})
		if err != nil {
			return err
		}
		if oldest == nil {
			c.count = 0
			return nil
		}
		key := string(oldest[len(agePrefix)+8:])
		err = c.store.Update(func(b *kv.Batch) error {
			if err := b.Delete(oldest); err != nil {
				return err
			}
			return b.Delete(entryKey(key))
		})
		if err != nil {
			return err
		}
		c.count--
	}
	return nil
}

func (c *Cache) remove(key string, stored time.Time) {
	err := c.store.Update(func(b *kv.Batch) error {
		if !stored.IsZero() {
			if err := b.Delete(ageKey(stored, key)); err != nil {
				return err
			}
		}
		return b.Delete(entryKey(key))
	})
	if err == nil && c.count > 0 {
		c.count--
	}
}
