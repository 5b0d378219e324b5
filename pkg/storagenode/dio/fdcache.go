package dio

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fdCache keeps recently used descriptors open per worker. Workers
// never share descriptors, so no locking beyond the cache's own.
type fdCache struct {
	c *lru.Cache[string, *os.File]
}

func newFDCache(size int) *fdCache {
	c, err := lru.NewWithEvict(size, func(_ string, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		panic(fmt.Sprintf("fd cache: %v", err))
	}
	return &fdCache{c: c}
}

func fdKey(path string, flag int) string {
	return fmt.Sprintf("%d:%s", flag, path)
}

// open returns a cached descriptor for path opened with flag, opening
// and caching one if needed.
func (fc *fdCache) open(path string, flag int) (*os.File, error) {
	key := fdKey(path, flag)
	if f, ok := fc.c.Get(key); ok {
		return f, nil
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	fc.c.Add(key, f)
	return f, nil
}

// drop closes and evicts every cached descriptor of path.
func (fc *fdCache) drop(path string) {
	for _, key := range fc.c.Keys() {
		if f, ok := fc.c.Peek(key); ok && f.Name() == path {
			fc.c.Remove(key)
		}
	}
}

func (fc *fdCache) purge() {
	fc.c.Purge()
}
