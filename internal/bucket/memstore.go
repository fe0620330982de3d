package bucket

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store, used by tests and dry runs.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: map[string]map[string][]byte{}}
}

// Put stores data under bucket/key.
func (m *MemStore) Put(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[bucket] == nil {
		m.objects[bucket] = map[string][]byte{}
	}
	m.objects[bucket][key] = append([]byte(nil), data...)
}

// Get returns the object at bucket/key.
func (m *MemStore) Get(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket][key]
	return data, ok
}

// Keys returns every key of a bucket, sorted.
func (m *MemStore) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects[bucket]))
	for k := range m.objects[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List implements Store.
func (m *MemStore) List(ctx context.Context, bucket, prefix string, recursive bool) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var out []ObjectInfo
	for key, data := range m.objects[bucket] {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !recursive {
			rest := key[len(prefix):]
			if i := strings.Index(rest, "/"); i >= 0 {
				dir := prefix + rest[:i+1]
				if !seen[dir] {
					seen[dir] = true
					out = append(out, ObjectInfo{Key: dir})
				}
				continue
			}
		}
		out = append(out, ObjectInfo{Key: key, Size: int64(len(data))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upload implements Store.
func (m *MemStore) Upload(ctx context.Context, bucket, key, file string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	m.Put(bucket, key, data)
	return int64(len(data)), nil
}

// Download implements Store.
func (m *MemStore) Download(ctx context.Context, bucket, key, file string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, ok := m.Get(bucket, key)
	if !ok {
		return fmt.Errorf("no such key s3://%s/%s", bucket, key)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	return os.WriteFile(file, data, 0644)
}
