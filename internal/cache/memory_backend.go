package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend 把全部缓存保存在进程内存中，进程退出即丢失，适合测试与无盘部署。
type MemoryBackend struct {
	mu     sync.RWMutex
	caches map[string]map[string]*Response
	order  []string
}

// NewMemoryBackend 构建空的内存后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{caches: make(map[string]map[string]*Response)}
}

func (m *MemoryBackend) Create(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; ok {
		return nil
	}
	m.caches[name] = make(map[string]*Response)
	m.order = append(m.order, name)
	return nil
}

func (m *MemoryBackend) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemoryBackend) Drop(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, existing := range m.order {
		if existing == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryBackend) Get(ctx context.Context, name, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.caches[name]
	if !ok {
		return nil, ErrCacheMissing
	}
	resp, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (m *MemoryBackend) Put(ctx context.Context, name, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := resp.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.caches[name]
	if !ok {
		return ErrCacheMissing
	}
	entries[key] = snapshot
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.caches[name]
	if !ok {
		return nil, ErrCacheMissing
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
