package blob

import (
	"context"
	"sync"
)

// Memory is a process-local Store
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

// Exists reports whether key holds an object
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Download returns a copy of the object under key
func (m *Memory) Download(ctx context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return &obj, nil
}

// Save stores a copy of data under key
func (m *Memory) Save(ctx context.Context, key string, data []byte, opts SaveOptions) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.objects[key].Generation
	if opts.IfGeneration != nil && *opts.IfGeneration != current {
		return 0, ErrPreconditionFailed
	}

	m.objects[key] = Object{
		Data:         append([]byte(nil), data...),
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
		Generation:   current + 1,
	}
	return current + 1, nil
}
