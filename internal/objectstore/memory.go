package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore used by tests in place of a real
// S3-compatible bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		meta:    make(map[string]Object),
	}
}

func (m *MemoryStore) Put(ctx context.Context, functionID string, version int, packageHash string, data []byte) error {
	key := Key(functionID, packageHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	m.meta[key] = Object{
		SizeBytes:   int64(len(cp)),
		FunctionID:  functionID,
		Version:     fmt.Sprintf("%d", version),
		PackageHash: packageHash,
		UploadedAt:  time.Now(),
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, functionID, packageHash string) (*Object, error) {
	key := Key(functionID, packageHash)
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	meta := m.meta[key]
	meta.Body = io.NopCloser(bytes.NewReader(data))
	return &meta, nil
}

func (m *MemoryStore) Delete(ctx context.Context, functionID, packageHash string) error {
	key := Key(functionID, packageHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.meta, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, functionID, packageHash string) (bool, error) {
	key := Key(functionID, packageHash)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}
