// Package memory keeps archived partitions in memory for dry runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/incident-harvester/internal/storage"
)

// BlobStore stores objects in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]storedObject
}

type storedObject struct {
	data []byte
	obj  storage.Object
}

var _ storage.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]storedObject)}
}

// PutObject stores a copy of the content.
func (s *BlobStore) PutObject(_ context.Context, obj storage.Object, r io.Reader) (string, error) {
	if obj.Key == "" {
		return "", errors.New("object key is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	obj.Metadata = maps.Clone(obj.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.Key] = storedObject{data: data, obj: obj}
	return "memory://" + obj.Key, nil
}

// Get returns the stored bytes and descriptor for key.
func (s *BlobStore) Get(key string) ([]byte, storage.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	so, ok := s.objects[key]
	if !ok {
		return nil, storage.Object{}, false
	}
	return slices.Clone(so.data), so.obj, true
}

// Keys lists stored keys in sorted order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.objects))
}
