// Package memory is an in-memory blobstore backend for tests and
// single-process runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rlops/reward-assignment/internal/blobstore"
)

// Store is an in-memory implementation of blobstore.Store.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) List(ctx context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []blobstore.ObjectInfo
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, blobstore.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[key] = stored
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.objects, key)
	}
	return nil
}

var _ blobstore.Store = (*Store)(nil)
