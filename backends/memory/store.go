// Package memory is an in-memory blockvfs.Store for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kochman/blockvfs"
)

type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewStore() *Store {
	return &Store{
		objects: map[string][]byte{},
	}
}

func (s *Store) Put(_ context.Context, key string, p []byte) error {
	c := make([]byte, len(p))
	copy(c, p)

	s.mu.Lock()
	s.objects[key] = c
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, blockvfs.ErrNotExist)
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]blockvfs.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objs := []blockvfs.Object{}
	for key, b := range s.objects {
		if strings.HasPrefix(key, prefix) {
			objs = append(objs, blockvfs.Object{Key: key, Size: int64(len(b))})
		}
	}
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Key < objs[j].Key
	})
	return objs, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
