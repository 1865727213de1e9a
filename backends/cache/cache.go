// Package cache keeps a copy of every object read from or written to a
// blockvfs.Store so that repeated reads of the same block skip the store.
package cache

import (
	"context"
	"sync"

	"github.com/kochman/blockvfs"
)

// Store is a write-through cache in front of another Store. Listings always
// go to the underlying store, so sizes stay authoritative. The cache assumes
// it is the only writer of the keys it serves.
type Store struct {
	s blockvfs.Store

	l sync.Mutex
	c map[string][]byte

	// bumped after every completed write or delete; a miss only fills the
	// cache if no write landed while it was fetching
	version uint64
}

// TODO: bound the number of cached objects; every block ever touched stays in
// memory until it is deleted.
func New(s blockvfs.Store) *Store {
	return &Store{
		s: s,
		c: map[string][]byte{},
	}
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// update replaces or, for nil, drops the cached copy of key.
func (cs *Store) update(key string, b []byte) {
	cs.l.Lock()
	if b == nil {
		delete(cs.c, key)
	} else {
		cs.c[key] = b
	}
	cs.version++
	cs.l.Unlock()
}

func (cs *Store) Put(ctx context.Context, key string, p []byte) error {
	err := cs.s.Put(ctx, key, p)
	if err != nil {
		// the stored object is now unknown
		cs.update(key, nil)
		return err
	}
	cs.update(key, clone(p))
	return nil
}

func (cs *Store) Get(ctx context.Context, key string) ([]byte, error) {
	cs.l.Lock()
	if b, ok := cs.c[key]; ok {
		cs.l.Unlock()
		return clone(b), nil
	}
	version := cs.version
	cs.l.Unlock()

	b, err := cs.s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	cs.l.Lock()
	if _, ok := cs.c[key]; !ok && cs.version == version {
		cs.c[key] = clone(b)
	}
	cs.l.Unlock()
	return b, nil
}

func (cs *Store) List(ctx context.Context, prefix string) ([]blockvfs.Object, error) {
	return cs.s.List(ctx, prefix)
}

func (cs *Store) Delete(ctx context.Context, key string) error {
	err := cs.s.Delete(ctx, key)
	cs.update(key, nil)
	return err
}

// Len returns the number of cached objects.
func (cs *Store) Len() int {
	cs.l.Lock()
	defer cs.l.Unlock()
	return len(cs.c)
}
