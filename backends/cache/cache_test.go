package cache

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/kochman/blockvfs"
	"github.com/kochman/blockvfs/backends/memory"
	"github.com/kochman/blockvfs/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts Gets reaching the underlying store and can be made to
// fail Puts.
type countingStore struct {
	blockvfs.Store
	gets    atomic.Int64
	failPut bool
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Put(ctx context.Context, key string, p []byte) error {
	if s.failPut {
		return errors.New("put failed")
	}
	return s.Store.Put(ctx, key, p)
}

// gatedStore holds every Get after it has read the underlying object until
// release is closed.
type gatedStore struct {
	blockvfs.Store
	fetched chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   memory.NewStore(),
		fetched: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.Store.Get(ctx, key)
	close(s.fetched)
	<-s.release
	return b, err
}

// getDuring starts a Get of key that reads the stored object, then runs f
// before letting the Get finish.
func getDuring(t *testing.T, s *Store, under *gatedStore, key string, f func()) []byte {
	t.Helper()
	type result struct {
		b   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := s.Get(context.Background(), key)
		done <- result{b, err}
	}()
	<-under.fetched
	f()
	close(under.release)
	r := <-done
	require.NoError(t, r.err)
	return r.b
}

func TestGetRacingPut(t *testing.T) {
	ctx := context.Background()
	under := newGatedStore()
	require.NoError(t, under.Store.Put(ctx, "f/0000000000", []byte("old")))
	s := New(under)

	b := getDuring(t, s, under, "f/0000000000", func() {
		require.NoError(t, s.Put(ctx, "f/0000000000", []byte("new")))
	})
	assert.Equal(t, "old", string(b))

	// the older fetch must not replace what the put cached
	s.l.Lock()
	cached := string(s.c["f/0000000000"])
	s.l.Unlock()
	assert.Equal(t, "new", cached)
}

func TestGetRacingDelete(t *testing.T) {
	ctx := context.Background()
	under := newGatedStore()
	require.NoError(t, under.Store.Put(ctx, "f/0000000000", []byte("old")))
	s := New(under)

	getDuring(t, s, under, "f/0000000000", func() {
		require.NoError(t, s.Delete(ctx, "f/0000000000"))
	})
	assert.Zero(t, s.Len())
}

func TestGetServedFromCache(t *testing.T) {
	ctx := context.Background()
	under := &countingStore{Store: memory.NewStore()}
	require.NoError(t, under.Store.Put(ctx, "f/0000000000", []byte("abc")))
	s := New(under)

	for i := 0; i < 3; i++ {
		b, err := s.Get(ctx, "f/0000000000")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(b))
	}
	assert.Equal(t, int64(1), under.gets.Load())

	// callers may modify what they get back
	b, _ := s.Get(ctx, "f/0000000000")
	b[0] = 'x'
	b, _ = s.Get(ctx, "f/0000000000")
	assert.Equal(t, "abc", string(b))
}

func TestPutWritesThrough(t *testing.T) {
	ctx := context.Background()
	under := &countingStore{Store: memory.NewStore()}
	s := New(under)

	p := []byte("hello")
	require.NoError(t, s.Put(ctx, "f/0000000000", p))
	p[0] = 'j'

	stored, err := under.Store.Get(ctx, "f/0000000000")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(stored))

	b, err := s.Get(ctx, "f/0000000000")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Zero(t, under.gets.Load())
}

func TestFailedPutEvicts(t *testing.T) {
	ctx := context.Background()
	under := &countingStore{Store: memory.NewStore()}
	s := New(under)

	require.NoError(t, s.Put(ctx, "f/0000000000", []byte("old")))
	under.failPut = true
	require.Error(t, s.Put(ctx, "f/0000000000", []byte("new")))
	assert.Zero(t, s.Len())

	b, err := s.Get(ctx, "f/0000000000")
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
}

func TestDeleteEvicts(t *testing.T) {
	ctx := context.Background()
	s := New(memory.NewStore())

	require.NoError(t, s.Put(ctx, "f/0000000000", []byte("abc")))
	require.NoError(t, s.Delete(ctx, "f/0000000000"))
	assert.Zero(t, s.Len())

	_, err := s.Get(ctx, "f/0000000000")
	assert.ErrorIs(t, err, blockvfs.ErrNotExist)

	objs, err := s.List(ctx, "f/")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestFileSystemCoherence(t *testing.T) {
	ctx := context.Background()
	under := memory.NewStore()
	fs, err := vfs.New(New(under), vfs.WithBlockSize(8))
	require.NoError(t, err)
	_, err = fs.Open(ctx, "db", 1, blockvfs.OpenReadWrite|blockvfs.OpenCreate)
	require.NoError(t, err)

	require.NoError(t, fs.WriteAt(ctx, 1, bytes.Repeat([]byte{'a'}, 20), 0))
	require.NoError(t, fs.WriteAt(ctx, 1, []byte("XY"), 7))
	require.NoError(t, fs.Truncate(ctx, 1, 12))

	got := make([]byte, 12)
	require.NoError(t, fs.ReadAt(ctx, 1, got, 0))
	assert.Equal(t, "aaaaaaaXYaaa", string(got))

	// reading through a fresh FS on the bare store sees the same bytes
	bare, err := vfs.New(under, vfs.WithBlockSize(8))
	require.NoError(t, err)
	_, err = bare.Open(ctx, "db", 1, blockvfs.OpenReadWrite)
	require.NoError(t, err)
	direct := make([]byte, 12)
	require.NoError(t, bare.ReadAt(ctx, 1, direct, 0))
	assert.Equal(t, got, direct)

	size, err := fs.Size(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
}
