// Package vfs implements blockvfs.FileSystem on top of a blockvfs.Store.
//
// Every logical file is a prefix in the store. Its content is split into
// blocks of a fixed size, each stored as its own object. Only the last block
// of a file may be shorter than the block size; the file size is the sum of
// the sizes of its blocks and is recomputed from a listing on every request.
package vfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kochman/blockvfs"
	"github.com/kochman/blockvfs/internal/block"
	"github.com/kochman/blockvfs/internal/registry"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 16

type Option func(*FS)

// WithBlockSize sets the size of every non-terminal block.
func WithBlockSize(n int) Option {
	return func(fs *FS) {
		fs.blockSize = int64(n)
	}
}

// WithLockOffset sets the offset of the page the database engine writes out
// of sequence. It defaults to blockvfs.LockPageOffset.
func WithLockOffset(off int64) Option {
	return func(fs *FS) {
		fs.lockOffset = off
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(fs *FS) {
		fs.log = l
	}
}

// WithConcurrency bounds the number of store calls issued at once when
// deleting a file or padding blocks.
func WithConcurrency(n int) Option {
	return func(fs *FS) {
		fs.concurrency = n
	}
}

// WithTokenGenerator sets how prefixes are chosen for anonymous files.
func WithTokenGenerator(f func() string) Option {
	return func(fs *FS) {
		fs.newToken = f
	}
}

// FS is a blockvfs.FileSystem backed by an object store.
type FS struct {
	store blockvfs.Store
	reg   *registry.Registry

	blockSize   int64
	lockOffset  int64
	concurrency int
	newToken    func() string

	log *slog.Logger
}

var _ blockvfs.FileSystem = (*FS)(nil)

func New(store blockvfs.Store, opts ...Option) (*FS, error) {
	fs := &FS{
		store:       store,
		reg:         registry.New(),
		blockSize:   blockvfs.DefaultBlockSize,
		lockOffset:  blockvfs.LockPageOffset,
		concurrency: defaultConcurrency,
		newToken:    uuid.NewString,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(fs)
	}
	if fs.blockSize <= 0 {
		return nil, blockvfs.ErrInvalidBlockSize
	}
	if fs.concurrency <= 0 {
		fs.concurrency = defaultConcurrency
	}
	return fs, nil
}

// prefixOf returns the final path segment of name.
func prefixOf(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// SectorSize reports the block size. Writes need not be aligned to it.
func (fs *FS) SectorSize(_ blockvfs.HandleID) int {
	return int(fs.blockSize)
}

// Open associates id with the file called name. An empty name opens an
// anonymous file under a freshly generated prefix.
func (fs *FS) Open(ctx context.Context, name string, id blockvfs.HandleID, flags blockvfs.OpenFlags) (blockvfs.OpenFlags, error) {
	prefix := prefixOf(name)
	if prefix == "" {
		prefix = fs.newToken()
		fs.log.Debug("opening anonymous file", "handle", id, "prefix", prefix)
	}

	added, err := fs.reg.Register(id, prefix, flags)
	if err != nil {
		return 0, fmt.Errorf("unable to open %q: %w", name, err)
	}
	if !added {
		if current, ok := fs.reg.Flags(prefix); ok {
			flags = current
		}
	}
	return flags, nil
}

// Close releases id. Files opened with OpenDeleteOnClose are deleted.
func (fs *FS) Close(ctx context.Context, id blockvfs.HandleID) error {
	prefix, err := fs.reg.Unregister(id)
	if err != nil {
		return fmt.Errorf("unable to close: %w", err)
	}
	flags, ok := fs.reg.Flags(prefix)
	if ok && flags&blockvfs.OpenDeleteOnClose != 0 {
		fs.log.Debug("deleting on close", "handle", id, "prefix", prefix)
		return fs.deletePrefix(ctx, prefix)
	}
	return nil
}

// Access reports whether name exists, either in the store or as a file that
// was opened but has no blocks yet. Only AccessExists consults anything; the
// other kinds always report false.
func (fs *FS) Access(ctx context.Context, name string, kind blockvfs.AccessKind) (bool, error) {
	if kind != blockvfs.AccessExists {
		return false, nil
	}
	prefix := prefixOf(name)
	if fs.reg.Tracked(prefix) {
		return true, nil
	}
	objs, err := fs.store.List(ctx, block.Dir(prefix))
	if err != nil {
		return false, fmt.Errorf("unable to list %q: %w", prefix, err)
	}
	return len(objs) > 0, nil
}

// Delete removes every block of name.
func (fs *FS) Delete(ctx context.Context, name string, _ bool) error {
	return fs.deletePrefix(ctx, prefixOf(name))
}

func (fs *FS) deletePrefix(ctx context.Context, prefix string) error {
	objs, err := fs.store.List(ctx, block.Dir(prefix))
	if err != nil {
		return fmt.Errorf("unable to list %q: %w", prefix, err)
	}

	g := errgroup.Group{}
	g.SetLimit(fs.concurrency)
	for _, obj := range objs {
		obj := obj
		g.Go(func() error {
			err := fs.store.Delete(ctx, obj.Key)
			if err != nil {
				return fmt.Errorf("unable to delete [%s]: %w", obj.Key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fs.reg.DropPrefix(prefix)
	return nil
}
