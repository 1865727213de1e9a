package vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/kochman/blockvfs"
	"github.com/kochman/blockvfs/internal/block"
	"golang.org/x/sync/errgroup"
)

// blockBytes returns the content of a block. A missing block is empty.
func (fs *FS) blockBytes(ctx context.Context, prefix string, idx int64) ([]byte, error) {
	key := block.Key(prefix, idx)
	b, err := fs.store.Get(ctx, key)
	if errors.Is(err, blockvfs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to get block [%s]: %w", key, err)
	}
	return b, nil
}

func (fs *FS) putBlock(ctx context.Context, prefix string, idx int64, p []byte) error {
	key := block.Key(prefix, idx)
	err := fs.store.Put(ctx, key, p)
	if err != nil {
		return fmt.Errorf("unable to put block [%s]: %w", key, err)
	}
	return nil
}

// ReadAt fills p with the bytes at off. Ranges not backed by any block read
// as zeros. On error the content of p is undefined.
func (fs *FS) ReadAt(ctx context.Context, id blockvfs.HandleID, p []byte, off int64) error {
	prefix, err := fs.reg.Resolve(id)
	if err != nil {
		return fmt.Errorf("unable to read: %w", err)
	}
	if off < 0 {
		return fmt.Errorf("unable to read: negative offset %d", off)
	}

	g := errgroup.Group{}
	pos := int64(0)
	for _, seg := range block.Plan(off, int64(len(p)), fs.blockSize) {
		seg := seg
		dst := p[pos : pos+seg.Len]
		pos += seg.Len
		g.Go(func() error {
			b, err := fs.blockBytes(ctx, prefix, seg.Block)
			if err != nil {
				return err
			}
			n := 0
			if seg.Start < int64(len(b)) {
				n = copy(dst, b[seg.Start:])
			}
			clear(dst[n:])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("unable to read: %w", err)
	}
	return nil
}

// WriteAt stores p at off. Blocks the write covers entirely are replaced;
// partially covered blocks are read, patched and written back. The block
// writes are issued concurrently and the call fails if any of them fails, in
// which case some blocks may already hold the new data.
func (fs *FS) WriteAt(ctx context.Context, id blockvfs.HandleID, p []byte, off int64) error {
	prefix, err := fs.reg.Resolve(id)
	if err != nil {
		return fmt.Errorf("unable to write: %w", err)
	}
	if off < 0 {
		return fmt.Errorf("unable to write: negative offset %d", off)
	}

	// SQLite writes pages in order except that it skips the lock page. The
	// first write after it has to fill the gap so that every block but the
	// last stays full-size.
	if len(p) > 0 && off == fs.lockOffset+int64(len(p)) {
		err = fs.backfill(ctx, prefix, off/fs.blockSize)
		if err != nil {
			return fmt.Errorf("unable to write: %w", err)
		}
	}

	g := errgroup.Group{}
	pos := int64(0)
	for _, seg := range block.Plan(off, int64(len(p)), fs.blockSize) {
		seg := seg
		src := p[pos : pos+seg.Len]
		pos += seg.Len
		g.Go(func() error {
			data := src
			if seg.Start != 0 || seg.Len != fs.blockSize {
				b, err := fs.blockBytes(ctx, prefix, seg.Block)
				if err != nil {
					return err
				}
				data = splice(b, src, seg.Start)
			}
			return fs.putBlock(ctx, prefix, seg.Block, data)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("unable to write: %w", err)
	}
	return nil
}

// splice overwrites b at start with p, zero-padding b up to start and keeping
// whatever b holds past the end of p.
func splice(b, p []byte, start int64) []byte {
	merged := make([]byte, max(int64(len(b)), start+int64(len(p))))
	copy(merged, b)
	copy(merged[start:], p)
	return merged
}

// backfill pads the short blocks of the lock page that precede first up to
// the block size, walking backwards and stopping at the first full block.
// Blocks below the lock page are never touched.
func (fs *FS) backfill(ctx context.Context, prefix string, first int64) error {
	objs, err := fs.store.List(ctx, block.Dir(prefix))
	if err != nil {
		return fmt.Errorf("unable to list %q: %w", prefix, err)
	}
	sizes := make(map[string]int64, len(objs))
	for _, obj := range objs {
		sizes[obj.Key] = obj.Size
	}

	g := errgroup.Group{}
	g.SetLimit(fs.concurrency)
	lockBlock := fs.lockOffset / fs.blockSize
	for idx := first - 1; idx >= lockBlock; idx-- {
		idx := idx
		size, exists := sizes[block.Key(prefix, idx)]
		if size >= fs.blockSize {
			break
		}
		fs.log.Debug("padding short block", "prefix", prefix, "block", idx, "size", size)
		g.Go(func() error {
			padded := make([]byte, fs.blockSize)
			if exists {
				b, err := fs.blockBytes(ctx, prefix, idx)
				if err != nil {
					return err
				}
				copy(padded, b)
			}
			return fs.putBlock(ctx, prefix, idx, padded)
		})
	}
	return g.Wait()
}

// Truncate shrinks the file to size bytes. Blocks wholly past size are
// deleted and the block straddling it is cut short. Truncating to a size
// larger than the file does nothing.
func (fs *FS) Truncate(ctx context.Context, id blockvfs.HandleID, size int64) error {
	prefix, err := fs.reg.Resolve(id)
	if err != nil {
		return fmt.Errorf("unable to truncate: %w", err)
	}
	if size < 0 {
		return fmt.Errorf("unable to truncate: negative size %d", size)
	}

	objs, err := fs.store.List(ctx, block.Dir(prefix))
	if err != nil {
		return fmt.Errorf("unable to truncate: unable to list %q: %w", prefix, err)
	}

	g := errgroup.Group{}
	total := int64(0)
	for _, obj := range objs {
		obj := obj
		total += obj.Size
		keep := max(obj.Size-total+size, 0)

		switch {
		case keep == 0:
			g.Go(func() error {
				err := fs.store.Delete(ctx, obj.Key)
				if err != nil {
					return fmt.Errorf("unable to delete [%s]: %w", obj.Key, err)
				}
				return nil
			})
		case keep < obj.Size:
			g.Go(func() error {
				b, err := fs.store.Get(ctx, obj.Key)
				if errors.Is(err, blockvfs.ErrNotExist) {
					// removed since the listing; nothing left to cut
					return nil
				} else if err != nil {
					return fmt.Errorf("unable to get block [%s]: %w", obj.Key, err)
				}
				err = fs.store.Put(ctx, obj.Key, b[:min(keep, int64(len(b)))])
				if err != nil {
					return fmt.Errorf("unable to put block [%s]: %w", obj.Key, err)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("unable to truncate: %w", err)
	}
	fs.log.Debug("truncated", "prefix", prefix, "size", size)
	return nil
}

// Size returns the sum of the sizes of the file's blocks. It reports zero
// alongside any error.
func (fs *FS) Size(ctx context.Context, id blockvfs.HandleID) (int64, error) {
	prefix, err := fs.reg.Resolve(id)
	if err != nil {
		return 0, fmt.Errorf("unable to get size: %w", err)
	}
	objs, err := fs.store.List(ctx, block.Dir(prefix))
	if err != nil {
		return 0, fmt.Errorf("unable to get size: unable to list %q: %w", prefix, err)
	}

	size := int64(0)
	for _, obj := range objs {
		size += obj.Size
	}
	return size, nil
}

// BlockInfo describes one stored block of a file.
type BlockInfo struct {
	Index int64
	Size  int64
}

// Blocks lists the blocks stored for the file behind id, in index order.
func (fs *FS) Blocks(ctx context.Context, id blockvfs.HandleID) ([]BlockInfo, error) {
	prefix, err := fs.reg.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("unable to list blocks: %w", err)
	}
	objs, err := fs.store.List(ctx, block.Dir(prefix))
	if err != nil {
		return nil, fmt.Errorf("unable to list blocks: %w", err)
	}

	blocks := make([]BlockInfo, 0, len(objs))
	for _, obj := range objs {
		idx, err := block.Index(prefix, obj.Key)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, BlockInfo{Index: idx, Size: obj.Size})
	}
	return blocks, nil
}
