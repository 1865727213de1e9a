// Package block maps byte ranges of a logical file onto fixed-size blocks.
package block

import (
	"fmt"
	"strconv"
)

// KeyWidth is the number of zero-padded decimal digits in a block key, so
// lexical key order equals numeric block order.
const KeyWidth = 10

// Key returns the object key of block idx of the file stored under prefix.
func Key(prefix string, idx int64) string {
	return fmt.Sprintf("%s/%0*d", prefix, KeyWidth, idx)
}

// Dir returns the listing prefix that covers every block of prefix.
func Dir(prefix string) string {
	return prefix + "/"
}

// Segment is the part of one block touched by a byte range.
type Segment struct {
	Block int64 // block index
	Start int64 // offset within the block
	Len   int64 // bytes consumed from the block
}

// Plan splits [off, off+n) into the ordered, contiguous block segments it
// covers. The segment lengths always sum to n.
func Plan(off, n, blockSize int64) []Segment {
	var segs []Segment
	for n > 0 {
		start := off % blockSize
		consume := min(blockSize-start, n)
		segs = append(segs, Segment{
			Block: off / blockSize,
			Start: start,
			Len:   consume,
		})
		n -= consume
		off += consume
	}
	return segs
}

// Index parses the block index out of a key produced by Key.
func Index(prefix, key string) (int64, error) {
	dir := Dir(prefix)
	if len(key) != len(dir)+KeyWidth || key[:len(dir)] != dir {
		return 0, fmt.Errorf("key %q is not a block of %q", key, prefix)
	}
	idx, err := strconv.ParseUint(key[len(dir):], 10, 63)
	if err != nil {
		return 0, fmt.Errorf("unable to parse block index: %w", err)
	}
	return int64(idx), nil
}
