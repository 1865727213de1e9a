package gcs

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/kochman/blockvfs"
	"github.com/kochman/blockvfs/vfs"
	"golang.org/x/time/rate"
)

func TestWriteThrottle(t *testing.T) {
	s := &Store{
		interval: 50 * time.Millisecond,
		limiters: map[string]*rate.Limiter{},
	}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		err := s.waitForWrite(ctx, "a/0000000000")
		if err != nil {
			t.Fatalf("unable to wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("expected repeated writes to one object to be spaced out, took %v", elapsed)
	}

	// other objects are not held up
	start = time.Now()
	err := s.waitForWrite(ctx, "a/0000000001")
	if err != nil {
		t.Fatalf("unable to wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("expected first write to another object to go through, took %v", elapsed)
	}

	s.forgetWrites("a/0000000000")
	if len(s.limiters) != 1 {
		t.Errorf("expected deleted object's limiter to be dropped, have %d", len(s.limiters))
	}

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.waitForWrite(ctx, "a/0000000001"); err == nil {
		t.Errorf("expected a cancelled context to stop the wait")
	}
}

func TestIdleLimitersDropped(t *testing.T) {
	s := &Store{
		interval: 20 * time.Millisecond,
		limiters: map[string]*rate.Limiter{},
	}
	ctx := context.Background()

	for _, key := range []string{"a/0000000000", "a/0000000001"} {
		if err := s.waitForWrite(ctx, key); err != nil {
			t.Fatalf("unable to wait: %v", err)
		}
	}
	if len(s.limiters) != 2 {
		t.Fatalf("expected 2 limiters, have %d", len(s.limiters))
	}

	time.Sleep(60 * time.Millisecond)
	if err := s.waitForWrite(ctx, "a/0000000002"); err != nil {
		t.Fatalf("unable to wait: %v", err)
	}
	if _, ok := s.limiters["a/0000000002"]; !ok || len(s.limiters) != 1 {
		t.Errorf("expected only the latest limiter to remain, have %d", len(s.limiters))
	}
}

func TestWriteThrottleDisabled(t *testing.T) {
	s := &Store{limiters: map[string]*rate.Limiter{}}
	for i := 0; i < 10; i++ {
		if err := s.waitForWrite(context.Background(), "k"); err != nil {
			t.Fatalf("unable to wait: %v", err)
		}
	}
	if len(s.limiters) != 0 {
		t.Errorf("expected no limiters when throttling is off")
	}
}

// newTestStore connects to the bucket named by BLOCKVFS_GCS_BUCKET, using
// application default credentials.
func newTestStore(t *testing.T) *Store {
	bucket := os.Getenv("BLOCKVFS_GCS_BUCKET")
	if bucket == "" {
		t.Skip("BLOCKVFS_GCS_BUCKET not set")
	}
	s, err := NewStore(context.Background(), bucket)
	if err != nil {
		t.Fatalf("unable to create gcs store: %v", err)
	}
	return s
}

func TestWriteRead(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	fs, err := vfs.New(s, vfs.WithBlockSize(100))
	if err != nil {
		t.Fatalf("unable to create fs: %v", err)
	}
	if err := fs.Delete(ctx, "test-write-read", false); err != nil {
		t.Fatalf("unable to delete: %v", err)
	}
	_, err = fs.Open(ctx, "test-write-read", 1, blockvfs.OpenReadWrite|blockvfs.OpenCreate)
	if err != nil {
		t.Fatalf("unable to open: %v", err)
	}

	// write with offset across blocks
	err = fs.WriteAt(ctx, 1, []byte("hello"), 1997)
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	p := make([]byte, 5)
	err = fs.ReadAt(ctx, 1, p, 1997)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	expected := []byte("hello")
	if !bytes.Equal(p, expected) {
		t.Fatalf("expected %v, got %v", expected, p)
	}
}

func TestRepeatedWrites(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	fs, err := vfs.New(s, vfs.WithBlockSize(100))
	if err != nil {
		t.Fatalf("unable to create fs: %v", err)
	}
	fs.Delete(ctx, "test-repeated-writes", false)
	_, err = fs.Open(ctx, "test-repeated-writes", 1, blockvfs.OpenReadWrite|blockvfs.OpenCreate)
	if err != nil {
		t.Fatalf("unable to open: %v", err)
	}

	// if we error out here then we're probably not respecting GCS rate limits.
	for i := 0; i < 5; i++ {
		err = fs.WriteAt(ctx, 1, []byte("hello"), 0)
		if err != nil {
			t.Fatalf("unable to write: %v", err)
		}
		p := make([]byte, 5)
		err = fs.ReadAt(ctx, 1, p, 0)
		if err != nil {
			t.Fatalf("unable to read: %v", err)
		}
		if !bytes.Equal(p, []byte("hello")) {
			t.Fatalf("expected hello, got %v", p)
		}
	}
}
