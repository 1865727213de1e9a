package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/kochman/blockvfs"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	// make sure we conform to the interface
	var _ blockvfs.Store = s

	_, err := s.Get(ctx, "a/0000000000")
	if !errors.Is(err, blockvfs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	p := []byte("hello")
	if err := s.Put(ctx, "a/0000000001", p); err != nil {
		t.Fatalf("unable to put: %v", err)
	}
	p[0] = 'j' // stored copy must not change
	s.Put(ctx, "a/0000000000", []byte("hi"))
	s.Put(ctx, "ab/0000000000", []byte("other file"))

	got, err := s.Get(ctx, "a/0000000001")
	if err != nil {
		t.Fatalf("unable to get: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}

	objs, err := s.List(ctx, "a/")
	if err != nil {
		t.Fatalf("unable to list: %v", err)
	}
	expected := []blockvfs.Object{
		{Key: "a/0000000000", Size: 2},
		{Key: "a/0000000001", Size: 5},
	}
	if diff := deep.Equal(objs, expected); diff != nil {
		t.Error(diff)
	}

	if err := s.Delete(ctx, "a/0000000000"); err != nil {
		t.Fatalf("unable to delete: %v", err)
	}
	if err := s.Delete(ctx, "a/0000000000"); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 objects, got %d", s.Len())
	}
}
