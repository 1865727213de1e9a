// Package file stores objects as files under a local directory. Key segments
// separated by "/" become directories.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kochman/blockvfs"
)

const tempPattern = ".tmp-*"

func NewStore(dir string) (*Store, error) {
	_, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to stat dir: %w", err)
	}

	s := &Store{
		dir: dir,
	}
	return s, nil
}

type Store struct {
	dir string
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// Put writes the object to a temporary file and renames it into place so a
// concurrent Get never sees a partial object.
func (s *Store) Put(_ context.Context, key string, p []byte) error {
	dest := s.path(key)
	err := os.MkdirAll(filepath.Dir(dest), 0755)
	if err != nil {
		return fmt.Errorf("unable to create dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), tempPattern)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	_, err = f.Write(p)
	if err != nil {
		f.Close()
		return fmt.Errorf("unable to write object: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("unable to close object: %w", err)
	}

	err = os.Rename(f.Name(), dest)
	if err != nil {
		return fmt.Errorf("unable to rename object: %w", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, blockvfs.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("unable to read object: %w", err)
	}
	return b, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]blockvfs.Object, error) {
	// only walk the deepest directory the prefix names
	root := s.dir
	if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
		root = s.path(prefix[:i])
	}

	objs := []blockvfs.Object{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// deleted while walking
			return nil
		} else if err != nil {
			return err
		}
		objs = append(objs, blockvfs.Object{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to walk dir: %w", err)
	}

	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Key < objs[j].Key
	})
	return objs, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to remove object: %w", err)
	}
	return nil
}
