// Package registry tracks which logical file each open handle refers to.
package registry

import (
	"fmt"
	"sync"

	"github.com/kochman/blockvfs"
)

// Registry maps handle ids to file prefixes and prefixes to the flags they
// were opened with. Flags are kept per prefix; the most recent open wins.
type Registry struct {
	mu      sync.Mutex
	handles map[blockvfs.HandleID]string
	flags   map[string]blockvfs.OpenFlags
}

func New() *Registry {
	return &Registry{
		handles: map[blockvfs.HandleID]string{},
		flags:   map[string]blockvfs.OpenFlags{},
	}
}

// Register records that id refers to prefix. Registering an id again for the
// same prefix leaves the existing entry alone and reports false; registering
// it for another prefix fails.
func (r *Registry) Register(id blockvfs.HandleID, prefix string, flags blockvfs.OpenFlags) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[id]; ok {
		if existing != prefix {
			return false, fmt.Errorf("handle %d refers to %q, not %q: %w", id, existing, prefix, blockvfs.ErrHandleInUse)
		}
		return false, nil
	}
	r.handles[id] = prefix
	r.flags[prefix] = flags
	return true, nil
}

func (r *Registry) Resolve(id blockvfs.HandleID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix, ok := r.handles[id]
	if !ok {
		return "", fmt.Errorf("handle %d: %w", id, blockvfs.ErrHandleNotFound)
	}
	return prefix, nil
}

func (r *Registry) Flags(prefix string) (blockvfs.OpenFlags, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flags, ok := r.flags[prefix]
	return flags, ok
}

// Tracked reports whether prefix has a flags entry, even if no block of it
// has been written yet.
func (r *Registry) Tracked(prefix string) bool {
	_, ok := r.Flags(prefix)
	return ok
}

// Unregister forgets id and returns the prefix it referred to. The prefix's
// flags stay until DropPrefix.
func (r *Registry) Unregister(id blockvfs.HandleID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix, ok := r.handles[id]
	if !ok {
		return "", fmt.Errorf("handle %d: %w", id, blockvfs.ErrHandleNotFound)
	}
	delete(r.handles, id)
	return prefix, nil
}

func (r *Registry) DropPrefix(prefix string) {
	r.mu.Lock()
	delete(r.flags, prefix)
	r.mu.Unlock()
}
