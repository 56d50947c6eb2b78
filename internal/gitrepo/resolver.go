// Package gitrepo maps filesystem paths to their enclosing git working trees.
package gitrepo

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Resolver resolves paths to repository roots with a directory-keyed cache.
//
// Cache entries record either the resolved root or a negative result. A path
// previously resolving to nothing can gain an ancestor repository without any
// write touching the cached directory, so negative entries are re-checked by
// a periodic sweep rather than lazily.
type Resolver struct {
	ceiling string

	mu    sync.RWMutex
	cache map[string]string // dir -> repo root, "" for negative entries

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewResolver creates a resolver. ceiling bounds the upward search;
// empty means the filesystem root.
func NewResolver(ceiling string) *Resolver {
	if ceiling != "" {
		ceiling = filepath.Clean(ceiling)
	}
	return &Resolver{
		ceiling: ceiling,
		cache:   make(map[string]string),
		done:    make(chan struct{}),
	}
}

// Resolve returns the nearest ancestor directory of path containing a .git
// marker. ok is false when no repository encloses the path. Permission
// errors resolve as "no repository" rather than failing the caller.
func (r *Resolver) Resolve(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	dir := filepath.Clean(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}

	// Walk up collecting unresolved directories so they all get cached
	// with the answer.
	var pending []string
	for {
		r.mu.RLock()
		root, hit := r.cache[dir]
		r.mu.RUnlock()
		if hit {
			r.fill(pending, root)
			return root, root != ""
		}

		pending = append(pending, dir)

		if hasGitMarker(dir) {
			r.fill(pending, dir)
			return dir, true
		}

		if dir == r.ceiling || dir == filepath.Dir(dir) {
			r.fill(pending, "")
			return "", false
		}
		dir = filepath.Dir(dir)
	}
}

// fill caches the resolution result for every directory visited on the walk.
func (r *Resolver) fill(dirs []string, root string) {
	if len(dirs) == 0 {
		return
	}
	r.mu.Lock()
	for _, d := range dirs {
		r.cache[d] = root
	}
	r.mu.Unlock()
}

// Invalidate drops every cache entry at or below root. Called when a .git
// marker disappears.
func (r *Resolver) Invalidate(root string) {
	root = filepath.Clean(root)
	prefix := root + string(filepath.Separator)

	r.mu.Lock()
	for dir := range r.cache {
		if dir == root || len(dir) > len(prefix) && dir[:len(prefix)] == prefix {
			delete(r.cache, dir)
		}
	}
	// Entries above root that resolved through it are stale too.
	for dir, cached := range r.cache {
		if cached == root {
			delete(r.cache, dir)
		}
	}
	r.mu.Unlock()
}

// Sweep drops negative cache entries so the next Resolve re-checks the
// filesystem. New repositories appear without touching previously resolved
// paths, which makes lazy invalidation insufficient.
func (r *Resolver) Sweep() {
	r.mu.Lock()
	for dir, root := range r.cache {
		if root == "" {
			delete(r.cache, dir)
		}
	}
	r.mu.Unlock()
}

// Start launches the periodic negative-entry sweep.
func (r *Resolver) Start(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Stop halts the background sweep.
func (r *Resolver) Stop() {
	r.stopped.Do(func() { close(r.done) })
	r.wg.Wait()
}

// CacheSize returns the number of cached directory entries.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// hasGitMarker reports whether dir directly contains a .git marker.
// Both .git directories and worktree gitfiles count.
func hasGitMarker(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
