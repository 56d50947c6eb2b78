package gitrepo

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Discover walks the given roots and returns every git working tree found.
// Excluded directory names are not descended into. Unreadable directories
// are skipped, not fatal.
func Discover(roots []string, exclude []string) []string {
	seen := make(map[string]struct{})

	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}

	for _, root := range roots {
		root = filepath.Clean(root)
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}

			name := d.Name()
			if name == ".git" {
				return filepath.SkipDir
			}
			if _, excluded := skip[name]; excluded {
				return filepath.SkipDir
			}

			if hasGitMarker(path) {
				seen[path] = struct{}{}
			}
			return nil
		})
	}

	trees := make([]string, 0, len(seen))
	for tree := range seen {
		trees = append(trees, tree)
	}
	sort.Strings(trees)
	return trees
}

// IsRepoRoot reports whether dir is the top level of a git working tree.
func IsRepoRoot(dir string) bool {
	if dir == "" {
		return false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return hasGitMarker(dir)
}
