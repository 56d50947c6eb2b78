// Package fswatch monitors git working trees for file mutations and commits.
//
// Raw fsnotify events flow into a single classifier loop that separates
// creates from edits, applies a per-path debounce window, and filters out
// the .git object store except for the narrow markers used to detect
// commits. A commit is recognized when the ref HEAD points at changes;
// that trigger is commit-atomic, unlike COMMIT_EDITMSG writes.
//
// Known limitation: commits made on a detached HEAD move no ref and are
// not detected until the next packed-refs write.
package fswatch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"auditd/internal/event"
	"auditd/internal/gitrepo"
)

// Config holds filesystem watcher configuration.
type Config struct {
	// Roots are the directories rescanned for git working trees.
	Roots []string

	// Exclude are glob patterns matched against path elements.
	Exclude []string

	// Debounce is the window within which repeated writes to one path
	// coalesce into a single event.
	Debounce time.Duration

	// Rescan is the repository discovery interval.
	Rescan time.Duration

	// User is recorded on every emitted event.
	User string
}

// pending is a raw observation waiting out its debounce window. seq
// preserves staging order so a flush tick emits in the order the
// observations first arrived.
type pending struct {
	kind     event.Kind
	repoRoot string
	filePath string
	lastSeen time.Time
	seq      uint64
}

// repoState tracks one watched working tree.
type repoState struct {
	root    string
	headRef string              // absolute path of the ref HEAD points at
	dirs    map[string]struct{} // directories added to the fsnotify watch
}

// Watcher monitors discovered repositories.
type Watcher struct {
	cfg      Config
	resolver *gitrepo.Resolver
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	repos   map[string]*repoState
	pending map[string]*pending
	nextSeq uint64

	events chan event.Event
	errors chan error

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a filesystem watcher.
func New(cfg Config, resolver *gitrepo.Resolver) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:      cfg,
		resolver: resolver,
		fs:       fs,
		repos:    make(map[string]*repoState),
		pending:  make(map[string]*pending),
		events:   make(chan event.Event, 256),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Events returns the channel of classified events.
func (w *Watcher) Events() <-chan event.Event {
	return w.events
}

// Errors returns the channel of transient watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start discovers repositories under the configured roots and begins
// watching them.
func (w *Watcher) Start() error {
	for _, root := range gitrepo.Discover(w.cfg.Roots, excludeNames(w.cfg.Exclude)) {
		if err := w.watchRepo(root); err != nil {
			w.reportErr(err)
		}
	}

	w.wg.Add(3)
	go w.rawLoop()
	go w.flushLoop()
	go w.rescanLoop()

	return nil
}

// Stop shuts the watcher down. Pending observations still inside their
// debounce window are dropped, as they would be if the burst had continued.
func (w *Watcher) Stop() error {
	w.stopped.Do(func() { close(w.done) })
	w.wg.Wait()
	err := w.fs.Close()
	close(w.events)
	close(w.errors)
	return err
}

// WatchedRepos returns the roots currently being watched.
func (w *Watcher) WatchedRepos() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	roots := make([]string, 0, len(w.repos))
	for root := range w.repos {
		roots = append(roots, root)
	}
	return roots
}

// watchRepo adds a working tree and its .git commit markers to the watch set.
func (w *Watcher) watchRepo(root string) error {
	w.mu.Lock()
	if _, ok := w.repos[root]; ok {
		w.mu.Unlock()
		return nil
	}
	rs := &repoState{root: root, dirs: make(map[string]struct{})}
	w.repos[root] = rs
	w.mu.Unlock()

	// Working tree directories, skipping .git and excluded names.
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" && path != root {
			return filepath.SkipDir
		}
		if w.excluded(d.Name()) {
			return filepath.SkipDir
		}
		if addErr := w.addDir(rs, path); addErr != nil {
			w.reportErr(addErr)
		}
		return nil
	})

	// Commit markers: .git itself (HEAD, packed-refs) and the branch refs.
	gitDir := filepath.Join(root, ".git")
	if err := w.addDir(rs, gitDir); err != nil {
		w.reportErr(err)
	}
	headsDir := filepath.Join(gitDir, "refs", "heads")
	_ = filepath.WalkDir(headsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if addErr := w.addDir(rs, path); addErr != nil {
			w.reportErr(addErr)
		}
		return nil
	})

	w.mu.Lock()
	rs.headRef = readHeadRef(root)
	w.mu.Unlock()

	return nil
}

// unwatchRepo removes a tree whose .git marker disappeared.
func (w *Watcher) unwatchRepo(root string) {
	w.mu.Lock()
	rs, ok := w.repos[root]
	if ok {
		delete(w.repos, root)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	for dir := range rs.dirs {
		_ = w.fs.Remove(dir)
	}
	w.resolver.Invalidate(root)
}

func (w *Watcher) addDir(rs *repoState, dir string) error {
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	rs.dirs[dir] = struct{}{}
	w.mu.Unlock()
	return nil
}

// rawLoop drains fsnotify and stages classified observations for debounce.
func (w *Watcher) rawLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reportErr(err)
		}
	}
}

// handleRaw classifies one raw notification.
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	if inGitDir(path) {
		w.handleGitRaw(ev, path)
		return
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if w.excludedPath(path) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Gone already; too short-lived to audit.
		return
	}
	if info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			w.watchNewDir(path)
		}
		return
	}

	root, ok := w.resolver.Resolve(path)
	if !ok {
		return
	}

	kind := event.KindFileEdit
	if ev.Op&fsnotify.Create != 0 {
		kind = event.KindFileCreate
	}

	w.stage(path, kind, root, path)
}

// watchNewDir adds a directory created inside a watched tree.
func (w *Watcher) watchNewDir(dir string) {
	root, ok := w.resolver.Resolve(dir)
	if !ok {
		return
	}

	w.mu.Lock()
	rs, tracked := w.repos[root]
	w.mu.Unlock()
	if !tracked {
		return
	}

	if err := w.addDir(rs, dir); err != nil {
		w.reportErr(err)
	}
}

// handleGitRaw watches the narrow .git markers that signal a commit.
func (w *Watcher) handleGitRaw(ev fsnotify.Event, path string) {
	root := gitDirOwner(path)
	if root == "" {
		return
	}

	w.mu.Lock()
	rs, tracked := w.repos[root]
	var headRef string
	if tracked {
		headRef = rs.headRef
	}
	w.mu.Unlock()
	if !tracked {
		return
	}

	base := filepath.Base(path)

	// HEAD moves on checkout; re-read so the tracked ref follows the
	// current branch.
	if base == "HEAD" && filepath.Dir(path) == filepath.Join(root, ".git") {
		w.mu.Lock()
		rs.headRef = readHeadRef(root)
		w.mu.Unlock()
		return
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// A branch namespace directory (refs/heads/<prefix>/) appears when its
	// first branch is created; watch it so updates to refs inside it are
	// seen.
	if ev.Op&fsnotify.Create != 0 {
		headsDir := filepath.Join(root, ".git", "refs", "heads")
		if strings.HasPrefix(path, headsDir+string(filepath.Separator)) {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				if err := w.addDir(rs, path); err != nil {
					w.reportErr(err)
				}
				return
			}
		}
	}

	// A commit advances the current branch ref, directly or via
	// packed-refs after gc.
	if path == headRef || base == "packed-refs" {
		w.stage("commit\x00"+root, event.KindGitCommit, root, root)
	}
}

// stage records or refreshes a pending observation. The first classification
// in a burst wins: a create followed by writes is still one create.
func (w *Watcher) stage(key string, kind event.Kind, root, path string) {
	now := time.Now()
	w.mu.Lock()
	if p, ok := w.pending[key]; ok {
		p.lastSeen = now
	} else {
		w.nextSeq++
		w.pending[key] = &pending{
			kind:     kind,
			repoRoot: root,
			filePath: path,
			lastSeen: now,
			seq:      w.nextSeq,
		}
	}
	w.mu.Unlock()
}

// flushLoop emits pending observations once their debounce window closes.
func (w *Watcher) flushLoop() {
	defer w.wg.Done()

	tick := w.cfg.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flushStable(now)
		}
	}
}

// flushStable emits every pending observation untouched for the window,
// in staging order. Map iteration would scramble observations maturing in
// the same tick.
func (w *Watcher) flushStable(now time.Time) {
	threshold := now.Add(-w.cfg.Debounce)

	var ready []*pending
	w.mu.Lock()
	for key, p := range w.pending {
		if p.lastSeen.Before(threshold) {
			ready = append(ready, p)
			delete(w.pending, key)
		}
	}
	w.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })

	for _, p := range ready {
		w.emit(event.Event{
			Time:     p.lastSeen,
			Kind:     p.kind,
			RepoRoot: p.repoRoot,
			FilePath: p.filePath,
			User:     w.cfg.User,
		})
	}
}

// rescanLoop periodically re-discovers repositories under the roots.
func (w *Watcher) rescanLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Rescan)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.rescan()
		}
	}
}

// rescan diffs the discovered tree set against the watched one.
func (w *Watcher) rescan() {
	found := gitrepo.Discover(w.cfg.Roots, excludeNames(w.cfg.Exclude))
	current := make(map[string]struct{}, len(found))
	for _, root := range found {
		current[root] = struct{}{}
		if err := w.watchRepo(root); err != nil {
			w.reportErr(err)
		}
	}

	w.mu.Lock()
	var removed []string
	for root := range w.repos {
		if _, ok := current[root]; !ok && !gitrepo.IsRepoRoot(root) {
			removed = append(removed, root)
		}
	}
	w.mu.Unlock()

	for _, root := range removed {
		w.unwatchRepo(root)
	}
}

// excluded matches a single path element against the exclude patterns.
func (w *Watcher) excluded(name string) bool {
	for _, pattern := range w.cfg.Exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// excludedPath applies the element check to every component of path.
func (w *Watcher) excludedPath(path string) bool {
	for _, element := range strings.Split(path, string(filepath.Separator)) {
		if element != "" && w.excluded(element) {
			return true
		}
	}
	return false
}

func (w *Watcher) emit(e event.Event) {
	select {
	case w.events <- e:
	case <-w.done:
	}
}

func (w *Watcher) reportErr(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// inGitDir reports whether path lies inside a .git directory.
func inGitDir(path string) bool {
	sep := string(filepath.Separator)
	return strings.Contains(path, sep+".git"+sep) || filepath.Base(path) == ".git"
}

// gitDirOwner returns the working tree root owning a path inside .git.
func gitDirOwner(path string) string {
	sep := string(filepath.Separator)
	marker := sep + ".git" + sep
	if idx := strings.Index(path, marker); idx >= 0 {
		return path[:idx]
	}
	if filepath.Base(path) == ".git" {
		return filepath.Dir(path)
	}
	return ""
}

// readHeadRef returns the absolute path of the ref HEAD points at,
// or empty for a detached HEAD.
func readHeadRef(root string) string {
	data, err := os.ReadFile(filepath.Join(root, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	const prefix = "ref: "
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	ref := strings.TrimPrefix(line, prefix)
	return filepath.Join(root, ".git", filepath.FromSlash(ref))
}

// excludeNames filters the glob patterns down to literal directory names
// usable as discovery skip entries.
func excludeNames(patterns []string) []string {
	var names []string
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			names = append(names, p)
		}
	}
	return names
}
