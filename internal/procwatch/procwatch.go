// Package procwatch polls the process table and emits lifecycle events for
// monitored interpreters running inside git working trees.
package procwatch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"auditd/internal/event"
	"auditd/internal/state"
)

// ProcInfo is one observed process table entry.
type ProcInfo struct {
	PID         int
	StartTime   time.Time
	Name        string
	CommandLine string
	Cwd         string
}

// Key identifies a logical process instance. PID alone is not enough:
// pids are reused, pid plus start time is not.
type Key struct {
	PID     int
	StartNs int64
}

// Source enumerates live processes. The production implementation reads
// /proc; tests inject a fake.
type Source interface {
	Snapshot() ([]ProcInfo, error)
}

// Resolver maps a path to its enclosing repository root.
type Resolver interface {
	Resolve(path string) (string, bool)
}

// record tracks one monitored process between its start and end events.
type record struct {
	info     ProcInfo
	repoRoot string
	seenAt   time.Time
}

// Watcher polls a Source and emits start/end events.
type Watcher struct {
	source   Source
	resolver Resolver
	store    *state.Store
	names    []string
	interval time.Duration
	user     string

	mu    sync.Mutex
	table map[Key]*record

	events chan event.Event
	errors chan error

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a process watcher. user is recorded on every emitted event.
func New(source Source, resolver Resolver, store *state.Store, names []string, interval time.Duration, user string) *Watcher {
	return &Watcher{
		source:   source,
		resolver: resolver,
		store:    store,
		names:    names,
		interval: interval,
		user:     user,
		table:    make(map[Key]*record),
		events:   make(chan event.Event, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
}

// Events returns the channel of emitted lifecycle events.
func (w *Watcher) Events() <-chan event.Event {
	return w.events
}

// Errors returns the channel of transient poll errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start recovers continuity state and begins polling.
func (w *Watcher) Start() error {
	if err := w.recover(); err != nil {
		return fmt.Errorf("recover process state: %w", err)
	}

	w.wg.Add(1)
	go w.pollLoop()
	return nil
}

// Stop halts polling. Tracked processes stay recorded in the state store
// so the next run can close them out.
func (w *Watcher) Stop() {
	w.stopped.Do(func() { close(w.done) })
	w.wg.Wait()
	close(w.events)
	close(w.errors)
}

// recover reconciles the persisted process table with the live one.
// Processes that survived the restart are re-adopted without a second
// start event; processes that ended during downtime get a synthetic end,
// preserving the start/end pairing.
func (w *Watcher) recover() error {
	saved, err := w.store.ListProcs()
	if err != nil {
		return err
	}
	if len(saved) == 0 {
		return nil
	}

	live := make(map[Key]ProcInfo)
	if snapshot, err := w.source.Snapshot(); err == nil {
		for _, p := range snapshot {
			live[Key{PID: p.PID, StartNs: p.StartTime.UnixNano()}] = p
		}
	}

	now := time.Now()
	for _, p := range saved {
		key := Key{PID: p.PID, StartNs: p.StartNs}
		if info, ok := live[key]; ok {
			if !pathWithin(p.RepoRoot, info.Cwd) {
				info.Cwd = ""
			}
			w.table[key] = &record{
				info:     info,
				repoRoot: p.RepoRoot,
				seenAt:   now,
			}
			continue
		}

		w.emit(event.Event{
			Time:        now,
			Kind:        event.KindProcessEnd,
			RepoRoot:    p.RepoRoot,
			FilePath:    "",
			CommandLine: p.CommandLine,
			Output:      "runtime: unknown (recovered after restart)",
			User:        w.user,
		})
		if err := w.store.DeleteProc(p.PID, p.StartNs); err != nil {
			w.reportErr(err)
		}
	}
	return nil
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll takes one snapshot and reconciles it against the tracked table.
func (w *Watcher) poll() {
	snapshot, err := w.source.Snapshot()
	if err != nil {
		// Transient: skip this tick, keep polling.
		w.reportErr(err)
		return
	}

	now := time.Now()
	live := make(map[Key]struct{}, len(snapshot))

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range snapshot {
		key := Key{PID: p.PID, StartNs: p.StartTime.UnixNano()}
		live[key] = struct{}{}

		if _, tracked := w.table[key]; tracked {
			w.table[key].seenAt = now
			continue
		}

		if !w.matches(p.Name) {
			continue
		}

		root, ok := w.resolveRoot(p)
		if !ok {
			continue
		}

		// The repo may have been resolved via the script argument; a cwd
		// outside it is not a path within the repo and is not recorded.
		if !pathWithin(root, p.Cwd) {
			p.Cwd = ""
		}

		w.table[key] = &record{info: p, repoRoot: root, seenAt: now}
		w.emit(event.Event{
			Time:        now,
			Kind:        event.KindProcessStart,
			RepoRoot:    root,
			FilePath:    p.Cwd,
			CommandLine: p.CommandLine,
			Output:      "interpreter: " + p.Name,
			User:        w.user,
		})
		if err := w.store.SaveProc(state.ProcRow{
			PID:         p.PID,
			StartNs:     key.StartNs,
			CommandLine: p.CommandLine,
			RepoRoot:    root,
			User:        w.user,
		}); err != nil {
			w.reportErr(err)
		}
	}

	for key, rec := range w.table {
		if _, alive := live[key]; alive {
			continue
		}

		runtime := now.Sub(rec.info.StartTime)
		w.emit(event.Event{
			Time:        now,
			Kind:        event.KindProcessEnd,
			RepoRoot:    rec.repoRoot,
			FilePath:    rec.info.Cwd,
			CommandLine: rec.info.CommandLine,
			Output:      fmt.Sprintf("runtime: %.2fs", runtime.Seconds()),
			User:        w.user,
		})
		if err := w.store.DeleteProc(key.PID, key.StartNs); err != nil {
			w.reportErr(err)
		}
		delete(w.table, key)
	}
}

// matches reports whether an executable name is a monitored interpreter.
// Versioned names like python3.12 match their base entry.
func (w *Watcher) matches(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, n := range w.names {
		if base == n || strings.HasPrefix(base, n+".") {
			return true
		}
	}
	return false
}

// pathWithin reports whether path lies at or under root.
func pathWithin(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// resolveRoot finds the repo for a process via its working directory,
// falling back to the script argument.
func (w *Watcher) resolveRoot(p ProcInfo) (string, bool) {
	if root, ok := w.resolver.Resolve(p.Cwd); ok {
		return root, true
	}
	if script := scriptArg(p.CommandLine); script != "" {
		if root, ok := w.resolver.Resolve(script); ok {
			return root, true
		}
	}
	return "", false
}

// scriptArg extracts the first non-flag argument from a command line.
func scriptArg(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) < 2 {
		return ""
	}
	for _, f := range fields[1:] {
		if !strings.HasPrefix(f, "-") {
			return f
		}
	}
	return ""
}

// Tracked returns the number of currently tracked processes.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.table)
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
