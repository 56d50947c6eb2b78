package procwatch

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"auditd/internal/event"
	"auditd/internal/state"
)

// fakeSource serves canned snapshots.
type fakeSource struct {
	mu    sync.Mutex
	procs []ProcInfo
}

func (f *fakeSource) Snapshot() ([]ProcInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProcInfo{}, f.procs...), nil
}

func (f *fakeSource) set(procs ...ProcInfo) {
	f.mu.Lock()
	f.procs = procs
	f.mu.Unlock()
}

// fakeResolver treats everything under its root as one repository.
type fakeResolver struct {
	root string
}

func (f *fakeResolver) Resolve(path string) (string, bool) {
	if path == f.root || strings.HasPrefix(path, f.root+string(filepath.Separator)) {
		return f.root, true
	}
	return "", false
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"), 1000)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pythonProc(pid int, start time.Time, cwd string) ProcInfo {
	return ProcInfo{
		PID:         pid,
		StartTime:   start,
		Name:        "python3",
		CommandLine: "python3 script.py",
		Cwd:         cwd,
	}
}

func collect(t *testing.T, ch <-chan event.Event, n int, timeout time.Duration) []event.Event {
	t.Helper()
	var got []event.Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-deadline:
			t.Fatalf("timeout: collected %d of %d events", len(got), n)
		}
	}
	return got
}

func TestStartEndPairing(t *testing.T) {
	src := &fakeSource{}
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	w := New(src, res, st, []string{"python", "python3"}, 20*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	start := time.Now().Add(-time.Second)
	src.set(pythonProc(100, start, "/repo/sub"))

	events := collect(t, w.Events(), 1, 2*time.Second)
	if events[0].Kind != event.KindProcessStart {
		t.Fatalf("expected start, got %s", events[0].Kind)
	}
	if events[0].RepoRoot != "/repo" {
		t.Errorf("expected repo /repo, got %s", events[0].RepoRoot)
	}
	if events[0].CommandLine != "python3 script.py" {
		t.Errorf("unexpected command line %q", events[0].CommandLine)
	}
	if events[0].User != "dev" {
		t.Errorf("unexpected user %q", events[0].User)
	}

	// Process exits.
	src.set()

	events = collect(t, w.Events(), 1, 2*time.Second)
	if events[0].Kind != event.KindProcessEnd {
		t.Fatalf("expected end, got %s", events[0].Kind)
	}
	if !strings.HasPrefix(events[0].Output, "runtime:") {
		t.Errorf("end event should carry runtime detail, got %q", events[0].Output)
	}

	if w.Tracked() != 0 {
		t.Errorf("expected empty table, got %d", w.Tracked())
	}
}

func TestStartEmittedOnce(t *testing.T) {
	src := &fakeSource{}
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	w := New(src, res, st, []string{"python3"}, 10*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	src.set(pythonProc(100, time.Now(), "/repo"))

	collect(t, w.Events(), 1, 2*time.Second)

	// Several more polls pass; no duplicate start.
	select {
	case e := <-w.Events():
		t.Fatalf("unexpected extra event %s", e.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPidReuseIsNotConflated(t *testing.T) {
	src := &fakeSource{}
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	w := New(src, res, st, []string{"python3"}, 10*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	first := time.Now().Add(-time.Minute)
	src.set(pythonProc(100, first, "/repo"))
	collect(t, w.Events(), 1, 2*time.Second)

	// Same pid reappears with a different start time: the old instance
	// ended and a new one began.
	second := time.Now()
	src.set(pythonProc(100, second, "/repo"))

	events := collect(t, w.Events(), 2, 2*time.Second)
	kinds := map[event.Kind]int{}
	for _, e := range events {
		kinds[e.Kind]++
	}
	if kinds[event.KindProcessEnd] != 1 || kinds[event.KindProcessStart] != 1 {
		t.Errorf("expected one end and one start, got %v", kinds)
	}
}

func TestProcessOutsideRepoIgnored(t *testing.T) {
	src := &fakeSource{}
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	w := New(src, res, st, []string{"python3"}, 10*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	src.set(pythonProc(200, time.Now(), "/elsewhere"))

	select {
	case e := <-w.Events():
		t.Fatalf("unexpected event %s for process outside repo", e.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSyntheticEndAfterRestart(t *testing.T) {
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	// A previous run recorded a live process that has since exited.
	err := st.SaveProc(state.ProcRow{
		PID:         300,
		StartNs:     time.Now().Add(-time.Hour).UnixNano(),
		CommandLine: "python3 old.py",
		RepoRoot:    "/repo",
		User:        "dev",
	})
	if err != nil {
		t.Fatalf("seed proc: %v", err)
	}

	src := &fakeSource{}
	w := New(src, res, st, []string{"python3"}, 10*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	events := collect(t, w.Events(), 1, 2*time.Second)
	if events[0].Kind != event.KindProcessEnd {
		t.Fatalf("expected synthetic end, got %s", events[0].Kind)
	}
	if events[0].CommandLine != "python3 old.py" {
		t.Errorf("synthetic end should carry original command line, got %q", events[0].CommandLine)
	}

	procs, err := st.ListProcs()
	if err != nil {
		t.Fatalf("list procs: %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("synthetic end should clear the saved row, got %d", len(procs))
	}
}

func TestSurvivorAdoptedWithoutSecondStart(t *testing.T) {
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	start := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	err := st.SaveProc(state.ProcRow{
		PID:         400,
		StartNs:     start.UnixNano(),
		CommandLine: "python3 script.py",
		RepoRoot:    "/repo",
		User:        "dev",
	})
	if err != nil {
		t.Fatalf("seed proc: %v", err)
	}

	src := &fakeSource{}
	src.set(pythonProc(400, start, "/repo"))

	w := New(src, res, st, []string{"python3"}, 10*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	// The survivor is re-adopted silently; only its eventual exit
	// produces an event.
	select {
	case e := <-w.Events():
		t.Fatalf("unexpected event %s for surviving process", e.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	if w.Tracked() != 1 {
		t.Fatalf("expected adopted process in table, got %d", w.Tracked())
	}

	src.set()
	events := collect(t, w.Events(), 1, 2*time.Second)
	if events[0].Kind != event.KindProcessEnd {
		t.Fatalf("expected end for adopted process, got %s", events[0].Kind)
	}
}

func TestCwdOutsideRepoNotRecorded(t *testing.T) {
	src := &fakeSource{}
	res := &fakeResolver{root: "/repo"}
	st := testStore(t)

	w := New(src, res, st, []string{"python3"}, 10*time.Millisecond, "dev")
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	// Repo attribution comes from the script argument; the working
	// directory lies elsewhere and must not leak into the record.
	src.set(ProcInfo{
		PID:         500,
		StartTime:   time.Now(),
		Name:        "python3",
		CommandLine: "python3 /repo/job.py",
		Cwd:         "/scratch",
	})

	events := collect(t, w.Events(), 1, 2*time.Second)
	if events[0].Kind != event.KindProcessStart {
		t.Fatalf("expected start, got %s", events[0].Kind)
	}
	if events[0].RepoRoot != "/repo" {
		t.Errorf("expected repo /repo, got %s", events[0].RepoRoot)
	}
	if events[0].FilePath != "" {
		t.Errorf("file path outside the repo must be empty, got %q", events[0].FilePath)
	}

	src.set()
	events = collect(t, w.Events(), 1, 2*time.Second)
	if events[0].Kind != event.KindProcessEnd {
		t.Fatalf("expected end, got %s", events[0].Kind)
	}
	if events[0].FilePath != "" {
		t.Errorf("end event carries the same cleared path, got %q", events[0].FilePath)
	}
}

func TestMatchesVersionedNames(t *testing.T) {
	w := New(nil, nil, nil, []string{"python", "python3"}, time.Second, "dev")

	cases := map[string]bool{
		"python":           true,
		"python3":          true,
		"python3.12":       true,
		"/usr/bin/python3": true,
		"pythonista":       false,
		"perl":             false,
	}
	for name, want := range cases {
		if got := w.matches(name); got != want {
			t.Errorf("matches(%q) = %v, want %v", name, got, want)
		}
	}
}
