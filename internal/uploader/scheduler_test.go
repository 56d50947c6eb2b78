package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditd/internal/event"
	"auditd/internal/logging"
	"auditd/internal/sink"
	"auditd/internal/state"
)

// fakeClock fires every After immediately so retries and cadence run
// without real delays.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

// memUploader records delivered batches and can be primed to fail.
type memUploader struct {
	mu       sync.Mutex
	failNext int
	attempts int
	objects  []string
	payloads [][]byte
}

func (m *memUploader) Upload(_ context.Context, object string, r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("simulated transfer failure")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects = append(m.objects, object)
	m.payloads = append(m.payloads, data)
	return nil
}

func (m *memUploader) delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *memUploader) combined() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Join(m.payloads, nil)
}

type env struct {
	store  *state.Store
	writer *sink.Writer
	up     *memUploader
	sched  *Scheduler
	dir    string
}

func newEnv(t *testing.T, maxSize int64) *env {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	writer, err := sink.NewWriter(sink.Config{
		Dir:       filepath.Join(dir, "sinks"),
		FlushMode: sink.FlushAlways,
		MaxSize:   maxSize,
	}, store)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	up := &memUploader{}
	sched := NewScheduler(Config{
		Interval:       time.Minute,
		Destination:    "gs://audit-bucket/logs",
		RetryAttempts:  2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		ManifestPath:   filepath.Join(dir, "manifest.json"),
		RemoveUploaded: true,
	}, up, store, writer, &fakeClock{now: time.Now()}, logging.Default())

	return &env{store: store, writer: writer, up: up, sched: sched, dir: dir}
}

func appendEvents(t *testing.T, w *sink.Writer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(event.Event{
			Time:     time.Now(),
			Kind:     event.KindFileEdit,
			RepoRoot: "/repo",
			FilePath: fmt.Sprintf("/repo/file%d.py", i),
			User:     "dev",
		}))
	}
}

func TestCycleShipsActiveRows(t *testing.T) {
	e := newEnv(t, 1<<20)
	appendEvents(t, e.writer, 2)

	require.NoError(t, e.sched.RunCycle(context.Background()))

	require.Equal(t, 1, e.up.delivered())
	assert.Contains(t, e.up.objects[0], "python_audit_")

	payload := e.up.payloads[0]
	assert.True(t, bytes.HasPrefix(payload, []byte("timestamp,")))
	assert.Equal(t, 3, bytes.Count(payload, []byte("\n")))

	// High-water mark caught up with the flushed size.
	off, err := e.store.Offset(e.writer.ActivePath())
	require.NoError(t, err)
	assert.Equal(t, e.writer.ActiveSize(), off)

	// Nothing new: the next cycle ships nothing.
	require.NoError(t, e.sched.RunCycle(context.Background()))
	assert.Equal(t, 1, e.up.delivered())
}

func TestMarkOnlyAdvancesOnConfirmation(t *testing.T) {
	e := newEnv(t, 1<<20)
	appendEvents(t, e.writer, 1)

	// All attempts in this cycle fail.
	e.up.failNext = 10
	require.Error(t, e.sched.RunCycle(context.Background()))

	off, err := e.store.Offset(e.writer.ActivePath())
	require.NoError(t, err)
	assert.Equal(t, int64(0), off, "mark must not move past unconfirmed rows")

	// Next cycle retries the same rows from the same mark.
	e.up.failNext = 0
	require.NoError(t, e.sched.RunCycle(context.Background()))
	require.Equal(t, 1, e.up.delivered())
	assert.True(t, bytes.HasPrefix(e.up.payloads[0], []byte("timestamp,")))
}

func TestRetryWithinCycleRecovers(t *testing.T) {
	e := newEnv(t, 1<<20)
	appendEvents(t, e.writer, 1)

	// Two failures, then success, within the configured attempt budget.
	e.up.failNext = 2
	require.NoError(t, e.sched.RunCycle(context.Background()))

	assert.Equal(t, 3, e.up.attempts)
	assert.Equal(t, 1, e.up.delivered())
}

func TestSealedFilesShipBeforeActive(t *testing.T) {
	e := newEnv(t, 1<<20)
	appendEvents(t, e.writer, 2)
	sealedPath := e.writer.ActivePath()
	require.NoError(t, e.writer.Rotate())
	appendEvents(t, e.writer, 1)

	require.NoError(t, e.sched.RunCycle(context.Background()))

	// Sealed batch first, then the active one.
	require.Equal(t, 2, e.up.delivered())

	// Confirmed sealed file is removed from disk and from the registry.
	_, err := os.Stat(sealedPath)
	assert.True(t, os.IsNotExist(err))
	pending, err := e.store.PendingSealed()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Every captured row was shipped exactly once across the two batches.
	combined := e.up.combined()
	assert.Equal(t, 5, bytes.Count(combined, []byte("\n")), "two headers and three rows")
}

func TestLostSealedFileIsDropped(t *testing.T) {
	e := newEnv(t, 1<<20)

	ghost := filepath.Join(e.dir, "sinks", "audit-00000000-000000.000000000.csv")
	require.NoError(t, e.store.RegisterSink(ghost, time.Now().UnixNano()))
	require.NoError(t, e.store.SealSink(ghost, time.Now().UnixNano()))

	require.NoError(t, e.sched.RunCycle(context.Background()))

	pending, err := e.store.PendingSealed()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, e.up.delivered())
}

func TestManifestWrittenAndReloaded(t *testing.T) {
	e := newEnv(t, 1<<20)
	appendEvents(t, e.writer, 1)

	require.NoError(t, e.sched.RunCycle(context.Background()))

	m, err := LoadManifest(filepath.Join(e.dir, "manifest.json"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, e.up.objects[0], m.Object)
	assert.Equal(t, e.writer.ActivePath(), m.SinkPath)
	assert.Equal(t, int64(0), m.FromOffset)
	assert.Equal(t, e.writer.ActiveSize(), m.ToOffset)
	assert.Equal(t, "gs://audit-bucket/logs", m.Destination)
}

func TestLoadManifestToleratesGarbage(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadManifest(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, m)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
	m, err = LoadManifest(bad)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Valid JSON missing required fields fails schema validation.
	incomplete := filepath.Join(dir, "incomplete.json")
	require.NoError(t, os.WriteFile(incomplete, []byte(`{"batch_id": "x"}`), 0600))
	m, err = LoadManifest(incomplete)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
