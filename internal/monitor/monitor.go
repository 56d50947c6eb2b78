// Package monitor owns the audit pipeline: it starts the watchers, merges
// their event streams into one ordered queue, drives the log writer, and
// coordinates graceful shutdown.
package monitor

import (
	"context"
	"fmt"
	"os/user"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"auditd/internal/config"
	"auditd/internal/event"
	"auditd/internal/fswatch"
	"auditd/internal/gitrepo"
	"auditd/internal/logging"
	"auditd/internal/procwatch"
	"auditd/internal/sink"
	"auditd/internal/state"
	"auditd/internal/uploader"
)

// State is the monitor lifecycle state.
type State int32

const (
	// StateStarting is the initial state while components come up.
	StateStarting State = iota
	// StateRunning accepts and persists events.
	StateRunning
	// StateStopping drains queued events but ignores new observations.
	StateStopping
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Monitor merges watcher event streams and drives the write/upload pipeline.
type Monitor struct {
	cfg *config.Config
	log *logging.Logger

	store    *state.Store
	writer   *sink.Writer
	resolver *gitrepo.Resolver
	procs    *procwatch.Watcher
	files    *fswatch.Watcher
	sched    *uploader.Scheduler

	state atomic.Int32
	queue chan event.Event
	fatal chan error

	wg sync.WaitGroup
}

// New wires the full pipeline from configuration. source supplies process
// snapshots; up ships batches to remote storage.
func New(cfg *config.Config, source procwatch.Source, up uploader.Uploader, log *logging.Logger) (*Monitor, error) {
	usr, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}

	store, err := state.Open(cfg.State.Path, cfg.State.BusyTimeoutMs)
	if err != nil {
		return nil, err
	}

	writer, err := sink.NewWriter(sink.Config{
		Dir:        cfg.Sink.Dir,
		FlushMode:  cfg.Sink.FlushMode,
		FlushEvery: time.Duration(cfg.Sink.FlushIntervalMs) * time.Millisecond,
		MaxSize:    cfg.Sink.MaxSizeBytes,
		MaxAge:     time.Duration(cfg.Sink.MaxAgeSec) * time.Second,
	}, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	resolver := gitrepo.NewResolver(cfg.Scan.Ceiling)

	procs := procwatch.New(source, resolver, store,
		cfg.Process.Names, cfg.PollInterval(), usr.Username)

	files, err := fswatch.New(fswatch.Config{
		Roots:    cfg.Scan.Roots,
		Exclude:  cfg.Scan.ExcludePatterns,
		Debounce: cfg.Debounce(),
		Rescan:   time.Duration(cfg.Scan.RescanIntervalSec) * time.Second,
		User:     usr.Username,
	}, resolver)
	if err != nil {
		writer.Close()
		store.Close()
		return nil, err
	}

	var sched *uploader.Scheduler
	if cfg.Upload.Enabled {
		sched = uploader.NewScheduler(uploader.Config{
			Interval:       cfg.UploadInterval(),
			Destination:    cfg.Upload.Destination,
			RetryAttempts:  cfg.Upload.RetryAttempts,
			BackoffInitial: time.Duration(cfg.Upload.BackoffInitialMs) * time.Millisecond,
			BackoffMax:     time.Duration(cfg.Upload.BackoffMaxMs) * time.Millisecond,
			ManifestPath:   filepath.Join(cfg.Sink.Dir, "manifest.json"),
			RemoveUploaded: true,
		}, up, store, writer, uploader.SystemClock(), log.WithComponent("uploader"))
	}

	m := &Monitor{
		cfg:      cfg,
		log:      log,
		store:    store,
		writer:   writer,
		resolver: resolver,
		procs:    procs,
		files:    files,
		sched:    sched,
		queue:    make(chan event.Event, 1024),
		fatal:    make(chan error, 1),
	}
	m.state.Store(int32(StateStarting))
	return m, nil
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Run starts every component and blocks until ctx is canceled or the
// writer fails, then performs the graceful shutdown sequence.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor starting",
		"scan_roots", m.cfg.Scan.Roots,
		"sink_dir", m.cfg.Sink.Dir)

	m.resolver.Start(time.Duration(m.cfg.Scan.SweepIntervalSec) * time.Second)

	if err := m.files.Start(); err != nil {
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	if err := m.procs.Start(); err != nil {
		return fmt.Errorf("start process watcher: %w", err)
	}

	upCtx, upCancel := context.WithCancel(context.Background())
	defer upCancel()
	if m.sched != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sched.Run(upCtx)
		}()
	}

	m.wg.Add(2)
	go m.forward(m.procs.Events(), m.procs.Errors(), "procwatch")
	go m.forward(m.files.Events(), m.files.Errors(), "fswatch")

	ingestDone := make(chan struct{})
	go m.ingest(ingestDone)

	m.state.Store(int32(StateRunning))
	m.log.Info("monitor running", "repos", len(m.files.WatchedRepos()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-m.fatal:
		runErr = err
		m.log.Error("fatal pipeline error", "error", err)
	}

	// Shutdown: stop producers first so the queue drains completely,
	// then attempt a final upload of everything captured.
	m.state.Store(int32(StateStopping))
	m.log.Info("monitor stopping")

	m.procs.Stop()
	if err := m.files.Stop(); err != nil {
		m.log.Warn("stop filesystem watcher", "error", err)
	}
	upCancel()
	m.wg.Wait()
	close(m.queue)
	<-ingestDone

	if m.sched != nil && runErr == nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.sched.RunCycle(flushCtx); err != nil {
			m.log.Warn("final upload incomplete", "error", err)
		}
		cancel()
	}

	m.resolver.Stop()
	if err := m.writer.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close sink: %w", err)
	}
	if err := m.store.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close state store: %w", err)
	}

	m.state.Store(int32(StateStopped))
	m.log.Info("monitor stopped")
	return runErr
}

// forward moves one watcher's events into the shared ingestion queue and
// logs its transient errors. Everything a watcher emitted is relayed:
// producers are stopped before the queue closes, so an event still
// buffered here was captured before shutdown and must reach the writer.
func (m *Monitor) forward(events <-chan event.Event, errs <-chan error, source string) {
	defer m.wg.Done()

	log := m.log.WithComponent(source)
	for events != nil || errs != nil {
		select {
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.queue <- e

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("transient watcher error", "error", err)
		}
	}
}

// ingest drains the queue into the writer. A write failure is fatal: the
// monitor stops accepting events rather than silently dropping them.
func (m *Monitor) ingest(done chan<- struct{}) {
	defer close(done)

	for e := range m.queue {
		if err := m.writer.Append(e); err != nil {
			select {
			case m.fatal <- err:
			default:
			}
			// Drain remaining events without persisting; the writer
			// is gone and the failure is already surfaced.
			continue
		}
		m.log.Debug("event recorded",
			"kind", e.Kind, "repo", e.RepoRoot, "path", e.FilePath)
	}
}
