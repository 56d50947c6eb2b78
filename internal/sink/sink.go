// Package sink appends audit events to a durable CSV log with rotation.
//
// Each log file carries the fixed header row and is named with its creation
// timestamp. Rotation seals the current file (flushed, synced, closed, and
// recorded in the state store) and opens a fresh one; sealed files stay on
// disk until the upload scheduler confirms delivery. A write failure is
// sticky and fatal: the writer refuses further events rather than silently
// dropping them.
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"auditd/internal/event"
	"auditd/internal/state"
)

// Flush modes.
const (
	FlushAlways   = "always"
	FlushInterval = "interval"
)

// ErrWriterFailed is returned once the sink has hit an unrecoverable
// write error.
var ErrWriterFailed = errors.New("sink: writer failed")

// Config holds sink configuration.
type Config struct {
	// Dir is the directory holding active and sealed log files.
	Dir string

	// FlushMode is FlushAlways or FlushInterval.
	FlushMode string

	// FlushEvery bounds the loss window in FlushInterval mode.
	FlushEvery time.Duration

	// MaxSize is the rotation threshold in bytes.
	MaxSize int64

	// MaxAge rotates the active file after this age. Zero disables it.
	MaxAge time.Duration
}

// Writer is the append-only CSV event log.
type Writer struct {
	cfg   Config
	store *state.Store

	mu       sync.Mutex
	file     *os.File
	csv      *csv.Writer
	count    *countingWriter
	path     string
	openedAt time.Time
	failed   error

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// countingWriter tracks bytes handed to the underlying file so rotation
// thresholds apply to flushed row boundaries.
type countingWriter struct {
	f *os.File
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.n += int64(n)
	return n, err
}

// NewWriter opens the sink, resuming the active file recorded in the state
// store when one survives from a previous run.
func NewWriter(cfg Config, store *state.Store) (*Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}

	w := &Writer{
		cfg:   cfg,
		store: store,
		done:  make(chan struct{}),
	}

	if err := w.resumeOrOpen(); err != nil {
		return nil, err
	}

	if cfg.FlushMode == FlushInterval {
		w.wg.Add(1)
		go w.flushLoop()
	}

	return w, nil
}

// resumeOrOpen reopens the previous active file or creates a new one.
func (w *Writer) resumeOrOpen() error {
	si, err := w.store.ActiveSink()
	if err == nil {
		if info, statErr := os.Stat(si.Path); statErr == nil {
			file, openErr := os.OpenFile(si.Path, os.O_APPEND|os.O_WRONLY, 0600)
			if openErr != nil {
				return fmt.Errorf("reopen active sink: %w", openErr)
			}
			w.attach(file, si.Path, info.Size(), time.Unix(0, si.CreatedNs))
			return nil
		}
		// File vanished out from under us; seal the orphan row and move on.
		_ = w.store.SealSink(si.Path, time.Now().UnixNano())
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}

	return w.openNew()
}

// openNew creates a fresh timestamped log file with the header row.
func (w *Writer) openNew() error {
	now := time.Now()
	path := filepath.Join(w.cfg.Dir, fmt.Sprintf("audit-%s.csv", now.Format("20060102-150405.000000000")))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create sink file: %w", err)
	}

	w.attach(file, path, 0, now)

	if err := w.csv.Write(event.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush header: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync header: %w", err)
	}

	if err := w.store.RegisterSink(path, now.UnixNano()); err != nil {
		return err
	}
	return nil
}

func (w *Writer) attach(file *os.File, path string, size int64, openedAt time.Time) {
	w.file = file
	w.count = &countingWriter{f: file, n: size}
	w.csv = csv.NewWriter(w.count)
	w.path = path
	w.openedAt = openedAt
}

// Append writes one event as a CSV row. In FlushAlways mode the row is
// flushed and synced before Append returns.
func (w *Writer) Append(e event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}

	if err := w.csv.Write(e.Record()); err != nil {
		return w.fail(err)
	}

	if w.cfg.FlushMode == FlushAlways {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return w.fail(err)
		}
		if err := w.file.Sync(); err != nil {
			return w.fail(err)
		}
	}

	if w.shouldRotate() {
		if err := w.rotateLocked(); err != nil {
			return w.fail(err)
		}
	}

	return nil
}

// fail records a sticky fatal error.
func (w *Writer) fail(err error) error {
	w.failed = fmt.Errorf("%w: %v", ErrWriterFailed, err)
	return w.failed
}

// Err returns the sticky error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *Writer) shouldRotate() bool {
	if w.count.n >= w.cfg.MaxSize {
		return true
	}
	if w.cfg.MaxAge > 0 && time.Since(w.openedAt) >= w.cfg.MaxAge {
		return true
	}
	return false
}

// Rotate seals the current file and opens a new one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed != nil {
		return w.failed
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if err := w.sealLocked(); err != nil {
		return err
	}
	return w.openNew()
}

// sealLocked flushes, syncs, closes, and registers the current file as sealed.
func (w *Writer) sealLocked() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush on seal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync on seal: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close on seal: %w", err)
	}
	if err := w.store.SealSink(w.path, time.Now().UnixNano()); err != nil {
		return err
	}
	return nil
}

// Flush pushes buffered rows to stable storage. The upload scheduler calls
// this before reading bytes past the high-water mark so the read always ends
// on a row boundary.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return w.failed
	}

	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return w.fail(err)
	}
	if err := w.file.Sync(); err != nil {
		return w.fail(err)
	}
	return nil
}

// ActivePath returns the path of the file currently being appended to.
func (w *Writer) ActivePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// ActiveSize returns the flushed size of the active file.
func (w *Writer) ActiveSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count.n
}

// Active returns the active file's path and flushed size as one snapshot.
// Readers that take the two separately can pair a pre-rotation path with
// a post-rotation size.
func (w *Writer) Active() (string, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path, w.count.n
}

// flushLoop services FlushInterval mode.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.failed == nil {
				w.csv.Flush()
				if err := w.csv.Error(); err != nil {
					w.fail(err)
				} else if err := w.file.Sync(); err != nil {
					w.fail(err)
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close flushes pending rows and closes the active file without sealing it;
// the next run resumes appending.
func (w *Writer) Close() error {
	w.stopped.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	var firstErr error
	if w.failed == nil {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			firstErr = err
		}
		if err := w.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.file = nil
	return firstErr
}
