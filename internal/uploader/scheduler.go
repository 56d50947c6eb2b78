package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"auditd/internal/logging"
	"auditd/internal/sink"
	"auditd/internal/state"
)

// Config holds upload scheduling configuration.
type Config struct {
	// Interval is the upload cadence.
	Interval time.Duration

	// Destination is recorded in manifests; the Uploader interprets it.
	Destination string

	// RetryAttempts is the per-batch in-cycle retry count.
	RetryAttempts int

	// BackoffInitial is the first retry delay.
	BackoffInitial time.Duration

	// BackoffMax caps the exponential retry delay.
	BackoffMax time.Duration

	// ManifestPath is where the last-batch manifest is written.
	ManifestPath string

	// RemoveUploaded deletes sealed files after confirmed delivery.
	RemoveUploaded bool
}

// Batch is one unit of upload work: a byte range of a sink file.
type Batch struct {
	ID     string
	Object string
	Path   string
	From   int64
	To     int64
}

// Scheduler ships sealed sinks and the active sink's unshipped rows.
// It runs independently of event capture and never blocks ingestion.
type Scheduler struct {
	cfg    Config
	up     Uploader
	store  *state.Store
	writer *sink.Writer
	clock  Clock
	log    *logging.Logger
}

// NewScheduler creates an upload scheduler.
func NewScheduler(cfg Config, up Uploader, store *state.Store, writer *sink.Writer, clock Clock, log *logging.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		cfg:    cfg,
		up:     up,
		store:  store,
		writer: writer,
		clock:  clock,
		log:    log,
	}
}

// Run executes upload cycles on the configured cadence until ctx is
// canceled. Upload failures are never fatal; the same rows are retried
// next cycle because the high-water mark only moves on confirmation.
func (s *Scheduler) Run(ctx context.Context) {
	// Cross-check the manifest left by the previous run. Nothing is
	// rewound on mismatch; the state database is authoritative.
	if m, err := LoadManifest(s.cfg.ManifestPath); err != nil {
		s.log.Warn("manifest unreadable", "error", err)
	} else if m != nil {
		s.log.Info("resuming after last confirmed batch",
			"batch_id", m.BatchID, "sink", m.SinkPath, "to_offset", m.ToOffset)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.Interval):
			if err := s.RunCycle(ctx); err != nil {
				s.log.Warn("upload cycle incomplete", "error", err)
			}
		}
	}
}

// RunCycle performs one upload pass: all pending sealed sinks, then the
// active sink's rows past the high-water mark. Also called once during
// graceful shutdown.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush before upload: %w", err)
	}

	sealed, err := s.store.PendingSealed()
	if err != nil {
		return err
	}

	for _, si := range sealed {
		if err := s.uploadSealed(ctx, si); err != nil {
			return err
		}
	}

	return s.uploadActive(ctx)
}

// uploadSealed ships the unconfirmed remainder of a sealed file.
func (s *Scheduler) uploadSealed(ctx context.Context, si state.SinkInfo) error {
	info, err := os.Stat(si.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Sealed file lost before delivery. Surface it; the rows
			// are gone and pretending otherwise helps nobody.
			s.log.Error("sealed sink missing, marking lost", "path", si.Path)
			return s.store.DeleteSink(si.Path)
		}
		return err
	}

	from, err := s.store.Offset(si.Path)
	if err != nil {
		return err
	}
	if from >= info.Size() {
		return s.confirmSealed(si.Path)
	}

	batch := s.newBatch(si.Path, from, info.Size())
	if err := s.uploadWithRetry(ctx, batch); err != nil {
		return err
	}

	if err := s.store.SetOffset(si.Path, batch.To); err != nil {
		return err
	}
	s.recordManifest(batch)
	return s.confirmSealed(si.Path)
}

func (s *Scheduler) confirmSealed(path string) error {
	if err := s.store.MarkUploaded(path, s.clock.Now().UnixNano()); err != nil {
		return err
	}
	if s.cfg.RemoveUploaded {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove uploaded sink", "path", path, "error", err)
		}
		return s.store.DeleteSink(path)
	}
	return nil
}

// uploadActive ships the active sink's bytes past the high-water mark.
// Path and size are taken as one snapshot so a rotation between the two
// reads cannot pair the old path with the new file's size.
func (s *Scheduler) uploadActive(ctx context.Context) error {
	path, size := s.writer.Active()

	from, err := s.store.Offset(path)
	if err != nil {
		return err
	}
	if from >= size {
		return nil
	}

	batch := s.newBatch(path, from, size)
	if err := s.uploadWithRetry(ctx, batch); err != nil {
		return err
	}

	if err := s.store.SetOffset(path, batch.To); err != nil {
		return err
	}
	s.recordManifest(batch)
	return nil
}

// newBatch names an upload unit after the original timestamped scheme.
func (s *Scheduler) newBatch(path string, from, to int64) Batch {
	id := uuid.NewString()
	stamp := s.clock.Now().Format("20060102_150405")
	return Batch{
		ID:     id,
		Object: fmt.Sprintf("python_audit_%s_%s.csv", stamp, id[:8]),
		Path:   path,
		From:   from,
		To:     to,
	}
}

// uploadWithRetry attempts a batch with bounded exponential backoff.
// Duplicate delivery on retry is acceptable; skipped rows are not.
func (s *Scheduler) uploadWithRetry(ctx context.Context, b Batch) error {
	delay := s.cfg.BackoffInitial

	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(delay):
			}
			delay *= 2
			if delay > s.cfg.BackoffMax {
				delay = s.cfg.BackoffMax
			}
		}

		if err := s.uploadOnce(ctx, b); err != nil {
			lastErr = err
			s.log.Warn("upload attempt failed",
				"object", b.Object, "attempt", attempt+1, "error", err)
			continue
		}

		s.log.Info("batch uploaded",
			"object", b.Object, "sink", filepath.Base(b.Path),
			"bytes", b.To-b.From)
		return nil
	}
	return fmt.Errorf("upload %s: %w", b.Object, lastErr)
}

// uploadOnce streams one byte range to the uploader.
func (s *Scheduler) uploadOnce(ctx context.Context, b Batch) error {
	f, err := os.Open(b.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(b.From, io.SeekStart); err != nil {
		return err
	}

	return s.up.Upload(ctx, b.Object, io.LimitReader(f, b.To-b.From))
}

func (s *Scheduler) recordManifest(b Batch) {
	if s.cfg.ManifestPath == "" {
		return
	}
	m := &Manifest{
		BatchID:     b.ID,
		Object:      b.Object,
		SinkPath:    b.Path,
		FromOffset:  b.From,
		ToOffset:    b.To,
		Destination: s.cfg.Destination,
		UploadedAt:  s.clock.Now(),
	}
	if err := WriteManifest(s.cfg.ManifestPath, m); err != nil {
		s.log.Warn("write manifest", "error", err)
	}
}
