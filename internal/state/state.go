// Package state persists agent bookkeeping that must survive restarts:
// upload high-water marks, the sealed-sink registry, and the set of
// monitored processes that were live at shutdown.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the auditd state database.
const schema = `
CREATE TABLE IF NOT EXISTS sinks (
    path        TEXT PRIMARY KEY,
    created_ns  INTEGER NOT NULL,
    sealed_ns   INTEGER,
    uploaded_ns INTEGER
);

CREATE TABLE IF NOT EXISTS offsets (
    sink_path   TEXT PRIMARY KEY,
    offset      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS procs (
    pid          INTEGER NOT NULL,
    start_ns     INTEGER NOT NULL,
    command_line TEXT NOT NULL,
    repo_root    TEXT NOT NULL,
    usr          TEXT NOT NULL,
    PRIMARY KEY (pid, start_ns)
);
`

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("state: not found")

// SinkInfo describes one registered log file.
type SinkInfo struct {
	Path       string
	CreatedNs  int64
	SealedNs   int64 // zero while active
	UploadedNs int64 // zero until confirmed delivered
}

// ProcRow records a monitored process live at the time of writing,
// keyed by pid plus start time so pid reuse cannot conflate instances.
type ProcRow struct {
	PID         int
	StartNs     int64
	CommandLine string
	RepoRoot    string
	User        string
}

// Store is the SQLite-backed agent state store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database at the given path.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RegisterSink records a new active sink file.
func (s *Store) RegisterSink(path string, createdNs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO sinks (path, created_ns) VALUES (?, ?)
		ON CONFLICT(path) DO NOTHING`,
		path, createdNs,
	)
	if err != nil {
		return fmt.Errorf("register sink: %w", err)
	}
	return nil
}

// SealSink marks a sink as closed for further writes.
func (s *Store) SealSink(path string, sealedNs int64) error {
	res, err := s.db.Exec(`UPDATE sinks SET sealed_ns = ? WHERE path = ?`, sealedNs, path)
	if err != nil {
		return fmt.Errorf("seal sink: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUploaded records confirmed remote delivery for a sink.
func (s *Store) MarkUploaded(path string, uploadedNs int64) error {
	res, err := s.db.Exec(`UPDATE sinks SET uploaded_ns = ? WHERE path = ?`, uploadedNs, path)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSink removes a sink row, typically after an uploaded sealed file
// has been archived or deleted.
func (s *Store) DeleteSink(path string) error {
	if _, err := s.db.Exec(`DELETE FROM sinks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete sink: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM offsets WHERE sink_path = ?`, path); err != nil {
		return fmt.Errorf("delete sink offset: %w", err)
	}
	return nil
}

// PendingSealed returns sealed sinks not yet confirmed delivered,
// oldest first.
func (s *Store) PendingSealed() ([]SinkInfo, error) {
	rows, err := s.db.Query(`
		SELECT path, created_ns, sealed_ns, COALESCE(uploaded_ns, 0)
		FROM sinks
		WHERE sealed_ns IS NOT NULL AND uploaded_ns IS NULL
		ORDER BY sealed_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending sinks: %w", err)
	}
	defer rows.Close()

	var sinks []SinkInfo
	for rows.Next() {
		var si SinkInfo
		if err := rows.Scan(&si.Path, &si.CreatedNs, &si.SealedNs, &si.UploadedNs); err != nil {
			return nil, fmt.Errorf("scan sink: %w", err)
		}
		sinks = append(sinks, si)
	}
	return sinks, rows.Err()
}

// ActiveSink returns the most recently created unsealed sink, if any.
// After a restart the writer resumes appending to it.
func (s *Store) ActiveSink() (SinkInfo, error) {
	var si SinkInfo
	err := s.db.QueryRow(`
		SELECT path, created_ns, COALESCE(sealed_ns, 0), COALESCE(uploaded_ns, 0)
		FROM sinks
		WHERE sealed_ns IS NULL
		ORDER BY created_ns DESC
		LIMIT 1`).Scan(&si.Path, &si.CreatedNs, &si.SealedNs, &si.UploadedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return SinkInfo{}, ErrNotFound
	}
	if err != nil {
		return SinkInfo{}, fmt.Errorf("query active sink: %w", err)
	}
	return si, nil
}

// Offset returns the upload high-water mark for a sink. Sinks never
// uploaded report zero.
func (s *Store) Offset(sinkPath string) (int64, error) {
	var off int64
	err := s.db.QueryRow(`SELECT offset FROM offsets WHERE sink_path = ?`, sinkPath).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query offset: %w", err)
	}
	return off, nil
}

// SetOffset advances the upload high-water mark for a sink. The mark only
// moves after confirmed remote acceptance, so it never passes unconfirmed
// rows.
func (s *Store) SetOffset(sinkPath string, offset int64) error {
	_, err := s.db.Exec(`
		INSERT INTO offsets (sink_path, offset) VALUES (?, ?)
		ON CONFLICT(sink_path) DO UPDATE SET offset = excluded.offset`,
		sinkPath, offset,
	)
	if err != nil {
		return fmt.Errorf("set offset: %w", err)
	}
	return nil
}

// SaveProc records a live monitored process.
func (s *Store) SaveProc(p ProcRow) error {
	_, err := s.db.Exec(`
		INSERT INTO procs (pid, start_ns, command_line, repo_root, usr)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pid, start_ns) DO NOTHING`,
		p.PID, p.StartNs, p.CommandLine, p.RepoRoot, p.User,
	)
	if err != nil {
		return fmt.Errorf("save proc: %w", err)
	}
	return nil
}

// DeleteProc removes a process record once its end event has been emitted.
func (s *Store) DeleteProc(pid int, startNs int64) error {
	if _, err := s.db.Exec(`DELETE FROM procs WHERE pid = ? AND start_ns = ?`, pid, startNs); err != nil {
		return fmt.Errorf("delete proc: %w", err)
	}
	return nil
}

// ListProcs returns every process recorded as live. After a restart these
// are candidates for synthetic end events.
func (s *Store) ListProcs() ([]ProcRow, error) {
	rows, err := s.db.Query(`SELECT pid, start_ns, command_line, repo_root, usr FROM procs`)
	if err != nil {
		return nil, fmt.Errorf("query procs: %w", err)
	}
	defer rows.Close()

	var procs []ProcRow
	for rows.Next() {
		var p ProcRow
		if err := rows.Scan(&p.PID, &p.StartNs, &p.CommandLine, &p.RepoRoot, &p.User); err != nil {
			return nil, fmt.Errorf("scan proc: %w", err)
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}
