// Package event defines the canonical audit record shared by every producer.
package event

import (
	"fmt"
	"time"
)

// Kind identifies the type of activity an event records.
type Kind string

const (
	// KindProcessStart marks the first sighting of a monitored interpreter.
	KindProcessStart Kind = "python_start"
	// KindProcessEnd marks a monitored interpreter leaving the process table.
	KindProcessEnd Kind = "python_end"
	// KindFileEdit marks a modification to an existing file in a repository.
	KindFileEdit Kind = "file_edit"
	// KindFileCreate marks a new file appearing in a repository.
	KindFileCreate Kind = "file_create"
	// KindGitCommit marks a completed commit, detected from the HEAD ref.
	KindGitCommit Kind = "git_commit"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProcessStart, KindProcessEnd, KindFileEdit, KindFileCreate, KindGitCommit:
		return true
	}
	return false
}

// NoRepo is the repo_root value for events outside any git working tree.
const NoRepo = "none"

// Header is the fixed CSV column order of the persisted log.
var Header = []string{"timestamp", "event_type", "git_repo", "file_path", "python_command", "output", "user"}

// Event is one observed occurrence: a process lifecycle transition, a file
// mutation, or a commit. RepoRoot is resolved once at emission and never
// mutated afterward.
type Event struct {
	Time        time.Time
	Kind        Kind
	RepoRoot    string
	FilePath    string
	CommandLine string
	Output      string
	User        string
}

// Record returns the event as a CSV row in Header order. An unset RepoRoot
// is written as NoRepo; other empty fields are written as empty strings.
// csv.Writer handles quoting of embedded delimiters and newlines.
func (e Event) Record() []string {
	repo := e.RepoRoot
	if repo == "" {
		repo = NoRepo
	}
	return []string{
		e.Time.Format(time.RFC3339Nano),
		string(e.Kind),
		repo,
		e.FilePath,
		e.CommandLine,
		e.Output,
		e.User,
	}
}

// ParseRecord reconstructs an event from a CSV row written by Record.
func ParseRecord(row []string) (Event, error) {
	if len(row) != len(Header) {
		return Event{}, fmt.Errorf("record has %d fields, want %d", len(row), len(Header))
	}

	ts, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return Event{}, fmt.Errorf("parse timestamp: %w", err)
	}

	kind := Kind(row[1])
	if !kind.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", row[1])
	}

	return Event{
		Time:        ts,
		Kind:        kind,
		RepoRoot:    row[2],
		FilePath:    row[3],
		CommandLine: row[4],
		Output:      row[5],
		User:        row[6],
	}, nil
}
