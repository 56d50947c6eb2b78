package event

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"
)

func TestKindValid(t *testing.T) {
	valid := []Kind{KindProcessStart, KindProcessEnd, KindFileEdit, KindFileCreate, KindGitCommit}
	for _, k := range valid {
		if !k.Valid() {
			t.Errorf("kind %q should be valid", k)
		}
	}

	if Kind("process_explode").Valid() {
		t.Error("unknown kind should not be valid")
	}
	if Kind("").Valid() {
		t.Error("empty kind should not be valid")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	events := []Event{
		{
			Time:        time.Date(2025, 6, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
			Kind:        KindProcessStart,
			RepoRoot:    "/home/dev/repo",
			FilePath:    "/home/dev/repo",
			CommandLine: "python3 script.py --flag",
			Output:      "interpreter: python3",
			User:        "dev",
		},
		{
			Time:     time.Date(2025, 6, 1, 12, 31, 5, 123456789, time.UTC),
			Kind:     KindFileEdit,
			RepoRoot: "/home/dev/repo",
			FilePath: "/home/dev/repo/a.py",
			User:     "dev",
		},
		{
			// Free text with embedded delimiters, quotes, and newlines
			// must survive the trip intact.
			Time:        time.Date(2025, 6, 1, 12, 32, 0, 0, time.UTC),
			Kind:        KindProcessEnd,
			RepoRoot:    NoRepo,
			CommandLine: `python3 -c "print('a,b')"`,
			Output:      "line one\nline two, with comma and \"quotes\"",
			User:        "dev",
		},
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for _, e := range events {
		if err := w.Write(e.Record()); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := csv.NewReader(&buf)
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if len(rows) != len(events)+1 {
		t.Fatalf("expected %d rows, got %d", len(events)+1, len(rows))
	}

	for i, e := range events {
		got, err := ParseRecord(rows[i+1])
		if err != nil {
			t.Fatalf("parse row %d: %v", i, err)
		}
		if !got.Time.Equal(e.Time) {
			t.Errorf("row %d: time %v != %v", i, got.Time, e.Time)
		}
		if got.Kind != e.Kind {
			t.Errorf("row %d: kind %q != %q", i, got.Kind, e.Kind)
		}
		if got.RepoRoot != e.RepoRoot || got.FilePath != e.FilePath {
			t.Errorf("row %d: paths differ: %+v vs %+v", i, got, e)
		}
		if got.CommandLine != e.CommandLine || got.Output != e.Output || got.User != e.User {
			t.Errorf("row %d: free-text fields differ: %+v vs %+v", i, got, e)
		}
	}
}

func TestParseRecordErrors(t *testing.T) {
	if _, err := ParseRecord([]string{"too", "short"}); err == nil {
		t.Error("expected error for short record")
	}

	row := []string{"not-a-time", "file_edit", "/r", "/r/a", "", "", "u"}
	if _, err := ParseRecord(row); err == nil {
		t.Error("expected error for bad timestamp")
	}

	row = []string{time.Now().Format(time.RFC3339Nano), "bogus_kind", "/r", "/r/a", "", "", "u"}
	if _, err := ParseRecord(row); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestEmptyFieldsAreValid(t *testing.T) {
	e := Event{
		Time: time.Now().UTC(),
		Kind: KindFileCreate,
		User: "dev",
	}
	rec := e.Record()
	if len(rec) != len(Header) {
		t.Fatalf("record has %d fields, want %d", len(rec), len(Header))
	}

	got, err := ParseRecord(rec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.RepoRoot != NoRepo {
		t.Errorf("unset repo root should persist as %q, got %q", NoRepo, got.RepoRoot)
	}
	if got.FilePath != "" || got.CommandLine != "" {
		t.Error("empty fields should stay empty strings")
	}
}
