package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls it over when it
// grows past the size limit or when the calendar day changes. Rolled files
// are renamed with a timestamp suffix, optionally gzipped, and pruned
// against the backup-count and age limits.
type FileRotator struct {
	config *Config

	mu      sync.Mutex
	file    *os.File
	written int64
	day     int
}

// NewFileRotator opens (or creates) the configured log file.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, err
	}
	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = f
	r.written = info.Size()
	r.day = time.Now().Day()
	return nil
}

func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	limit := r.config.MaxSizeMB * 1024 * 1024
	if r.written+int64(len(p)) > limit || time.Now().Day() != r.day {
		if err := r.roll(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

// roll renames the current file aside, reopens a fresh one, and kicks off
// archive and retention work in the background.
func (r *FileRotator) roll() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close current log: %w", err)
		}
		r.file = nil
	}

	aside := r.archiveName(time.Now())
	if err := os.Rename(r.config.FilePath, aside); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if r.config.Compress {
		go gzipInPlace(aside)
	}
	go r.prune()

	return r.open()
}

// archiveName builds the timestamped name a rolled file is moved to,
// keeping the original extension so the retention glob still matches.
func (r *FileRotator) archiveName(t time.Time) string {
	dir := filepath.Dir(r.config.FilePath)
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, t.Format("20060102-150405"), ext))
}

// gzipInPlace replaces path with path.gz. Failures leave the uncompressed
// file behind rather than losing it.
func gzipInPlace(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := zw.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// prune applies MaxBackups and MaxAgeDays to the rolled files.
func (r *FileRotator) prune() {
	base := filepath.Base(r.config.FilePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	pattern := filepath.Join(filepath.Dir(r.config.FilePath), stem+"-*"+ext+"*")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}

	type archived struct {
		path string
		mod  time.Time
	}
	var files []archived
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, archived{path: m, mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	for len(files) > r.config.MaxBackups {
		os.Remove(files[0].path)
		files = files[1:]
	}

	cutoff := time.Now().AddDate(0, 0, -r.config.MaxAgeDays)
	for _, f := range files {
		if f.mod.Before(cutoff) {
			os.Remove(f.path)
		}
	}
}

// Close closes the underlying file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the underlying file to stable storage.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
