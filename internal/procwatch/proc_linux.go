//go:build linux

package procwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Kernel clock ticks per second for /proc stat starttime.
const clockTicks = 100

// ProcSource reads the live process table from /proc.
type ProcSource struct {
	bootTime time.Time
}

// NewSource creates the /proc-backed process source. The boot time anchors
// per-process starttime jiffies to wall-clock time, giving each process a
// stable pid+start-time identity.
func NewSource() (*ProcSource, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}
	boot := time.Now().Add(-time.Duration(si.Uptime) * time.Second)
	return &ProcSource{bootTime: boot}, nil
}

// Snapshot enumerates /proc. Individual unreadable processes (exited
// mid-scan, permission denied) are skipped.
func (s *ProcSource) Snapshot() ([]ProcInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var procs []ProcInfo
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		info, err := s.readProc(pid)
		if err != nil {
			continue
		}
		procs = append(procs, info)
	}
	return procs, nil
}

// readProc assembles one ProcInfo from /proc/<pid>.
func (s *ProcSource) readProc(pid int) (ProcInfo, error) {
	dir := filepath.Join("/proc", strconv.Itoa(pid))

	name, startTime, err := s.parseStat(filepath.Join(dir, "stat"))
	if err != nil {
		return ProcInfo{}, err
	}

	cmdlineRaw, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return ProcInfo{}, err
	}
	cmdline := strings.TrimRight(strings.ReplaceAll(string(cmdlineRaw), "\x00", " "), " ")

	// Readable only for same-user processes; empty cwd is acceptable
	// since resolution falls back to the script path.
	cwd, _ := os.Readlink(filepath.Join(dir, "cwd"))

	return ProcInfo{
		PID:         pid,
		StartTime:   startTime,
		Name:        name,
		CommandLine: cmdline,
		Cwd:         cwd,
	}, nil
}

// parseStat extracts the comm field and starttime from /proc/<pid>/stat.
// comm is parenthesized and may itself contain spaces or parens, so the
// fields after it are located from the closing paren.
func (s *ProcSource) parseStat(path string) (string, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", time.Time{}, err
	}

	stat := string(data)
	lparen := strings.IndexByte(stat, '(')
	rparen := strings.LastIndexByte(stat, ')')
	if lparen < 0 || rparen < lparen {
		return "", time.Time{}, fmt.Errorf("malformed stat %s", path)
	}
	name := stat[lparen+1 : rparen]

	// Field 3 (state) onward follows the closing paren; starttime is
	// field 22 overall, so index 19 counting from state.
	rest := strings.Fields(stat[rparen+1:])
	if len(rest) < 20 {
		return "", time.Time{}, fmt.Errorf("short stat %s", path)
	}

	jiffies, err := strconv.ParseUint(rest[19], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse starttime: %w", err)
	}

	start := s.bootTime.Add(time.Duration(jiffies) * time.Second / clockTicks)
	return name, start, nil
}
