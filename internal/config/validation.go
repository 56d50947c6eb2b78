// Package config handles configuration loading, validation, and management for auditd.
package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate performs comprehensive validation of the configuration.
// Validation failure is fatal at startup: the agent refuses to run
// rather than silently monitor the wrong thing.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateScan(&c.Scan)...)
	errs = append(errs, validateProcess(&c.Process)...)
	errs = append(errs, validateSink(&c.Sink)...)
	errs = append(errs, validateState(&c.State)...)
	errs = append(errs, validateUpload(&c.Upload)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateScan(s *ScanConfig) ValidationErrors {
	var errs ValidationErrors

	if len(s.Roots) == 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.roots",
			Message: "at least one scan root is required",
		})
	}

	for _, root := range s.Roots {
		info, err := os.Stat(root)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "scan.roots",
				Message: fmt.Sprintf("root %q is not accessible: %v", root, err),
			})
			continue
		}
		if !info.IsDir() {
			errs = append(errs, ValidationError{
				Field:   "scan.roots",
				Message: fmt.Sprintf("root %q is not a directory", root),
			})
		}
	}

	if s.RescanIntervalSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.rescan_interval_sec",
			Message: "must be positive",
		})
	}

	if s.DebounceMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.debounce_ms",
			Message: "must not be negative",
		})
	}

	if s.SweepIntervalSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scan.sweep_interval_sec",
			Message: "must be positive",
		})
	}

	return errs
}

func validateProcess(p *ProcessConfig) ValidationErrors {
	var errs ValidationErrors

	if p.PollIntervalMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "process.poll_interval_ms",
			Message: "must be positive",
		})
	}

	if len(p.Names) == 0 {
		errs = append(errs, ValidationError{
			Field:   "process.names",
			Message: "at least one process name is required",
		})
	}

	return errs
}

func validateSink(s *SinkConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "sink.dir",
			Message: "sink directory is required",
		})
	}

	switch s.FlushMode {
	case "always", "interval":
	default:
		errs = append(errs, ValidationError{
			Field:   "sink.flush_mode",
			Message: fmt.Sprintf("must be \"always\" or \"interval\", got %q", s.FlushMode),
		})
	}

	if s.FlushMode == "interval" && s.FlushIntervalMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "sink.flush_interval_ms",
			Message: "must be positive when flush_mode is \"interval\"",
		})
	}

	if s.MaxSizeBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "sink.max_size_bytes",
			Message: "must be positive",
		})
	}

	return errs
}

func validateState(s *StateConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "state.path",
			Message: "state database path is required",
		})
	}

	return errs
}

func validateUpload(u *UploadConfig) ValidationErrors {
	var errs ValidationErrors

	if !u.Enabled {
		return errs
	}

	if u.Destination == "" {
		errs = append(errs, ValidationError{
			Field:   "upload.destination",
			Message: "destination is required when upload is enabled",
		})
	}

	if len(u.Command) == 0 {
		errs = append(errs, ValidationError{
			Field:   "upload.command",
			Message: "upload command is required when upload is enabled",
		})
	}

	if u.IntervalSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "upload.interval_sec",
			Message: "must be positive",
		})
	}

	if u.BackoffInitialMs <= 0 || u.BackoffMaxMs < u.BackoffInitialMs {
		errs = append(errs, ValidationError{
			Field:   "upload.backoff",
			Message: "backoff_initial_ms must be positive and no greater than backoff_max_ms",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", l.Level),
		})
	}

	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", l.Format),
		})
	}

	switch strings.ToLower(l.Output) {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", l.Output),
		})
	}

	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "file path is required for file output",
		})
	}

	return errs
}
