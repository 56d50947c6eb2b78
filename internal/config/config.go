// Package config handles configuration loading, validation, and management for auditd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Scan configuration for repository discovery and file watching.
	Scan ScanConfig `toml:"scan" json:"scan" yaml:"scan"`

	// Process configuration for interpreter polling.
	Process ProcessConfig `toml:"process" json:"process" yaml:"process"`

	// Sink configuration for the CSV event log.
	Sink SinkConfig `toml:"sink" json:"sink" yaml:"sink"`

	// State configuration for the durable agent state database.
	State StateConfig `toml:"state" json:"state" yaml:"state"`

	// Upload configuration for remote log shipping.
	Upload UploadConfig `toml:"upload" json:"upload" yaml:"upload"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ScanConfig holds repository discovery and file watching configuration.
type ScanConfig struct {
	// Roots is the list of directories scanned for git working trees.
	Roots []string `toml:"roots" json:"roots" yaml:"roots"`

	// RescanIntervalSec is how often Roots are rescanned for new or
	// removed repositories.
	RescanIntervalSec int `toml:"rescan_interval_sec" json:"rescan_interval_sec" yaml:"rescan_interval_sec"`

	// ExcludePatterns are glob patterns for paths to ignore.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`

	// DebounceMs is the window within which repeated writes to the same
	// file coalesce into one event.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// Ceiling is the directory above which repository resolution never
	// ascends. Empty means the filesystem root.
	Ceiling string `toml:"ceiling" json:"ceiling" yaml:"ceiling"`

	// SweepIntervalSec is how often the resolver cache re-checks
	// negative entries for newly created repositories.
	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec" yaml:"sweep_interval_sec"`
}

// ProcessConfig holds process polling configuration.
type ProcessConfig struct {
	// PollIntervalMs is the process table poll interval.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// Names are the executable names treated as monitored interpreters.
	Names []string `toml:"names" json:"names" yaml:"names"`
}

// SinkConfig holds event log persistence configuration.
type SinkConfig struct {
	// Dir is the directory holding the active and sealed log files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// FlushMode is "always" (sync after every row) or "interval".
	FlushMode string `toml:"flush_mode" json:"flush_mode" yaml:"flush_mode"`

	// FlushIntervalMs bounds the loss window when FlushMode is "interval".
	FlushIntervalMs int `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`

	// MaxSizeBytes is the rotation threshold for the active log file.
	MaxSizeBytes int64 `toml:"max_size_bytes" json:"max_size_bytes" yaml:"max_size_bytes"`

	// MaxAgeSec rotates the active log file after this age regardless of size.
	// Zero disables age-based rotation.
	MaxAgeSec int `toml:"max_age_sec" json:"max_age_sec" yaml:"max_age_sec"`
}

// StateConfig holds agent state database configuration.
type StateConfig struct {
	// Path is the path to the SQLite state database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// UploadConfig holds remote shipping configuration.
type UploadConfig struct {
	// Enabled determines whether the upload scheduler runs.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Destination is the opaque remote destination identifier,
	// e.g. a bucket path handed to the upload command.
	Destination string `toml:"destination" json:"destination" yaml:"destination"`

	// IntervalSec is the upload cadence.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// Command is the external uploader invocation; the object name and
	// destination are appended as arguments.
	Command []string `toml:"command" json:"command" yaml:"command"`

	// RetryAttempts is the number of in-cycle retries for a failed upload.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`

	// BackoffInitialMs is the first retry delay.
	BackoffInitialMs int `toml:"backoff_initial_ms" json:"backoff_initial_ms" yaml:"backoff_initial_ms"`

	// BackoffMaxMs caps the exponential retry delay.
	BackoffMaxMs int `toml:"backoff_max_ms" json:"backoff_max_ms" yaml:"backoff_max_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := AuditdDir()
	home, _ := os.UserHomeDir()

	return &Config{
		Version: Version,
		Scan: ScanConfig{
			Roots:             []string{home},
			RescanIntervalSec: 60,
			ExcludePatterns: []string{
				"*.swp", "*.swx", "*.tmp", "*.lock", "*~", "*.bak",
				".DS_Store", "__pycache__", "node_modules", ".vscode",
			},
			DebounceMs:       500,
			Ceiling:          "",
			SweepIntervalSec: 60,
		},
		Process: ProcessConfig{
			PollIntervalMs: 1000,
			Names:          []string{"python", "python3"},
		},
		Sink: SinkConfig{
			Dir:             filepath.Join(dir, "log"),
			FlushMode:       "always",
			FlushIntervalMs: 1000,
			MaxSizeBytes:    32 * 1024 * 1024,
			MaxAgeSec:       0,
		},
		State: StateConfig{
			Path:          filepath.Join(dir, "state.db"),
			BusyTimeoutMs: 5000,
		},
		Upload: UploadConfig{
			Enabled:          true,
			Destination:      "",
			IntervalSec:      300,
			Command:          []string{"gsutil", "cp"},
			RetryAttempts:    3,
			BackoffInitialMs: 1000,
			BackoffMaxMs:     60000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "auditd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// AuditdDir returns the base auditd data directory.
// Uses AUDITD_DATA_DIR when set, else the XDG data directory.
func AuditdDir() string {
	if envDir := os.Getenv("AUDITD_DATA_DIR"); envDir != "" {
		return envDir
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "auditd")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(AuditdDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	// A .env file beside the process provides env defaults without
	// overriding variables already set by the service manager.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try TOML by default
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Variables are prefixed with AUDITD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AUDITD_SCAN_ROOTS"); v != "" {
		c.Scan.Roots = filepath.SplitList(v)
	}
	if v := os.Getenv("AUDITD_SINK_DIR"); v != "" {
		c.Sink.Dir = v
	}
	if v := os.Getenv("AUDITD_STATE_PATH"); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv("AUDITD_UPLOAD_DESTINATION"); v != "" {
		c.Upload.Destination = v
	}
	if v := os.Getenv("AUDITD_UPLOAD_COMMAND"); v != "" {
		c.Upload.Command = strings.Fields(v)
	}
	if v := os.Getenv("AUDITD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AUDITD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// EnsureDirectories creates all directories the agent needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Sink.Dir,
		filepath.Dir(c.State.Path),
		filepath.Dir(c.Logging.FilePath),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// PollInterval returns the process poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Process.PollIntervalMs) * time.Millisecond
}

// Debounce returns the filesystem debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Scan.DebounceMs) * time.Millisecond
}

// UploadInterval returns the upload cadence as a duration.
func (c *Config) UploadInterval() time.Duration {
	return time.Duration(c.Upload.IntervalSec) * time.Second
}
