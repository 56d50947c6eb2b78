// auditd - host-resident audit agent for git-controlled development activity.
//
// The agent watches the process table for Python interpreters running inside
// git working trees, watches the trees themselves for file mutations and
// commits, records every observation to an append-only CSV log, and ships
// the log to remote storage on a fixed cadence. It runs once per monitored
// user under the init system and exits only on SIGTERM/SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"auditd/internal/config"
	"auditd/internal/logging"
	"auditd/internal/monitor"
	"auditd/internal/procwatch"
	"auditd/internal/uploader"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (TOML, JSON, or YAML)")
	dryRun := flag.Bool("dry-run", false, "capture events but discard uploads")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("auditd %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditd: %v\n", err)
		os.Exit(1)
	}

	// Configuration errors are fatal before any background task starts.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "auditd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "auditd: %v\n", err)
		os.Exit(1)
	}

	log, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditd: setup logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logging.SetDefault(log)

	source, err := procwatch.NewSource()
	if err != nil {
		log.Error("process source unavailable", "error", err)
		os.Exit(1)
	}

	var up uploader.Uploader
	if *dryRun || !cfg.Upload.Enabled {
		up = uploader.NullUploader{}
	} else {
		up = &uploader.ExecUploader{
			Command:     cfg.Upload.Command,
			Destination: cfg.Upload.Destination,
		}
	}

	m, err := monitor.New(cfg, source, up, log)
	if err != nil {
		log.Error("monitor init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("auditd starting", "version", version)
	if err := m.Run(ctx); err != nil {
		log.Error("auditd exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  int64(cfg.Logging.MaxSizeMB),
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "auditd",
	})
}
