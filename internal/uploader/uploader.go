// Package uploader ships the audit log to remote storage on a fixed cadence
// with at-least-once delivery.
package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
)

// Uploader is the remote-storage collaborator. Implementations may be slow
// and may fail; the scheduler treats every call as retryable.
type Uploader interface {
	// Upload ships the contents of r as the named object.
	Upload(ctx context.Context, object string, r io.Reader) error
}

// ExecUploader shells out to an external transfer tool (gsutil-style:
// `cmd args... <localfile> <destination>/<object>`). Authentication and
// transport belong to the tool, not the agent.
type ExecUploader struct {
	// Command is the tool invocation prefix.
	Command []string

	// Destination is the opaque remote identifier, e.g. a bucket path.
	Destination string

	// TempDir holds staging copies; empty means the OS default.
	TempDir string
}

// Upload stages the batch in a temp file and runs the transfer command.
func (u *ExecUploader) Upload(ctx context.Context, object string, r io.Reader) error {
	if len(u.Command) == 0 {
		return fmt.Errorf("upload: no command configured")
	}

	tmp, err := os.CreateTemp(u.TempDir, "auditd-upload-*.csv")
	if err != nil {
		return fmt.Errorf("stage batch: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("stage batch: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage batch: %w", err)
	}

	args := append(append([]string{}, u.Command[1:]...), tmp.Name(), u.Destination+"/"+path.Base(object))
	cmd := exec.CommandContext(ctx, u.Command[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("upload %s: %w: %s", object, err, out)
	}
	return nil
}

// NullUploader accepts and discards every batch. Used for dry runs where
// capture matters but shipping does not.
type NullUploader struct{}

// Upload drains r and reports success.
func (NullUploader) Upload(_ context.Context, _ string, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
