package docker

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// IsDockerAvailable reports whether the docker CLI is on PATH.
func IsDockerAvailable() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

// CheckAvailability verifies the CLI and the daemon. The daemon check is
// bounded to 5s.
func CheckAvailability(ctx context.Context, run Runner) error {
	if run == nil {
		if !IsDockerAvailable() {
			return ErrDockerNotAvailable
		}
		run = execRunner
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := run(ctx, "info", "--format", "{{.ServerVersion}}")
	if err != nil || strings.TrimSpace(string(out)) == "" {
		return ErrDaemonNotRunning
	}
	return nil
}
