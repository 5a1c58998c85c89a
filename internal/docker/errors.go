package docker

import (
	"fmt"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

// Both wrap errdefs.ErrUnavailable.
var (
	ErrDockerNotAvailable = fmt.Errorf("docker CLI is not installed or not in PATH: %w", errdefs.ErrUnavailable)
	ErrDaemonNotRunning   = fmt.Errorf("docker daemon is not running; start Docker and try again: %w", errdefs.ErrUnavailable)
)
