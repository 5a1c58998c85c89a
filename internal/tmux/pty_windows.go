//go:build windows

package tmux

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

const DetachKey byte = 17

func (b *Backend) attachWithPTY(context.Context, string) error {
	return fmt.Errorf("pty attach: %w", errdefs.ErrUnavailable)
}

func isNormalDetach(err error) bool {
	_, ok := err.(*exec.ExitError)
	return ok
}
