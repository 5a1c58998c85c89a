//go:build !windows

package tmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

// DetachKey is Ctrl+Q. Pressing it alone detaches from an attached session.
const DetachKey byte = 17

// Terminals answer capability queries right after attach; input that
// arrives this early is dropped instead of being typed into the agent.
const controlSeqWindow = 50 * time.Millisecond

func (b *Backend) attachWithPTY(ctx context.Context, handle string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", sessionTarget(handle))
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	stdin := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(stdin, oldState) }()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	winchDone := make(chan struct{})
	defer func() {
		signal.Stop(sigwinch)
		close(winchDone)
	}()

	go func() {
		for {
			select {
			case <-winchDone:
				return
			case <-sigwinch:
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH

	detach := make(chan struct{})
	ioErrs := make(chan error, 2)
	started := time.Now()

	go func() {
		if _, err := io.Copy(os.Stdout, ptmx); err != nil && !errors.Is(err, io.EOF) {
			select {
			case ioErrs <- fmt.Errorf("pty read: %w", err):
			default:
			}
		}
	}()

	// stdin is read through a cancelable reader so the forwarding
	// goroutine is gone before the caller takes the terminal back.
	in, err := cancelreader.NewReader(os.Stdin)
	if err != nil {
		return fmt.Errorf("stdin reader: %w", err)
	}
	inputDone := make(chan struct{})
	defer func() {
		in.Cancel()
		<-inputDone
		_ = in.Close()
	}()
	go func() {
		defer close(inputDone)
		err := forwardInput(in, ptmx, started, func() {
			close(detach)
			cancel()
		})
		if err != nil {
			select {
			case ioErrs <- err:
			default:
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-detach:
		tmuxLog.Debug("attach_detached", slog.String("session", handle), slog.String("via", "ctrl+q"))
		return nil
	case err := <-done:
		if err == nil || isNormalDetach(err) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("tmux attach %s: %w", handle, err)
	case err := <-ioErrs:
		return err
	case <-ctx.Done():
		return nil
	}
}

// forwardInput copies keystrokes from in to the pty until in is canceled
// or ends. Input inside controlSeqWindow after started is dropped. A lone
// DetachKey calls onDetach and stops forwarding.
func forwardInput(in io.Reader, ptmx io.Writer, started time.Time, onDetach func()) error {
	buf := make([]byte, 32)
	for {
		n, err := in.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, cancelreader.ErrCanceled) {
				return nil
			}
			return fmt.Errorf("stdin read: %w", err)
		}
		if time.Since(started) < controlSeqWindow {
			continue
		}
		if n == 1 && buf[0] == DetachKey {
			onDetach()
			return nil
		}
		if _, err := ptmx.Write(buf[:n]); err != nil {
			return nil
		}
	}
}

// isNormalDetach reports tmux exit codes that mean the user detached.
func isNormalDetach(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == 0 || exitErr.ExitCode() == 1
	}
	return false
}
