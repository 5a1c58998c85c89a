package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupSessions,
	Short:   "Show session counts by state",
	Long: `Show how many sessions are in each state. The exit code is 0 either way;
use --json for scripts and status bars.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: GroupFleet,
	Short:   "Poll sessions headlessly and print state changes",
	Long: `Run the poller without a dashboard and print one line per state change.
Only one process polls a profile; watch fails if another one already does.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(statusCmd, watchCmd)
}

type statusJSON struct {
	Profile string         `json:"profile"`
	Total   int            `json:"total"`
	Waiting int            `json:"waiting"`
	ByState map[string]int `json:"by_state"`
}

func countsJSON(profile string, c session.Counts) statusJSON {
	j := statusJSON{Profile: profile, Total: c.Total, Waiting: c.Waiting(), ByState: make(map[string]int, len(status.AllStates))}
	for _, s := range status.AllStates {
		j.ByState[string(s)] = c.ByState[s]
	}
	return j
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	c := a.Registry.Counts()
	out := newOutput(cmd)
	if out.jsonMode {
		out.JSON(countsJSON(a.Profile.Name, c))
		return nil
	}
	parts := make([]string, 0, len(status.AllStates))
	for _, s := range status.AllStates {
		if n := c.ByState[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, stateCell(s)))
		}
	}
	out.Print("%s: %d sessions", a.Profile.Name, c.Total)
	if len(parts) > 0 {
		out.Print(" (%s)", strings.Join(parts, ", "))
	}
	out.Print("\n")
	if w := c.Waiting(); w > 0 {
		out.Print("%s\n", waitStyle.Render(fmt.Sprintf("%d waiting on you", w)))
	}
	return nil
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.ReadOnly() {
		return fmt.Errorf("profile %q is already polled by another process: %w", a.Profile.Name, errdefs.ErrInvalidState)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	events, cancel := a.Registry.Subscribe()
	defer cancel()

	out := newOutput(cmd)
	out.Print("watching %s (%d sessions), Ctrl-C to stop\n", a.Profile.Name, len(a.Registry.Sessions()))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	for {
		select {
		case err := <-done:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			for _, t := range ev.Transitions {
				cliLog.Debug("transition", slog.String("session", t.ID), slog.String("to", string(t.To)))
				if out.jsonMode {
					out.JSON(map[string]any{
						"id": t.ID, "title": t.Title, "from": t.From, "to": t.To, "at": t.At,
					})
					continue
				}
				out.Print("%s  %-24s %s → %s\n", t.At.Format(time.TimeOnly), t.Title, stateCell(t.From), stateCell(t.To))
			}
		}
	}
}
