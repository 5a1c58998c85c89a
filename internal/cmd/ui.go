package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-fleet/internal/ui"
)

var uiCmd = &cobra.Command{
	Use:     "ui",
	GroupID: GroupSessions,
	Short:   "Open the dashboard (the default command)",
	Args:    cobra.NoArgs,
	RunE:    runUI,
}

func init() {
	rootCmd.AddCommand(uiCmd)
}

func runUI(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("the dashboard needs a terminal; try 'agent-fleet list'")
	}

	a, cfg, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ui.InitTheme(cfg.ResolveTheme())
	opts := []ui.Option{ui.WithProfile(a.Profile.Name)}
	if !a.ReadOnly() {
		opts = append(opts, ui.WithHealth(a.Scheduler.Health))
	}
	if cfg.Theme == "system" {
		if tw := ui.NewThemeWatcher(ctx); tw != nil {
			opts = append(opts, ui.WithThemeWatcher(tw))
		}
	}
	model := ui.New(a.Registry, opts...)
	defer model.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	cancel()
	<-runErr
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
