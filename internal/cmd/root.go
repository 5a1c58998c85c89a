// Package cmd provides the agent-fleet command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// Exit codes.
const (
	ExitOK            = 0
	ExitError         = 1
	ExitNotFound      = 2
	ExitInvalidState  = 3
	ExitAlreadyExists = 4
	ExitUnavailable   = 5
	ExitUsage         = 64
)

const (
	GroupSessions = "sessions"
	GroupFleet    = "fleet"
	GroupDiag     = "diag"
)

var logOnce sync.Once

var (
	profileFlag string
	jsonFlag    bool
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "agent-fleet",
	Short: "Supervise AI coding agents running in tmux and docker",
	Long: `agent-fleet keeps a registry of agent sessions per profile, polls their
terminals to tell which ones are busy or waiting on you, and lets you jump
into any of them.

Run without a command to open the dashboard.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	RunE:              runUI,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupSessions, Title: "Sessions:"},
		&cobra.Group{ID: GroupFleet, Title: "Groups, profiles and services:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&profileFlag, "profile", "p", "", "profile to use (default: $"+config.EnvProfile+", then config)")
	pf.BoolVar(&jsonFlag, "json", false, "print JSON")
	pf.BoolVarP(&quietFlag, "quiet", "q", false, "print nothing on success")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer logging.Shutdown()
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return ExitOK
	}
	newOutput(cmd).Error(err)
	return exitCode(err)
}

// setup loads the config and starts logging before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	initColorProfile()
	cfg, err := config.Get()
	if err != nil {
		// A broken config file still leaves usable defaults.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	logOnce.Do(func() {
		if dir, derr := config.Dir(); derr == nil {
			logging.Init(cfg.LoggingConfig(dir))
			logging.RedirectStdLog(logging.CompCLI)
		}
	})
	logging.ForComponent(logging.CompCLI).Debug("command_start", "command", cmd.CommandPath())
	return nil
}

// exitCode maps the error taxonomy onto process exit codes.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.code
	case errdefs.IsNotFound(err):
		return ExitNotFound
	case errdefs.IsInvalidState(err):
		return ExitInvalidState
	case errdefs.IsAlreadyExists(err):
		return ExitAlreadyExists
	case errdefs.IsUnavailable(err):
		return ExitUnavailable
	case isUsageError(err):
		return ExitUsage
	default:
		return ExitError
	}
}

// exitError carries an explicit exit code. An empty message prints nothing.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func silentExit(code int) error { return &exitError{code: code} }

func isUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "arg(s), received") ||
		strings.HasPrefix(msg, "requires a subcommand")
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", cmd.CommandPath())
	}
	return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
}

// initColorProfile honours AGENT_FLEET_COLOR, otherwise lets termenv
// detect the terminal.
func initColorProfile() {
	switch strings.ToLower(os.Getenv("AGENT_FLEET_COLOR")) {
	case "truecolor", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
	case "16", "ansi":
		lipgloss.SetColorProfile(termenv.ANSI)
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		if os.Getenv("NO_COLOR") != "" {
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	}
}
