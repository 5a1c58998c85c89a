package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-fleet/internal/app"
	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

var classifyTool string

var fixturesCmd = &cobra.Command{
	Use:     "fixtures",
	GroupID: GroupDiag,
	Short:   "Work with captured screen fixtures",
	RunE:    requireSubcommand,
}

var fixturesVerifyCmd = &cobra.Command{
	Use:   "verify <dir>",
	Short: "Classify every fixture under dir and report mismatches",
	Long: `Classify every fixture under dir, laid out as <tool>/<state>/*.txt, with the
patterns from your config. Exits 1 when any fixture is misclassified.`,
	Args: cobra.ExactArgs(1),
	RunE: runFixturesVerify,
}

var classifyCmd = &cobra.Command{
	Use:     "classify [file]",
	GroupID: GroupDiag,
	Short:   "Classify a captured screen (file or stdin)",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runClassify,
}

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: GroupDiag,
	Short:   "Print the version",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := newOutput(cmd)
		if out.jsonMode {
			out.JSON(map[string]string{"version": Version, "go": runtime.Version()})
			return nil
		}
		fmt.Fprintf(out.out, "agent-fleet %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyTool, "tool", string(status.ToolClaude), "tool whose patterns to use")
	fixturesCmd.AddCommand(fixturesVerifyCmd)
	rootCmd.AddCommand(fixturesCmd, classifyCmd, versionCmd)
}

func runFixturesVerify(cmd *cobra.Command, args []string) error {
	fixtures, err := status.LoadFixtures(args[0])
	if err != nil {
		return err
	}
	cfg, _ := config.Get()
	mismatches := status.VerifyFixtures(app.NewClassifier(cfg), fixtures)

	out := newOutput(cmd)
	if out.jsonMode {
		bad := make([]map[string]string, 0, len(mismatches))
		for _, m := range mismatches {
			bad = append(bad, map[string]string{
				"path": m.Fixture.Path, "tool": string(m.Fixture.Tool),
				"expected": string(m.Fixture.Expected), "got": string(m.Got),
			})
		}
		out.JSON(map[string]any{"total": len(fixtures), "mismatches": bad})
	} else {
		for _, m := range mismatches {
			out.Print("%s %s\n", failStyle.Render(symbolFail), m)
		}
		out.Print("%d fixtures, %d mismatched\n", len(fixtures), len(mismatches))
	}
	if len(mismatches) > 0 {
		return silentExit(ExitError)
	}
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	tool := status.ParseTool(classifyTool)
	if tool == status.ToolUnknown {
		return fmt.Errorf("unknown tool %q", classifyTool)
	}
	var (
		raw []byte
		err error
	)
	if len(args) == 1 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return err
	}

	cfg, _ := config.Get()
	state := app.NewClassifier(cfg).Classify(tool, string(raw))
	out := newOutput(cmd)
	if out.jsonMode {
		out.JSON(map[string]string{"tool": string(tool), "state": string(state)})
		return nil
	}
	fmt.Fprintln(out.out, state)
	return nil
}
