package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-fleet/internal/config"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/session"
)

var profileCmd = &cobra.Command{
	Use:     "profile",
	GroupID: GroupFleet,
	Short:   "Manage profiles",
	Long: `A profile is an independent set of sessions and groups with its own
database. Select one with -p, $` + config.EnvProfile + ` or the config default.`,
	RunE: requireSubcommand,
}

var profileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List profiles",
	Args:    cobra.NoArgs,
	RunE:    runProfileList,
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an empty profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileCreate,
}

var profileDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a profile and all its sessions' records",
	Long: `Delete a profile's database. Its backend processes are left running.
The default profile and a profile being polled cannot be deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileDelete,
}

var profileDefaultCmd = &cobra.Command{
	Use:   "default [name]",
	Short: "Show or set the default profile",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfileDefault,
}

func init() {
	profileCmd.AddCommand(profileListCmd, profileCreateCmd, profileDeleteCmd, profileDefaultCmd)
	rootCmd.AddCommand(profileCmd)
}

func runProfileList(cmd *cobra.Command, _ []string) error {
	names, err := session.ListProfiles()
	if err != nil {
		return err
	}
	cfg, _ := config.Get()
	active := cfg.ResolveProfile(profileFlag)

	out := newOutput(cmd)
	if out.jsonMode {
		out.JSON(map[string]any{"profiles": names, "active": active, "default": cfg.DefaultProfile})
		return nil
	}
	if len(names) == 0 {
		out.Print("No profiles yet. The %q profile is created on first use.\n", active)
		return nil
	}
	for _, n := range names {
		marker := " "
		if n == active {
			marker = okStyle.Render(symbolDot)
		}
		suffix := ""
		if n == cfg.DefaultProfile {
			suffix = dimStyle.Render(" (default)")
		}
		out.Print("%s %s%s\n", marker, n, suffix)
	}
	return nil
}

func runProfileCreate(cmd *cobra.Command, args []string) error {
	p, err := session.CreateProfile(args[0])
	if err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("created profile %s", p.Name), map[string]any{"success": true, "name": p.Name, "dir": p.Dir})
	return nil
}

func runProfileDelete(cmd *cobra.Command, args []string) error {
	cfg, _ := config.Get()
	if args[0] == cfg.DefaultProfile {
		return fmt.Errorf("profile %q is the configured default; pick another default first: %w", args[0], errdefs.ErrInvalidState)
	}
	if err := session.DeleteProfile(args[0]); err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("deleted profile %s", args[0]), map[string]any{"success": true, "name": args[0]})
	return nil
}

func runProfileDefault(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)
	if len(args) == 0 {
		cfg, _ := config.Get()
		if out.jsonMode {
			out.JSON(map[string]any{"default": cfg.DefaultProfile})
			return nil
		}
		out.Print("%s\n", cfg.DefaultProfile)
		return nil
	}

	name := args[0]
	if err := session.ValidateProfileName(name); err != nil {
		return err
	}
	p, err := session.GetProfile(name)
	if err != nil {
		return err
	}
	if !p.Exists() {
		return fmt.Errorf("profile %q: %w", name, errdefs.ErrNotFound)
	}

	path, err := config.Path()
	if err != nil {
		return err
	}
	// The cached config falls back to defaults on a parse error; never
	// write those back over the user's file.
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("refusing to rewrite %s: %w", path, err)
	}
	cfg.DefaultProfile = name
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	config.ClearCache()
	out.Success(fmt.Sprintf("default profile is now %s", name), map[string]any{"success": true, "default": name})
	return nil
}
