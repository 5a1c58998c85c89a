package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-fleet/internal/session"
)

var (
	groupParent   string
	groupReassign bool
	groupCascade  bool
)

var groupCmd = &cobra.Command{
	Use:     "group",
	GroupID: GroupFleet,
	Short:   "Manage session groups",
	Long: `Groups are folders for sessions. They nest, and a group is named by its id
or by its path from the root, such as "work/api".`,
	RunE: requireSubcommand,
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the group tree with session counts",
	Args:    cobra.NoArgs,
	RunE:    runGroupList,
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupCreate,
}

var groupRenameCmd = &cobra.Command{
	Use:   "rename <group> <name>",
	Short: "Rename a group",
	Args:  cobra.ExactArgs(2),
	RunE:  runGroupRename,
}

var groupMoveCmd = &cobra.Command{
	Use:   "move <group> [parent]",
	Short: "Move a group under another one (omit the parent for the root)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runGroupMove,
}

var groupDeleteCmd = &cobra.Command{
	Use:     "delete <group>",
	Aliases: []string{"rm"},
	Short:   "Delete a group",
	Long: `Delete a group. A group that still holds sessions or subgroups is refused
unless --reassign moves its contents to the root or --cascade removes the
whole subtree, killing its sessions.`,
	Args: cobra.ExactArgs(1),
	RunE: runGroupDelete,
}

func init() {
	groupCreateCmd.Flags().StringVar(&groupParent, "parent", "", "parent group id or path")
	groupDeleteCmd.Flags().BoolVar(&groupReassign, "reassign", false, "move contents to the root")
	groupDeleteCmd.Flags().BoolVar(&groupCascade, "cascade", false, "remove the subtree and its sessions")
	groupDeleteCmd.MarkFlagsMutuallyExclusive("reassign", "cascade")

	groupCmd.AddCommand(groupListCmd, groupCreateCmd, groupRenameCmd, groupMoveCmd, groupDeleteCmd)
	rootCmd.AddCommand(groupCmd)
}

type groupJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	ParentID  string `json:"parent_id,omitempty"`
	Collapsed bool   `json:"collapsed,omitempty"`
	Sessions  int    `json:"sessions"`
	Waiting   int    `json:"waiting"`
}

func runGroupList(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	groups := a.Registry.Groups()
	sessions := a.Registry.Sessions()
	direct := make(map[string][]session.Session)
	for _, s := range sessions {
		direct[s.GroupID] = append(direct[s.GroupID], s)
	}
	children := make(map[string][]session.Group)
	for _, g := range groups {
		children[g.ParentID] = append(children[g.ParentID], g)
	}

	// tally counts a group's whole subtree.
	var tally func(id string) (total, waiting int)
	tally = func(id string) (int, int) {
		total, waiting := len(direct[id]), 0
		for _, s := range direct[id] {
			if s.Status.IsWaiting() {
				waiting++
			}
		}
		for _, c := range children[id] {
			t, w := tally(c.ID)
			total += t
			waiting += w
		}
		return total, waiting
	}

	out := newOutput(cmd)
	if out.jsonMode {
		items := make([]groupJSON, 0, len(groups))
		for _, g := range groups {
			t, w := tally(g.ID)
			items = append(items, groupJSON{
				ID: g.ID, Name: g.Name, Path: groupPath(groups, g.ID), ParentID: g.ParentID,
				Collapsed: g.Collapsed, Sessions: t, Waiting: w,
			})
		}
		out.JSON(items)
		return nil
	}
	if len(groups) == 0 {
		out.Print("No groups. Create one with: agent-fleet group create <name>\n")
		return nil
	}
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, g := range children[parent] {
			t, w := tally(g.ID)
			line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", depth), g.Name, dimStyle.Render(fmt.Sprintf("(%d)", t)))
			if w > 0 {
				line += " " + waitStyle.Render(fmt.Sprintf("◐ %d waiting", w))
			}
			out.Print("%s  %s\n", line, dimStyle.Render(shortID(g.ID)))
			walk(g.ID, depth+1)
		}
	}
	walk("", 0)
	if n := len(direct[""]); n > 0 {
		out.Print("%s\n", dimStyle.Render(fmt.Sprintf("%d ungrouped", n)))
	}
	return nil
}

func runGroupCreate(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	parentID := ""
	if groupParent != "" {
		p, err := resolveGroup(a.Registry, groupParent)
		if err != nil {
			return err
		}
		parentID = p.ID
	}
	g, err := a.Registry.CreateGroup(args[0], parentID)
	if err != nil {
		return err
	}
	groups := a.Registry.Groups()
	newOutput(cmd).Success(fmt.Sprintf("created group %s (%s)", groupPath(groups, g.ID), shortID(g.ID)),
		groupJSON{ID: g.ID, Name: g.Name, Path: groupPath(groups, g.ID), ParentID: g.ParentID})
	return nil
}

func runGroupRename(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := resolveGroup(a.Registry, args[0])
	if err != nil {
		return err
	}
	updated, err := a.Registry.RenameGroup(g.ID, args[1])
	if err != nil {
		return err
	}
	groups := a.Registry.Groups()
	newOutput(cmd).Success(fmt.Sprintf("renamed group %s to %s", g.Name, updated.Name),
		groupJSON{ID: updated.ID, Name: updated.Name, Path: groupPath(groups, updated.ID), ParentID: updated.ParentID})
	return nil
}

func runGroupMove(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := resolveGroup(a.Registry, args[0])
	if err != nil {
		return err
	}
	parentID, where := "", "the root"
	if len(args) == 2 {
		p, err := resolveGroup(a.Registry, args[1])
		if err != nil {
			return err
		}
		parentID, where = p.ID, p.Name
	}
	updated, err := a.Registry.MoveGroup(g.ID, parentID)
	if err != nil {
		return err
	}
	groups := a.Registry.Groups()
	newOutput(cmd).Success(fmt.Sprintf("moved group %s to %s", g.Name, where),
		groupJSON{ID: updated.ID, Name: updated.Name, Path: groupPath(groups, updated.ID), ParentID: updated.ParentID})
	return nil
}

func runGroupDelete(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := resolveGroup(a.Registry, args[0])
	if err != nil {
		return err
	}
	policy := session.DeleteForbid
	switch {
	case groupReassign:
		policy = session.DeleteReassign
	case groupCascade:
		policy = session.DeleteCascade
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()
	if err := a.Registry.DeleteGroup(ctx, g.ID, policy); err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("deleted group %s (%s)", g.Name, policy),
		map[string]any{"success": true, "id": g.ID, "policy": policy.String()})
	return nil
}
