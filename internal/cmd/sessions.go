package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-fleet/internal/backend"
	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
	"github.com/asheshgoplani/agent-fleet/internal/git"
	"github.com/asheshgoplani/agent-fleet/internal/session"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

// opTimeout bounds one-shot backend operations from the command line.
const opTimeout = 30 * time.Second

var (
	addTitle   string
	addTool    string
	addBackend string
	addGroup   string
	addCommand string
	addNoStart bool

	addWorktree     string
	addWorktreePath string

	listStatus string
	listGroup  string

	rmKeep         bool
	rmKeepWorktree bool
	rmForce        bool
	rmDeleteBranch bool

	sendNoEnter bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: GroupSessions,
	Short:   "List sessions",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var addCmd = &cobra.Command{
	Use:     "add [dir]",
	GroupID: GroupSessions,
	Short:   "Add a session and start its agent",
	Long: `Add a session working in dir (default: the current directory) and start
its agent process.

Examples:
  agent-fleet add ~/src/api -t api --tool claude
  agent-fleet add . --backend docker --group work/api
  agent-fleet add ~/src/api --worktree feat/login`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAdd,
}

var rmCmd = &cobra.Command{
	Use:     "rm <session>",
	Aliases: []string{"remove"},
	GroupID: GroupSessions,
	Short:   "Remove a session and kill its process",
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var renameCmd = &cobra.Command{
	Use:     "rename <session> <title>",
	GroupID: GroupSessions,
	Short:   "Change a session's title",
	Args:    cobra.ExactArgs(2),
	RunE:    runRename,
}

var moveCmd = &cobra.Command{
	Use:     "move <session> [group]",
	Aliases: []string{"mv"},
	GroupID: GroupSessions,
	Short:   "Move a session to a group (omit the group for the root)",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runMove,
}

var startCmd = &cobra.Command{
	Use:     "start <session>",
	GroupID: GroupSessions,
	Short:   "Start a stopped session",
	Args:    cobra.ExactArgs(1),
	RunE: lifecycle("started", func(ctx context.Context, r *session.Registry, id string) error {
		return r.Start(ctx, id)
	}),
}

var stopCmd = &cobra.Command{
	Use:     "stop <session>",
	GroupID: GroupSessions,
	Short:   "Stop a session's process but keep it registered",
	Args:    cobra.ExactArgs(1),
	RunE: lifecycle("stopped", func(ctx context.Context, r *session.Registry, id string) error {
		return r.Stop(ctx, id)
	}),
}

var restartCmd = &cobra.Command{
	Use:     "restart <session>",
	GroupID: GroupSessions,
	Short:   "Stop and start a session",
	Args:    cobra.ExactArgs(1),
	RunE: lifecycle("restarted", func(ctx context.Context, r *session.Registry, id string) error {
		return r.Restart(ctx, id)
	}),
}

var attachCmd = &cobra.Command{
	Use:     "attach <session>",
	GroupID: GroupSessions,
	Short:   "Attach the terminal to a session",
	Long: `Attach the terminal to a session until you detach.
Detach with Ctrl-Q. A stopped session is started first unless
start_on_attach is off.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

var sendCmd = &cobra.Command{
	Use:     "send <session> <text>...",
	GroupID: GroupSessions,
	Short:   "Type text into a session",
	Args:    cobra.MinimumNArgs(2),
	RunE:    runSend,
}

func init() {
	addCmd.Flags().StringVarP(&addTitle, "title", "t", "", "session title (default: directory name)")
	addCmd.Flags().StringVar(&addTool, "tool", string(status.ToolClaude), "agent tool: claude, opencode or shell")
	addCmd.Flags().StringVar(&addBackend, "backend", "", "tmux or docker (default: from config)")
	addCmd.Flags().StringVarP(&addGroup, "group", "g", "", "group id or path")
	addCmd.Flags().StringVarP(&addCommand, "command", "c", "", "command to run instead of the tool's default")
	addCmd.Flags().BoolVar(&addNoStart, "no-start", false, "register without starting the process")
	addCmd.Flags().StringVarP(&addWorktree, "worktree", "w", "", "run on a new git worktree of this branch")
	addCmd.Flags().StringVar(&addWorktreePath, "worktree-path", "", "worktree path template (default: from config)")

	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "only sessions in this state (or \"waiting\")")
	listCmd.Flags().StringVarP(&listGroup, "group", "g", "", "only sessions in this group and its subgroups")

	rmCmd.Flags().BoolVar(&rmKeep, "keep-process", false, "leave the backend process and worktree in place")
	rmCmd.Flags().BoolVar(&rmKeepWorktree, "keep-worktree", false, "leave the session's git worktree on disk")
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "remove the worktree even with uncommitted changes")
	rmCmd.Flags().BoolVar(&rmDeleteBranch, "delete-branch", false, "delete the worktree's branch too")

	sendCmd.Flags().BoolVar(&sendNoEnter, "no-enter", false, "do not press Enter after the text")

	rootCmd.AddCommand(listCmd, addCmd, rmCmd, renameCmd, moveCmd,
		startCmd, stopCmd, restartCmd, attachCmd, sendCmd)
}

type sessionJSON struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	WorkDir      string     `json:"work_dir"`
	Tool         string     `json:"tool"`
	Backend      string     `json:"backend"`
	Handle       string     `json:"handle"`
	Group        string     `json:"group,omitempty"`
	Status       string     `json:"status"`
	Attached     bool       `json:"attached,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	WorktreeBranch string `json:"worktree_branch,omitempty"`
	WorktreeRepo   string `json:"worktree_repo,omitempty"`
}

func toJSON(s session.Session, groups []session.Group) sessionJSON {
	j := sessionJSON{
		ID:        s.ID,
		Title:     s.Title,
		WorkDir:   s.WorkDir,
		Tool:      string(s.Tool),
		Backend:   string(s.Backend),
		Handle:    s.Handle,
		Group:     groupPath(groups, s.GroupID),
		Status:    string(s.Status),
		Attached:  s.Attached,
		CreatedAt: s.CreatedAt,
	}
	if !s.LastPolledAt.IsZero() {
		t := s.LastPolledAt
		j.LastPolledAt = &t
	}
	if s.Worktree != nil {
		j.WorktreeBranch = s.Worktree.Branch
		j.WorktreeRepo = s.Worktree.Repo
	}
	return j
}

// statusFilter parses --status. "waiting" selects both waiting states.
func statusFilter(v string) (func(status.State) bool, error) {
	if v == "" {
		return func(status.State) bool { return true }, nil
	}
	if strings.EqualFold(v, "waiting") {
		return status.State.IsWaiting, nil
	}
	want, err := status.ParseState(v)
	if err != nil {
		return nil, err
	}
	return func(s status.State) bool { return s == want }, nil
}

func runList(cmd *cobra.Command, _ []string) error {
	keep, err := statusFilter(listStatus)
	if err != nil {
		return err
	}
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	groups := a.Registry.Groups()
	inGroup := func(string) bool { return true }
	if listGroup != "" {
		g, err := resolveGroup(a.Registry, listGroup)
		if err != nil {
			return err
		}
		subtree := map[string]bool{g.ID: true}
		for changed := true; changed; {
			changed = false
			for _, c := range groups {
				if subtree[c.ParentID] && !subtree[c.ID] {
					subtree[c.ID], changed = true, true
				}
			}
		}
		inGroup = func(id string) bool { return subtree[id] }
	}

	var sessions []session.Session
	for _, s := range a.Registry.Sessions() {
		if keep(s.Status) && inGroup(s.GroupID) {
			sessions = append(sessions, s)
		}
	}

	out := newOutput(cmd)
	if out.jsonMode {
		items := make([]sessionJSON, 0, len(sessions))
		for _, s := range sessions {
			items = append(items, toJSON(s, groups))
		}
		out.JSON(items)
		return nil
	}
	if len(sessions) == 0 {
		out.Print("No sessions in profile %q.\n", a.Profile.Name)
		return nil
	}
	t := newTable("ID", "TITLE", "STATUS", "TOOL", "GROUP", "DIR").limit(1, 32).limit(5, 48)
	for _, s := range sessions {
		title := s.Title
		if s.Backend == backend.KindDocker {
			title += " [sandbox]"
		}
		t.add(shortID(s.ID), title, stateCell(s.Status), string(s.Tool), groupPath(groups, s.GroupID), tildePath(s.WorkDir))
	}
	if !out.quietMode {
		t.render(out.out)
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	abs, err := expandDir(dir)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return fmt.Errorf("%s is not a directory: %w", abs, errdefs.ErrNotFound)
	}

	opts := session.AddOptions{
		Title:   addTitle,
		WorkDir: abs,
		Tool:    status.ParseTool(addTool),
		Command: addCommand,
		Start:   !addNoStart,
	}
	if opts.Title == "" {
		opts.Title = filepath.Base(abs)
	}
	if opts.Tool == status.ToolUnknown && opts.Command == "" {
		return fmt.Errorf("unknown tool %q: pass --command to run something else", addTool)
	}
	if addBackend != "" {
		k, err := backend.ParseKind(addBackend)
		if err != nil {
			return err
		}
		opts.Backend = k
	}

	a, cfg, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if addWorktree != "" {
		if err := git.ValidateBranchName(addWorktree); err != nil {
			return err
		}
		tmpl := addWorktreePath
		if tmpl == "" {
			tmpl = cfg.Worktree.PathTemplate
		}
		opts.Worktree = &session.WorktreeOptions{Branch: addWorktree, PathTemplate: tmpl}
		if addTitle == "" {
			opts.Title = addWorktree
		}
	}
	if addGroup != "" {
		g, err := resolveGroup(a.Registry, addGroup)
		if err != nil {
			return err
		}
		opts.GroupID = g.ID
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()
	s, err := a.Registry.Add(ctx, opts)
	if err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("added %s (%s) in %s", s.Title, shortID(s.ID), tildePath(s.WorkDir)),
		toJSON(s, a.Registry.Groups()))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := resolveSession(a.Registry, args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()
	opts := session.RemoveOptions{
		KeepProcess:  rmKeep,
		KeepWorktree: rmKeepWorktree,
		Force:        rmForce,
		DeleteBranch: rmDeleteBranch,
	}
	if err := a.Registry.Remove(ctx, s.ID, opts); err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("removed %s", s.Title), map[string]any{"success": true, "id": s.ID})
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := resolveSession(a.Registry, args[0])
	if err != nil {
		return err
	}
	updated, err := a.Registry.Rename(s.ID, args[1])
	if err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("renamed %s to %s", s.Title, updated.Title), toJSON(updated, a.Registry.Groups()))
	return nil
}

func runMove(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := resolveSession(a.Registry, args[0])
	if err != nil {
		return err
	}
	groupID, where := "", "the root"
	if len(args) == 2 {
		g, err := resolveGroup(a.Registry, args[1])
		if err != nil {
			return err
		}
		groupID, where = g.ID, g.Name
	}
	updated, err := a.Registry.Move(s.ID, groupID)
	if err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("moved %s to %s", s.Title, where), toJSON(updated, a.Registry.Groups()))
	return nil
}

// lifecycle builds the RunE of start, stop and restart.
func lifecycle(done string, op func(context.Context, *session.Registry, string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := resolveSession(a.Registry, args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
		defer cancel()
		if err := op(ctx, a.Registry, s.ID); err != nil {
			return err
		}
		newOutput(cmd).Success(fmt.Sprintf("%s %s", done, s.Title), map[string]any{"success": true, "id": s.ID})
		return nil
	}
}

func runAttach(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("attach needs an interactive terminal: %w", errdefs.ErrInvalidState)
	}
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := resolveSession(a.Registry, args[0])
	if err != nil {
		return err
	}
	return a.Registry.Attach(cmd.Context(), s.ID)
}

func runSend(cmd *cobra.Command, args []string) error {
	a, _, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := resolveSession(a.Registry, args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	if !sendNoEnter {
		text += "\n"
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()
	if err := a.Registry.SendKeys(ctx, s.ID, text); err != nil {
		return err
	}
	newOutput(cmd).Success(fmt.Sprintf("sent to %s", s.Title), map[string]any{"success": true, "id": s.ID})
	return nil
}

// expandDir resolves ~ and makes dir absolute.
func expandDir(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Abs(dir)
}

// tildePath shortens paths under the home directory.
func tildePath(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if p == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(p, home+string(filepath.Separator)); ok {
		return "~/" + rest
	}
	return p
}
