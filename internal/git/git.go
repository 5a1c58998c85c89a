// Package git creates and removes the worktrees sessions can run in.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-fleet/internal/errdefs"
)

// ErrNotRepo is returned for directories outside any git repository.
var ErrNotRepo = errors.New("not a git repository")

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo reports whether dir is inside a git repository.
func IsRepo(ctx context.Context, dir string) bool {
	_, err := run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// RepoRoot returns the main working tree of the repository holding dir.
// Called from inside a linked worktree it follows --git-common-dir back to
// the main checkout, so new worktrees are never nested.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	common, err := run(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("%s: %w", dir, ErrNotRepo)
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(dir, common)
	}
	common = filepath.Clean(common)
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	top, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		// Bare repository: worktrees go next to it.
		return common, nil
	}
	return top, nil
}

// BranchExists reports whether a local branch exists.
func BranchExists(ctx context.Context, repoDir, branch string) bool {
	_, err := run(ctx, repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ValidateBranchName applies git's ref naming rules.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return errors.New("branch name cannot be empty")
	case strings.TrimSpace(name) != name:
		return errors.New("branch name cannot have leading or trailing spaces")
	case strings.Contains(name, ".."):
		return errors.New("branch name cannot contain '..'")
	case strings.HasPrefix(name, "."), strings.HasPrefix(name, "-"):
		return fmt.Errorf("branch name cannot start with %q", name[:1])
	case strings.HasSuffix(name, ".lock"):
		return errors.New("branch name cannot end with '.lock'")
	case strings.Contains(name, "@{"):
		return errors.New("branch name cannot contain '@{'")
	case name == "@":
		return errors.New("branch name cannot be just '@'")
	}
	for _, c := range []string{" ", "\t", "~", "^", ":", "?", "*", "[", "\\"} {
		if strings.Contains(name, c) {
			return fmt.Errorf("branch name cannot contain %q", c)
		}
	}
	return nil
}

// CreateWorktree checks out branch at path, creating the branch from HEAD
// when it does not exist yet. It reports whether the branch was created.
func CreateWorktree(ctx context.Context, repoDir, path, branch string) (bool, error) {
	if err := ValidateBranchName(branch); err != nil {
		return false, fmt.Errorf("invalid branch name: %w", err)
	}
	if !IsRepo(ctx, repoDir) {
		return false, fmt.Errorf("%s: %w", repoDir, ErrNotRepo)
	}
	if _, err := os.Stat(path); err == nil {
		return false, fmt.Errorf("worktree path %s: %w", path, errdefs.ErrAlreadyExists)
	}
	// A directory deleted by hand still blocks its path until pruned.
	if _, err := run(ctx, repoDir, "worktree", "prune"); err != nil {
		return false, err
	}

	args := []string{"worktree", "add", path, branch}
	created := !BranchExists(ctx, repoDir, branch)
	if created {
		args = []string{"worktree", "add", "-b", branch, path}
	}
	if _, err := run(ctx, repoDir, args...); err != nil {
		return false, err
	}
	return created, nil
}

// RemoveWorktree removes the worktree at path. Force discards uncommitted
// changes.
func RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, _ = run(ctx, repoDir, "worktree", "prune")
		return fmt.Errorf("worktree %s: %w", path, errdefs.ErrNotFound)
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := run(ctx, repoDir, append(args, path)...)
	return err
}

// DeleteBranch deletes a local branch, forcing it when it is not merged.
func DeleteBranch(ctx context.Context, repoDir, branch string) error {
	_, err := run(ctx, repoDir, "branch", "-d", branch)
	if err != nil && strings.Contains(err.Error(), "not fully merged") {
		_, err = run(ctx, repoDir, "branch", "-D", branch)
	}
	return err
}
