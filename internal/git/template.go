package git

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultPathTemplate places worktrees in a directory next to the repo.
const DefaultPathTemplate = "../{repo-name}-worktrees/{branch}"

var branchSanitizer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "-",
	"\"", "-",
	"<", "-",
	">", "-",
	"|", "-",
	"@", "-",
	"#", "-",
	" ", "-",
)

var consecutiveDashes = regexp.MustCompile(`-{2,}`)

// PathOptions names the inputs of a worktree path.
type PathOptions struct {
	RepoDir   string
	Branch    string
	SessionID string
	Template  string
}

func sanitizeBranchForPath(branch string) string {
	out := branchSanitizer.Replace(branch)
	out = consecutiveDashes.ReplaceAllString(out, "-")
	return strings.Trim(out, "-")
}

// WorktreePath expands opts.Template, or DefaultPathTemplate, with
// {repo-name}, {repo-root}, {branch} and {session-id}. Relative results are
// taken from the repo root. Unknown placeholders are left alone.
//
// Templates come from the user's own configuration, so the result is not
// confined to any directory.
func WorktreePath(opts PathOptions) string {
	tmpl := opts.Template
	if tmpl == "" {
		tmpl = DefaultPathTemplate
	}
	repoName := filepath.Base(opts.RepoDir)
	if repoName == "." || repoName == string(filepath.Separator) {
		repoName = "repo"
	}
	resolved := strings.NewReplacer(
		"{repo-name}", repoName,
		"{repo-root}", opts.RepoDir,
		"{branch}", sanitizeBranchForPath(opts.Branch),
		"{session-id}", opts.SessionID,
	).Replace(tmpl)
	if strings.HasPrefix(resolved, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			resolved = filepath.Join(home, resolved[2:])
		}
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(opts.RepoDir, resolved)
	}
	return filepath.Clean(resolved)
}

// NewPathID returns 8 random hex characters for {session-id}.
func NewPathID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
