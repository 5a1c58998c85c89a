package status

import (
	"os"
	"strings"
)

// Tool identifies the agent CLI running inside a session. It selects the
// classifier strategy.
type Tool string

const (
	ToolUnknown  Tool = "unknown"
	ToolClaude   Tool = "claude"
	ToolOpenCode Tool = "opencode"
	ToolShell    Tool = "shell"
)

// KnownTools lists the tools with a built-in strategy.
var KnownTools = []Tool{ToolClaude, ToolOpenCode, ToolShell}

// ParseTool maps a name to a Tool. Unrecognised names map to ToolUnknown,
// which disables classification.
func ParseTool(name string) Tool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "claude", "claude-code":
		return ToolClaude
	case "opencode", "open-code":
		return ToolOpenCode
	case "shell", "sh", "bash", "zsh":
		return ToolShell
	default:
		return ToolUnknown
	}
}

// DefaultCommand is the command a new session of this tool runs when the
// user does not supply one.
func (t Tool) DefaultCommand() string {
	switch t {
	case ToolClaude:
		return "claude"
	case ToolOpenCode:
		return "opencode"
	default:
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh
		}
		return "/bin/sh"
	}
}
