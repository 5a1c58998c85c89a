package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseState(t *testing.T) {
	t.Parallel()
	for _, st := range AllStates {
		got, err := ParseState(string(st))
		assert.NoError(t, err)
		assert.Equal(t, st, got)
	}
	got, err := ParseState("Permission")
	assert.NoError(t, err)
	assert.Equal(t, WaitingPermission, got)

	_, err = ParseState("sleepy")
	assert.Error(t, err)
}

func TestStateHelpers(t *testing.T) {
	t.Parallel()
	assert.True(t, WaitingQuestion.IsWaiting())
	assert.False(t, Running.IsWaiting())
	assert.Equal(t, "permission", WaitingPermission.Label())
	assert.Equal(t, "unknown", State("").Label())
}

func TestParseTool(t *testing.T) {
	assert.Equal(t, ToolClaude, ParseTool("Claude-Code"))
	assert.Equal(t, ToolShell, ParseTool("zsh"))
	assert.Equal(t, ToolUnknown, ParseTool("cursor"))
	assert.Equal(t, "claude", ToolClaude.DefaultCommand())

	t.Setenv("SHELL", "/bin/zsh")
	assert.Equal(t, "/bin/zsh", ToolShell.DefaultCommand())
}
