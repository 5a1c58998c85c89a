package session

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var handleRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestDeriveHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		profile string
		title   string
		id      string
		want    string
	}{
		{"default profile omitted", "default", "fix login", "a1b2c3d4e5f60718", "fleet_fix-login_a1b2c3d4"},
		{"empty profile omitted", "", "api", "a1b2c3d4e5f60718", "fleet_api_a1b2c3d4"},
		{"named profile", "work", "api", "a1b2c3d4e5f60718", "fleet_work_api_a1b2c3d4"},
		{"title truncated", "default", "a very long session title here", "0011223344556677", "fleet_a-very-long-session-_00112233"},
		{"punctuation replaced", "default", "feat: x/y.z", "0011223344556677", "fleet_feat--x-y-z_00112233"},
		{"empty title", "default", "   ", "0011223344556677", "fleet_session_00112233"},
		{"unicode replaced", "default", "café", "0011223344556677", "fleet_caf-_00112233"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := DeriveHandle(tc.profile, tc.title, tc.id)
			assert.Equal(t, tc.want, got)
			assert.Regexp(t, handleRe, got)
		})
	}
}

func TestDeriveHandleDeterministic(t *testing.T) {
	t.Parallel()
	a := DeriveHandle("work", "same title", "abcdef0123456789")
	b := DeriveHandle("work", "same title", "abcdef0123456789")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DeriveHandle("home", "same title", "abcdef0123456789"),
		"profiles never share handles")
}

func TestNewID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		assert.Len(t, id, 16)
		assert.Equal(t, strings.ToLower(id), id)
		assert.Regexp(t, `^[0-9a-f]{16}$`, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
