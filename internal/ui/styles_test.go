package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asheshgoplani/agent-fleet/internal/status"
)

func TestInitThemeFallsBackToDark(t *testing.T) {
	t.Cleanup(func() { InitTheme(string(ThemeDark)) })

	InitTheme("light")
	assert.Equal(t, ThemeLight, CurrentTheme())
	InitTheme("solarized")
	assert.Equal(t, ThemeDark, CurrentTheme())
}

func TestEveryStateHasIconAndStyle(t *testing.T) {
	icons := map[string]bool{}
	for _, st := range status.AllStates {
		icon := stateIcon(st)
		assert.NotEmpty(t, icon, st)
		icons[icon] = true
		assert.NotPanics(t, func() { stateStyle(st).Render("x") })
	}
	assert.Len(t, icons, 5, "both waiting states share an icon")
	assert.Equal(t, stateStyle(status.Unknown), stateStyle(status.State("bogus")))
}
