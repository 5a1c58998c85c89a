package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDefaultRawPatterns(t *testing.T) {
	t.Parallel()
	for _, tool := range KnownTools {
		raw := DefaultRawPatterns(tool)
		require.NotNil(t, raw, tool)
		assert.NotEmpty(t, raw.PermissionPatterns, tool)
		assert.NotEmpty(t, raw.PromptPatterns, tool)
	}
	assert.Nil(t, DefaultRawPatterns(ToolUnknown))

	claude := DefaultRawPatterns(ToolClaude)
	assert.Contains(t, claude.BusyPatterns, "ctrl+c to interrupt")
	assert.NotEmpty(t, claude.SpinnerChars)
	assert.Greater(t, len(claude.WhimsicalWords), 80)
}

func TestDefaultRawPatternsReturnsFreshCopy(t *testing.T) {
	t.Parallel()
	a := DefaultRawPatterns(ToolClaude)
	a.BusyPatterns[0] = "mutated"
	b := DefaultRawPatterns(ToolClaude)
	assert.NotEqual(t, "mutated", b.BusyPatterns[0])
}

func TestMergeRawPatterns(t *testing.T) {
	t.Parallel()
	defaults := &RawPatterns{
		BusyPatterns:   []string{"busy"},
		PromptPatterns: []string{"$"},
		SpinnerChars:   []string{"x"},
	}

	t.Run("override replaces", func(t *testing.T) {
		out := MergeRawPatterns(defaults, &RawPatterns{BusyPatterns: []string{"other"}}, nil)
		assert.Equal(t, []string{"other"}, out.BusyPatterns)
		assert.Equal(t, []string{"$"}, out.PromptPatterns)
	})

	t.Run("empty override clears", func(t *testing.T) {
		out := MergeRawPatterns(defaults, &RawPatterns{SpinnerChars: []string{}}, nil)
		assert.Empty(t, out.SpinnerChars)
	})

	t.Run("extras append", func(t *testing.T) {
		out := MergeRawPatterns(defaults, nil, &RawPatterns{BusyPatterns: []string{"more"}})
		assert.Equal(t, []string{"busy", "more"}, out.BusyPatterns)
	})

	t.Run("defaults untouched", func(t *testing.T) {
		MergeRawPatterns(defaults, nil, &RawPatterns{BusyPatterns: []string{"more"}})
		assert.Equal(t, []string{"busy"}, defaults.BusyPatterns)
	})

	t.Run("nil defaults", func(t *testing.T) {
		out := MergeRawPatterns(nil, nil, &RawPatterns{PromptPatterns: []string{">"}})
		assert.Equal(t, []string{">"}, out.PromptPatterns)
	})
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultPriority, parsePriority(nil))
	assert.Equal(t, DefaultPriority, parsePriority([]string{"bogus", "stopped"}))
	assert.Equal(t,
		[]State{Running, WaitingQuestion},
		parsePriority([]string{"busy", "question", "running"}))
}

func TestCompileMatcher(t *testing.T) {
	t.Parallel()
	m := compileMatcher("test", []string{"Hello", "re:^wor+ld$", "", "re:("}, true)
	assert.Len(t, m.subs, 1)
	assert.Len(t, m.res, 1)
	assert.True(t, m.match("say hello"))
	assert.True(t, m.match("worrrld"))
	assert.False(t, m.match("Hello"))
	assert.True(t, matcher{}.empty())
}

func TestSpinnerRegexps(t *testing.T) {
	t.Parallel()
	res := spinnerRegexps([]string{"⠋", "*"}, []string{"pondering"})
	require.Len(t, res, 2)

	hit := func(s string) bool {
		for _, re := range res {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}
	assert.True(t, hit("⠋ Pondering (3s)"))
	assert.True(t, hit("* Anything at all… (5s)"))
	assert.False(t, hit("⠋ Pondering"))
	assert.Nil(t, spinnerRegexps(nil, []string{"x"}))
}
