package status

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Fixture is one captured screen with its expected state.
type Fixture struct {
	Path     string
	Tool     Tool
	Expected State
	Text     string
}

// Mismatch is a fixture whose classification disagreed with its label.
type Mismatch struct {
	Fixture Fixture
	Got     State
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: expected %s, got %s", m.Fixture.Path, m.Fixture.Expected, m.Got)
}

// LoadFixtures reads root/<tool>/<state>/*.txt. Leading lines that start
// with '#' are treated as a header and dropped.
func LoadFixtures(root string) ([]Fixture, error) {
	toolDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read fixture root: %w", err)
	}
	var out []Fixture
	for _, td := range toolDirs {
		if !td.IsDir() {
			continue
		}
		tool := ParseTool(td.Name())
		if tool == ToolUnknown {
			return nil, fmt.Errorf("fixture dir %q: unknown tool", td.Name())
		}
		stateDirs, err := os.ReadDir(filepath.Join(root, td.Name()))
		if err != nil {
			return nil, err
		}
		for _, sd := range stateDirs {
			if !sd.IsDir() {
				continue
			}
			state, err := ParseState(sd.Name())
			if err != nil {
				return nil, fmt.Errorf("fixture dir %s/%s: %w", td.Name(), sd.Name(), err)
			}
			dir := filepath.Join(root, td.Name(), sd.Name())
			files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				data, err := os.ReadFile(f)
				if err != nil {
					return nil, err
				}
				out = append(out, Fixture{
					Path:     f,
					Tool:     tool,
					Expected: state,
					Text:     stripHeader(string(data)),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func stripHeader(s string) string {
	for strings.HasPrefix(s, "#") {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			return ""
		}
		s = s[i+1:]
	}
	return s
}

// VerifyFixtures classifies every fixture and returns the mismatches.
func VerifyFixtures(c *Classifier, fixtures []Fixture) []Mismatch {
	var out []Mismatch
	for _, f := range fixtures {
		if got := c.Classify(f.Tool, f.Text); got != f.Expected {
			out = append(out, Mismatch{Fixture: f, Got: got})
		}
	}
	return out
}
