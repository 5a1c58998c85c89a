package status

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTailLines is the size of the window classified from the end of
	// a capture.
	DefaultTailLines = 50

	bottomRegionLines = 20
	promptRegionLines = 5
)

// Snapshot is one classified capture. It is never persisted.
type Snapshot struct {
	Text       string
	Tool       Tool
	State      State
	CapturedAt time.Time
}

// Strategy is the compiled classifier for one tool.
type Strategy struct {
	Tool     Tool
	Priority []State

	// Lowercase folds screen text (and plain patterns) before matching.
	Lowercase bool

	busy       matcher
	permission matcher
	question   matcher
	prompt     matcher
}

// NewStrategy compiles raw patterns for tool.
func NewStrategy(tool Tool, raw *RawPatterns) *Strategy {
	if raw == nil {
		raw = &RawPatterns{}
	}
	fold := tool == ToolOpenCode
	s := &Strategy{
		Tool:       tool,
		Priority:   parsePriority(raw.Priority),
		Lowercase:  fold,
		busy:       compileMatcher("busy", raw.BusyPatterns, fold),
		permission: compileMatcher("permission", raw.PermissionPatterns, fold),
		question:   compileMatcher("question", raw.QuestionPatterns, fold),
		prompt:     compileMatcher("prompt", raw.PromptPatterns, fold),
	}
	s.busy.res = append(s.busy.res, spinnerRegexps(raw.SpinnerChars, raw.WhimsicalWords)...)
	return s
}

// Classify runs the strategy over already stripped text.
func (s *Strategy) Classify(text string) State {
	if s.Lowercase {
		text = strings.ToLower(text)
	}
	lines := strings.Split(text, "\n")
	nonBlank := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) != "" {
			nonBlank = append(nonBlank, l)
		}
	}
	if len(nonBlank) == 0 {
		return Unknown
	}
	bottom := strings.Join(lastN(nonBlank, bottomRegionLines), "\n")

	for _, st := range s.Priority {
		switch st {
		case WaitingPermission:
			if s.permission.match(bottom) {
				return st
			}
		case WaitingQuestion:
			if s.question.match(bottom) {
				return st
			}
		case Running:
			if s.busy.match(text) {
				return st
			}
		case Idle:
			for _, l := range lastN(nonBlank, promptRegionLines) {
				if s.prompt.match(strings.TrimSpace(l)) {
					return st
				}
			}
		}
	}
	return Unknown
}

// Classifier maps tools to strategies. It is safe for concurrent use and
// its strategy table can be swapped when the configuration changes.
type Classifier struct {
	mu         sync.RWMutex
	strategies map[Tool]*Strategy
	tailLines  int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTailLines sets the classification window.
func WithTailLines(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.tailLines = n
		}
	}
}

// WithPatterns replaces the patterns of a tool.
func WithPatterns(tool Tool, raw *RawPatterns) Option {
	return func(c *Classifier) {
		c.strategies[tool] = NewStrategy(tool, raw)
	}
}

// New returns a classifier with the built-in strategy of every known tool.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		strategies: defaultStrategies(),
		tailLines:  DefaultTailLines,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func defaultStrategies() map[Tool]*Strategy {
	m := make(map[Tool]*Strategy, len(KnownTools))
	for _, t := range KnownTools {
		m[t] = NewStrategy(t, DefaultRawPatterns(t))
	}
	return m
}

// SetPatterns swaps the strategy for one tool at runtime.
func (c *Classifier) SetPatterns(tool Tool, raw *RawPatterns) {
	s := NewStrategy(tool, raw)
	c.mu.Lock()
	c.strategies[tool] = s
	c.mu.Unlock()
}

// SetTailLines changes the window size at runtime.
func (c *Classifier) SetTailLines(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.tailLines = n
	c.mu.Unlock()
}

// TailLines returns the current window size.
func (c *Classifier) TailLines() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tailLines
}

// Strategy returns the strategy for tool, or nil.
func (c *Classifier) Strategy(tool Tool) *Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.strategies[tool]
}

// Classify maps raw captured text to a state. It is deterministic: equal
// inputs always give equal results.
func (c *Classifier) Classify(tool Tool, raw string) State {
	c.mu.RLock()
	s := c.strategies[tool]
	n := c.tailLines
	c.mu.RUnlock()
	if s == nil {
		return Unknown
	}
	return s.Classify(Tail(StripANSI(raw), n))
}

// Snapshot classifies raw and records when it was captured.
func (c *Classifier) Snapshot(tool Tool, raw string, at time.Time) Snapshot {
	return Snapshot{Text: raw, Tool: tool, State: c.Classify(tool, raw), CapturedAt: at}
}

var (
	defaultOnce       sync.Once
	defaultClassifier *Classifier
)

// Classify uses a shared classifier with the built-in patterns.
func Classify(tool Tool, raw string) State {
	defaultOnce.Do(func() { defaultClassifier = New() })
	return defaultClassifier.Classify(tool, raw)
}

// Tail returns the last n lines of s, ignoring trailing blank lines that
// tmux pads the pane with.
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\n \t")
	if n <= 0 {
		return s
	}
	idx := len(s)
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(s[:idx], '\n')
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+1:]
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
