package status

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-fleet/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompStatus)

// RawPatterns holds the string form of one tool's markers. Entries prefixed
// with "re:" are regular expressions; everything else is a substring.
type RawPatterns struct {
	BusyPatterns       []string
	PermissionPatterns []string
	QuestionPatterns   []string
	PromptPatterns     []string
	SpinnerChars       []string
	WhimsicalWords     []string

	// Priority is the evaluation order of states, first match wins.
	// Empty means DefaultPriority.
	Priority []string
}

// DefaultPriority puts explicit prompts ahead of a possibly stale spinner.
var DefaultPriority = []State{WaitingPermission, WaitingQuestion, Running, Idle}

const (
	yesNoParens  = `re:\((?:y/n|Y/n|y/N|yes/no)\)`
	yesNoBracket = `re:\[(?:y/n|Y/n|y/N|yes/no)\]`

	// inlineChoices matches "1. Yes  2. No  3. Edit" on a single line. Ordinary
	// numbered lists put one item per line and do not match.
	inlineChoices = `re:(?m)(?:^|\s)1\.\s+\S+.*\s2\.\s+\S+`

	// shellPrompt matches a line that ends in a bare shell prompt such as
	// "$", "user@host:~/src$" or "(venv) ~%".
	shellPrompt = `re:^(?:\(\S+\)\s+)?\S*[$#%]$`
)

// DefaultRawPatterns returns the built-in markers for tool, or nil when the
// tool has no strategy.
func DefaultRawPatterns(tool Tool) *RawPatterns {
	switch tool {
	case ToolClaude:
		return &RawPatterns{
			BusyPatterns: []string{
				`re:(?m)^\s*[✳✽✶✻✢·]\s*\S.*…`,
				"ctrl+c to interrupt",
				"esc to interrupt",
			},
			PermissionPatterns: []string{
				"Do you want to",
				"Would you like to proceed",
				"No, and tell Claude what to do differently",
				"Yes, allow once",
				"Yes, allow always",
				"don't ask again",
				"Do you trust the files in this folder?",
				"Allow this MCP server",
				yesNoParens,
				yesNoBracket,
			},
			QuestionPatterns: []string{
				"Enter to select",
				"↑/↓ to navigate",
				"Type something.",
				`re:(?m)^\s*❯\s*\d+\.\s+\S`,
				inlineChoices,
			},
			PromptPatterns: []string{
				`re:^[│|]?\s*[>❯]\s*[│|]?$`,
				`re:^[│|]?\s*[>❯]\s+Try "`,
				"? for shortcuts",
				shellPrompt,
			},
			SpinnerChars:   defaultSpinnerChars(),
			WhimsicalWords: defaultWhimsicalWords(),
		}
	case ToolOpenCode:
		// opencode screens are lowercased before matching.
		return &RawPatterns{
			BusyPatterns: []string{
				"esc interrupt",
				"thinking...",
				"generating...",
				"building tool call...",
				"waiting for tool response...",
			},
			PermissionPatterns: []string{
				"permission required",
				"allow once",
				"allow always",
				"do you want to proceed",
				yesNoParens,
				yesNoBracket,
			},
			QuestionPatterns: []string{
				"select an option",
				"type your own answer",
				`re:(?m)^\s*[>❯›]\s*\d+\.\s+\S`,
				inlineChoices,
			},
			PromptPatterns: []string{
				"ask anything",
				"press enter to send",
				shellPrompt,
			},
		}
	case ToolShell:
		return &RawPatterns{
			PermissionPatterns: []string{
				yesNoParens,
				yesNoBracket,
				"[sudo] password for",
			},
			QuestionPatterns: []string{inlineChoices},
			PromptPatterns:   []string{shellPrompt},
		}
	default:
		return nil
	}
}

func defaultSpinnerChars() []string {
	return []string{
		"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		"✳", "✽", "✶", "✢",
	}
}

// defaultWhimsicalWords are the progress verbs Claude prints next to its
// spinner ("✶ Pondering… (12s · ↓ 300 tokens)").
func defaultWhimsicalWords() []string {
	return []string{
		"accomplishing", "actioning", "actualizing", "baking", "booping",
		"brewing", "calculating", "cerebrating", "channelling", "churning",
		"clauding", "coalescing", "cogitating", "combobulating", "computing",
		"concocting", "conjuring", "considering", "contemplating", "cooking",
		"crafting", "creating", "crunching", "deciphering", "deliberating",
		"determining", "discombobulating", "divining", "doing", "effecting",
		"elucidating", "enchanting", "envisioning", "finagling", "flibbertigibbeting",
		"forging", "forming", "frolicking", "generating", "germinating",
		"hatching", "herding", "honking", "hustling", "ideating",
		"imagining", "incubating", "inferring", "jiving", "manifesting",
		"marinating", "meandering", "moseying", "mulling", "mustering",
		"musing", "noodling", "percolating", "perusing", "philosophising",
		"pondering", "pontificating", "processing", "puttering", "puzzling",
		"reticulating", "ruminating", "scheming", "schlepping", "shimmying",
		"shucking", "simmering", "smooshing", "spelunking", "spinning",
		"stewing", "sussing", "synthesizing", "thinking", "tinkering",
		"transmuting", "unfurling", "unravelling", "vibing", "wandering",
		"whirring", "wibbling", "wizarding", "working", "wrangling",
		"billowing", "gusting", "metamorphosing", "sublimating", "recombobulating",
	}
}

// MergeRawPatterns layers user configuration over defaults. A non-nil field
// in overrides replaces the default; extras are appended afterwards.
func MergeRawPatterns(defaults, overrides, extras *RawPatterns) *RawPatterns {
	out := &RawPatterns{}
	if defaults != nil {
		*out = defaults.clone()
	}
	if overrides != nil {
		replace(&out.BusyPatterns, overrides.BusyPatterns)
		replace(&out.PermissionPatterns, overrides.PermissionPatterns)
		replace(&out.QuestionPatterns, overrides.QuestionPatterns)
		replace(&out.PromptPatterns, overrides.PromptPatterns)
		replace(&out.SpinnerChars, overrides.SpinnerChars)
		replace(&out.WhimsicalWords, overrides.WhimsicalWords)
		replace(&out.Priority, overrides.Priority)
	}
	if extras != nil {
		out.BusyPatterns = append(out.BusyPatterns, extras.BusyPatterns...)
		out.PermissionPatterns = append(out.PermissionPatterns, extras.PermissionPatterns...)
		out.QuestionPatterns = append(out.QuestionPatterns, extras.QuestionPatterns...)
		out.PromptPatterns = append(out.PromptPatterns, extras.PromptPatterns...)
		out.SpinnerChars = append(out.SpinnerChars, extras.SpinnerChars...)
		out.WhimsicalWords = append(out.WhimsicalWords, extras.WhimsicalWords...)
	}
	return out
}

func (r *RawPatterns) clone() RawPatterns {
	return RawPatterns{
		BusyPatterns:       copySlice(r.BusyPatterns),
		PermissionPatterns: copySlice(r.PermissionPatterns),
		QuestionPatterns:   copySlice(r.QuestionPatterns),
		PromptPatterns:     copySlice(r.PromptPatterns),
		SpinnerChars:       copySlice(r.SpinnerChars),
		WhimsicalWords:     copySlice(r.WhimsicalWords),
		Priority:           copySlice(r.Priority),
	}
}

func replace(dst *[]string, src []string) {
	if src != nil {
		*dst = copySlice(src)
	}
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// matcher is a compiled marker set.
type matcher struct {
	subs []string
	res  []*regexp.Regexp
}

func (m matcher) empty() bool { return len(m.subs) == 0 && len(m.res) == 0 }

func (m matcher) match(s string) bool {
	for _, sub := range m.subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	for _, re := range m.res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// compileMatcher splits raw patterns into substrings and regexps. With fold
// set, substrings are lowercased to match lowercased screens. Invalid
// regexps are logged and skipped.
func compileMatcher(kind string, raw []string, fold bool) matcher {
	var m matcher
	for _, p := range raw {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				patternLog.Warn("invalid_pattern",
					slog.String("kind", kind),
					slog.String("pattern", p),
					slog.String("error", err.Error()))
				continue
			}
			m.res = append(m.res, re)
			continue
		}
		if p == "" {
			continue
		}
		if fold {
			p = strings.ToLower(p)
		}
		m.subs = append(m.subs, p)
	}
	return m
}

// spinnerRegexps builds the "spinner + whimsical word + (timing)" and
// "spinner + text…" combinations used as extra busy markers.
func spinnerRegexps(chars, words []string) []*regexp.Regexp {
	if len(chars) == 0 {
		return nil
	}
	var class strings.Builder
	class.WriteByte('[')
	for _, ch := range chars {
		class.WriteString(regexp.QuoteMeta(ch))
	}
	class.WriteByte(']')

	var out []*regexp.Regexp
	exprs := []string{class.String() + `\s*\S.*…\s*\([^)]*\)`}
	if len(words) > 0 {
		exprs = append(exprs, class.String()+`\s*(?i:`+strings.Join(words, "|")+`)[^(\n]*\([^)]*\)`)
	}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			patternLog.Warn("invalid_spinner_pattern", slog.String("error", err.Error()))
			continue
		}
		out = append(out, re)
	}
	return out
}

// parsePriority converts configured state names. Unknown names are logged
// and dropped; an empty result falls back to DefaultPriority.
func parsePriority(raw []string) []State {
	var out []State
	seen := make(map[State]bool)
	for _, name := range raw {
		st, err := ParseState(name)
		if err != nil || st == Unknown || st == Stopped {
			patternLog.Warn("invalid_priority_state", slog.String("state", name))
			continue
		}
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return append([]State(nil), DefaultPriority...)
	}
	return out
}
