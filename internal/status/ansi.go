package status

import (
	"strings"
	"unicode/utf8"
)

// StripANSI removes terminal control sequences (CSI, OSC, two-byte escapes)
// and carriage returns from captured pane text. Multi-byte UTF-8 text is
// preserved.
func StripANSI(content string) string {
	if strings.IndexByte(content, '\x1b') < 0 &&
		strings.IndexByte(content, '\r') < 0 &&
		!strings.ContainsRune(content, '\u009b') {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]
		switch {
		case c == '\x1b':
			i = skipEscape(content, i)
		case c == '\r':
			i++
		case c < utf8.RuneSelf:
			b.WriteByte(c)
			i++
		default:
			r, size := utf8.DecodeRuneInString(content[i:])
			if r == '\u009b' {
				i = skipCSI(content, i+size)
				continue
			}
			b.WriteString(content[i : i+size])
			i += size
		}
	}
	return b.String()
}

// skipEscape returns the index just past the escape sequence starting at i.
func skipEscape(s string, i int) int {
	if i+1 >= len(s) {
		return i + 1
	}
	switch s[i+1] {
	case '[':
		return skipCSI(s, i+2)
	case ']':
		rest := s[i:]
		bel := strings.IndexByte(rest, '\x07')
		st := strings.Index(rest, "\x1b\\")
		switch {
		case bel >= 0 && (st < 0 || bel < st):
			return i + bel + 1
		case st >= 0:
			return i + st + 2
		default:
			return len(s)
		}
	default:
		return i + 2
	}
}

// skipCSI skips parameter and intermediate bytes up to the final byte.
func skipCSI(s string, j int) int {
	for j < len(s) {
		c := s[j]
		j++
		if c >= 0x40 && c <= 0x7e {
			break
		}
	}
	return j
}
