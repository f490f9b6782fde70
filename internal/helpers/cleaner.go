package helpers

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// StripCodeFences returns the program text inside a model reply. Fences are
// only unwrapped when the reply opens with one or when everything outside the
// fenced blocks is prose; a bare program that merely contains a fence (in a
// string literal, say) is returned whole. The first block tagged with one of
// langs wins, then the first block of any language. An opening fence with no
// closing fence is tolerated, since long replies are often cut off before the
// closing fence.
func StripCodeFences(s string, langs ...string) string {
	s = trimBOM(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	blocks, outside := fencedBlocks(s)
	if len(blocks) == 0 {
		return s
	}
	first, _, _ := strings.Cut(s, "\n")
	if _, _, ok := openingFence(first); !ok && !allProse(outside) {
		return s
	}
	for _, want := range langs {
		want = strings.ToLower(strings.TrimSpace(want))
		for _, b := range blocks {
			if b.lang == want {
				return b.body
			}
		}
	}
	return blocks[0].body
}

type fencedBlock struct {
	lang string
	body string
}

// fencedBlocks splits s into fenced blocks and the lines outside them.
func fencedBlocks(s string) (out []fencedBlock, outside []string) {
	lines := strings.Split(s, "\n")
	for i := 0; i < len(lines); i++ {
		fence, info, ok := openingFence(lines[i])
		if !ok {
			outside = append(outside, lines[i])
			continue
		}
		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == fence {
				closed = true
				break
			}
			body = append(body, lines[j])
		}
		lang := ""
		if f := strings.Fields(info); len(f) > 0 {
			lang = strings.ToLower(f[0])
		}
		out = append(out, fencedBlock{lang: lang, body: strings.TrimSpace(strings.Join(body, "\n"))})
		if !closed {
			break
		}
		i = j
	}
	return out, outside
}

// codeLine matches lines that read as program text rather than prose:
// statements, assignments, calls and triple-quote string delimiters.
var codeLine = regexp.MustCompile(`^(import |from \S+ import |def |class |@\w|return\b|(if|elif|for|while|with|try|else|except|finally)\b.*:$)|^[A-Za-z_][\w.\[\]'"]*\s*[-+*/]?=[^=]|^[A-Za-z_][\w.]*\(|("""|''')\)?$`)

func allProse(lines []string) bool {
	for _, l := range lines {
		if codeLine.MatchString(strings.TrimSpace(l)) {
			return false
		}
	}
	return true
}

func openingFence(line string) (fence, info string, ok bool) {
	t := strings.TrimSpace(line)
	for _, f := range []string{"```", "~~~"} {
		if strings.HasPrefix(t, f) {
			return f, strings.TrimSpace(strings.TrimLeft(t, f[:1])), true
		}
	}
	return "", "", false
}

// ExtractJSON finds and returns the first JSON object or array in s.
// Code fences are unwrapped first, then s is scanned for a balanced {...}
// or [...] while ignoring braces/brackets inside strings.
func ExtractJSON(s string) (string, error) {
	s = StripCodeFences(s, "json")
	if s == "" {
		return "", errors.New("empty input")
	}

	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			if out, ok := extractBalancedJSONFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", errors.New("no balanced JSON object/array found")
}

// extractBalancedJSONFrom attempts to extract a balanced JSON value starting at startIdx.
func extractBalancedJSONFrom(s string, startIdx int) (string, bool) {
	if startIdx < 0 || startIdx >= len(s) {
		return "", false
	}
	var (
		stack    = []byte{s[startIdx]}
		inString bool
		escape   bool
	)
	for i := startIdx + 1; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[startIdx : i+1], true
			}
		}
	}
	return "", false
}

// trimBOM removes an optional UTF-8 BOM.
func trimBOM(s string) string {
	if strings.HasPrefix(s, "\uFEFF") {
		return strings.TrimPrefix(s, "\uFEFF")
	}
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF && utf8.ValidString(s[3:]) {
		return s[3:]
	}
	return s
}
