package optimize

import "strings"

// compressWhitespace deletes redundant whitespace: trailing spaces on every
// line, runs of spaces or tabs outside fenced code (the first character of
// the run is kept), and blank-line runs beyond one. It never inserts text.
func compressWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	blank := 0

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		fence := strings.HasPrefix(strings.TrimSpace(line), "```")

		if line == "" && !inFence {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}

		if !inFence && !fence {
			line = collapseRuns(line)
		}
		if fence {
			inFence = !inFence
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// collapseRuns keeps the first byte of every run of spaces and tabs,
// preserving leading indentation.
func collapseRuns(line string) string {
	indent := len(line) - len(strings.TrimLeft(line, " \t"))
	var b strings.Builder
	b.Grow(len(line))
	b.WriteString(line[:indent])

	prevSpace := false
	for i := indent; i < len(line); i++ {
		c := line[i]
		space := c == ' ' || c == '\t'
		if space && prevSpace {
			continue
		}
		prevSpace = space
		b.WriteByte(c)
	}
	return b.String()
}

// compressCodeBlocks drops blank lines and whole-line comments inside
// fenced code blocks.
func compressCodeBlocks(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence && (trimmed == "" || isComment(trimmed)) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// isComment matches line comments in C-family and shell-like languages.
// "#include" and similar directives are not comments.
func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "//") ||
		strings.HasPrefix(trimmed, "/*") ||
		strings.HasPrefix(trimmed, "# ") ||
		trimmed == "#"
}
