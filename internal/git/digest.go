package git

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Digest bounds. Inline highlighting is an aid, not a guarantee; anything
// over these limits falls back to the plain patch line.
const (
	// digestMaxLineLength skips inline diffing for lines exceeding this length.
	digestMaxLineLength = 500
	// digestMaxPairs limits inline diffing to the first N pairs per file.
	digestMaxPairs = 100
	// digestTimeout is the maximum time allowed for inline diffing per patch.
	digestTimeout = 50 * time.Millisecond
)

// DigestPatch condenses a unified diff into a reviewer-oriented digest.
// Adjacent -/+ line pairs get inline [-old-]{+new+} markers so a reviewer
// sees the changed tokens without reading both lines; everything else passes
// through. Headers are reduced to one "### path" line per file.
func DigestPatch(patch string) string {
	if strings.TrimSpace(patch) == "" {
		return "no changes"
	}

	ctx, cancel := context.WithTimeout(context.Background(), digestTimeout)
	defer cancel()

	lines := strings.Split(patch, "\n")
	var out []string
	pairs := 0
	inline := true

	for i := 0; i < len(lines); i++ {
		select {
		case <-ctx.Done():
			// Out of time: keep emitting plain lines, stop the token work.
			inline = false
		default:
		}

		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			out = append(out, "### "+pathFromDiffHeader(line))
			pairs = 0
		case strings.HasPrefix(line, "index ") ||
			strings.HasPrefix(line, "--- ") ||
			strings.HasPrefix(line, "+++ ") ||
			strings.HasPrefix(line, "new file mode") ||
			strings.HasPrefix(line, "deleted file mode") ||
			strings.HasPrefix(line, "old mode") ||
			strings.HasPrefix(line, "new mode") ||
			strings.HasPrefix(line, "similarity index") ||
			strings.HasPrefix(line, "rename from") ||
			strings.HasPrefix(line, "rename to"):
			// Header noise a reviewer doesn't need.
		case inline && isPairStart(lines, i) && pairs < digestMaxPairs &&
			len(line) <= digestMaxLineLength+1 && len(lines[i+1]) <= digestMaxLineLength+1:
			oldMarked, newMarked := inlineDiff(line[1:], lines[i+1][1:])
			out = append(out, "-"+oldMarked, "+"+newMarked)
			pairs++
			i++
		default:
			out = append(out, line)
		}
	}

	return strings.Join(out, "\n")
}

// isPairStart reports whether lines[i] begins an adjacent deletion/addition
// pair eligible for inline diffing.
func isPairStart(lines []string, i int) bool {
	if i+1 >= len(lines) {
		return false
	}
	return strings.HasPrefix(lines[i], "-") && !strings.HasPrefix(lines[i], "---") &&
		strings.HasPrefix(lines[i+1], "+") && !strings.HasPrefix(lines[i+1], "+++")
}

// pathFromDiffHeader extracts the b-side path from a "diff --git a/x b/x" line.
func pathFromDiffHeader(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return line
	}
	return strings.TrimPrefix(fields[3], "b/")
}

// inlineDiff marks token-level changes between an old and new line.
// The old line gets [-deleted-] markers, the new line {+added+}.
func inlineDiff(oldLine, newLine string) (string, string) {
	if oldLine == newLine {
		return oldLine, newLine
	}

	// Token streams joined with NUL so the matcher works at word granularity.
	dmp := diffmatchpatch.New()
	oldText := strings.Join(tokenize(oldLine), "\x00")
	newText := strings.Join(tokenize(newLine), "\x00")

	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var oldOut, newOut strings.Builder
	for _, d := range diffs {
		text := strings.ReplaceAll(d.Text, "\x00", "")
		if text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			oldOut.WriteString(text)
			newOut.WriteString(text)
		case diffmatchpatch.DiffDelete:
			oldOut.WriteString("[-")
			oldOut.WriteString(text)
			oldOut.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			newOut.WriteString("{+")
			newOut.WriteString(text)
			newOut.WriteString("+}")
		}
	}

	return oldOut.String(), newOut.String()
}

// tokenize splits a line into word, punctuation, and whitespace tokens.
// Example: "foo.bar()" becomes ["foo", ".", "bar", "(", ")"].
func tokenize(line string) []string {
	if line == "" {
		return nil
	}

	var tokens []string
	var current strings.Builder

	for _, r := range line {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		} else {
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}
