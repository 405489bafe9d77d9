package git

import (
	"strings"
	"unicode/utf8"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// MaxBranchNameRunes is the longest branch name accepted or produced here.
const MaxBranchNameRunes = 250

// SanitizeBranchName turns an arbitrary string into a usable branch name:
// disallowed characters become dashes, runs of separators collapse to one,
// and the result is truncated to MaxBranchNameRunes. Sanitizing an already
// sanitized name returns it unchanged.
func SanitizeBranchName(name string) string {
	var mapped strings.Builder
	mapped.Grow(len(name))
	for _, r := range name {
		if isBranchRune(r) {
			mapped.WriteRune(r)
		} else {
			mapped.WriteRune('-')
		}
	}

	s := collapseSeparators(mapped.String())
	s = truncateRunes(s, MaxBranchNameRunes)

	// Trim after truncation so a cut can't leave a dangling separator.
	s = strings.Trim(s, "-/.")

	for strings.HasSuffix(s, ".lock") {
		s = strings.Trim(strings.TrimSuffix(s, ".lock"), "-/.")
	}

	if s == "" {
		return "work"
	}
	return s
}

// collapseSeparators reduces every run of '-', '/', '.' to a single rune.
// A run keeps '/' if it has one, else '.', else '-'; "a-/b" and "a//b" both
// normalize to "a/b" while "v1.2.3" is untouched.
func collapseSeparators(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		if r != '-' && r != '/' && r != '.' {
			sb.WriteRune(r)
			i++
			continue
		}

		j := i
		keep := '-'
		for j < len(runes) && (runes[j] == '-' || runes[j] == '/' || runes[j] == '.') {
			if runes[j] == '/' {
				keep = '/'
			} else if runes[j] == '.' && keep != '/' {
				keep = '.'
			}
			j++
		}
		sb.WriteRune(keep)
		i = j
	}

	return sb.String()
}

// ValidateBranchName rejects names git would refuse or that exceed the
// length bound.
func ValidateBranchName(name string) error {
	if name == "" {
		return swarmerr.GitInvalidBranchNameErr(name, "empty")
	}
	if utf8.RuneCountInString(name) > MaxBranchNameRunes {
		return swarmerr.GitInvalidBranchNameErr(name, "exceeds 250 runes").
			WithDetail("runes", utf8.RuneCountInString(name))
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") ||
		strings.HasSuffix(name, ".lock") ||
		strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") ||
		strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return swarmerr.GitInvalidBranchNameErr(name, "reserved sequence or separator placement")
	}
	for _, r := range name {
		if !isBranchRune(r) {
			return swarmerr.GitInvalidBranchNameErr(name, "disallowed character").
				WithDetail("rune", string(r))
		}
	}
	return nil
}

// isBranchRune reports whether r is allowed in a branch name as produced by
// the sanitizer.
func isBranchRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '/' || r == '-':
		return true
	default:
		return false
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
