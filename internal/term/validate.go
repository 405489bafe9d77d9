package term

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

// MaxSessionNameRunes is the longest session name accepted.
const MaxSessionNameRunes = 100

var (
	sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	envKeyRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// unsafeRunes never pass validation in names, directories, or environment
// values.
const unsafeRunes = ";|&$`\n\r"

// ValidateSessionName rejects names outside [A-Za-z0-9_-] or longer than
// MaxSessionNameRunes.
func ValidateSessionName(name string) error {
	if name == "" || !sessionNameRe.MatchString(name) {
		return swarmerr.TermInvalidNameErr(name, "only letters, digits, _ and - are allowed")
	}
	if utf8.RuneCountInString(name) > MaxSessionNameRunes {
		return swarmerr.TermInvalidNameErr(name, "exceeds 100 runes").
			WithDetail("runes", utf8.RuneCountInString(name))
	}
	return nil
}

// ValidateDir rejects relative paths, ".." segments, and unsafe runes.
func ValidateDir(dir string) error {
	if dir == "" || !filepath.IsAbs(dir) {
		return swarmerr.TermInvalidDirectoryErr(dir, "must be an absolute path")
	}
	if strings.ContainsAny(dir, unsafeRunes) {
		return swarmerr.TermInvalidDirectoryErr(dir, "contains shell metacharacters")
	}
	for _, seg := range strings.Split(filepath.ToSlash(dir), "/") {
		if seg == ".." {
			return swarmerr.TermInvalidDirectoryErr(dir, "contains a .. segment")
		}
	}
	return nil
}

// ValidateEnv rejects malformed keys and unsafe values.
func ValidateEnv(env map[string]string) error {
	for k, v := range env {
		if !envKeyRe.MatchString(k) {
			return swarmerr.TermInvalidNameErr(k, "environment keys must match [A-Za-z_][A-Za-z0-9_]*")
		}
		if strings.ContainsAny(v, unsafeRunes) {
			return swarmerr.TermInvalidNameErr(k, "environment value contains shell metacharacters").
				WithDetail("value", v)
		}
	}
	return nil
}
