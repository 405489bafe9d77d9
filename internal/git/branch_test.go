package git

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already clean", "swarm/coding-abc123", "swarm/coding-abc123"},
		{"spaces become dashes", "fix the bug", "fix-the-bug"},
		{"repeated separators collapse", "a--b///c", "a-b/c"},
		{"mixed separators prefer slash", "a-/b", "a/b"},
		{"disallowed runes", "feat: add *everything*!", "feat-add-everything"},
		{"leading trailing trimmed", "--name--", "name"},
		{"dots kept in versions", "release/v1.2.3", "release/v1.2.3"},
		{"double dots collapse", "a..b", "a.b"},
		{"lock suffix stripped", "topic.lock", "topic"},
		{"empty falls back", "", "work"},
		{"all separators falls back", "-/-/-", "work"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeBranchName(tc.in))
		})
	}
}

func TestSanitizeBranchNameTruncates(t *testing.T) {
	long := strings.Repeat("a", 300)
	got := SanitizeBranchName(long)
	assert.Equal(t, MaxBranchNameRunes, utf8.RuneCountInString(got))
	assert.NoError(t, ValidateBranchName(got))
}

func TestSanitizeBranchNameIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		once := SanitizeBranchName(name)
		twice := SanitizeBranchName(once)
		if once != twice {
			t.Fatalf("sanitize not idempotent: %q -> %q -> %q", name, once, twice)
		}
	})
}

func TestSanitizeBranchNameOutputBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		got := SanitizeBranchName(name)
		if utf8.RuneCountInString(got) > MaxBranchNameRunes {
			t.Fatalf("sanitized name exceeds %d runes: %q", MaxBranchNameRunes, got)
		}
		if got == "" {
			t.Fatal("sanitized name is empty")
		}
	})
}

func TestValidateBranchNameLengthBoundary(t *testing.T) {
	atLimit := strings.Repeat("a", 250)
	require.NoError(t, ValidateBranchName(atLimit))

	overLimit := strings.Repeat("a", 251)
	err := ValidateBranchName(overLimit)
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.GitInvalidBranchName))
}

func TestValidateBranchNameRejections(t *testing.T) {
	bad := []string{
		"",
		"has space",
		"a..b",
		"a@{b}",
		"topic.lock",
		"-leading-dash",
		"/leading-slash",
		"trailing-slash/",
		"trailing-dot.",
		"tab\there",
	}
	for _, name := range bad {
		err := ValidateBranchName(name)
		assert.Error(t, err, "expected %q to be rejected", name)
		assert.True(t, swarmerr.IsCode(err, swarmerr.GitInvalidBranchName), "wrong code for %q", name)
	}

	good := []string{"main", "swarm/coding-abc", "review/coding-abc-review-2", "release/v1.2.3", "under_score"}
	for _, name := range good {
		assert.NoError(t, ValidateBranchName(name), "expected %q to be accepted", name)
	}
}
