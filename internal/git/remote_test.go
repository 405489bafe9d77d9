package git

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseRemoteURL(t *testing.T) {
	hosts := []string{"github.com", "git.internal.example"}

	tests := []struct {
		name string
		url  string
		want *Remote
	}{
		{"https with .git", "https://github.com/zjrosen/swarmd.git", &Remote{Host: "github.com", Owner: "zjrosen", Name: "swarmd"}},
		{"https without .git", "https://github.com/zjrosen/swarmd", &Remote{Host: "github.com", Owner: "zjrosen", Name: "swarmd"}},
		{"https trailing slash", "https://github.com/zjrosen/swarmd/", &Remote{Host: "github.com", Owner: "zjrosen", Name: "swarmd"}},
		{"ssh with .git", "git@github.com:zjrosen/swarmd.git", &Remote{Host: "github.com", Owner: "zjrosen", Name: "swarmd"}},
		{"ssh without .git", "git@github.com:zjrosen/swarmd", &Remote{Host: "github.com", Owner: "zjrosen", Name: "swarmd"}},
		{"git protocol", "git://github.com/zjrosen/swarmd.git", &Remote{Host: "github.com", Owner: "zjrosen", Name: "swarmd"}},
		{"enterprise host", "git@git.internal.example:platform/tooling", &Remote{Host: "git.internal.example", Owner: "platform", Name: "tooling"}},
		{"host case insensitive", "https://GitHub.com/zjrosen/swarmd", &Remote{Host: "GitHub.com", Owner: "zjrosen", Name: "swarmd"}},

		{"unsupported host", "https://example.com/foo/bar.git", nil},
		{"unsupported ssh host", "git@gitlab.com:foo/bar.git", nil},
		{"missing repo segment", "https://github.com/zjrosen", nil},
		{"extra path segments", "https://github.com/zjrosen/swarmd/tree/main", nil},
		{"not a url", "zjrosen/swarmd", nil},
		{"empty", "", nil},
		{"http is not https", "http://github.com/zjrosen/swarmd", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseRemoteURL(tc.url, hosts)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tc.want, *got)
		})
	}
}

func TestParseRemoteURLNoHosts(t *testing.T) {
	assert.Nil(t, ParseRemoteURL("https://github.com/zjrosen/swarmd", nil))
}

func TestParseRemoteURLRoundTrip(t *testing.T) {
	hosts := []string{"github.com"}
	segment := rapid.StringMatching(`[A-Za-z0-9][A-Za-z0-9._-]{0,38}`)

	rapid.Check(t, func(t *rapid.T) {
		owner := segment.Draw(t, "owner")
		name := segment.Draw(t, "name")
		// The parser strips a trailing .git from the repo segment.
		for strings.HasSuffix(name, ".git") {
			name = strings.TrimSuffix(name, ".git")
		}

		urls := []string{
			"https://github.com/" + owner + "/" + name,
			"https://github.com/" + owner + "/" + name + ".git",
			"https://github.com/" + owner + "/" + name + "/",
			"git@github.com:" + owner + "/" + name,
			"git@github.com:" + owner + "/" + name + ".git",
			"git://github.com/" + owner + "/" + name + ".git",
		}
		for _, url := range urls {
			got := ParseRemoteURL(url, hosts)
			if got == nil {
				t.Fatalf("ParseRemoteURL(%q) = nil", url)
			}
			if got.Owner != owner || got.Name != name {
				t.Fatalf("ParseRemoteURL(%q) = {%s %s}, want {%s %s}", url, got.Owner, got.Name, owner, name)
			}
		}
	})
}
