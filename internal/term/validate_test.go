package term

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarmd/internal/swarmerr"
)

func TestValidateSessionName(t *testing.T) {
	good := []string{"swarm-coding-abc123", "a", "A_B-9", strings.Repeat("x", 100)}
	for _, name := range good {
		assert.NoError(t, ValidateSessionName(name), "expected %q to be accepted", name)
	}

	bad := []string{
		"",
		"has space",
		"semi;colon",
		"pipe|name",
		"dollar$name",
		"back`tick",
		"new\nline",
		"uni·code",
		"dot.name",
		strings.Repeat("x", 101),
	}
	for _, name := range bad {
		err := ValidateSessionName(name)
		require.Error(t, err, "expected %q to be rejected", name)
		assert.True(t, swarmerr.IsCode(err, swarmerr.TermInvalidName), "wrong code for %q", name)
	}
}

func TestValidateSessionNameRuneBoundary(t *testing.T) {
	assert.NoError(t, ValidateSessionName(strings.Repeat("a", 100)))

	err := ValidateSessionName(strings.Repeat("a", 101))
	require.Error(t, err)
	assert.True(t, swarmerr.IsCode(err, swarmerr.TermInvalidName))
}

func TestValidateDir(t *testing.T) {
	assert.NoError(t, ValidateDir("/home/user/project"))
	assert.NoError(t, ValidateDir("/"))

	bad := []string{
		"",
		"relative/path",
		"./also-relative",
		"/home/user/../root",
		"/tmp/evil;rm -rf",
		"/tmp/pipe|here",
		"/tmp/with\nnewline",
		"/tmp/sub$shell",
	}
	for _, dir := range bad {
		err := ValidateDir(dir)
		require.Error(t, err, "expected %q to be rejected", dir)
		assert.True(t, swarmerr.IsCode(err, swarmerr.TermInvalidDirectory), "wrong code for %q", dir)
	}
}

func TestValidateEnv(t *testing.T) {
	assert.NoError(t, ValidateEnv(nil))
	assert.NoError(t, ValidateEnv(map[string]string{
		"INSTANCE_ID":     "coding-abc",
		"MCP_SERVER_TYPE": "coding",
		"_UNDERSCORE":     "ok",
	}))

	badKeys := []string{"1LEADING", "WITH-DASH", "WITH SPACE", "", "lower.dot"}
	for _, k := range badKeys {
		err := ValidateEnv(map[string]string{k: "v"})
		require.Error(t, err, "expected key %q to be rejected", k)
		assert.True(t, swarmerr.IsCode(err, swarmerr.TermInvalidName))
	}

	badValues := []string{"a;b", "a|b", "a&b", "a$b", "a`b", "a\nb", "a\rb"}
	for _, v := range badValues {
		err := ValidateEnv(map[string]string{"KEY": v})
		require.Error(t, err, "expected value %q to be rejected", v)
	}
}
