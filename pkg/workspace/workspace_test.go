package workspace_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/pkg/workspace"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "my-workspace", "my-workspace"},
		{"spaces and slashes", "team a/repo b", "team_a_repo_b"},
		{"empty", "", "default"},
		{"only invalid chars", "!!!", "___"},
		{"dots and underscores kept", "a.b_c-d", "a.b_c-d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, workspace.Sanitize(tc.in))
		})
	}
}

func TestSanitize_TruncatesToMaxLength(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := workspace.Sanitize(long)
	assert.Len(t, got, 100)
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{"hello world!", "", strings.Repeat("x/", 80), "clean-already"}
	for _, in := range inputs {
		once := workspace.Sanitize(in)
		twice := workspace.Sanitize(once)
		assert.Equal(t, once, twice, "sanitize must be idempotent for input %q", in)
	}
}

func TestSanitize_OnlyAllowedCharacters(t *testing.T) {
	got := workspace.Sanitize("weird/key:with*chars?")
	for _, r := range got {
		assert.Regexp(t, `[A-Za-z0-9._-]`, string(r))
	}
}

func TestCredentials_IsSuperuserPassthrough(t *testing.T) {
	assert.True(t, workspace.Credentials{UID: 0, GID: 0}.IsSuperuserPassthrough())
	assert.False(t, workspace.Credentials{UID: 1000, GID: 1000}.IsSuperuserPassthrough())
}

func TestCredentials_Validate(t *testing.T) {
	good := workspace.Credentials{UID: 1000, GID: 1000, Cwd: "/srv/workspaces/w1", WorkspaceKey: "w1"}
	require.NoError(t, good.Validate())

	cases := []workspace.Credentials{
		{UID: -1, GID: 0, Cwd: "/x"},
		{UID: 0, GID: -1, Cwd: "/x"},
		{UID: 0, GID: 0, Cwd: ""},
		{UID: 0, GID: 0, Cwd: "relative/path"},
		{UID: 0, GID: 0, Cwd: "/a/../b"},
	}
	for _, c := range cases {
		assert.Error(t, c.Validate())
	}
}
