package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewMap(t *testing.T) {
	view, err := ParseView([]string{
		"//UE5/Main/... //ws/...",
		"-//UE5/Main/Engine/Binaries/... //ws/Engine/Binaries/...",
		"//UE5/Main/Engine/Binaries/ThirdParty/... //ws/Engine/Binaries/ThirdParty/...",
		`"//UE5/Main/Docs/My Doc.txt" "//ws/Docs/My Doc.txt"`,
		"//UE5/Dev/Plugins/*/Source/... //ws/Plugins/*/Source/...",
	})
	require.NoError(t, err)

	cases := []struct {
		depot string
		want  string
		ok    bool
	}{
		{"//UE5/Main/Engine/Source/Foo.cpp", "Engine/Source/Foo.cpp", true},
		{"//UE5/Main/Engine/Binaries/Win64/Editor.exe", "", false},
		{"//UE5/Main/Engine/Binaries/ThirdParty/lib.dll", "Engine/Binaries/ThirdParty/lib.dll", true},
		{"//UE5/Main/Docs/My Doc.txt", "Docs/My Doc.txt", true},
		{"//UE5/Dev/Plugins/Foo/Source/a.h", "Plugins/Foo/Source/a.h", true},
		{"//UE5/Dev/Plugins/Foo/Content/a.uasset", "", false},
		{"//Other/Main/a.txt", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.depot, func(t *testing.T) {
			got, ok := view.Map(tc.depot)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestViewPositionalWildcards(t *testing.T) {
	view, err := ParseView([]string{"//depot/%%1/src/%%2.c //ws/%%2/%%1.c"})
	require.NoError(t, err)
	got, ok := view.Map("//depot/lib/src/main.c")
	require.True(t, ok)
	assert.Equal(t, "main/lib.c", got)
}

func TestViewDepotPaths(t *testing.T) {
	view, err := ParseView([]string{
		"//S/main/... //ws/...",
		"-//S/main/Secret/... //ws/Secret/...",
		"//Lib/shared/... //ws/Shared/...",
		"+//Lib/shared/... //ws/Shared/...",
		"//depot/%%1/src/%%2.c //ws/%%2/%%1.c",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"//S/main/...", "//Lib/shared/...", "//depot/*/src/*.c"}, view.DepotPaths())
}

func TestParseViewRejectsBadLine(t *testing.T) {
	_, err := ParseView([]string{"//depot/..."})
	assert.Error(t, err)
}

func TestChangeView(t *testing.T) {
	spec := &StreamSpec{
		View:       []string{"//UE5/Main/... //ws/..."},
		ChangeView: []string{"//UE5/Main/Engine/Plugins/...@100"},
	}
	sv, err := NewStreamView(spec)
	require.NoError(t, err)

	_, ok := sv.Map("//UE5/Main/Engine/Plugins/a.cpp", 101)
	assert.False(t, ok, "revisions after the pinned change are hidden")

	got, ok := sv.Map("//UE5/Main/Engine/Plugins/a.cpp", 100)
	assert.True(t, ok)
	assert.Equal(t, "Engine/Plugins/a.cpp", got)

	_, ok = sv.Map("//UE5/Main/Engine/Source/a.cpp", 500)
	assert.True(t, ok)
}

func TestDefinitionHash(t *testing.T) {
	a := &StreamSpec{View: []string{"//a/... //ws/..."}}
	b := &StreamSpec{View: []string{"//a/... //ws/..."}, ChangeView: []string{"//a/x/...@5"}}
	assert.Equal(t, DefinitionHash(a), DefinitionHash(&StreamSpec{View: []string{"//a/... //ws/..."}}))
	assert.NotEqual(t, DefinitionHash(a), DefinitionHash(b))
	assert.Len(t, DefinitionHash(a), 64)
}

func TestMatchWildcard(t *testing.T) {
	assert.True(t, MatchWildcard("...", "a/b/c.txt"))
	assert.True(t, MatchWildcard("a/...", "a/b/c.txt"))
	assert.True(t, MatchWildcard("a/*", "a/c.txt"))
	assert.False(t, MatchWildcard("a/*", "a/b/c.txt"))
	assert.False(t, MatchWildcard("ab/...", "a/b/c.txt"))
}

func TestPermsOf(t *testing.T) {
	tests := []struct {
		fileType string
		want     string
	}{
		{"text", "0444"},
		{"text+w", "0644"},
		{"text+x", "0555"},
		{"text+wx", "0755"},
		{"binary+l", "0444"},
		{"binary+Fw", "0644"},
		{"xbinary", "0555"},
		{"kxtext", "0555"},
		{"ktext", "0444"},
		{"utf16", "0444"},
		{"xutf16", "0555"},
		{"symlink", "0444"},
		{"tempobj", "0644"},
	}
	for _, tt := range tests {
		t.Run(tt.fileType, func(t *testing.T) {
			assert.Equal(t, tt.want, PermsOf(tt.fileType))
		})
	}
}

func TestAddressHelpers(t *testing.T) {
	assert.True(t, IsNumericHost("ssl:10.0.0.1:1666"))
	assert.True(t, IsNumericHost("[::1]:1666"))
	assert.False(t, IsNumericHost("perforce-edge:1666"))
	assert.Equal(t, "perforce-edge", HostOf("ssl:perforce-edge:1666"))
	assert.Equal(t, "ssl:10.1.2.3:1666", ReplaceHost("ssl:perforce-edge:1666", "10.1.2.3"))
	assert.Equal(t, "[::1]:1666", ReplaceHost("edge:1666", "::1"))
}
