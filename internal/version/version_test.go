package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = prev })

	prevVersion, prevCommit, prevTime := Version, Commit, BuildTime
	Version, Commit, BuildTime = "", "", ""
	t.Cleanup(func() { Version, Commit, BuildTime = prevVersion, prevCommit, prevTime })
}

func TestResolveFromVCS(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T00:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	info := Resolve()
	require.Equal(t, "2026-10-01T00:00:00Z", info.Version)
	require.Equal(t, "0123456789abcdef0123", info.Commit)
	require.Equal(t, "go1.26.0", info.GoVersion)
	require.True(t, info.Modified)
	require.Equal(t, "2026-10-01T00:00:00Z (0123456789ab-dirty)", String())
}

func TestLdflagsWin(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.3.0"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "feed"}},
	})
	Commit = "cafe"

	info := Resolve()
	require.Equal(t, "v0.3.0", info.Version)
	require.Equal(t, "cafe", info.Commit)

	Version = "v1.0.0"
	require.Equal(t, "v1.0.0 (cafe)", String())
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil)
	require.NotEmpty(t, Resolve().Version)

	BuildTime = "20261019T000000Z"
	info := Resolve()
	require.Equal(t, BuildTime, info.Version)
	require.Empty(t, info.Commit)
	require.Equal(t, BuildTime, String())
}
