// Package version holds build information for the credgw binaries, injected
// with -ldflags:
//
//	-X github.com/ferro-labs/credential-gateway/internal/version.Version=v0.1.0
//	-X github.com/ferro-labs/credential-gateway/internal/version.Commit=abc1234
//	-X github.com/ferro-labs/credential-gateway/internal/version.Date=2026-10-01T00:00:00Z
package version

import (
	"fmt"
	"runtime/debug"
)

// Set at link time. Local builds fall back to module build info.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func init() {
	if Version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		Version = v
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "none" && len(s.Value) >= 7 {
				Commit = s.Value[:7]
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = s.Value
			}
		}
	}
}

// String returns e.g. "v0.1.0 (commit abc1234, built 2026-10-01T00:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns just the version tag.
func Short() string {
	return Version
}
