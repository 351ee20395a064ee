// Package version carries build metadata set with -ldflags -X.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build metadata. Values not set at link time fall back
// to what the Go toolchain stamped into the binary.
func String() string {
	return format(Version, Commit, Date, readBuildInfo)
}

var readBuildInfo = debug.ReadBuildInfo

func format(version, commit, date string, buildInfo func() (*debug.BuildInfo, bool)) string {
	if info, ok := buildInfo(); ok && info != nil {
		if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if commit == "none" && setting.Value != "" {
					commit = shortRevision(setting.Value)
				}
			case "vcs.time":
				if date == "unknown" && setting.Value != "" {
					date = setting.Value
				}
			}
		}
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func shortRevision(revision string) string {
	if len(revision) > 12 {
		return revision[:12]
	}
	return revision
}
