package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// Overridable at link time with -ldflags "-X main.GitVersion=...". When
// left empty they are filled from the build info the Go toolchain embeds.
var (
	GitVersion     string
	GitVersionFuse string
	BuildDate      string
)

func init() {
	versionFromBuildInfo()
}

// printVersion prints a line like
// pathkeyfs v1.0.0; go-fuse v2.5.1; vcs.time=2026-05-12T10:00:00Z go1.22.3 linux/amd64
func printVersion() {
	fmt.Printf("%s %s; go-fuse %s; %s %s %s/%s\n",
		tlog.ProgramName, GitVersion, GitVersionFuse, BuildDate,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// creator returns the string written into new config and key store files.
func creator() string {
	return tlog.ProgramName + " " + GitVersion
}

func versionFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		tlog.Debug.Println("versionFromBuildInfo: no build info")
		return
	}
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	if GitVersion == "" {
		GitVersion = info.Main.Version
		if rev := settings["vcs.revision"]; GitVersion == "(devel)" && rev != "" {
			GitVersion = "vcs.revision=" + rev
		}
		if settings["vcs.modified"] == "true" {
			GitVersion += "-dirty"
		}
	}
	if GitVersionFuse == "" {
		for _, m := range info.Deps {
			if m.Path != "github.com/hanwen/go-fuse/v2" {
				continue
			}
			GitVersionFuse = m.Version
			if m.Replace != nil {
				GitVersionFuse = m.Replace.Version
			}
		}
	}
	if BuildDate == "" {
		BuildDate = "vcs.time=" + settings["vcs.time"]
		if settings["vcs.time"] == "" {
			BuildDate = "0000-00-00"
		}
	}
}
