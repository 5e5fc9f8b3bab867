// Package version reports what recordarr build is running.
//
// Release builds inject Version, Commit and Date with ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/recordarr/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/recordarr/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/recordarr/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Plain go build and go install fall back to the VCS stamp in the binary's
// build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

const unknown = "unknown"

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = unknown
	Date    = unknown
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "recordarr"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

var (
	buildOnce sync.Once
	buildVCS  vcsStamp
)

type vcsStamp struct {
	revision string
	time     string
	modified bool
}

func readVCS() vcsStamp {
	buildOnce.Do(func() {
		if bi, ok := debug.ReadBuildInfo(); ok {
			buildVCS = vcsFromSettings(bi.Settings)
		}
	})
	return buildVCS
}

func vcsFromSettings(settings []debug.BuildSetting) vcsStamp {
	var v vcsStamp
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
}

// GetInfo returns the build information. Values injected with ldflags win
// over the VCS stamp.
func GetInfo() Info {
	return resolve(readVCS())
}

func resolve(vcs vcsStamp) Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == unknown && vcs.revision != "" {
		info.Commit = vcs.revision
		info.Modified = vcs.modified
	}
	if info.Date == unknown && vcs.time != "" {
		info.Date = vcs.time
	}
	return info
}

// String returns a human-readable version string.
func String() string {
	return resolve(readVCS()).String()
}

// String formats info for the version command.
func (i Info) String() string {
	if i.Commit == unknown || len(i.Commit) < 8 {
		return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, i.Version, i.GoVersion, i.Platform)
	}
	commit := i.Commit[:8]
	if i.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
		ApplicationName, i.Version, commit, i.Date, i.GoVersion, i.Platform)
}

// UserAgent is sent by the webhook notifier and HTTP uploader. Stream probes
// use the configured browser agent instead.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
