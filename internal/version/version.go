// Package version reports the keyrename build.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/keyrename"

// buildVersion is set with -ldflags "-X pkt.systems/keyrename/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Time      string `json:"time,omitempty" yaml:"time,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "keyrename %s (%s, %s)", i.Version, i.Module, i.GoVersion)
	if i.Revision != "" {
		fmt.Fprintf(&b, " rev %s", i.Revision)
	}
	return b.String()
}

// Get collects build information.
func Get() Info {
	info := Info{Module: defaultModule, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.Revision, info.Time, info.Modified = vcs(bi)
	}
	info.Version = resolve(bi, ok, info)
	return info
}

// Current returns the best available version string.
func Current() string { return Get().Version }

// Module returns the main module path.
func Module() string { return Get().Module }

func resolve(bi *debug.BuildInfo, ok bool, info Info) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if ok {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info.Revision, info.Time, info.Modified); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func vcs(bi *debug.BuildInfo) (revision, stamp string, modified bool) {
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			stamp = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, stamp, modified
}

// pseudoVersion renders a Go-style pseudo version from VCS settings.
func pseudoVersion(revision, stamp string, modified bool) string {
	if revision == "" || stamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
