// Package version reports which source revision the running binary was
// built from.
package version

import (
	"runtime/debug"
	"strings"
)

const commitURL = "https://github.com/usbflash/tools/commit/"

// Info identifies a build.
type Info struct {
	Revision  string
	Modified  bool
	GoVersion string
}

// Get returns the build information embedded by the Go toolchain.
func Get() (Info, bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, false
	}
	return fromBuildInfo(bi)
}

func fromBuildInfo(bi *debug.BuildInfo) (Info, bool) {
	info := Info{GoVersion: bi.GoVersion}
	settings := make(map[string]string)
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	// Built from a VCS checkout.
	if rev, ok := settings["vcs.revision"]; ok {
		info.Revision = rev
		info.Modified = settings["vcs.modified"] == "true"
		return info, true
	}
	// Installed as a module: v0.0.0-20230107144322-7a5757f46310
	v := bi.Main.Version
	if idx := strings.LastIndexByte(v, '-'); idx > -1 {
		info.Revision = v[idx+1:]
		return info, true
	}
	return info, false
}

// URL links to the revision.
func (i Info) URL() string {
	if i.Modified {
		return commitURL + i.Revision + " (modified)"
	}
	return commitURL + i.Revision
}

// Brief is a short form such as g7a5757+.
func (i Info) Brief() string {
	rev := i.Revision
	if len(rev) > 6 {
		rev = rev[:6]
	}
	if i.Modified {
		rev += "+"
	}
	return "g" + rev
}

// Read returns the revision URL of the running binary.
func Read() string {
	info, ok := Get()
	if !ok {
		return "<unknown>"
	}
	return info.URL()
}

// ReadBrief returns the brief revision of the running binary.
func ReadBrief() string {
	info, ok := Get()
	if !ok {
		return "<unknown>"
	}
	return info.Brief()
}
