package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of gdbstub.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// StubVersion is the current version of gdbstub.
var StubVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	resolveBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

var buildInfo = func() string {
	return ""
}

// BuildInfo describes the toolchain, target platform and modules the
// binary was built with.
func BuildInfo() string {
	return fmt.Sprintf("%s %s/%s\n%s", runtime.Version(), runtime.GOOS, runtime.GOARCH, buildInfo())
}

// resolveBuild fills in the build from the VCS stamp of the binary when it
// was not set through -ldflags.
func resolveBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var rev string
	dirty := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if rev == "" {
		return
	}
	if dirty {
		rev += "-dirty"
	}
	v.Build = rev
}
