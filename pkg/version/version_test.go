package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abcdef"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !strings.HasPrefix(BuildInfo(), runtime.Version()) {
		t.Errorf("build info does not start with the toolchain version: %q", BuildInfo())
	}
}
