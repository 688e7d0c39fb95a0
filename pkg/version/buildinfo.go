package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		fmt.Fprintf(&sb, " dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	return sb.String()
}
