package main

import (
	"fmt"
	"os"

	"github.com/go-delve/gdbstub/cmd/gdbstub/cmds"
	"github.com/go-delve/gdbstub/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.StubVersion.Build = Build
	}

	if err := cmds.New().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
