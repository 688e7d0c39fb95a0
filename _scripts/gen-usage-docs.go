//go:build ignore
// +build ignore

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/go-delve/gdbstub/cmd/gdbstub/cmds"
	"github.com/go-delve/gdbstub/cmd/gdbstub/cmds/helphelpers"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}
	root := cmds.New()

	cmdnames := []string{}
	for _, subcmd := range root.Commands() {
		cmdnames = append(cmdnames, subcmd.Name())
	}
	helphelpers.Prepare(root)
	doc.GenMarkdownTree(root, usageDir)
	root = nil
	// GenMarkdownTree ignores additional help topic commands, so we have to do this manually
	for _, cmdname := range cmdnames {
		cmd, _, _ := cmds.New().Find([]string{cmdname})
		helphelpers.Prepare(cmd)
		doc.GenMarkdownTree(cmd, usageDir)
	}
	fh, err := os.OpenFile(filepath.Join(usageDir, "gdbstub.md"), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("appending to gdbstub.md: %v", err)
	}
	defer fh.Close()
	fmt.Fprintln(fh, "* [gdbstub log](gdbstub_log.md)\t - Help about logging flags")
	fmt.Fprintln(fh, "* [gdbstub transport](gdbstub_transport.md)\t - Help about the `--transport` flag")
}
