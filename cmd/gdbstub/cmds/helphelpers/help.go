package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The transport and board flags are persistent flags of the root command so
// that they can be given before or after the subcommand name, but they only
// mean something to the commands that build a session.
//
// For example:
//
//	gdbstub --transport pty version
//
// must parse successfully even though the transport flag is not applicable
// to the 'version' subcommand.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "gdbstub", "help", "version", "log", "transport":
		hideAllFlags(cmd)
	case "config":
		hideFlag(cmd, "log")
		hideFlag(cmd, "log-output")
		hideFlag(cmd, "log-dest")
	case "sim":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
