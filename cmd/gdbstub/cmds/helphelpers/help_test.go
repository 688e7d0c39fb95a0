package helphelpers

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "gdbstub"}
	root.PersistentFlags().Bool("log", false, "")
	root.PersistentFlags().String("log-output", "", "")
	root.PersistentFlags().String("log-dest", "", "")
	root.PersistentFlags().String("transport", "", "")
	root.AddCommand(&cobra.Command{Use: "config", Run: func(*cobra.Command, []string) {}})
	root.AddCommand(&cobra.Command{Use: "version", Run: func(*cobra.Command, []string) {}})
	sim := &cobra.Command{Use: "sim", Run: func(*cobra.Command, []string) {}}
	sim.Flags().String("load-addr", "", "")
	root.AddCommand(sim)
	return root
}

func TestPrepare(t *testing.T) {
	root := testTree()
	cmd, _, err := root.Find([]string{"config"})
	require.NoError(t, err)
	Prepare(cmd)
	require.True(t, root.PersistentFlags().Lookup("log").Hidden)
	require.True(t, root.PersistentFlags().Lookup("log-dest").Hidden)
	require.False(t, root.PersistentFlags().Lookup("transport").Hidden)

	root = testTree()
	cmd, _, err = root.Find([]string{"sim"})
	require.NoError(t, err)
	Prepare(cmd)
	require.False(t, cmd.Flags().Lookup("load-addr").Hidden)
	require.False(t, root.PersistentFlags().Lookup("transport").Hidden)

	root = testTree()
	Prepare(root)
	root.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		require.True(t, f.Hidden, f.Name)
	})
}
