package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/gdbstub/cmd/gdbstub/cmds/helphelpers"
	"github.com/go-delve/gdbstub/pkg/config"
	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/metrics"
	"github.com/go-delve/gdbstub/pkg/sim"
	"github.com/go-delve/gdbstub/pkg/stub"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/starhook"
	"github.com/go-delve/gdbstub/pkg/transport"
	"github.com/go-delve/gdbstub/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile replaces the default configuration file.
	configFile string

	// loadAddr is where the program image is loaded.
	loadAddr = hexAddr(sim.DefaultLoadAddr)

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const gdbstubCommandLongDesc = `gdbstub is a debug agent speaking the GDB remote serial protocol.

The agent runs inside the target: it is entered when the target takes an
exception, reports the stop to the host debugger and serves its requests
until the host resumes the target. This program runs the agent on a small
simulated board, connect to it with:

	gdb -ex 'target remote 127.0.0.1:2345'
`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main gdbstub root command.
	rootCommand = &cobra.Command{
		Use:           "gdbstub",
		Short:         "gdbstub is a GDB remote serial protocol debug agent.",
		Long:          gdbstubCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable agent logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'gdbstub help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'gdbstub help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file to use instead of the default one.")

	rootCommand.PersistentFlags().StringP("listen", "l", "", "Listen address of the tcp and websocket transports (default 127.0.0.1:2345).")
	rootCommand.PersistentFlags().StringP("transport", "t", "", `Transport used to reach the host (see 'gdbstub help transport').`)
	rootCommand.PersistentFlags().String("serial", "", "Serial device of the serial transport.")
	rootCommand.PersistentFlags().Int("baud", 0, "Baud rate of the serial transport (default 115200).")
	rootCommand.PersistentFlags().String("arch", "", "Architecture of the target: amd64, 386 or arm64 (default amd64).")
	rootCommand.PersistentFlags().Int("packet-size", 0, "Size of the packet buffers.")
	rootCommand.PersistentFlags().Bool("delayed-ack", true, "Acknowledge commands together with their reply.")
	rootCommand.PersistentFlags().Bool("stop-reply-registers", false, "Send the program counter and stack pointer in stop replies.")
	rootCommand.PersistentFlags().Int("threads", 0, "Number of threads of the simulated kernel, 0 disables thread support.")
	rootCommand.PersistentFlags().String("script", "", "Starlark script handling unknown packets and queries.")
	rootCommand.PersistentFlags().String("metrics", "", "Listen address of the prometheus metrics endpoint.")

	// 'sim' subcommand.
	simCommand := &cobra.Command{
		Use:   "sim [program]",
		Short: "Run a program on the simulated board under the debug agent.",
		Long: `Run a program on the simulated board under the debug agent.

The program is a raw binary image, loaded at the address given by --load-addr.
Without a program a built-in demo that prints "hi" is run. The board stops
before the first instruction and waits for the host to connect.`,
		Args: cobra.MaximumNArgs(1),
		RunE: simCmd,
	}
	simCommand.Flags().Var(&loadAddr, "load-addr", "Address the program is loaded at.")
	rootCommand.AddCommand(simCommand)

	// 'config' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	// 'version' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gdbstub\n%s\n", version.StubVersion)
			if log {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "transport",
		Short: "Help about the --transport flag.",
		Long: `The --transport flag selects how the host debugger reaches the agent,
possible values are:

	tcp		Listen on --listen (default).
	serial		Use the serial line --serial at --baud bits per second.
	pty		Allocate a pseudo terminal standing in for a serial line.
	websocket	Accept websocket connections on --listen.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	agent		Log agent state changes (default)
	gdbwire		Log packets exchanged with the host
	breakpoints	Log breakpoint insertion and removal
	threads		Log thread selection
	hooks		Log calls into the target hooks
	board		Log the simulated board

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// hexAddr is a flag value accepting addresses in any base strconv
// understands, printed in hexadecimal.
type hexAddr uint64

func (a *hexAddr) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

func (a *hexAddr) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	*a = hexAddr(v)
	return nil
}

func (a *hexAddr) Type() string {
	return "address"
}

// loadConfig returns the configuration file with the flags that were set
// on the command line applied on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c := conf
	if configFile != "" {
		var err error
		c, err = config.LoadConfigFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	cc := *c
	flags := cmd.Flags()
	var err error
	set := func(name string, fn func()) {
		if err == nil && flags.Changed(name) {
			fn()
		}
	}
	set("listen", func() { cc.Listen, err = flags.GetString("listen") })
	set("transport", func() { cc.Transport, err = flags.GetString("transport") })
	set("serial", func() { cc.SerialDevice, err = flags.GetString("serial") })
	set("baud", func() { cc.BaudRate, err = flags.GetInt("baud") })
	set("arch", func() { cc.Arch, err = flags.GetString("arch") })
	set("packet-size", func() { cc.PacketSize, err = flags.GetInt("packet-size") })
	set("delayed-ack", func() {
		var v bool
		v, err = flags.GetBool("delayed-ack")
		cc.DelayedAck = &v
	})
	set("stop-reply-registers", func() { cc.StopReplyRegisters, err = flags.GetBool("stop-reply-registers") })
	set("threads", func() { cc.Threads, err = flags.GetInt("threads") })
	set("script", func() { cc.Script, err = flags.GetString("script") })
	set("metrics", func() { cc.MetricsListen, err = flags.GetString("metrics") })
	if err != nil {
		return nil, err
	}
	if cc.Arch == "" {
		cc.Arch = "amd64"
	}
	return &cc, nil
}

func simCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	var image []byte
	if len(args) > 0 {
		image, err = os.ReadFile(args[0])
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(c, image, uint64(loadAddr))
	if err != nil {
		return err
	}
	defer s.close()
	fmt.Fprintf(os.Stderr, "gdbstub listening at: %s\n", s.listener.Addr())
	if err := s.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// session is a board and its agent waiting for the host on a listener.
type session struct {
	board    *sim.Board
	agent    *stub.Agent
	listener transport.Listener

	metrics     *http.Server
	metricsAddr string
}

func newSession(c *config.Config, image []byte, addr uint64) (*session, error) {
	tbl, err := regs.ForArch(c.Arch)
	if err != nil {
		return nil, err
	}
	board, err := sim.New(c, tbl)
	if err != nil {
		return nil, err
	}
	if image == nil {
		image = sim.DemoProgram(tbl)
	}
	if err := board.Load(addr, image); err != nil {
		return nil, err
	}

	hooks := board.Hooks()
	if c.Script != "" {
		env, err := starhook.Load(c.Script, nil, os.Stdout)
		if err != nil {
			return nil, err
		}
		hooks.Packet = env.PacketHook()
		hooks.Query = board.QueryHook(env.QueryHook())
	}

	l, err := transport.Listen(c)
	if err != nil {
		return nil, err
	}
	agent, err := stub.New(stub.Config{
		Adapter:            tbl,
		Hooks:              hooks,
		Kernel:             board.Kernel(),
		PacketSize:         c.PacketSize,
		DelayedAck:         c.UseDelayedAck(),
		StopReplyRegisters: c.StopReplyRegisters,
		Connect: func() (io.ReadWriter, error) {
			return l.Accept()
		},
		ConsoleFallback: os.Stdout,
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	board.Attach(agent)

	s := &session{board: board, agent: agent, listener: l}
	if c.MetricsListen != "" {
		ml, err := net.Listen("tcp", c.MetricsListen)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("couldn't start metrics listener: %v", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metrics = &http.Server{Handler: mux}
		s.metricsAddr = ml.Addr().String()
		go s.metrics.Serve(ml)
	}
	return s, nil
}

// run runs the board until ctx is cancelled. The listener is closed on
// cancellation so that a board waiting for the host gives up.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	return s.board.Run(ctx)
}

func (s *session) close() {
	s.listener.Close()
	if s.metrics != nil {
		s.metrics.Close()
	}
}
