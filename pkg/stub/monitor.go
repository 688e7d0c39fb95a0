package stub

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/metrics"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

type monitorCommand struct {
	help string
	fn   func(a *Agent, args []string, out io.Writer) error
}

func (a *Agent) initMonitor() {
	a.monitor = map[string]monitorCommand{
		"help":        {"help\t\t\tlist monitor commands", (*Agent).monitorHelp},
		"breakpoints": {"breakpoints\t\tlist breakpoints", (*Agent).monitorBreakpoints},
		"tbreak":      {"tbreak <addr>\t\tstop once at addr", (*Agent).monitorTbreak},
		"threads":     {"threads\t\t\tlist threads", (*Agent).monitorThreads},
		"log":         {"log <on|off>\t\tenable or disable packet logging", (*Agent).monitorLog},
		"reset-stats": {"reset-stats\t\tzero the packet counters", (*Agent).monitorResetStats},
	}
}

// monitorCmd executes qRcmd,<hex command>. The output is sent in O
// packets, the final reply is OK.
func (a *Agent) monitorCmd(args []byte, reply *wire.Builder) error {
	cmdline := make([]byte, len(args)/2)
	if len(args)%2 != 0 {
		return ErrMalformed
	}
	if _, ok := wire.DecodeHex(cmdline, args); !ok {
		return ErrMalformed
	}
	v, err := argv.Argv(string(cmdline),
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil || len(v) != 1 || len(v[0]) == 0 {
		return ErrMalformed
	}
	words := v[0]
	cmd, ok := a.monitor[words[0]]
	if !ok {
		// the hook sees the whole packet
		pkt := append([]byte("qRcmd,"), args...)
		a.fallback(a.hooks.Query, pkt, reply)
		return nil
	}

	var out bytes.Buffer
	if err := cmd.fn(a, words[1:], &out); err != nil {
		fmt.Fprintf(&out, "%s: %v\n", words[0], err)
	}
	if err := a.sendConsoleOutput(out.Bytes()); err != nil {
		return err
	}
	reply.Reset()
	reply.OK()
	return nil
}

// sendConsoleOutput sends p to the host in as many O packets as needed.
func (a *Agent) sendConsoleOutput(p []byte) error {
	chunk := (a.framer.PacketSize() - 1) / 2
	for len(p) > 0 {
		n := len(p)
		if n > chunk {
			n = chunk
		}
		b := a.framer.Reply()
		b.Byte('O').HexBytes(p[:n])
		if err := a.framer.Send(b); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (a *Agent) monitorHelp(args []string, out io.Writer) error {
	names := make([]string, 0, len(a.monitor))
	for name := range a.monitor {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(out, a.monitor[name].help)
	}
	return nil
}

func (a *Agent) monitorBreakpoints(args []string, out io.Writer) error {
	bps := a.bps.List()
	if len(bps) == 0 {
		fmt.Fprintln(out, "no breakpoints")
		return nil
	}
	for _, bp := range bps {
		fmt.Fprintf(out, "%#x\tlen=%d", bp.Addr, bp.Len)
		if bp.Temp {
			fmt.Fprint(out, " temporary")
		}
		fmt.Fprintln(out)
	}
	return nil
}

func (a *Agent) monitorTbreak(args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("expected an address")
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args[0])
	}
	if _, err := a.bps.SetTemp(addr); err != nil {
		return err
	}
	fmt.Fprintf(out, "temporary breakpoint at %#x\n", addr)
	return nil
}

func (a *Agent) monitorThreads(args []string, out io.Writer) error {
	if a.threads == nil {
		fmt.Fprintln(out, "thread support not enabled")
		return nil
	}
	ids, err := a.threads.All()
	if err != nil {
		return err
	}
	cur := a.threads.Current()
	for _, id := range ids {
		info, err := a.threads.Info(id)
		if err != nil {
			return err
		}
		mark := " "
		if id == cur {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %d\t%s\t%s\n", mark, id, info.Name, info.Display)
	}
	return nil
}

func (a *Agent) monitorLog(args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("expected on or off")
	}
	switch strings.ToLower(args[0]) {
	case "on":
		logflags.SetGdbWire(true)
	case "off":
		logflags.SetGdbWire(false)
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	fmt.Fprintf(out, "packet logging %s\n", strings.ToLower(args[0]))
	return nil
}

func (a *Agent) monitorResetStats(args []string, out io.Writer) error {
	metrics.Reset()
	fmt.Fprintln(out, "statistics reset")
	return nil
}
