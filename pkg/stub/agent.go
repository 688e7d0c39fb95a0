// Package stub implements the target side of the Gdb Remote Serial
// Protocol: an agent that is entered every time the debugged program
// traps, reports the stop to the host debugger and then executes the
// host's commands until one of them resumes the program.
//
// The agent is driven by whatever owns the CPU. On every exception it
// calls HandleException with the trapped register snapshot and runs the
// program again according to the returned Resume value. Memory, caches,
// single stepping and target specific packets are reached through Hooks,
// register layouts through a regs.Adapter and, optionally, the threads of
// a debug kernel through a threads.Kernel.
package stub

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/derekparker/trie"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/metrics"
	"github.com/go-delve/gdbstub/pkg/stub/breakpoints"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/threads"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

// Action tells the caller of HandleException how to run the target.
type Action int

const (
	// ActionContinue runs the target from the program counter in the
	// snapshot.
	ActionContinue Action = iota
	// ActionStep runs one instruction, single stepping was armed through
	// the Stepper hook.
	ActionStep
	// ActionKill runs the target from the snapshot, which was restored to
	// the context of the first trap.
	ActionKill
	// ActionRestart is returned after the restart hook restarted the
	// target.
	ActionRestart
	// ActionFault is returned by a nested call: the access that caused the
	// exception must be abandoned.
	ActionFault
)

func (act Action) String() string {
	switch act {
	case ActionContinue:
		return "continue"
	case ActionStep:
		return "step"
	case ActionKill:
		return "kill"
	case ActionRestart:
		return "restart"
	case ActionFault:
		return "fault"
	}
	return fmt.Sprintf("action%d", int(act))
}

// Resume is the result of HandleException.
type Resume struct {
	Action Action
	// Signal is the signal the host asked to deliver with C or S, zero
	// otherwise.
	Signal regs.Signal
}

// Config describes the target the agent runs on.
type Config struct {
	Adapter regs.Adapter
	Hooks   Hooks
	// Kernel enables the thread commands, it may be nil.
	Kernel threads.Kernel

	// PacketSize is the size of the packet buffers, wire.DefaultPacketSize
	// if zero.
	PacketSize int
	// DelayedAck prefixes acknowledgements to the next reply.
	DelayedAck bool
	// StopReplyRegisters sends T stop replies carrying the program counter
	// and stack pointer instead of plain S replies.
	StopReplyRegisters bool

	// Connect is called when the target traps and no host is attached. If
	// it is nil, or fails, the trap is not reported.
	Connect func() (io.ReadWriter, error)

	// ConsoleFallback receives console output that can not be forwarded
	// to the host.
	ConsoleFallback io.Writer
}

// Agent is the debug agent of one target. It is not safe for concurrent
// use, except for the writer returned by Console.
type Agent struct {
	conf    Config
	adapter regs.Adapter
	hooks   Hooks

	conn   io.ReadWriter
	framer *wire.Framer

	sess    *Session
	bps     *breakpoints.Manager
	threads *threads.Extension

	queries    *trie.Trie
	monitor    map[string]monitorCommand
	threadList []threads.ID

	// live is the snapshot of the trap being handled.
	live      regs.Snapshot
	exception int
	inside    bool
	fault     *FaultError

	memBuf []byte

	console *consoleWriter

	log      logflags.Logger
	hooksLog logflags.Logger
}

// New returns an agent for the target described by conf.
func New(conf Config) (*Agent, error) {
	if conf.Adapter == nil {
		return nil, errors.New("a register adapter is required")
	}
	if conf.Hooks.ReadMem == nil || conf.Hooks.WriteMem == nil {
		return nil, errors.New("memory hooks are required")
	}
	if conf.PacketSize <= 0 {
		conf.PacketSize = wire.DefaultPacketSize
	}
	a := &Agent{
		conf:     conf,
		adapter:  conf.Adapter,
		hooks:    conf.Hooks,
		sess:     newSession(),
		memBuf:   make([]byte, conf.PacketSize),
		log:      logflags.AgentLogger(),
		hooksLog: logflags.HooksLogger(),
	}
	mem := targetMemory{a}
	a.bps = breakpoints.NewManager(mem, mem, conf.Adapter.BreakpointInstr())
	if d, ok := conf.Adapter.(regs.Disassembler); ok {
		a.bps.SetDisassembler(d)
	}
	if conf.Kernel != nil {
		a.threads = threads.New(conf.Kernel, conf.Adapter.SnapshotSize())
	}
	a.console = newConsoleWriter(a, conf.ConsoleFallback)
	a.initQueries()
	a.initMonitor()
	return a, nil
}

// Attach makes rw the connection to the host. The previous connection, if
// any, is dropped without being closed.
func (a *Agent) Attach(rw io.ReadWriter) {
	a.console.lock()
	defer a.console.unlock()
	a.conn = rw
	a.framer = wire.NewFramer(rw, a.conf.PacketSize, a.conf.DelayedAck)
	a.sess.closed = false
	a.log.Infof("host attached, session %s", a.sess.ID)
}

// Attached reports whether a host is attached.
func (a *Agent) Attached() bool {
	return a.framer != nil
}

// Session returns the current session.
func (a *Agent) Session() *Session { return a.sess }

// Breakpoints returns the breakpoint manager.
func (a *Agent) Breakpoints() *breakpoints.Manager { return a.bps }

// Threads returns the thread extension, nil without thread support.
func (a *Agent) Threads() *threads.Extension { return a.threads }

// Console returns a writer for the console output of the target program.
// The output is sent to the host while the target runs.
func (a *Agent) Console() io.Writer { return a.console }

// CheckInterrupt reports whether the host asked to stop the target. The
// target calls it from its asynchronous interrupt check and, if it returns
// true, enters the agent with regs.ExcInterrupt.
func (a *Agent) CheckInterrupt() bool {
	a.console.lock()
	defer a.console.unlock()
	if a.framer == nil {
		return false
	}
	return a.framer.PollInterrupt()
}

// HandleException is the entry point of the agent, called with the
// register snapshot of the trapped CPU. It reports the stop to the host and
// serves its commands until one resumes the target. The snapshot is
// modified according to the host's commands.
//
// A call made while a previous call is still running (an exception taken
// by a memory hook) records the fault and returns ActionFault at once.
func (a *Agent) HandleException(exception int, ctx regs.Snapshot) Resume {
	if a.inside {
		a.fault = &FaultError{Exception: exception, Signal: a.adapter.SignalFor(exception, ctx), PC: a.adapter.PC(ctx)}
		if logflags.Agent() {
			a.log.Debugf("%v", a.fault)
		}
		return Resume{Action: ActionFault}
	}
	a.inside = true
	defer func() { a.inside = false }()

	a.console.stop()
	defer a.console.start()

	a.live = ctx
	a.exception = exception
	s := a.sess
	if s.firstEntry {
		s.firstEntry = false
		s.original = ctx.Copy()
	}

	sig := a.adapter.SignalFor(exception, ctx)
	wasStep := s.armedStep
	s.armedStep = false
	if wasStep && a.hooks.Stepper != nil {
		a.hooks.Stepper.DisarmStep(ctx)
	}
	if sig == regs.SIGTRAP && !wasStep && exception != regs.ExcStep {
		a.rewindBreakpoint(ctx)
	}

	s.continuing, s.stepping = false, false
	if err := a.bps.RemoveAll(); err != nil {
		a.log.Errorf("could not remove breakpoints: %v", err)
	}

	if s.stepOverPending && wasStep {
		s.stepOverPending = false
		if !s.hostStep && sig == regs.SIGTRAP {
			// stepped past the breakpoint, put it back and keep going
			if logflags.Agent() {
				a.log.Debugf("stepped over breakpoint at %#x", s.stepOver)
			}
			if err := a.bps.InstallAll(); err != nil {
				a.log.Errorf("could not install breakpoints: %v", err)
			}
			s.continuing = true
			return Resume{Action: ActionContinue}
		}
	}

	if a.threads != nil {
		a.threads.Stopped()
	}
	s.lastSignal = sig
	s.stoppedAt = time.Now()
	metrics.Trap(sig.String())
	if logflags.Agent() {
		a.log.Debugf("stopped with %v (exception %d) at %#x", sig, exception, a.adapter.PC(ctx))
	}

	if a.framer == nil && !a.connect() {
		return Resume{Action: ActionContinue}
	}

	if err := a.sendStopReply(); err != nil {
		a.disconnect(err)
		return Resume{Action: ActionContinue}
	}
	return a.serve()
}

// rewindBreakpoint moves the program counter back onto a breakpoint that
// was hit, or past a trap instruction compiled into the program.
func (a *Agent) rewindBreakpoint(ctx regs.Snapshot) {
	pc := a.adapter.PC(ctx) - a.adapter.DecrPCAfterBreak()
	if bp, ok := a.bps.Lookup(pc); ok && bp.Installed {
		a.adapter.SetPC(ctx, pc)
		return
	}
	code := make([]byte, a.bps.TrapLen())
	if _, err := a.readMemory(pc, code); err != nil {
		return
	}
	if a.bps.IsTrap(code) {
		if logflags.Agent() {
			a.log.Debugf("skipping compiled-in breakpoint at %#x", pc)
		}
		a.adapter.SetPC(ctx, pc+uint64(len(code)))
	}
}

func (a *Agent) connect() bool {
	if a.conf.Connect == nil {
		return false
	}
	rw, err := a.conf.Connect()
	if err != nil {
		a.log.Errorf("could not connect to host: %v", err)
		return false
	}
	a.Attach(rw)
	return true
}

// serve runs the receive-dispatch-reply loop.
func (a *Agent) serve() Resume {
	for {
		pkt, err := a.framer.Receive()
		if err != nil {
			a.disconnect(err)
			return Resume{Action: ActionContinue}
		}
		if len(pkt) > 0 {
			metrics.PacketReceived(pkt[0])
		}
		res, resume, err := a.handlePacket(pkt)
		if err != nil {
			a.disconnect(err)
			return Resume{Action: ActionContinue}
		}
		if resume {
			return res
		}
	}
}

// handlePacket executes one command and sends its reply. Panics raised
// while executing it are turned into an error reply. The returned error is
// a transport error.
func (a *Agent) handlePacket(pkt []byte) (res Resume, resume bool, err error) {
	reply := a.framer.Reply()
	a.fault = nil
	defer func() {
		if ierr := recover(); ierr != nil {
			a.log.Errorf("internal error processing %s: %v", truncatePacket(pkt), ierr)
			res, resume = Resume{}, false
			err = a.sendError(errCodeStub)
		}
	}()

	out, res, herr := a.dispatch(pkt, reply)
	if herr == nil && a.fault != nil {
		herr = a.takeFault()
	}
	if herr != nil {
		if logflags.Agent() {
			a.log.Debugf("%s: %v", truncatePacket(pkt), herr)
		}
		return Resume{}, false, a.sendError(errorCode(herr))
	}

	switch out {
	case outResume:
		return res, true, nil
	case outDetach:
		err := a.send(reply)
		a.detach()
		return res, true, err
	}
	return Resume{}, false, a.send(reply)
}

func (a *Agent) send(reply *wire.Builder) error {
	err := a.framer.Send(reply)
	if errors.Is(err, wire.ErrTruncated) {
		a.log.Errorf("reply does not fit in %d bytes", a.framer.PacketSize())
		return a.sendError(errCodeStub)
	}
	return err
}

func (a *Agent) sendError(code uint8) error {
	metrics.ErrorReply(fmt.Sprintf("E%02x", code))
	return a.framer.Send(a.framer.Reply().Error(code))
}

func (a *Agent) takeFault() *FaultError {
	f := a.fault
	a.fault = nil
	return f
}

// sendStopReply tells the host why the target stopped.
func (a *Agent) sendStopReply() error {
	reply := a.framer.Reply()
	a.stopReply(reply)
	return a.framer.Send(reply)
}

func (a *Agent) stopReply(reply *wire.Builder) {
	sig := a.sess.lastSignal
	if !a.conf.StopReplyRegisters {
		reply.Byte('S').Hex8(uint8(sig))
		return
	}
	reply.Byte('T').Hex8(uint8(sig))
	for _, n := range []int{a.adapter.PCRegnum(), a.adapter.SPRegnum()} {
		val, err := a.adapter.Get(n, a.live)
		if err != nil {
			continue
		}
		reply.HexUint(uint64(n)).Byte(':').HexBytes(val).Byte(';')
	}
	if a.threads != nil {
		reply.String("thread:").HexUint(uint64(uint32(a.threads.Current()))).Byte(';')
	}
}

// disconnect is called when the connection fails: the host is gone, the
// target runs free.
func (a *Agent) disconnect(err error) {
	if errors.Is(err, wire.ErrClosed) {
		a.log.Infof("host disconnected: %v", err)
	} else {
		a.log.Errorf("connection error: %v", err)
	}
	a.detach()
}

// detach forgets the host: breakpoints are dropped, threads are released
// and the connection is closed.
func (a *Agent) detach() {
	if err := a.bps.RemoveAll(); err != nil {
		a.log.Errorf("could not remove breakpoints: %v", err)
	}
	a.bps.Reset()
	if a.threads != nil {
		if err := a.threads.Resume(false); err != nil {
			a.log.Errorf("could not release threads: %v", err)
		}
	}
	a.console.lock()
	if c, ok := a.conn.(io.Closer); ok {
		c.Close()
	}
	a.conn = nil
	a.framer = nil
	a.console.unlock()
	a.sess.closed = true
	a.sess.continuing = true
}

// resetSession starts a new session after a kill or restart, the
// connection is kept.
func (a *Agent) resetSession() {
	if err := a.bps.RemoveAll(); err != nil {
		a.log.Errorf("could not remove breakpoints: %v", err)
	}
	a.bps.Reset()
	a.sess = newSession()
	a.threadList = nil
	if logflags.Agent() {
		a.log.Debugf("new session %s", a.sess.ID)
	}
}

func truncatePacket(pkt []byte) string {
	const maxLen = 40
	if len(pkt) > maxLen {
		return fmt.Sprintf("%q...", pkt[:maxLen])
	}
	return fmt.Sprintf("%q", pkt)
}
