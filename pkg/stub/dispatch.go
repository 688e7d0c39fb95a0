package stub

import (
	"bytes"
	"errors"
	"math"
	"time"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/metrics"
	"github.com/go-delve/gdbstub/pkg/stub/breakpoints"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/threads"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

// outcome says what happens after a command was executed.
type outcome int

const (
	outReply  outcome = iota // send the reply, stay stopped
	outResume                // no reply, resume the target
	outDetach                // send the reply, drop the host, resume
)

// dispatch executes one command packet, building its reply in reply.
func (a *Agent) dispatch(pkt []byte, reply *wire.Builder) (outcome, Resume, error) {
	if len(pkt) == 0 {
		return outReply, Resume{}, nil
	}
	args := pkt[1:]
	switch pkt[0] {
	case '?':
		a.stopReply(reply)

	case 'g':
		return outReply, Resume{}, a.readRegisters(reply)
	case 'G':
		return outReply, Resume{}, a.writeRegisters(args, reply)
	case 'p':
		return outReply, Resume{}, a.readRegister(args, reply)
	case 'P':
		return outReply, Resume{}, a.writeRegister(args, reply)

	case 'm':
		return outReply, Resume{}, a.readMemoryCmd(args, reply)
	case 'M':
		return outReply, Resume{}, a.writeMemoryCmd(args, false, reply)
	case 'X':
		return outReply, Resume{}, a.writeMemoryCmd(args, true, reply)

	case 'c', 's':
		addr, hasAddr, err := parseOptionalAddr(args)
		if err != nil {
			return outReply, Resume{}, err
		}
		res, err := a.resume(pkt[0] == 's', addr, hasAddr, 0)
		if err != nil {
			return outReply, Resume{}, err
		}
		return outResume, res, nil
	case 'C', 'S':
		sig, n := wire.ParseHex(args)
		if n == 0 {
			return outReply, Resume{}, ErrMalformed
		}
		args = args[n:]
		var addr uint64
		var hasAddr bool
		if len(args) > 0 {
			if args[0] != ';' {
				return outReply, Resume{}, ErrMalformed
			}
			var err error
			if addr, hasAddr, err = parseOptionalAddr(args[1:]); err != nil {
				return outReply, Resume{}, err
			}
		}
		res, err := a.resume(pkt[0] == 'S', addr, hasAddr, regs.Signal(sig))
		if err != nil {
			return outReply, Resume{}, err
		}
		return outResume, res, nil

	case 'k':
		return outResume, a.kill(), nil
	case 'R', 'r':
		if a.hooks.Restart != nil && a.hooks.Restart() {
			a.resetSession()
			return outResume, Resume{Action: ActionRestart}, nil
		}
		return outResume, a.kill(), nil
	case 'D':
		reply.OK()
		return outDetach, Resume{Action: ActionContinue}, nil

	case 'H':
		return outReply, Resume{}, a.setThread(args, reply)
	case 'T':
		return outReply, Resume{}, a.threadAlive(args, reply)

	case 'Z', 'z':
		return outReply, Resume{}, a.breakpointCmd(pkt[0] == 'Z', args, reply)

	case 'q', 'Q':
		return outReply, Resume{}, a.query(pkt, reply)

	default:
		a.fallback(a.hooks.Packet, pkt, reply)
	}
	return outReply, Resume{}, nil
}

// fallback passes pkt to hook, leaving the reply empty (unsupported) if
// the hook does not handle it.
func (a *Agent) fallback(hook PacketHook, pkt []byte, reply *wire.Builder) {
	if hook == nil {
		return
	}
	if logflags.Hooks() {
		a.hooksLog.Debugf("passing %s to packet hook", truncatePacket(pkt))
	}
	if !hook(pkt, reply) {
		reply.Reset()
	}
}

// regContext returns the snapshot register commands operate on.
func (a *Agent) regContext() regs.Snapshot {
	if a.threads != nil {
		return a.threads.Context(a.live)
	}
	return a.live
}

func (a *Agent) regsModified() {
	if a.threads != nil {
		a.threads.MarkModified()
	}
}

func (a *Agent) readRegisters(reply *wire.Builder) error {
	ctx := a.regContext()
	for n := 0; n < a.adapter.NumRegs(); n++ {
		val, err := a.adapter.Get(n, ctx)
		if err != nil {
			return err
		}
		reply.HexBytes(val)
	}
	return nil
}

func (a *Agent) writeRegisters(args []byte, reply *wire.Builder) error {
	total := 0
	for n := 0; n < a.adapter.NumRegs(); n++ {
		total += a.adapter.Size(n)
	}
	if len(args) != 2*total {
		return ErrMalformed
	}
	buf := make([]byte, total)
	if _, ok := wire.DecodeHex(buf, args); !ok {
		return ErrMalformed
	}
	ctx := a.regContext()
	for n := 0; n < a.adapter.NumRegs(); n++ {
		sz := a.adapter.Size(n)
		if err := a.adapter.Set(n, ctx, buf[:sz]); err != nil {
			return err
		}
		buf = buf[sz:]
	}
	a.regsModified()
	reply.OK()
	return nil
}

func (a *Agent) readRegister(args []byte, reply *wire.Builder) error {
	n, l := wire.ParseHex(args)
	if l == 0 || l != len(args) {
		return ErrMalformed
	}
	val, err := a.adapter.Get(int(n), a.regContext())
	if err != nil {
		return ErrMalformed
	}
	reply.HexBytes(val)
	return nil
}

func (a *Agent) writeRegister(args []byte, reply *wire.Builder) error {
	n, l := wire.ParseHex(args)
	if l == 0 || l >= len(args) || args[l] != '=' {
		return ErrMalformed
	}
	sz := a.adapter.Size(int(n))
	if sz == 0 {
		return ErrMalformed
	}
	hex := args[l+1:]
	if len(hex) != 2*sz {
		return ErrMalformed
	}
	val := make([]byte, sz)
	if _, ok := wire.DecodeHex(val, hex); !ok {
		return ErrMalformed
	}
	if err := a.adapter.Set(int(n), a.regContext(), val); err != nil {
		return ErrMalformed
	}
	a.regsModified()
	reply.OK()
	return nil
}

// parseAddrLen parses "addr,length" and returns the remaining bytes.
func parseAddrLen(args []byte) (addr, length uint64, rest []byte, err error) {
	addr, n := wire.ParseHex(args)
	if n == 0 || n >= len(args) || args[n] != ',' {
		return 0, 0, nil, ErrMalformed
	}
	args = args[n+1:]
	length, n = wire.ParseHex(args)
	if n == 0 {
		return 0, 0, nil, ErrMalformed
	}
	return addr, length, args[n:], nil
}

func parseOptionalAddr(args []byte) (uint64, bool, error) {
	if len(args) == 0 {
		return 0, false, nil
	}
	addr, n := wire.ParseHex(args)
	if n == 0 || n != len(args) {
		return 0, false, ErrMalformed
	}
	return addr, true, nil
}

func (a *Agent) readMemoryCmd(args []byte, reply *wire.Builder) error {
	addr, length, rest, err := parseAddrLen(args)
	if err != nil || len(rest) != 0 || length == 0 {
		return ErrMalformed
	}
	if max := uint64(reply.Room() / 2); length > max {
		length = max
	}
	buf := a.memBuf[:length]
	n, err := a.readMemory(addr, buf)
	if err != nil && n == 0 {
		return err
	}
	reply.HexBytes(buf[:n])
	return nil
}

func (a *Agent) writeMemoryCmd(args []byte, binary bool, reply *wire.Builder) error {
	addr, length, rest, err := parseAddrLen(args)
	if err != nil || len(rest) == 0 || rest[0] != ':' {
		return ErrMalformed
	}
	data := rest[1:]
	var buf []byte
	if binary {
		buf = wire.Unescape(data)
		if uint64(len(buf)) != length {
			return ErrMalformed
		}
	} else {
		if uint64(len(data)) != 2*length || length > uint64(len(a.memBuf)) {
			return ErrMalformed
		}
		buf = a.memBuf[:length]
		if _, ok := wire.DecodeHex(buf, data); !ok {
			return ErrMalformed
		}
	}
	if _, err := a.writeMemory(addr, buf); err != nil {
		return err
	}
	reply.OK()
	return nil
}

// resume prepares the target to run: breakpoints are installed, caches
// flushed and single stepping armed. A breakpoint at the resume address is
// stepped over first when the target can single step, otherwise it is left
// out until the next stop.
func (a *Agent) resume(step bool, addr uint64, hasAddr bool, sig regs.Signal) (Resume, error) {
	if step && a.hooks.Stepper == nil {
		return Resume{}, ErrUnsupported
	}
	ctx := a.live
	if hasAddr {
		a.adapter.SetPC(ctx, addr)
	}
	if a.threads != nil {
		if err := a.threads.Resume(step); err != nil {
			return Resume{}, err
		}
	}

	s := a.sess
	pc := a.adapter.PC(ctx)
	arm := step
	var skip []uint64
	if _, ok := a.bps.Lookup(pc); ok {
		skip = append(skip, pc)
		if a.hooks.Stepper != nil {
			s.stepOver, s.stepOverPending, s.hostStep = pc, true, step
			arm = true
		}
	}
	if err := a.bps.InstallAll(skip...); err != nil {
		a.log.Errorf("could not install breakpoints: %v", err)
	}
	a.flushCaches(pc, uint64(a.bps.TrapLen()))

	if arm {
		if err := a.hooks.Stepper.ArmStep(ctx); err != nil {
			s.stepOverPending = false
			if rerr := a.bps.RemoveAll(); rerr != nil {
				a.log.Errorf("could not remove breakpoints: %v", rerr)
			}
			return Resume{}, err
		}
		s.armedStep = true
	}

	s.stepping = step
	s.continuing = !step
	if !s.stoppedAt.IsZero() {
		metrics.Stopped(time.Since(s.stoppedAt).Seconds())
	}
	if logflags.Agent() {
		a.log.Debugf("resuming at %#x step=%v signal=%v", pc, step, sig)
	}
	act := ActionContinue
	if arm {
		act = ActionStep
	}
	return Resume{Action: act, Signal: sig}, nil
}

// kill restores the context of the first trap and starts a new session.
func (a *Agent) kill() Resume {
	if a.hooks.Kill != nil {
		a.hooks.Kill()
	}
	if orig := a.sess.original; orig != nil {
		copy(a.live, orig)
	}
	a.resetSession()
	return Resume{Action: ActionKill}
}

// parseThreadID parses a variable width thread id, "-1" means all threads.
func parseThreadID(args []byte) (threads.ID, error) {
	if bytes.Equal(args, []byte("-1")) {
		return threads.AllThreads, nil
	}
	v, n := wire.ParseHex(args)
	if n == 0 || n != len(args) || v > math.MaxInt32 {
		return 0, ErrMalformed
	}
	return threads.ID(v), nil
}

func (a *Agent) setThread(args []byte, reply *wire.Builder) error {
	if len(args) < 2 {
		return ErrMalformed
	}
	op := args[0]
	id, err := parseThreadID(args[1:])
	if err != nil {
		return err
	}
	if a.threads == nil {
		if !id.IsSentinel() {
			return ErrUnsupported
		}
		reply.OK()
		return nil
	}
	switch op {
	case 'g':
		if err := a.threads.Select(id); err != nil {
			return ErrMalformed
		}
	case 'c':
		if !a.threads.Alive(id) {
			return ErrMalformed
		}
	default:
		return ErrMalformed
	}
	reply.OK()
	return nil
}

func (a *Agent) threadAlive(args []byte, reply *wire.Builder) error {
	id, err := parseThreadID(args)
	if err != nil {
		return err
	}
	if a.threads == nil {
		return nil
	}
	if !a.threads.Alive(id) {
		return ErrMalformed
	}
	reply.OK()
	return nil
}

func (a *Agent) breakpointCmd(insert bool, args []byte, reply *wire.Builder) error {
	if len(args) < 2 || args[1] != ',' {
		return ErrMalformed
	}
	kind := wire.HexValue(args[0])
	if kind < 0 {
		return ErrMalformed
	}
	addr, length, rest, err := parseAddrLen(args[2:])
	if err != nil {
		return err
	}
	// conditions and commands after ';' are not supported and ignored
	if len(rest) != 0 && rest[0] != ';' {
		return ErrMalformed
	}

	switch {
	case kind == 0:
		if insert {
			if _, err := a.bps.Set(addr, int(length)); err != nil {
				return &ProtocolError{Cmd: "Z0", Code: errCodeStub, Err: err}
			}
		} else if err := a.bps.Clear(addr); err != nil {
			var nbp breakpoints.NoBreakpointError
			if errors.As(err, &nbp) {
				return &ProtocolError{Cmd: "z0", Code: errCodeMalformed, Err: err}
			}
			return &ProtocolError{Cmd: "z0", Code: errCodeStub, Err: err}
		}
	case a.hooks.Hardware == nil || kind > int(WatchAccess):
		return ErrUnsupported
	case kind == 1:
		if insert {
			err = a.hooks.Hardware.SetHWBreakpoint(addr, int(length))
		} else {
			err = a.hooks.Hardware.ClearHWBreakpoint(addr, int(length))
		}
	default:
		if insert {
			err = a.hooks.Hardware.SetWatchpoint(WatchKind(kind), addr, int(length))
		} else {
			err = a.hooks.Hardware.ClearWatchpoint(WatchKind(kind), addr, int(length))
		}
	}
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return err
		}
		return &ProtocolError{Cmd: "Z", Code: errCodeStub, Err: err}
	}
	reply.OK()
	return nil
}
