// Package sim is a small instruction level simulator that the debug agent
// can run on when there is no real hardware at hand. It gives semantics to
// a handful of instructions (immediate loads, a console output, jumps,
// halt and the breakpoint instruction) and raises the same exceptions a
// CPU would for breakpoints, single steps, bad memory accesses and
// undefined instructions.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/gdbstub/pkg/config"
	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/metrics"
	"github.com/go-delve/gdbstub/pkg/stub"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/threads"
)

const (
	// DefaultLoadAddr is where programs are loaded when no address is
	// given.
	DefaultLoadAddr = 0x1000

	defaultMemorySize = 1 << 20

	// interruptPollInterval is the number of instructions executed between
	// checks for a host interrupt request.
	interruptPollInterval = 1024
	haltPollDelay         = time.Millisecond

	hwBreakpointSlots = 4
	decodeCacheSize   = 4096
)

// ErrNoAgent is returned by Run when no agent was attached.
var ErrNoAgent = errors.New("no agent attached to the board")

// Board is a simulated single core machine.
type Board struct {
	tbl  *regs.Table
	cpu  *cpu
	mem  *memory
	conf *config.Config

	// ctx is the register context of the running thread.
	ctx   regs.Snapshot
	entry uint64

	image     []byte
	imageAddr uint64

	agent   *stub.Agent
	kernel  *kernel
	console io.Writer

	decoded *lru.Cache
	hw      map[uint64]bool
	// resuming skips the hardware breakpoint check for the first
	// instruction after the agent returned.
	resuming bool
	halted   bool

	executed uint64

	log logflags.Logger
}

// New returns a board with the memory layout and thread count of conf, for
// the architecture described by tbl.
func New(conf *config.Config, tbl *regs.Table) (*Board, error) {
	c, err := newCPU(tbl)
	if err != nil {
		return nil, err
	}
	layout := conf.Memory
	if len(layout) == 0 {
		layout = []config.MemoryRegion{{Name: "ram", Start: 0, Size: defaultMemorySize}}
	}
	mem, err := newMemory(layout)
	if err != nil {
		return nil, err
	}
	decoded, err := lru.New(decodeCacheSize)
	if err != nil {
		return nil, err
	}
	b := &Board{
		tbl:     tbl,
		cpu:     c,
		mem:     mem,
		conf:    conf,
		ctx:     make(regs.Snapshot, tbl.SnapshotSize()),
		entry:   DefaultLoadAddr,
		console: os.Stdout,
		decoded: decoded,
		hw:      make(map[uint64]bool),
		log:     logflags.BoardLogger(),
	}
	if conf.Threads > 0 {
		b.kernel = newKernel(b, conf.Threads)
	}
	b.resetContext()
	return b, nil
}

// Load copies image into memory at addr, read-only regions included, and
// makes addr the entry point.
func (b *Board) Load(addr uint64, image []byte) error {
	if err := b.mem.write(addr, image, true); err != nil {
		return fmt.Errorf("could not load %d bytes at %#x: %w", len(image), addr, err)
	}
	b.image = append([]byte(nil), image...)
	b.imageAddr = addr
	b.entry = addr
	b.decoded.Purge()
	b.resetContext()
	if logflags.Board() {
		b.log.Debugf("loaded %d bytes at %#x", len(image), addr)
	}
	return nil
}

// resetContext points every thread at the entry point.
func (b *Board) resetContext() {
	for i := range b.ctx {
		b.ctx[i] = 0
	}
	b.tbl.SetPC(b.ctx, b.entry)
	b.tbl.SetUint(b.tbl.SPRegnum(), b.ctx, b.mem.stackTop())
	if b.kernel != nil {
		b.kernel.reset()
	}
	b.halted = false
}

// reload restores the memory to the state after Load.
func (b *Board) reload() {
	b.mem.clear()
	if b.image != nil {
		b.mem.write(b.imageAddr, b.image, true)
	}
	b.decoded.Purge()
	if b.kernel != nil {
		b.kernel.reset()
	}
	b.halted = false
}

// Hooks returns the target hooks of the board.
func (b *Board) Hooks() stub.Hooks {
	return stub.Hooks{
		ReadMem:  b.readMem,
		WriteMem: b.writeMem,
		Cache:    b,
		Stepper:  b,
		Hardware: b,
		Query:    b.QueryHook(nil),
		Kill:     b.kill,
		Restart:  b.restart,
	}
}

// Kernel returns the thread support of the board, nil if it was configured
// without threads.
func (b *Board) Kernel() threads.Kernel {
	if b.kernel == nil {
		return nil
	}
	return b.kernel
}

// Attach connects the board to the agent that handles its exceptions.
// Program output goes to the agent's console from then on.
func (b *Board) Attach(agent *stub.Agent) {
	b.agent = agent
	b.console = agent.Console()
}

// Context returns the live register context.
func (b *Board) Context() regs.Snapshot {
	return b.ctx
}

// Executed returns the number of instructions run so far.
func (b *Board) Executed() uint64 {
	return b.executed
}

// Run executes the program until ctx is cancelled. The board traps into the
// agent before the first instruction, the way a kernel calls into its
// debugger early during boot.
func (b *Board) Run(ctx context.Context) error {
	if b.agent == nil {
		return ErrNoAgent
	}
	b.enter(regs.ExcStep)
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			metrics.Executed(b.executed - reported)
			return ctx.Err()
		default:
		}
		if b.halted {
			time.Sleep(haltPollDelay)
		} else {
			for i := 0; i < interruptPollInterval && !b.halted; i++ {
				if exc, trapped := b.step(); trapped {
					b.enter(exc)
				}
			}
			metrics.Executed(b.executed - reported)
			reported = b.executed
		}
		if b.agent.CheckInterrupt() {
			b.enter(regs.ExcInterrupt)
		}
	}
}

func (b *Board) enter(exc int) {
	if logflags.Board() {
		b.log.Debugf("exception %d at %#x", exc, b.tbl.PC(b.ctx))
	}
	res := b.agent.HandleException(exc, b.ctx)
	b.resuming = true
	b.halted = false
	if res.Signal != 0 {
		b.log.Warnf("signal %v can not be delivered to the program, ignored", res.Signal)
	}
	if logflags.Board() {
		b.log.Debugf("resuming at %#x (%v)", b.tbl.PC(b.ctx), res.Action)
	}
}

// step runs one instruction and reports the exception it raised, if any.
func (b *Board) step() (exc int, trapped bool) {
	pc := b.tbl.PC(b.ctx)
	if !b.resuming && b.hw[pc] {
		return b.cpu.hwBreakExc, true
	}
	b.resuming = false

	in, exc, ok := b.fetch(pc)
	if !ok {
		return exc, true
	}
	b.executed++
	next := pc + uint64(in.len)
	switch in.op {
	case opTrap:
		b.tbl.SetPC(b.ctx, pc+b.tbl.DecrPCAfterBreak())
		return b.cpu.breakExc, true
	case opHalt:
		b.halted = true
	case opConsole:
		b.console.Write([]byte{byte(b.tbl.Uint(b.cpu.consoleReg, b.ctx))})
	case opSetReg:
		v := b.tbl.Uint(in.reg, b.ctx)
		b.tbl.SetUint(in.reg, b.ctx, v&^in.mask|in.imm)
	case opJump:
		next = pc + uint64(in.disp)
	}
	b.tbl.SetPC(b.ctx, next)

	if b.stepping(b.ctx) {
		return b.cpu.stepExc, true
	}
	if b.kernel != nil {
		b.kernel.tick()
	}
	return 0, false
}

// fetch decodes the instruction at pc. Decoded instructions are cached
// until the instruction cache is flushed, like on a CPU without coherent
// caches.
func (b *Board) fetch(pc uint64) (instr, int, bool) {
	if v, ok := b.decoded.Get(pc); ok {
		return v.(instr), 0, true
	}
	code := make([]byte, b.cpu.maxLen)
	n := b.mem.readAvail(pc, code)
	if n == 0 {
		return instr{}, b.cpu.faultExc, false
	}
	in, err := b.cpu.decode(code[:n])
	if err != nil {
		if logflags.Board() {
			b.log.Debugf("undefined instruction at %#x: %v", pc, err)
		}
		return instr{}, b.cpu.illegalExc, false
	}
	b.decoded.Add(pc, in)
	return in, 0, true
}

func (b *Board) readMem(addr uint64, space int, unit, count int, buf []byte) int {
	for i := 0; i < count; i++ {
		a := addr + uint64(i*unit)
		if !b.mem.read(a, buf[i*unit:(i+1)*unit]) {
			b.fault(a)
			return i
		}
	}
	return count
}

func (b *Board) writeMem(addr uint64, space int, unit, count int, buf []byte) int {
	for i := 0; i < count; i++ {
		a := addr + uint64(i*unit)
		err := b.mem.write(a, buf[i*unit:(i+1)*unit], false)
		switch err.(type) {
		case nil:
			continue
		case errReadOnly:
			// the bus ignores the write, no exception is raised
			if logflags.Board() {
				b.log.Debugf("write at %#x: %v", a, err)
			}
		default:
			b.fault(a)
		}
		return i
	}
	return count
}

// fault raises the exception of a bad data access. It happens while the
// agent is handling another exception, the agent abandons the access.
func (b *Board) fault(addr uint64) {
	if logflags.Board() {
		b.log.Debugf("data abort at %#x", addr)
	}
	if b.agent == nil {
		return
	}
	b.agent.HandleException(b.cpu.faultExc, b.ctx.Copy())
}

// FlushICache drops the decoded instructions in [addr, addr+n).
func (b *Board) FlushICache(addr, n uint64) {
	for _, k := range b.decoded.Keys() {
		if pc := k.(uint64); pc+uint64(b.cpu.maxLen) > addr && pc < addr+n {
			b.decoded.Remove(k)
		}
	}
}

// FlushDCache does nothing, memory accesses are not cached.
func (b *Board) FlushDCache(addr, n uint64) {}

func (b *Board) stepping(ctx regs.Snapshot) bool {
	return b.tbl.Uint(b.cpu.stepReg, ctx)&b.cpu.stepBit != 0
}

// ArmStep sets the single step flag in ctx.
func (b *Board) ArmStep(ctx regs.Snapshot) error {
	b.tbl.SetUint(b.cpu.stepReg, ctx, b.tbl.Uint(b.cpu.stepReg, ctx)|b.cpu.stepBit)
	return nil
}

// DisarmStep clears the single step flag in ctx.
func (b *Board) DisarmStep(ctx regs.Snapshot) {
	b.tbl.SetUint(b.cpu.stepReg, ctx, b.tbl.Uint(b.cpu.stepReg, ctx)&^b.cpu.stepBit)
}

// SetHWBreakpoint uses one of the instruction address comparators.
func (b *Board) SetHWBreakpoint(addr uint64, length int) error {
	if b.hw[addr] {
		return nil
	}
	if len(b.hw) >= hwBreakpointSlots {
		return fmt.Errorf("all %d hardware breakpoints are in use", hwBreakpointSlots)
	}
	b.hw[addr] = true
	return nil
}

func (b *Board) ClearHWBreakpoint(addr uint64, length int) error {
	delete(b.hw, addr)
	return nil
}

// SetWatchpoint fails, the board has no data address comparators.
func (b *Board) SetWatchpoint(kind stub.WatchKind, addr uint64, length int) error {
	return stub.ErrUnsupported
}

func (b *Board) ClearWatchpoint(kind stub.WatchKind, addr uint64, length int) error {
	return stub.ErrUnsupported
}

func (b *Board) kill() {
	b.log.Info("killed by the host, reloading the program")
	b.reload()
}

func (b *Board) restart() bool {
	b.log.Info("restarting the program")
	b.reload()
	b.resetContext()
	return true
}
