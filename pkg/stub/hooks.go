package stub

import (
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

// Address spaces passed to memory hooks.
const (
	SpaceDefault = 0
)

// ReadMemFunc reads count units of unit bytes each, starting at addr, into
// buf and returns the number of units read. A hook that faults while
// accessing memory may enter the agent again through HandleException.
type ReadMemFunc func(addr uint64, space int, unit, count int, buf []byte) int

// WriteMemFunc is the write counterpart of ReadMemFunc.
type WriteMemFunc func(addr uint64, space int, unit, count int, buf []byte) int

// CacheFlusher makes written memory visible to instruction fetches and to
// other bus masters.
type CacheFlusher interface {
	FlushICache(addr, n uint64)
	FlushDCache(addr, n uint64)
}

// Stepper arms and disarms hardware single stepping in a register
// snapshot (for example the trap flag on x86).
type Stepper interface {
	ArmStep(ctx regs.Snapshot) error
	DisarmStep(ctx regs.Snapshot)
}

// WatchKind is the kind of a watchpoint, numbered as in Z packets.
type WatchKind int

const (
	WatchWrite  WatchKind = 2
	WatchRead   WatchKind = 3
	WatchAccess WatchKind = 4
)

func (k WatchKind) String() string {
	switch k {
	case WatchWrite:
		return "write"
	case WatchRead:
		return "read"
	case WatchAccess:
		return "access"
	}
	return "unknown"
}

// HardwareDebugger gives access to the debug registers of the CPU.
type HardwareDebugger interface {
	SetHWBreakpoint(addr uint64, length int) error
	ClearHWBreakpoint(addr uint64, length int) error
	SetWatchpoint(kind WatchKind, addr uint64, length int) error
	ClearWatchpoint(kind WatchKind, addr uint64, length int) error
}

// PacketHook handles a packet the agent does not know. It appends the
// reply to reply and returns true if it handled the packet, an empty
// reply is sent otherwise.
type PacketHook func(pkt []byte, reply *wire.Builder) bool

// KillHook is called when the host kills the target, before the original
// context is restored.
type KillHook func()

// RestartHook is called when the host asks for a restart. It returns false
// if the target can not be restarted, the agent then behaves as for a
// kill.
type RestartHook func() bool

// Hooks are the connection points between the agent and the target it
// runs on. ReadMem and WriteMem are required, everything else is optional.
type Hooks struct {
	ReadMem  ReadMemFunc
	WriteMem WriteMemFunc

	Cache    CacheFlusher
	Stepper  Stepper
	Hardware HardwareDebugger

	// Packet handles unknown commands, Query unknown q and Q sub
	// commands (and unknown monitor commands, passed as the full qRcmd
	// packet).
	Packet PacketHook
	Query  PacketHook

	Kill    KillHook
	Restart RestartHook
}
