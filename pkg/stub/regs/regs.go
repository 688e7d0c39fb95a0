// Package regs describes how the registers of a trapped CPU are laid out
// in memory and how the agent reads and writes them.
//
// The agent never touches a saved register snapshot directly: every access
// goes through an Adapter, which maps portable register numbers (the
// numbers the host debugger uses) to a byte offset and size inside the
// snapshot. One Adapter exists per CPU architecture; Table is a generic
// descriptor driven implementation that the architectures in this package
// instantiate.
package regs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Snapshot is the block of memory holding all the registers of the CPU at
// the moment of a trap, or the saved registers of a thread.
type Snapshot []byte

// Copy returns a copy of s.
func (s Snapshot) Copy() Snapshot {
	return append(Snapshot(nil), s...)
}

// ErrInvalidRegister is returned when a register number is not described
// by the adapter.
var ErrInvalidRegister = errors.New("invalid register number")

// RegisterSizeError is returned when writing a register with a value of
// the wrong size.
type RegisterSizeError struct {
	Regnum   int
	Expected int
	Got      int
}

func (err *RegisterSizeError) Error() string {
	return fmt.Sprintf("register %d is %d bytes long, got %d", err.Regnum, err.Expected, err.Got)
}

// Adapter is the capability interface implemented once per target
// architecture. The snapshot is always passed explicitly so that the same
// calls work on the live trapped context and on a thread's saved context.
type Adapter interface {
	// NumRegs returns the number of portable registers, the registers
	// exchanged by bulk register reads and writes.
	NumRegs() int
	// SnapshotSize returns the size of a register snapshot.
	SnapshotSize() int
	// Offset and Size return the position of register n inside a
	// snapshot, n may be beyond NumRegs for architecture specific extras.
	Offset(n int) int
	Size(n int) int

	Get(n int, ctx Snapshot) ([]byte, error)
	Set(n int, ctx Snapshot, val []byte) error

	PC(ctx Snapshot) uint64
	SetPC(ctx Snapshot, pc uint64)

	// PCRegnum and SPRegnum are the registers reported in T stop replies.
	PCRegnum() int
	SPRegnum() int

	// SignalFor maps an architecture exception code to a portable signal.
	SignalFor(exception int, ctx Snapshot) Signal

	// BreakpointInstr returns the software breakpoint opcode.
	BreakpointInstr() []byte
	// DecrPCAfterBreak is how far past a breakpoint instruction the
	// program counter points when the breakpoint trap is taken.
	DecrPCAfterBreak() uint64
}

// Disassembler is implemented by adapters that can decode the instructions
// of their architecture.
type Disassembler interface {
	// Disassemble decodes the instruction at the start of code, located
	// at pc, and returns its text and length in bytes.
	Disassemble(code []byte, pc uint64) (string, int, error)
}

// Descriptor describes a register.
type Descriptor struct {
	Name    string
	Bitsize int
	Offset  int
	// Type and Group are reported in the target description.
	Type  string
	Group string
}

// Size returns the size of the register in bytes.
func (d *Descriptor) Size() int {
	return d.Bitsize / 8
}

// Table is an Adapter backed by a list of register descriptors.
type Table struct {
	// Arch is the architecture name reported in the target description
	// (for example "i386:x86-64").
	Arch string
	// Feature is the name of the target description feature holding the
	// registers.
	Feature string

	Regs     []Descriptor
	Portable int

	PCReg, SPReg int

	ByteOrder binary.ByteOrder

	Trap      []byte
	DecrPC    uint64
	Signals   map[int]Signal
	DefaultSg Signal

	// Disasm is optional.
	Disasm func(code []byte, pc uint64) (string, int, error)

	size int
}

// NewTable lays out descs sequentially (descriptors with a non-zero Offset
// keep it) and returns the resulting table. It panics if two registers
// overlap, a register table that does not match the snapshot layout is an
// integration bug.
func NewTable(t Table) *Table {
	offset := 0
	t.Regs = append([]Descriptor(nil), t.Regs...)
	for i := range t.Regs {
		d := &t.Regs[i]
		if d.Offset == 0 && i > 0 {
			d.Offset = offset
		}
		if d.Offset < offset {
			panic(fmt.Errorf("register %s at offset %d overlaps previous register", d.Name, d.Offset))
		}
		offset = d.Offset + d.Size()
		if d.Type == "" {
			d.Type = "int"
		}
	}
	t.size = offset
	if t.Portable == 0 || t.Portable > len(t.Regs) {
		t.Portable = len(t.Regs)
	}
	return &t
}

func (t *Table) NumRegs() int      { return t.Portable }
func (t *Table) SnapshotSize() int { return t.size }
func (t *Table) PCRegnum() int     { return t.PCReg }
func (t *Table) SPRegnum() int     { return t.SPReg }

// NumDescribed returns the number of registers including the ones beyond
// the portable set.
func (t *Table) NumDescribed() int { return len(t.Regs) }

// Describe returns the descriptor of register n.
func (t *Table) Describe(n int) (Descriptor, bool) {
	if n < 0 || n >= len(t.Regs) {
		return Descriptor{}, false
	}
	return t.Regs[n], true
}

func (t *Table) Offset(n int) int {
	if n < 0 || n >= len(t.Regs) {
		return -1
	}
	return t.Regs[n].Offset
}

func (t *Table) Size(n int) int {
	if n < 0 || n >= len(t.Regs) {
		return 0
	}
	return t.Regs[n].Size()
}

func (t *Table) slot(n int, ctx Snapshot) ([]byte, error) {
	if n < 0 || n >= len(t.Regs) {
		return nil, ErrInvalidRegister
	}
	d := &t.Regs[n]
	if d.Offset+d.Size() > len(ctx) {
		return nil, fmt.Errorf("register %s outside of %d byte snapshot", d.Name, len(ctx))
	}
	return ctx[d.Offset : d.Offset+d.Size()], nil
}

// Get returns a copy of the bytes of register n, in target byte order.
func (t *Table) Get(n int, ctx Snapshot) ([]byte, error) {
	v, err := t.slot(n, ctx)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// Set writes val into register n, val must be exactly as long as the
// register.
func (t *Table) Set(n int, ctx Snapshot, val []byte) error {
	v, err := t.slot(n, ctx)
	if err != nil {
		return err
	}
	if len(val) != len(v) {
		return &RegisterSizeError{Regnum: n, Expected: len(v), Got: len(val)}
	}
	copy(v, val)
	return nil
}

// Regnum returns the number of the register called name, or -1.
func (t *Table) Regnum(name string) int {
	for i := range t.Regs {
		if t.Regs[i].Name == name {
			return i
		}
	}
	return -1
}

// Uint returns register n as an integer, registers that are not 2, 4 or 8
// bytes long read as zero.
func (t *Table) Uint(n int, ctx Snapshot) uint64 {
	v, err := t.slot(n, ctx)
	if err != nil {
		return 0
	}
	switch len(v) {
	case 2:
		return uint64(t.ByteOrder.Uint16(v))
	case 4:
		return uint64(t.ByteOrder.Uint32(v))
	case 8:
		return t.ByteOrder.Uint64(v)
	}
	return 0
}

// SetUint stores x into register n, truncated to the register size.
func (t *Table) SetUint(n int, ctx Snapshot, x uint64) {
	v, err := t.slot(n, ctx)
	if err != nil {
		return
	}
	switch len(v) {
	case 2:
		t.ByteOrder.PutUint16(v, uint16(x))
	case 4:
		t.ByteOrder.PutUint32(v, uint32(x))
	case 8:
		t.ByteOrder.PutUint64(v, x)
	}
}

func (t *Table) PC(ctx Snapshot) uint64        { return t.Uint(t.PCReg, ctx) }
func (t *Table) SetPC(ctx Snapshot, pc uint64) { t.SetUint(t.PCReg, ctx, pc) }

// SP returns the stack pointer stored in ctx.
func (t *Table) SP(ctx Snapshot) uint64 { return t.Uint(t.SPReg, ctx) }

func (t *Table) SignalFor(exception int, ctx Snapshot) Signal {
	switch exception {
	case ExcInterrupt:
		return SIGINT
	case ExcStep:
		return SIGTRAP
	}
	if sig, ok := t.Signals[exception]; ok {
		return sig
	}
	return t.DefaultSg
}

func (t *Table) BreakpointInstr() []byte  { return t.Trap }
func (t *Table) DecrPCAfterBreak() uint64 { return t.DecrPC }

// Disassemble implements Disassembler, it fails if the table has no
// decoder.
func (t *Table) Disassemble(code []byte, pc uint64) (string, int, error) {
	if t.Disasm == nil {
		return "", 0, fmt.Errorf("no disassembler for %s", t.Arch)
	}
	return t.Disasm(code, pc)
}
