package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
)

type opKind uint8

const (
	opNop     opKind = iota
	opTrap           // software breakpoint instruction
	opHalt           // wait for an interrupt
	opConsole        // write the low byte of the console register
	opSetReg         // load an immediate into part of a register
	opJump           // pc relative jump
)

// instr is a decoded instruction. The board only gives semantics to a
// handful of instructions, everything else that decodes runs as a nop.
type instr struct {
	op   opKind
	len  int
	reg  int
	mask uint64
	imm  uint64
	// disp is added to the address of the instruction by opJump.
	disp int64
}

// cpu describes how the board runs an architecture: the decoder and the
// exception codes it raises.
type cpu struct {
	decode func(code []byte) (instr, error)
	maxLen int

	breakExc   int
	hwBreakExc int
	stepExc    int
	faultExc   int
	illegalExc int

	stepReg    int
	stepBit    uint64
	consoleReg int
}

func newCPU(tbl *regs.Table) (*cpu, error) {
	switch tbl.Arch {
	case "i386:x86-64", "i386":
		mode, acc := 64, "rax"
		if tbl.Arch == "i386" {
			mode, acc = 32, "eax"
		}
		c := &cpu{
			maxLen:     15,
			breakExc:   regs.AMD64Breakpoint,
			hwBreakExc: regs.AMD64DebugTrap,
			stepExc:    regs.AMD64DebugTrap,
			faultExc:   regs.AMD64PageFault,
			illegalExc: regs.AMD64InvalidOp,
			stepReg:    tbl.Regnum("eflags"),
			stepBit:    1 << 8, // TF
			consoleReg: tbl.Regnum(acc),
		}
		c.decode = func(code []byte) (instr, error) { return decodeX86(code, mode, c.consoleReg) }
		return c, nil
	case "aarch64":
		return &cpu{
			decode:     decodeARM64,
			maxLen:     4,
			breakExc:   regs.ARM64Breakpoint,
			hwBreakExc: regs.ARM64HWBreakpoint,
			stepExc:    regs.ARM64SoftwareStep,
			faultExc:   regs.ARM64DataAbort,
			illegalExc: regs.ARM64Unknown,
			stepReg:    tbl.Regnum("cpsr"),
			stepBit:    1 << 21, // SS
			consoleReg: tbl.Regnum("x0"),
		}, nil
	}
	return nil, fmt.Errorf("no simulator for architecture %s", tbl.Arch)
}

func decodeX86(code []byte, mode, acc int) (instr, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return instr{}, err
	}
	in := instr{len: inst.Len}
	switch inst.Op {
	case x86asm.INT:
		if code[0] == 0xcc {
			in.op = opTrap
		}
	case x86asm.HLT:
		in.op = opHalt
	case x86asm.OUT:
		in.op = opConsole
	case x86asm.JMP:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			in.op = opJump
			in.disp = int64(rel) + int64(inst.Len)
		}
	case x86asm.MOV:
		imm, ok := inst.Args[1].(x86asm.Imm)
		if !ok {
			break
		}
		switch inst.Args[0] {
		case x86asm.AL:
			in.op, in.reg, in.mask = opSetReg, acc, 0xff
		case x86asm.EAX:
			// writes to 32bit registers clear the upper half in 64bit mode
			in.op, in.reg, in.mask = opSetReg, acc, ^uint64(0)
		case x86asm.RAX:
			in.op, in.reg, in.mask = opSetReg, acc, ^uint64(0)
		}
		in.imm = uint64(imm) & in.mask
		if inst.Args[0] == x86asm.EAX {
			in.imm &= 0xffffffff
		}
	}
	return in, nil
}

var (
	errShortInstr = errors.New("truncated instruction")
	errUndefined  = errors.New("permanently undefined instruction")
)

func decodeARM64(code []byte) (instr, error) {
	if len(code) < 4 {
		return instr{}, errShortInstr
	}
	w := binary.LittleEndian.Uint32(code)
	if w&0xffff0000 == 0 {
		return instr{}, errUndefined
	}
	in := instr{len: 4}
	switch w & 0xffe0001f {
	case 0xd4200000: // brk
		in.op = opTrap
		return in, nil
	case 0xd4400000: // hlt
		in.op = opHalt
		return in, nil
	case 0xd4000001: // svc
		in.op = opConsole
		return in, nil
	}
	if _, err := arm64asm.Decode(code[:4]); err != nil {
		return instr{}, err
	}
	switch {
	case w&0x7f800000 == 0x52800000: // movz
		rd := int(w & 0x1f)
		if rd == 31 {
			break
		}
		shift := 16 * ((w >> 21) & 3)
		in.op, in.reg, in.mask = opSetReg, rd, ^uint64(0)
		in.imm = uint64((w>>5)&0xffff) << shift
	case w&0xfc000000 == 0x14000000: // b
		in.op = opJump
		in.disp = int64(int32(w<<6)>>6) * 4
	}
	return in, nil
}
