package regs

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// x86 exception vectors.
const (
	excDivideError     = 0
	excDebug           = 1
	excNMI             = 2
	excBreakpoint      = 3
	excOverflow        = 4
	excBound           = 5
	excInvalidOpcode   = 6
	excNoFPU           = 7
	excDoubleFault     = 8
	excFPUOverrun      = 9
	excInvalidTSS      = 10
	excSegmentMissing  = 11
	excStackFault      = 12
	excGeneralProtect  = 13
	excPageFault       = 14
	excFPUError        = 16
	excAlignmentCheck  = 17
	excMachineCheck    = 18
	excSIMDFloatingPnt = 19
)

var x86Signals = map[int]Signal{
	excDivideError:     SIGFPE,
	excDebug:           SIGTRAP,
	excNMI:             SIGINT,
	excBreakpoint:      SIGTRAP,
	excOverflow:        SIGSEGV,
	excBound:           SIGSEGV,
	excInvalidOpcode:   SIGILL,
	excNoFPU:           SIGSEGV,
	excDoubleFault:     SIGSEGV,
	excFPUOverrun:      SIGSEGV,
	excInvalidTSS:      SIGSEGV,
	excSegmentMissing:  SIGSEGV,
	excStackFault:      SIGSEGV,
	excGeneralProtect:  SIGSEGV,
	excPageFault:       SIGSEGV,
	excFPUError:        SIGFPE,
	excAlignmentCheck:  SIGBUS,
	excMachineCheck:    SIGBUS,
	excSIMDFloatingPnt: SIGFPE,
}

// arm64 exception classes (ESR_ELx.EC).
const (
	ecUnknown         = 0x00
	ecIllegalState    = 0x0e
	ecSVC64           = 0x15
	ecInstrAbortLower = 0x20
	ecInstrAbort      = 0x21
	ecPCAlignment     = 0x22
	ecDataAbortLower  = 0x24
	ecDataAbort       = 0x25
	ecSPAlignment     = 0x26
	ecFP64            = 0x2c
	ecBreakptLower    = 0x30
	ecBreakpt         = 0x31
	ecSoftStepLower   = 0x32
	ecSoftStep        = 0x33
	ecWatchptLower    = 0x34
	ecWatchpt         = 0x35
	ecBRK64           = 0x3c
)

var arm64Signals = map[int]Signal{
	ecUnknown:         SIGILL,
	ecIllegalState:    SIGILL,
	ecSVC64:           SIGSYS,
	ecInstrAbortLower: SIGSEGV,
	ecInstrAbort:      SIGSEGV,
	ecPCAlignment:     SIGBUS,
	ecDataAbortLower:  SIGSEGV,
	ecDataAbort:       SIGSEGV,
	ecSPAlignment:     SIGBUS,
	ecFP64:            SIGFPE,
	ecBreakptLower:    SIGTRAP,
	ecBreakpt:         SIGTRAP,
	ecSoftStepLower:   SIGTRAP,
	ecSoftStep:        SIGTRAP,
	ecWatchptLower:    SIGTRAP,
	ecWatchpt:         SIGTRAP,
	ecBRK64:           SIGTRAP,
}

// Exception codes the simulator and tests use to raise the common traps on
// any architecture.
const (
	AMD64Breakpoint   = excBreakpoint
	AMD64PageFault    = excPageFault
	AMD64InvalidOp    = excInvalidOpcode
	AMD64DivideError  = excDivideError
	AMD64DebugTrap    = excDebug
	ARM64Breakpoint   = ecBRK64
	ARM64DataAbort    = ecDataAbort
	ARM64Unknown      = ecUnknown
	ARM64SoftwareStep = ecSoftStep
	ARM64HWBreakpoint = ecBreakpt
)

func x86Disassembler(mode int) func([]byte, uint64) (string, int, error) {
	return func(code []byte, pc uint64) (string, int, error) {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return "", 0, err
		}
		return x86asm.GNUSyntax(inst, pc, nil), inst.Len, nil
	}
}

func arm64Disassemble(code []byte, pc uint64) (string, int, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return "", 0, err
	}
	return arm64asm.GNUSyntax(inst), 4, nil
}

func gpr(name string, bitsize int) Descriptor {
	return Descriptor{Name: name, Bitsize: bitsize, Group: "general"}
}

// AMD64 returns the register table of x86-64 CPUs, in the order of gdb's
// amd64 core feature. fs_base and gs_base are only reachable through
// single register accesses.
func AMD64() *Table {
	var regs []Descriptor
	for _, name := range []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi"} {
		regs = append(regs, gpr(name, 64))
	}
	regs = append(regs,
		Descriptor{Name: "rbp", Bitsize: 64, Type: "data_ptr", Group: "general"},
		Descriptor{Name: "rsp", Bitsize: 64, Type: "data_ptr", Group: "general"})
	for i := 8; i < 16; i++ {
		regs = append(regs, gpr(fmt.Sprintf("r%d", i), 64))
	}
	regs = append(regs,
		Descriptor{Name: "rip", Bitsize: 64, Type: "code_ptr", Group: "general"},
		gpr("eflags", 32))
	for _, name := range []string{"cs", "ss", "ds", "es", "fs", "gs"} {
		regs = append(regs, gpr(name, 32))
	}
	portable := len(regs)
	regs = append(regs,
		Descriptor{Name: "fs_base", Bitsize: 64, Group: "system"},
		Descriptor{Name: "gs_base", Bitsize: 64, Group: "system"})

	return NewTable(Table{
		Arch:      "i386:x86-64",
		Feature:   "org.gnu.gdb.i386.core",
		Regs:      regs,
		Portable:  portable,
		PCReg:     16,
		SPReg:     7,
		ByteOrder: binary.LittleEndian,
		Trap:      []byte{0xCC},
		DecrPC:    1,
		Signals:   x86Signals,
		DefaultSg: SIGEMT,
		Disasm:    x86Disassembler(64),
	})
}

// I386 returns the register table of 32bit x86 CPUs.
func I386() *Table {
	var regs []Descriptor
	for _, name := range []string{"eax", "ecx", "edx", "ebx"} {
		regs = append(regs, gpr(name, 32))
	}
	regs = append(regs,
		Descriptor{Name: "esp", Bitsize: 32, Type: "data_ptr", Group: "general"},
		Descriptor{Name: "ebp", Bitsize: 32, Type: "data_ptr", Group: "general"},
		gpr("esi", 32), gpr("edi", 32),
		Descriptor{Name: "eip", Bitsize: 32, Type: "code_ptr", Group: "general"},
		gpr("eflags", 32))
	for _, name := range []string{"cs", "ss", "ds", "es", "fs", "gs"} {
		regs = append(regs, gpr(name, 32))
	}

	return NewTable(Table{
		Arch:      "i386",
		Feature:   "org.gnu.gdb.i386.core",
		Regs:      regs,
		PCReg:     8,
		SPReg:     4,
		ByteOrder: binary.LittleEndian,
		Trap:      []byte{0xCC},
		DecrPC:    1,
		Signals:   x86Signals,
		DefaultSg: SIGEMT,
		Disasm:    x86Disassembler(32),
	})
}

// ARM64 returns the register table of AArch64 CPUs. The program counter
// points at the BRK instruction when its exception is taken.
func ARM64() *Table {
	var regs []Descriptor
	for i := 0; i < 31; i++ {
		regs = append(regs, gpr(fmt.Sprintf("x%d", i), 64))
	}
	regs = append(regs,
		Descriptor{Name: "sp", Bitsize: 64, Type: "data_ptr", Group: "general"},
		Descriptor{Name: "pc", Bitsize: 64, Type: "code_ptr", Group: "general"},
		gpr("cpsr", 32))
	portable := len(regs)
	regs = append(regs,
		Descriptor{Name: "fpsr", Bitsize: 32, Group: "float"},
		Descriptor{Name: "fpcr", Bitsize: 32, Group: "float"})

	return NewTable(Table{
		Arch:      "aarch64",
		Feature:   "org.gnu.gdb.aarch64.core",
		Regs:      regs,
		Portable:  portable,
		PCReg:     32,
		SPReg:     31,
		ByteOrder: binary.LittleEndian,
		Trap:      []byte{0x00, 0x00, 0x20, 0xd4}, // brk #0
		DecrPC:    0,
		Signals:   arm64Signals,
		DefaultSg: SIGEMT,
		Disasm:    arm64Disassemble,
	})
}

// ForArch returns the register table for the named architecture.
func ForArch(name string) (*Table, error) {
	switch strings.ToLower(name) {
	case "amd64", "x86_64", "x86-64":
		return AMD64(), nil
	case "386", "i386", "x86":
		return I386(), nil
	case "arm64", "aarch64":
		return ARM64(), nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}
