package sim

import (
	"encoding/binary"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
)

// DemoProgram returns a program for tbl's architecture that prints "hi"
// on the console and then spins in place.
func DemoProgram(tbl *regs.Table) []byte {
	if tbl.Arch == "aarch64" {
		return arm64Words(
			movzW0('h'), 0xd4000001, // svc #0
			movzW0('i'), 0xd4000001,
			movzW0('\n'), 0xd4000001,
			0x14000000, // b .
		)
	}
	return []byte{
		0xb0, 'h', // mov al, 'h'
		0xe6, 0x00, // out 0, al
		0xb0, 'i',
		0xe6, 0x00,
		0xb0, '\n',
		0xe6, 0x00,
		0xeb, 0xfe, // jmp .
	}
}

func movzW0(imm uint16) uint32 {
	return 0x52800000 | uint32(imm)<<5
}

func arm64Words(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}
