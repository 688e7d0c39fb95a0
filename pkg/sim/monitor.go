package sim

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-delve/gdbstub/pkg/stub"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

const rcmdPrefix = "qRcmd,"

// QueryHook returns a query hook serving the board's monitor commands:
//
//	regions		print the memory map
//	reset		restart the program on the next resume
//
// Other queries are passed to next, which may be nil.
func (b *Board) QueryHook(next stub.PacketHook) stub.PacketHook {
	return func(pkt []byte, reply *wire.Builder) bool {
		if bytes.HasPrefix(pkt, []byte(rcmdPrefix)) {
			hexcmd := pkt[len(rcmdPrefix):]
			cmd := make([]byte, len(hexcmd)/2)
			if _, ok := wire.DecodeHex(cmd, hexcmd); ok && len(hexcmd)%2 == 0 {
				if out, ok := b.monitor(strings.TrimSpace(string(cmd))); ok {
					reply.HexBytes([]byte(out))
					return true
				}
			}
		}
		if next != nil {
			return next(pkt, reply)
		}
		return false
	}
}

func (b *Board) monitor(cmd string) (string, bool) {
	switch cmd {
	case "regions":
		var buf strings.Builder
		for _, r := range b.mem.regions {
			mode := "rw"
			if r.ReadOnly {
				mode = "ro"
			}
			fmt.Fprintf(&buf, "%-8s %#010x-%#010x %s\n", r.Name, r.Start, r.end(), mode)
		}
		return buf.String(), true
	case "reset":
		b.reload()
		b.resetContext()
		return fmt.Sprintf("program reset, pc=%#x\n", b.entry), true
	}
	return "", false
}
