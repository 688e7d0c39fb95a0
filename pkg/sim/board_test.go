package sim

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/gdbstub/pkg/config"
	"github.com/go-delve/gdbstub/pkg/stub"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

// loop prints 'h' and jumps back:
//
//	1000: mov al, 'h'
//	1002: out 0, al
//	1004: nop
//	1005: jmp 1000
var loop = []byte{0xb0, 'h', 0xe6, 0x00, 0x90, 0xeb, 0xf9}

type host struct {
	t    *testing.T
	conn net.Conn
	rdr  *bufio.Reader
}

func (h *host) send(payload string) {
	h.t.Helper()
	h.conn.SetDeadline(time.Now().Add(10 * time.Second))
	_, err := fmt.Fprintf(h.conn, "$%s#%02x", payload, wire.Checksum([]byte(payload)))
	require.NoError(h.t, err)
}

func (h *host) interrupt() {
	h.t.Helper()
	h.conn.SetDeadline(time.Now().Add(10 * time.Second))
	_, err := h.conn.Write([]byte{0x03})
	require.NoError(h.t, err)
}

func (h *host) recv() string {
	h.t.Helper()
	h.conn.SetDeadline(time.Now().Add(10 * time.Second))
	for {
		ch, err := h.rdr.ReadByte()
		require.NoError(h.t, err)
		if ch == '$' {
			break
		}
	}
	payload, err := h.rdr.ReadBytes('#')
	require.NoError(h.t, err)
	payload = payload[:len(payload)-1]
	var sum [2]byte
	_, err = io.ReadFull(h.rdr, sum[:])
	require.NoError(h.t, err)
	require.Equal(h.t, fmt.Sprintf("%02x", wire.Checksum(payload)), string(sum[:]))
	_, err = h.conn.Write([]byte{'+'})
	require.NoError(h.t, err)
	return string(payload)
}

func (h *host) expect(payload, reply string) {
	h.t.Helper()
	h.send(payload)
	require.Equal(h.t, reply, h.recv(), "reply to %q", payload)
}

func (h *host) reg(n int) uint64 {
	h.t.Helper()
	h.send(fmt.Sprintf("p%x", n))
	buf, err := hex.DecodeString(h.recv())
	require.NoError(h.t, err)
	var v [8]byte
	copy(v[:], buf)
	return binary.LittleEndian.Uint64(v[:])
}

func monitor(cmd string) string {
	return "qRcmd," + hex.EncodeToString([]byte(cmd))
}

type boardFixture struct {
	board *Board
	host  *host
	tbl   *regs.Table
}

// startBoard loads image at DefaultLoadAddr and runs the board until the
// test ends. The board stops at the entry point first.
func startBoard(t *testing.T, conf *config.Config, tbl *regs.Table, image []byte) *boardFixture {
	b, err := New(conf, tbl)
	require.NoError(t, err)
	require.NoError(t, b.Load(DefaultLoadAddr, image))

	agent, err := stub.New(stub.Config{
		Adapter:    tbl,
		Hooks:      b.Hooks(),
		Kernel:     b.Kernel(),
		DelayedAck: true,
	})
	require.NoError(t, err)
	b.Attach(agent)

	stubSide, hostSide := net.Pipe()
	agent.Attach(stubSide)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		hostSide.Close()
		stubSide.Close()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(10 * time.Second):
			t.Error("board did not stop")
		}
	})

	h := &host{t: t, conn: hostSide, rdr: bufio.NewReader(hostSide)}
	require.Equal(t, "S05", h.recv())
	return &boardFixture{board: b, host: h, tbl: tbl}
}

func TestSoftwareBreakpoint(t *testing.T) {
	f := startBoard(t, &config.Config{}, regs.AMD64(), loop)
	h := f.host
	require.EqualValues(t, 0x1000, h.reg(16))

	h.expect("Z0,1004,1", "OK")
	h.send("c")
	require.Equal(t, "O68", h.recv())
	require.Equal(t, "S05", h.recv())
	require.EqualValues(t, 0x1004, h.reg(16))
	h.expect("m1004,1", "90")

	// continuing steps over the breakpoint and comes back around
	h.send("c")
	require.Equal(t, "O68", h.recv())
	require.Equal(t, "S05", h.recv())
	require.EqualValues(t, 0x1004, h.reg(16))

	h.expect("z0,1004,1", "OK")
	h.expect("s", "S05")
	require.EqualValues(t, 0x1005, h.reg(16))
	h.expect("s", "S05")
	require.EqualValues(t, 0x1000, h.reg(16))
	require.Zero(t, h.reg(17)&(1<<8), "trap flag left set")
}

func TestInterrupt(t *testing.T) {
	f := startBoard(t, &config.Config{}, regs.AMD64(), []byte{0xeb, 0xfe})
	h := f.host
	h.send("c")
	h.interrupt()
	require.Equal(t, "S02", h.recv())
	require.EqualValues(t, 0x1000, h.reg(16))
}

func TestARM64(t *testing.T) {
	image := arm64Words(
		movzW0('A'), 0xd4000001, // svc #0
		0xd4200000, // brk #0
		0x14000000, // b .
	)
	f := startBoard(t, &config.Config{}, regs.ARM64(), image)
	h := f.host
	h.send("c")
	require.Equal(t, "O41", h.recv())
	require.Equal(t, "S05", h.recv())
	// the compiled-in breakpoint is skipped
	require.EqualValues(t, 0x100c, h.reg(32))
	require.EqualValues(t, 'A', h.reg(0))

	h.expect("s", "S05")
	require.EqualValues(t, 0x100c, h.reg(32))
	require.Zero(t, h.reg(33)&(1<<21), "software step flag left set")
}

func TestUndefinedInstruction(t *testing.T) {
	f := startBoard(t, &config.Config{}, regs.ARM64(), arm64Words(0))
	h := f.host
	h.expect("c", "S04")
	require.EqualValues(t, 0x1000, h.reg(32))
}

func TestHardwareBreakpoints(t *testing.T) {
	f := startBoard(t, &config.Config{}, regs.AMD64(), loop)
	h := f.host
	h.expect("Z1,1004,1", "OK")
	h.send("c")
	require.Equal(t, "O68", h.recv())
	require.Equal(t, "S05", h.recv())
	require.EqualValues(t, 0x1004, h.reg(16))
	h.expect("m1004,1", "90")

	h.send("c")
	require.Equal(t, "O68", h.recv())
	require.Equal(t, "S05", h.recv())

	for _, addr := range []string{"1000", "1002", "1005"} {
		h.expect("Z1,"+addr+",1", "OK")
	}
	h.expect("Z1,1006,1", "E03")
	h.expect("z1,1005,1", "OK")
	h.expect("Z1,1006,1", "OK")
	h.expect("Z2,2000,4", "E02")
}

func TestMemoryMap(t *testing.T) {
	conf := &config.Config{Memory: []config.MemoryRegion{
		{Name: "flash", Start: 0, Size: 0x10000, ReadOnly: true},
		{Name: "ram", Start: 0x20000, Size: 0x10000},
	}}
	f := startBoard(t, conf, regs.AMD64(), loop)
	h := f.host

	h.expect("m1000,2", "b068")
	h.expect("M1000,4:00000000", "E04")
	h.expect("m1000,2", "b068")
	h.expect("M20000,2:aabb", "OK")
	h.expect("m20000,2", "aabb")

	// the hole between the regions faults
	h.expect("m18000,4", "E03")
	h.expect("M18000,4:00000000", "E03")
	// a read running off the end of a region returns what was read
	h.expect("mfffc,8", "00000000")

	require.EqualValues(t, 0x30000, h.reg(7))

	h.send(monitor("regions"))
	out, err := hex.DecodeString(h.recv())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "flash"))
	require.True(t, strings.HasSuffix(lines[0], "ro"))
	require.True(t, strings.HasPrefix(lines[1], "ram"))
	require.True(t, strings.HasSuffix(lines[1], "rw"))
}

func TestKillReloads(t *testing.T) {
	f := startBoard(t, &config.Config{}, regs.AMD64(), []byte{0xeb, 0xfe})
	h := f.host
	h.expect("M1010,1:aa", "OK")
	h.expect("P10=1010000000000000", "OK")
	h.send("k")
	h.interrupt()
	require.Equal(t, "S02", h.recv())
	require.EqualValues(t, 0x1000, h.reg(16))
	h.expect("m1010,1", "00")
}

func TestMonitorReset(t *testing.T) {
	f := startBoard(t, &config.Config{}, regs.AMD64(), loop)
	h := f.host
	h.expect("P10=0510000000000000", "OK")
	h.expect("M1010,1:aa", "OK")
	h.send(monitor("reset"))
	out, err := hex.DecodeString(h.recv())
	require.NoError(t, err)
	require.Equal(t, "program reset, pc=0x1000\n", string(out))
	require.EqualValues(t, 0x1000, h.reg(16))
	h.expect("m1010,1", "00")

	h.expect(monitor("frobnicate"), "")
}

func TestThreads(t *testing.T) {
	f := startBoard(t, &config.Config{Threads: 2}, regs.AMD64(), loop)
	h := f.host
	h.expect("qfThreadInfo", "m1,2")
	h.expect("qsThreadInfo", "l")
	h.expect("qC", "QC1")
	require.EqualValues(t, defaultMemorySize, h.reg(7))

	h.expect("Hg2", "OK")
	require.EqualValues(t, 0x1000, h.reg(16))
	require.EqualValues(t, defaultMemorySize-stackSize, h.reg(7))
	h.expect("Hg0", "OK")
	require.EqualValues(t, defaultMemorySize, h.reg(7))
}
