package stub

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

const (
	memBase = 0x1000
	memSize = 0x1000
)

// fakeTarget is a target with one block of memory. Accesses to the
// addresses in faults enter the agent again, like a memory hook taking a
// page fault.
type fakeTarget struct {
	mem    []byte
	faults map[uint64]bool
	agent  *Agent
	// writes to [roStart, roEnd) are refused
	roStart, roEnd uint64

	stepArmed bool
	iflushes  [][2]uint64
	dflushes  [][2]uint64
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{mem: make([]byte, memSize), faults: map[uint64]bool{}}
}

func (tgt *fakeTarget) access(addr uint64, unit, count int, buf []byte, write bool) int {
	for i := 0; i < count; i++ {
		a := addr + uint64(i*unit)
		if tgt.faults[a] {
			scratch := make(regs.Snapshot, tgt.agent.adapter.SnapshotSize())
			tgt.agent.adapter.SetPC(scratch, 0xdead)
			if res := tgt.agent.HandleException(regs.AMD64PageFault, scratch); res.Action != ActionFault {
				panic(fmt.Sprintf("nested exception returned %v", res.Action))
			}
			return i
		}
		if a < memBase || a+uint64(unit) > memBase+memSize {
			return i
		}
		if write && a < tgt.roEnd && a+uint64(unit) > tgt.roStart {
			return i
		}
		m := tgt.mem[a-memBase : a-memBase+uint64(unit)]
		b := buf[i*unit : (i+1)*unit]
		if write {
			copy(m, b)
		} else {
			copy(b, m)
		}
	}
	return count
}

func (tgt *fakeTarget) readMem(addr uint64, space int, unit, count int, buf []byte) int {
	return tgt.access(addr, unit, count, buf, false)
}

func (tgt *fakeTarget) writeMem(addr uint64, space int, unit, count int, buf []byte) int {
	return tgt.access(addr, unit, count, buf, true)
}

func (tgt *fakeTarget) FlushICache(addr, n uint64) { tgt.iflushes = append(tgt.iflushes, [2]uint64{addr, n}) }
func (tgt *fakeTarget) FlushDCache(addr, n uint64) { tgt.dflushes = append(tgt.dflushes, [2]uint64{addr, n}) }

func (tgt *fakeTarget) ArmStep(ctx regs.Snapshot) error { tgt.stepArmed = true; return nil }
func (tgt *fakeTarget) DisarmStep(ctx regs.Snapshot)    { tgt.stepArmed = false }

func (tgt *fakeTarget) at(addr uint64) []byte {
	return tgt.mem[addr-memBase:]
}

// testHost plays the host debugger on the other side of a pipe.
type testHost struct {
	t     *testing.T
	conn  net.Conn
	rdr   *bufio.Reader
	noAck bool
}

func (h *testHost) send(payload string) {
	h.t.Helper()
	h.conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := fmt.Fprintf(h.conn, "$%s#%02x", payload, wire.Checksum([]byte(payload))); err != nil {
		h.t.Fatalf("sending %q: %v", payload, err)
	}
}

// recv reads the next packet, skipping acknowledgements, and acknowledges
// it.
func (h *testHost) recv() string {
	h.t.Helper()
	h.conn.SetDeadline(time.Now().Add(10 * time.Second))
	for {
		ch, err := h.rdr.ReadByte()
		if err != nil {
			h.t.Fatalf("reading reply: %v", err)
		}
		if ch == '$' {
			break
		}
	}
	payload, err := h.rdr.ReadBytes('#')
	if err != nil {
		h.t.Fatalf("reading reply: %v", err)
	}
	payload = payload[:len(payload)-1]
	var sum [2]byte
	if _, err := io.ReadFull(h.rdr, sum[:]); err != nil {
		h.t.Fatal(err)
	}
	if got := fmt.Sprintf("%02x", wire.Checksum(payload)); got != string(sum[:]) {
		h.t.Fatalf("bad checksum for %q: %s, expected %s", payload, sum, got)
	}
	if !h.noAck {
		if _, err := h.conn.Write([]byte{'+'}); err != nil {
			h.t.Fatal(err)
		}
	}
	return string(payload)
}

// exchange sends a command and returns its reply.
func (h *testHost) exchange(payload string) string {
	h.t.Helper()
	h.send(payload)
	return h.recv()
}

func (h *testHost) expect(payload, reply string) {
	h.t.Helper()
	if got := h.exchange(payload); got != reply {
		h.t.Fatalf("%q: expected reply %q, got %q", payload, reply, got)
	}
}

type fixture struct {
	t     *testing.T
	agent *Agent
	tgt   *fakeTarget
	host  *testHost
	tbl   *regs.Table
	ctx   regs.Snapshot
	done  chan Resume
}

type fixtureOption func(*Config, *fakeTarget)

func withoutStepper(conf *Config, tgt *fakeTarget) { conf.Hooks.Stepper = nil }

func withTable(tbl *regs.Table) fixtureOption {
	return func(conf *Config, tgt *fakeTarget) { conf.Adapter = tbl }
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(conf *Config, tgt *fakeTarget) { fn(conf) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	tgt := newFakeTarget()
	conf := Config{
		Adapter: regs.AMD64(),
		Hooks: Hooks{
			ReadMem:  tgt.readMem,
			WriteMem: tgt.writeMem,
			Cache:    tgt,
			Stepper:  tgt,
		},
		DelayedAck: true,
	}
	for _, opt := range opts {
		opt(&conf, tgt)
	}
	agent, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	tgt.agent = agent

	stubSide, hostSide := net.Pipe()
	agent.Attach(stubSide)
	t.Cleanup(func() {
		hostSide.Close()
		stubSide.Close()
	})

	tbl := conf.Adapter.(*regs.Table)
	f := &fixture{
		t:     t,
		agent: agent,
		tgt:   tgt,
		host:  &testHost{t: t, conn: hostSide, rdr: bufio.NewReader(hostSide)},
		tbl:   tbl,
		ctx:   make(regs.Snapshot, tbl.SnapshotSize()),
		done:  make(chan Resume, 1),
	}
	tbl.SetPC(f.ctx, 0x1100)
	return f
}

// trap enters the agent with exception and returns the stop reply.
func (f *fixture) trap(exception int) string {
	f.t.Helper()
	go func() {
		f.done <- f.agent.HandleException(exception, f.ctx)
	}()
	return f.host.recv()
}

// resumed waits for the agent to return control to the target.
func (f *fixture) resumed() Resume {
	f.t.Helper()
	select {
	case res := <-f.done:
		return res
	case <-time.After(10 * time.Second):
		f.t.Fatal("agent did not resume the target")
	}
	return Resume{}
}

func (f *fixture) pc() uint64 {
	return f.tbl.PC(f.ctx)
}

func hexUint64LE(v uint64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return fmt.Sprintf("%x", b[:])
}

func memEqual(t *testing.T, got, expected []byte) {
	t.Helper()
	if !bytes.Equal(got, expected) {
		t.Fatalf("expected memory %x, got %x", expected, got)
	}
}
