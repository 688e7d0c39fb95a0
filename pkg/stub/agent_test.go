package stub

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

func TestStopReplyAndLastSignal(t *testing.T) {
	f := newFixture(t)
	if got := f.trap(regs.AMD64Breakpoint); got != "S05" {
		t.Fatalf("expected S05, got %q", got)
	}
	f.host.expect("?", "S05")
	if f.agent.Session().LastSignal() != regs.SIGTRAP {
		t.Fatalf("unexpected last signal %v", f.agent.Session().LastSignal())
	}
	f.host.send("c")
	if res := f.resumed(); res.Action != ActionContinue || res.Signal != 0 {
		t.Fatalf("unexpected resume %+v", res)
	}
}

func TestReadMemory(t *testing.T) {
	f := newFixture(t)
	copy(f.tgt.at(0x1000), []byte{0xde, 0xad, 0xbe, 0xef})
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("m1000,4", "deadbeef")
	f.host.expect("m1001,3", "adbeef")
	// the read stops at the end of mapped memory
	f.host.expect("m1ffc,8", "00000000")
	// nothing could be read: E and the number of bytes not transferred
	f.host.expect("m3000,4", "E04")
}

func TestMalformedPackets(t *testing.T) {
	f := newFixture(t)
	copy(f.tgt.at(0x1000), []byte{1, 2, 3, 4})
	f.trap(regs.AMD64Breakpoint)
	for _, pkt := range []string{"m,4", "m1000", "m1000,", "m1000,4x", "M1000,4:0102", "M1000,2:zzzz", "X1000,4:ab", "P", "P10", "P10=12", "p", "pzz", "Z0,1000", "Zx,1000,1", "C", "cxyz", "Hg", "T", "m1000,0", "m10000000000000000,4", "M1000,10000000000000000:00", "Hg100000000", "Hg123456789abcdef01"} {
		f.host.expect(pkt, "E01")
	}
	memEqual(t, f.tgt.at(0x1000)[:4], []byte{1, 2, 3, 4})
	if f.agent.Breakpoints().Len() != 0 {
		t.Fatal("malformed packet created a breakpoint")
	}
	if f.pc() != 0x1100 {
		t.Fatalf("malformed packet changed the program counter to %#x", f.pc())
	}
}

func TestWriteMemory(t *testing.T) {
	f := newFixture(t)
	f.trap(regs.AMD64Breakpoint)
	f.tgt.iflushes, f.tgt.dflushes = nil, nil

	f.host.expect("M1100,4:01020304", "OK")
	memEqual(t, f.tgt.at(0x1100)[:4], []byte{1, 2, 3, 4})
	if len(f.tgt.iflushes) != 1 || f.tgt.iflushes[0] != [2]uint64{0x1100, 4} {
		t.Fatalf("unexpected instruction cache flushes %v", f.tgt.iflushes)
	}
	if len(f.tgt.dflushes) != 1 || f.tgt.dflushes[0] != [2]uint64{0x1100, 4} {
		t.Fatalf("unexpected data cache flushes %v", f.tgt.dflushes)
	}
	f.host.expect("m1100,4", "01020304")

	// binary write with escaped bytes
	data := []byte{'$', '#', '}', 0x00}
	payload := "X1200,4:" + string(wire.NewBuilder(16).Binary(data).Bytes())
	f.host.expect(payload, "OK")
	memEqual(t, f.tgt.at(0x1200)[:4], data)
	f.host.expect("m1200,4", hex.EncodeToString(data))

	// GDB checks for binary download support with an empty X packet
	f.host.expect("X1200,0:", "OK")

	// partial write, two bytes were not transferred
	f.host.expect("M1ffe,4:aabbccdd", "E02")
	memEqual(t, f.tgt.at(0x1ffe), []byte{0xaa, 0xbb})
}

func TestRegisters(t *testing.T) {
	f := newFixture(t)
	f.tbl.Set(0, f.ctx, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	f.trap(regs.AMD64Breakpoint)

	g := f.host.exchange("g")
	size := 0
	for n := 0; n < f.tbl.NumRegs(); n++ {
		size += f.tbl.Size(n)
	}
	if len(g) != 2*size {
		t.Fatalf("expected %d hex digits, got %d", 2*size, len(g))
	}
	if !strings.HasPrefix(g, "0102030405060708") {
		t.Fatalf("unexpected rax in %q", g)
	}

	// writing back what was read changes nothing
	before := f.ctx.Copy()
	f.host.expect("G"+g, "OK")
	memEqual(t, f.ctx, before)
	f.host.expect("G"+g[:len(g)-2], "E01")

	f.host.expect("p10", hexUint64LE(0x1100))
	f.host.expect("P10="+hexUint64LE(0x1234), "OK")
	if f.pc() != 0x1234 {
		t.Fatalf("expected pc 0x1234, got %#x", f.pc())
	}
	// registers beyond the portable set
	f.host.expect("P18="+hexUint64LE(0x7000), "OK")
	f.host.expect("p18", hexUint64LE(0x7000))
	f.host.expect("p40", "E01")
	f.host.expect("P10=1234", "E01")
}

func TestBreakpointLifecycle(t *testing.T) {
	f := newFixture(t, withoutStepper)
	copy(f.tgt.at(0x1200), []byte{0x55, 0x48})
	f.trap(regs.AMD64Breakpoint)

	f.host.expect("Z0,1200,1", "OK")
	// inserting twice is harmless
	f.host.expect("Z0,1200,1", "OK")
	if f.agent.Breakpoints().Len() != 1 {
		t.Fatalf("expected one breakpoint, got %d", f.agent.Breakpoints().Len())
	}
	// breakpoints are only written to memory when the target resumes
	memEqual(t, f.tgt.at(0x1200)[:2], []byte{0x55, 0x48})
	f.host.expect("m1200,2", "5548")
	f.host.send("c")
	if res := f.resumed(); res.Action != ActionContinue {
		t.Fatalf("unexpected resume %v", res)
	}
	memEqual(t, f.tgt.at(0x1200)[:2], []byte{0xcc, 0x48})

	// the target executes the int3 at 0x1200
	f.tbl.SetPC(f.ctx, 0x1201)
	if got := f.trap(regs.AMD64Breakpoint); got != "S05" {
		t.Fatalf("expected S05, got %q", got)
	}
	if f.pc() != 0x1200 {
		t.Fatalf("program counter not moved back onto the breakpoint: %#x", f.pc())
	}
	f.host.expect("m1200,2", "5548")
	f.host.expect("z0,1200,1", "OK")
	f.host.expect("z0,1200,1", "E01")
	f.host.send("c")
	f.resumed()
	memEqual(t, f.tgt.at(0x1200)[:2], []byte{0x55, 0x48})
}

func TestBreakpointInReadOnlyMemory(t *testing.T) {
	f := newFixture(t, func(conf *Config, tgt *fakeTarget) {
		tgt.roStart, tgt.roEnd = 0x1200, 0x1300
	})
	copy(f.tgt.at(0x1200), []byte{0x55})
	f.trap(regs.AMD64Breakpoint)

	f.host.expect("Z0,1200,1", "E03")
	if f.agent.Breakpoints().Len() != 0 {
		t.Fatal("breakpoint recorded in read-only memory")
	}
	f.host.expect("Z0,1300,1", "OK")
	f.host.expect("m1300,1", "00")
	f.host.send("c")
	f.resumed()
	memEqual(t, f.tgt.at(0x1200)[:1], []byte{0x55})
	memEqual(t, f.tgt.at(0x1300)[:1], []byte{0xcc})
}

func TestResumeFromBreakpointWithoutStepper(t *testing.T) {
	f := newFixture(t, withoutStepper)
	f.tbl.SetPC(f.ctx, 0x1200)
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("Z0,1200,1", "OK")
	f.host.expect("Z0,1300,1", "OK")
	f.host.send("c")
	f.resumed()
	if f.tgt.at(0x1200)[0] == 0xcc {
		t.Fatal("breakpoint at the resume address installed, the target would trap at once")
	}
	if f.tgt.at(0x1300)[0] != 0xcc {
		t.Fatal("other breakpoint not installed")
	}
	// stepping is not possible
	f.tbl.SetPC(f.ctx, 0x1301)
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("s", "E02")
}

func TestStepOverBreakpoint(t *testing.T) {
	f := newFixture(t)
	f.tbl.SetPC(f.ctx, 0x1200)
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("Z0,1200,1", "OK")
	f.host.expect("Z0,1300,1", "OK")
	f.host.send("c")
	if res := f.resumed(); res.Action != ActionStep {
		t.Fatalf("expected the agent to step over the breakpoint, got %v", res.Action)
	}
	if !f.tgt.stepArmed {
		t.Fatal("single step not armed")
	}
	if f.tgt.at(0x1200)[0] == 0xcc || f.tgt.at(0x1300)[0] != 0xcc {
		t.Fatalf("unexpected breakpoint state %x %x", f.tgt.at(0x1200)[0], f.tgt.at(0x1300)[0])
	}

	// the step completes: the agent puts the breakpoint back and continues
	// without telling the host
	f.tbl.SetPC(f.ctx, 0x1201)
	res := f.agent.HandleException(regs.AMD64DebugTrap, f.ctx)
	if res.Action != ActionContinue {
		t.Fatalf("expected silent continue, got %v", res.Action)
	}
	if f.tgt.stepArmed {
		t.Fatal("single step still armed")
	}
	if f.tgt.at(0x1200)[0] != 0xcc || f.tgt.at(0x1300)[0] != 0xcc {
		t.Fatal("breakpoints not installed after the step")
	}

	// the next stop is the first thing the host sees
	f.tbl.SetPC(f.ctx, 0x1301)
	if got := f.trap(regs.AMD64Breakpoint); got != "S05" {
		t.Fatalf("unexpected stop reply %q", got)
	}
	if f.pc() != 0x1300 {
		t.Fatalf("unexpected pc %#x", f.pc())
	}
}

func TestHostStepFromBreakpoint(t *testing.T) {
	f := newFixture(t)
	f.tbl.SetPC(f.ctx, 0x1200)
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("Z0,1200,1", "OK")
	f.host.send("s")
	if res := f.resumed(); res.Action != ActionStep {
		t.Fatalf("expected step, got %v", res.Action)
	}
	f.tbl.SetPC(f.ctx, 0x1201)
	if got := f.trap(regs.AMD64DebugTrap); got != "S05" {
		t.Fatalf("host step not reported: %q", got)
	}
	if f.pc() != 0x1201 {
		t.Fatalf("step trap moved the program counter to %#x", f.pc())
	}
	f.host.expect("m1200,1", "00")
}

func TestCompiledInTrapSkipped(t *testing.T) {
	tbl := regs.ARM64()
	f := newFixture(t, withTable(tbl))
	copy(f.tgt.at(0x1300), tbl.BreakpointInstr())
	tbl.SetPC(f.ctx, 0x1300)
	f.trap(regs.ARM64Breakpoint)
	if f.pc() != 0x1304 {
		t.Fatalf("expected pc past the brk instruction, got %#x", f.pc())
	}
}

func TestResumeAddressAndSignal(t *testing.T) {
	f := newFixture(t)
	f.trap(regs.AMD64Breakpoint)
	f.host.send("C0b;1400")
	res := f.resumed()
	if res.Signal != regs.SIGSEGV || res.Action != ActionContinue {
		t.Fatalf("unexpected resume %+v", res)
	}
	if f.pc() != 0x1400 {
		t.Fatalf("expected pc 0x1400, got %#x", f.pc())
	}
	if !f.agent.Session().Running() {
		t.Fatal("session not running")
	}
}

func TestNestedFault(t *testing.T) {
	f := newFixture(t)
	f.tgt.faults[0x1500] = true
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("m1500,4", "E03")
	f.host.expect("m14fc,8", "00000000")
	f.host.expect("qCRC:1500,10", "E03")
	f.host.expect("Z0,1500,1", "E03")
	// the session goes on
	f.host.expect("?", "S05")
}

func TestPanicInHookRecovered(t *testing.T) {
	f := newFixture(t, withConfig(func(conf *Config) {
		conf.Hooks.Packet = func(pkt []byte, reply *wire.Builder) bool {
			panic("broken hook")
		}
	}))
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("vCont?", "E03")
	f.host.expect("?", "S05")
}

func TestUnsupported(t *testing.T) {
	f := newFixture(t, withConfig(func(conf *Config) {
		conf.Hooks.Packet = func(pkt []byte, reply *wire.Builder) bool {
			if string(pkt) == "vMustReplyEmpty" {
				return false
			}
			reply.String("hook:").String(string(pkt))
			return true
		}
	}))
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("vMustReplyEmpty", "")
	f.host.expect("!", "hook:!")
	f.host.expect("qUnknown", "")
	for _, pkt := range []string{"Z1,1000,1", "Z2,1000,4", "Z5,1000,1", "z4,1000,4"} {
		f.host.expect(pkt, "E02")
	}
	// without thread support
	f.host.expect("Hg0", "OK")
	f.host.expect("Hg5", "E02")
	f.host.expect("T5", "")
	f.host.expect("qC", "QC0")
}

type fakeHardware struct {
	set map[uint64]WatchKind
}

func (hw *fakeHardware) SetHWBreakpoint(addr uint64, length int) error {
	hw.set[addr] = 1
	return nil
}

func (hw *fakeHardware) ClearHWBreakpoint(addr uint64, length int) error {
	delete(hw.set, addr)
	return nil
}

func (hw *fakeHardware) SetWatchpoint(kind WatchKind, addr uint64, length int) error {
	if kind == WatchRead {
		return ErrUnsupported
	}
	hw.set[addr] = kind
	return nil
}

func (hw *fakeHardware) ClearWatchpoint(kind WatchKind, addr uint64, length int) error {
	delete(hw.set, addr)
	return nil
}

func TestHardwareBreakpoints(t *testing.T) {
	hw := &fakeHardware{set: map[uint64]WatchKind{}}
	f := newFixture(t, withConfig(func(conf *Config) { conf.Hooks.Hardware = hw }))
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("Z1,1000,1", "OK")
	f.host.expect("Z2,1100,4", "OK")
	f.host.expect("Z3,1200,4", "E02")
	f.host.expect("Z4,1300,8", "OK")
	if hw.set[0x1000] != 1 || hw.set[0x1100] != WatchWrite || hw.set[0x1300] != WatchAccess {
		t.Fatalf("unexpected hardware state %v", hw.set)
	}
	f.host.expect("z1,1000,1", "OK")
	f.host.expect("z2,1100,4", "OK")
	if len(hw.set) != 1 {
		t.Fatalf("unexpected hardware state %v", hw.set)
	}
}

func TestKill(t *testing.T) {
	f := newFixture(t)
	killed := false
	f.agent.hooks.Kill = func() { killed = true }
	f.trap(regs.AMD64Breakpoint)
	oldSession := f.agent.Session().ID
	f.host.expect("P10="+hexUint64LE(0x1800), "OK")
	f.host.expect("Z0,1200,1", "OK")
	f.host.send("k")
	if res := f.resumed(); res.Action != ActionKill {
		t.Fatalf("expected kill, got %v", res.Action)
	}
	if !killed {
		t.Fatal("kill hook not called")
	}
	if f.pc() != 0x1100 {
		t.Fatalf("original context not restored, pc=%#x", f.pc())
	}
	if f.agent.Breakpoints().Len() != 0 {
		t.Fatal("breakpoints survived a kill")
	}
	if f.agent.Session().ID == oldSession || f.agent.Session().Closed() {
		t.Fatal("session not reset")
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	f.agent.hooks.Restart = func() bool { return true }
	f.trap(regs.AMD64Breakpoint)
	f.host.send("R00")
	if res := f.resumed(); res.Action != ActionRestart {
		t.Fatalf("expected restart, got %v", res.Action)
	}
}

func TestDetach(t *testing.T) {
	f := newFixture(t)
	f.trap(regs.AMD64Breakpoint)
	f.host.expect("Z0,1200,1", "OK")
	f.host.expect("D", "OK")
	if res := f.resumed(); res.Action != ActionContinue {
		t.Fatalf("unexpected resume %v", res.Action)
	}
	if f.agent.Attached() || !f.agent.Session().Closed() {
		t.Fatal("host still attached")
	}
	if f.tgt.at(0x1200)[0] == 0xcc || f.agent.Breakpoints().Len() != 0 {
		t.Fatal("breakpoints left behind after detach")
	}

	// with nobody to report to traps are ignored
	if res := f.agent.HandleException(regs.AMD64Breakpoint, f.ctx); res.Action != ActionContinue {
		t.Fatalf("unexpected resume %v", res.Action)
	}
}

func TestHostDisconnect(t *testing.T) {
	f := newFixture(t)
	f.trap(regs.AMD64Breakpoint)
	f.host.conn.Close()
	if res := f.resumed(); res.Action != ActionContinue {
		t.Fatalf("unexpected resume %v", res.Action)
	}
	if !f.agent.Session().Closed() {
		t.Fatal("session not marked closed")
	}
}

func TestStopReplyRegisters(t *testing.T) {
	f := newFixture(t, withConfig(func(conf *Config) { conf.StopReplyRegisters = true }))
	f.tbl.Set(7, f.ctx, []byte{0, 0x80, 0, 0, 0, 0, 0, 0})
	got := f.trap(regs.AMD64PageFault)
	expected := "T0b10:" + hexUint64LE(0x1100) + ";7:" + hexUint64LE(0x8000) + ";"
	if got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestConsoleAndInterrupt(t *testing.T) {
	f := newFixture(t)
	f.trap(regs.AMD64Breakpoint)

	// output while stopped is not forwarded
	var fallback strings.Builder
	f.agent.console.fallback = &fallback
	f.agent.Console().Write([]byte("early"))
	if fallback.String() != "early" {
		t.Fatalf("unexpected fallback output %q", fallback.String())
	}

	f.host.send("c")
	f.resumed()

	errc := make(chan error, 1)
	go func() {
		_, err := f.agent.Console().Write([]byte("hi\n"))
		errc <- err
	}()
	if got := f.host.recv(); got != "O68690a" {
		t.Fatalf("unexpected console packet %q", got)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}

	if f.agent.CheckInterrupt() {
		t.Fatal("spurious interrupt")
	}
	go f.host.conn.Write([]byte{0x03})
	deadline := time.Now().Add(10 * time.Second)
	for !f.agent.CheckInterrupt() {
		if time.Now().After(deadline) {
			t.Fatal("interrupt not seen")
		}
	}
	if got := f.trap(regs.ExcInterrupt); got != "S02" {
		t.Fatalf("expected S02, got %q", got)
	}
}
