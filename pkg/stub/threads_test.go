package stub

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/threads"
)

type testKernel struct {
	current threads.ID
	ids     []threads.ID
	names   map[threads.ID]string
	saved   map[threads.ID]regs.Snapshot

	locked   threads.ID
	unlocked int
}

func newTestKernel(size int) *testKernel {
	k := &testKernel{
		current: 1,
		ids:     []threads.ID{1, 2, 3},
		names:   map[threads.ID]string{1: "main", 2: "worker2", 3: "idle"},
		saved:   map[threads.ID]regs.Snapshot{},
	}
	for _, id := range k.ids {
		k.saved[id] = bytes.Repeat([]byte{byte(id)}, size)
	}
	return k
}

func (k *testKernel) Current() threads.ID { return k.current }

func (k *testKernel) List(start bool, after threads.ID, max int) ([]threads.ID, bool, error) {
	i := 0
	if !start {
		for i < len(k.ids) && k.ids[i] != after {
			i++
		}
		i++
	}
	if i+max >= len(k.ids) {
		return k.ids[i:], true, nil
	}
	return k.ids[i : i+max], false, nil
}

func (k *testKernel) Info(id threads.ID) (threads.Info, error) {
	name, ok := k.names[id]
	if !ok {
		return threads.Info{ID: id}, nil
	}
	return threads.Info{ID: id, Exists: true, Display: "blocked", Name: name}, nil
}

func (k *testKernel) GetRegisters(id threads.ID, ctx regs.Snapshot) error {
	s, ok := k.saved[id]
	if !ok {
		return threads.ErrNoThread
	}
	copy(ctx, s)
	return nil
}

func (k *testKernel) SetRegisters(id threads.ID, ctx regs.Snapshot) error {
	copy(k.saved[id], ctx)
	return nil
}

func (k *testKernel) LockScheduler(id threads.ID) error { k.locked = id; return nil }

func (k *testKernel) UnlockScheduler() error {
	k.locked = 0
	k.unlocked++
	return nil
}

func refHex(id threads.ID) string {
	ref := threads.RefFor(id)
	return hex.EncodeToString(ref[:])
}

func newThreadFixture(t *testing.T) (*fixture, *testKernel) {
	k := newTestKernel(regs.AMD64().SnapshotSize())
	f := newFixture(t, withConfig(func(conf *Config) {
		conf.Kernel = k
		conf.StopReplyRegisters = true
	}))
	return f, k
}

func TestThreadQueries(t *testing.T) {
	f, _ := newThreadFixture(t)
	got := f.trap(regs.AMD64Breakpoint)
	if !strings.HasSuffix(got, ";thread:1;") {
		t.Fatalf("stop reply without thread: %q", got)
	}

	f.host.expect("qC", "QC"+refHex(1))
	f.host.expect("qfThreadInfo", "m1,2,3")
	f.host.expect("qsThreadInfo", "l")

	f.host.expect("qL120"+refHex(0), "qM031"+refHex(0)+refHex(1)+refHex(2)+refHex(3))
	f.host.expect("qL001"+refHex(1), "qM010"+refHex(1)+refHex(2))
	f.host.expect("qL1", "E01")

	f.host.expect("qP0000001f"+refHex(2), "QP0000001f"+refHex(2)+
		"00000001"+"10"+refHex(2)+
		"00000002"+"01"+"1"+
		"00000004"+"07"+"blocked"+
		"00000008"+"07"+"worker2"+
		"00000010"+"00")
	f.host.expect("qP00000002"+refHex(9), "QP00000002"+refHex(9)+"00000002"+"01"+"0")
	f.host.expect("qP0000zz02"+refHex(9), "E01")

	f.host.expect("qThreadExtraInfo,2", hex.EncodeToString([]byte("worker2 blocked")))
	f.host.expect("T2", "OK")
	f.host.expect("T9", "E01")
	f.host.expect("T-1", "OK")
}

func TestThreadRegisters(t *testing.T) {
	f, k := newThreadFixture(t)
	f.trap(regs.AMD64Breakpoint)

	f.host.expect("Hg2", "OK")
	f.host.expect("p0", strings.Repeat("02", 8))
	f.host.expect("P0="+hexUint64LE(0x4242), "OK")
	f.host.expect("p0", hexUint64LE(0x4242))

	// selecting another thread writes the registers back
	f.host.expect("QP"+refHex(3), "OK")
	if got := k.saved[2][:8]; !bytes.Equal(got, []byte{0x42, 0x42, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("registers of thread 2 not written back: %x", got)
	}
	f.host.expect("p0", strings.Repeat("03", 8))
	f.host.expect("QP"+refHex(9), "E01")
	f.host.expect("Hg9", "E01")

	// the current thread is the trapped context
	f.host.expect("Hg1", "OK")
	f.host.expect("p10", hexUint64LE(0x1100))
	f.host.expect("Hc-1", "OK")
	f.host.expect("Hc2", "OK")
	f.host.expect("Hc9", "E01")
	f.host.expect("Hx1", "E01")

	f.host.expect("Hg3", "OK")
	f.host.send("s")
	if res := f.resumed(); res.Action != ActionStep {
		t.Fatalf("expected step, got %v", res.Action)
	}
	if k.locked != 1 {
		t.Fatalf("scheduler not locked to the current thread: %d", k.locked)
	}

	f.tbl.SetPC(f.ctx, 0x1101)
	f.trap(regs.AMD64DebugTrap)
	f.host.expect("p0", "0000000000000000")
	f.host.send("c")
	f.resumed()
	if k.locked != 0 || k.unlocked == 0 {
		t.Fatal("scheduler not unlocked")
	}
}

func TestMonitorThreads(t *testing.T) {
	f, _ := newThreadFixture(t)
	f.trap(regs.AMD64Breakpoint)
	expected := "* 1\tmain\tblocked\n  2\tworker2\tblocked\n  3\tidle\tblocked\n"
	if out := f.monitorOutput("threads"); out != expected {
		t.Fatalf("expected %q, got %q", expected, out)
	}
}
