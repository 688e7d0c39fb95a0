package stub

import "github.com/go-delve/gdbstub/pkg/logflags"

// unitFor returns the widest access unit that both addr and n are aligned
// to, so that device registers are accessed with their natural width when
// the host asks for them.
func unitFor(addr uint64, n int) int {
	for _, unit := range []int{4, 2} {
		if addr%uint64(unit) == 0 && n%unit == 0 {
			return unit
		}
	}
	return 1
}

// readMemory reads len(buf) bytes at addr through the read hook, one unit
// at a time. It stops at the first unit that fails and returns the number
// of bytes read with a *TransferError.
func (a *Agent) readMemory(addr uint64, buf []byte) (int, error) {
	return a.accessMemory(addr, buf, a.hooks.ReadMem)
}

// writeMemory writes buf at addr through the write hook and flushes the
// caches over the range that was written.
func (a *Agent) writeMemory(addr uint64, buf []byte) (int, error) {
	n, err := a.accessMemory(addr, buf, a.hooks.WriteMem)
	if n > 0 {
		a.flushCaches(addr, uint64(n))
	}
	return n, err
}

func (a *Agent) accessMemory(addr uint64, buf []byte, hook func(uint64, int, int, int, []byte) int) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	unit := unitFor(addr, len(buf))
	for off := 0; off < len(buf); off += unit {
		a.fault = nil
		n := hook(addr+uint64(off), SpaceDefault, unit, 1, buf[off:off+unit])
		if fault := a.takeFault(); n != 1 || fault != nil {
			if logflags.Hooks() {
				a.hooksLog.Debugf("memory access at %#x (unit %d) failed after %d bytes", addr, unit, off)
			}
			return off, &TransferError{Addr: addr + uint64(off), NotTransferred: len(buf) - off, Fault: fault}
		}
	}
	return len(buf), nil
}

func (a *Agent) flushCaches(addr, n uint64) {
	if a.hooks.Cache == nil {
		return
	}
	a.hooks.Cache.FlushDCache(addr, n)
	a.hooks.Cache.FlushICache(addr, n)
}

// targetMemory is the target memory as seen by the breakpoint manager.
type targetMemory struct {
	a *Agent
}

func (mem targetMemory) ReadMemory(addr uint64, buf []byte) error {
	_, err := mem.a.readMemory(addr, buf)
	return err
}

func (mem targetMemory) WriteMemory(addr uint64, buf []byte) error {
	_, err := mem.a.accessMemory(addr, buf, mem.a.hooks.WriteMem)
	return err
}

func (mem targetMemory) FlushICache(addr, n uint64) {
	if mem.a.hooks.Cache != nil {
		mem.a.hooks.Cache.FlushICache(addr, n)
	}
}

func (mem targetMemory) FlushDCache(addr, n uint64) {
	if mem.a.hooks.Cache != nil {
		mem.a.hooks.Cache.FlushDCache(addr, n)
	}
}
