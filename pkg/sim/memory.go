package sim

import (
	"fmt"
	"sort"

	"github.com/go-delve/gdbstub/pkg/config"
)

const maxRegionSize = 64 << 20

type region struct {
	config.MemoryRegion
	data []byte
}

func (r *region) end() uint64 {
	return r.Start + r.Size
}

// memory is the address space of the board: a sorted list of
// non-overlapping regions, everything else is unmapped.
type memory struct {
	regions []*region
}

func newMemory(layout []config.MemoryRegion) (*memory, error) {
	m := &memory{}
	for _, mr := range layout {
		if mr.Size == 0 || mr.Size > maxRegionSize {
			return nil, fmt.Errorf("memory region %q: bad size %#x", mr.Name, mr.Size)
		}
		if mr.Start+mr.Size < mr.Start {
			return nil, fmt.Errorf("memory region %q wraps around the address space", mr.Name)
		}
		m.regions = append(m.regions, &region{MemoryRegion: mr, data: make([]byte, mr.Size)})
	}
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Start < m.regions[j].Start })
	for i := 1; i < len(m.regions); i++ {
		if prev := m.regions[i-1]; m.regions[i].Start < prev.end() {
			return nil, fmt.Errorf("memory regions %q and %q overlap", prev.Name, m.regions[i].Name)
		}
	}
	return m, nil
}

// find returns the region containing all n bytes at addr.
func (m *memory) find(addr uint64, n int) *region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if i >= len(m.regions) {
		return nil
	}
	r := m.regions[i]
	if addr < r.Start || addr+uint64(n) > r.end() || addr+uint64(n) < addr {
		return nil
	}
	return r
}

func (m *memory) read(addr uint64, buf []byte) bool {
	r := m.find(addr, len(buf))
	if r == nil {
		return false
	}
	copy(buf, r.data[addr-r.Start:])
	return true
}

// readAvail reads up to len(buf) bytes at addr without crossing the end of
// the region containing addr and returns how many were read.
func (m *memory) readAvail(addr uint64, buf []byte) int {
	r := m.find(addr, 1)
	if r == nil {
		return 0
	}
	return copy(buf, r.data[addr-r.Start:])
}

// errReadOnly is returned by write for read-only regions.
type errReadOnly struct{ name string }

func (err errReadOnly) Error() string { return fmt.Sprintf("region %s is read-only", err.name) }

func (m *memory) write(addr uint64, buf []byte, force bool) error {
	r := m.find(addr, len(buf))
	if r == nil {
		return fmt.Errorf("no memory at %#x", addr)
	}
	if r.ReadOnly && !force {
		return errReadOnly{r.Name}
	}
	copy(r.data[addr-r.Start:], buf)
	return nil
}

func (m *memory) clear() {
	for _, r := range m.regions {
		for i := range r.data {
			r.data[i] = 0
		}
	}
}

// stackTop returns the end of the highest writable region.
func (m *memory) stackTop() uint64 {
	for i := len(m.regions) - 1; i >= 0; i-- {
		if !m.regions[i].ReadOnly {
			return m.regions[i].end() &^ 0xf
		}
	}
	return 0
}
