// Package breakpoints keeps track of software breakpoints in target memory.
//
// A breakpoint record is created while the target is stopped but memory is
// only patched with the trap instruction when the target resumes
// (InstallAll) and restored as soon as it stops again (RemoveAll). While the
// agent talks to the host, target memory always holds the original code.
package breakpoints

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
)

// Memory is the access to target memory used to patch instructions.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, buf []byte) error
}

// CacheFlusher keeps instruction and data caches coherent with patched
// memory.
type CacheFlusher interface {
	FlushICache(addr, n uint64)
	FlushDCache(addr, n uint64)
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an invalid address.
type InvalidAddressError struct {
	Address uint64
	Err     error
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x: %v", iae.Address, iae.Err)
}

func (iae InvalidAddressError) Unwrap() error { return iae.Err }

// Breakpoint is a software breakpoint record.
type Breakpoint struct {
	Addr uint64
	// Len is the length requested by the host, the number of patched
	// bytes is always the length of the trap instruction.
	Len int
	// Saved holds the original instruction bytes while the breakpoint is
	// installed.
	Saved []byte
	// Installed is true while the trap instruction is in memory.
	Installed bool
	// Temp breakpoints are deleted the next time the target stops.
	Temp bool
}

// Manager owns the breakpoint records of one target.
type Manager struct {
	mem   Memory
	cache CacheFlusher
	trap  []byte
	dis   regs.Disassembler

	m map[uint64]*Breakpoint

	log logflags.Logger
}

// NewManager returns a manager patching mem with trap. cache may be nil.
func NewManager(mem Memory, cache CacheFlusher, trap []byte) *Manager {
	if len(trap) == 0 {
		panic("empty breakpoint instruction")
	}
	return &Manager{
		mem:   mem,
		cache: cache,
		trap:  append([]byte(nil), trap...),
		m:     make(map[uint64]*Breakpoint),
		log:   logflags.BreakpointsLogger(),
	}
}

// SetDisassembler makes the manager log the instructions it replaces.
func (m *Manager) SetDisassembler(d regs.Disassembler) {
	m.dis = d
}

// Set records a breakpoint at addr. Setting a breakpoint where one already
// exists succeeds without changing anything, except that a temporary
// breakpoint becomes permanent.
// The address is checked by writing the trap instruction and restoring the
// bytes it replaced.
func (m *Manager) Set(addr uint64, length int) (*Breakpoint, error) {
	if bp, ok := m.m[addr]; ok {
		bp.Temp = false
		return bp, nil
	}
	return m.set(addr, length, false)
}

// SetTemp records a one-shot breakpoint at addr, it is deleted by the next
// RemoveAll. If a breakpoint already exists at addr it is returned as is.
func (m *Manager) SetTemp(addr uint64) (*Breakpoint, error) {
	if bp, ok := m.m[addr]; ok {
		return bp, nil
	}
	return m.set(addr, len(m.trap), true)
}

func (m *Manager) set(addr uint64, length int, temp bool) (*Breakpoint, error) {
	saved := make([]byte, len(m.trap))
	if err := m.mem.ReadMemory(addr, saved); err != nil {
		return nil, InvalidAddressError{Address: addr, Err: err}
	}
	// The trap is only written when the target resumes, make sure it can
	// be written at all.
	if err := m.mem.WriteMemory(addr, m.trap); err != nil {
		m.mem.WriteMemory(addr, saved)
		return nil, InvalidAddressError{Address: addr, Err: err}
	}
	if err := m.mem.WriteMemory(addr, saved); err != nil {
		return nil, InvalidAddressError{Address: addr, Err: err}
	}
	bp := &Breakpoint{Addr: addr, Len: length, Temp: temp}
	m.m[addr] = bp
	if logflags.Breakpoints() {
		m.log.Debugf("set breakpoint at %#x len=%d temp=%v", addr, length, temp)
	}
	return bp, nil
}

// Clear deletes the breakpoint at addr, restoring memory if it is
// installed.
func (m *Manager) Clear(addr uint64) error {
	bp, ok := m.m[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	if bp.Installed {
		if err := m.uninstall(bp); err != nil {
			return err
		}
	}
	delete(m.m, addr)
	if logflags.Breakpoints() {
		m.log.Debugf("cleared breakpoint at %#x", addr)
	}
	return nil
}

// Lookup returns the breakpoint at addr.
func (m *Manager) Lookup(addr uint64) (*Breakpoint, bool) {
	bp, ok := m.m[addr]
	return bp, ok
}

// Len returns the number of breakpoint records.
func (m *Manager) Len() int {
	return len(m.m)
}

// List returns all breakpoint records sorted by address.
func (m *Manager) List() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(m.m))
	for _, bp := range m.m {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// Install writes the trap instruction at addr.
func (m *Manager) Install(addr uint64) error {
	bp, ok := m.m[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	return m.install(bp)
}

// Uninstall restores the original instruction at addr.
func (m *Manager) Uninstall(addr uint64) error {
	bp, ok := m.m[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	return m.uninstall(bp)
}

func (m *Manager) install(bp *Breakpoint) error {
	if bp.Installed {
		return nil
	}
	saved := make([]byte, len(m.trap))
	// memory may have been written by the host since the record was created
	if err := m.mem.ReadMemory(bp.Addr, saved); err != nil {
		return InvalidAddressError{Address: bp.Addr, Err: err}
	}
	if err := m.mem.WriteMemory(bp.Addr, m.trap); err != nil {
		return InvalidAddressError{Address: bp.Addr, Err: err}
	}
	bp.Saved = saved
	bp.Installed = true
	m.flush(bp.Addr)
	if logflags.Breakpoints() {
		m.log.Debugf("installed breakpoint at %#x (replaced %s)", bp.Addr, m.describe(bp.Addr, saved))
	}
	return nil
}

func (m *Manager) uninstall(bp *Breakpoint) error {
	if !bp.Installed {
		return nil
	}
	if err := m.mem.WriteMemory(bp.Addr, bp.Saved); err != nil {
		return InvalidAddressError{Address: bp.Addr, Err: err}
	}
	bp.Installed = false
	bp.Saved = nil
	m.flush(bp.Addr)
	if logflags.Breakpoints() {
		m.log.Debugf("uninstalled breakpoint at %#x", bp.Addr)
	}
	return nil
}

func (m *Manager) flush(addr uint64) {
	if m.cache == nil {
		return
	}
	m.cache.FlushDCache(addr, uint64(len(m.trap)))
	m.cache.FlushICache(addr, uint64(len(m.trap)))
}

func (m *Manager) describe(addr uint64, code []byte) string {
	if m.dis != nil {
		if text, _, err := m.dis.Disassemble(code, addr); err == nil {
			return text
		}
	}
	return fmt.Sprintf("%x", code)
}

// InstallAll installs every breakpoint except the ones at the addresses
// in skip. All breakpoints are attempted, the returned error joins the
// failures.
func (m *Manager) InstallAll(skip ...uint64) error {
	var errs []error
bpLoop:
	for _, bp := range m.List() {
		for _, addr := range skip {
			if bp.Addr == addr {
				continue bpLoop
			}
		}
		if err := m.install(bp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAll restores the original instruction of every installed
// breakpoint and deletes temporary breakpoints.
func (m *Manager) RemoveAll() error {
	var errs []error
	for _, bp := range m.List() {
		if err := m.uninstall(bp); err != nil {
			errs = append(errs, err)
			continue
		}
		if bp.Temp {
			delete(m.m, bp.Addr)
		}
	}
	return errors.Join(errs...)
}

// IsTrap reports whether code starts with the trap instruction.
func (m *Manager) IsTrap(code []byte) bool {
	if len(code) < len(m.trap) {
		return false
	}
	for i := range m.trap {
		if code[i] != m.trap[i] {
			return false
		}
	}
	return true
}

// TrapLen returns the length of the trap instruction.
func (m *Manager) TrapLen() int {
	return len(m.trap)
}

// Reset forgets every record without touching memory.
func (m *Manager) Reset() {
	m.m = make(map[uint64]*Breakpoint)
}
