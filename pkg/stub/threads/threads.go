// Package threads lets the host debugger inspect the threads of a target
// run by a debug-capable kernel.
//
// The kernel is an external collaborator reached through the Kernel
// interface. The Extension keeps track of the "general thread", the
// thread whose registers register commands operate on: either the context
// that was live when the target trapped or the saved registers of another
// thread, copied into an agent-owned snapshot.
package threads

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
)

// ID is a thread identifier as defined by the kernel. Zero and -1 are
// reserved: they mean "whatever thread trapped" and "all threads".
type ID int32

const (
	AnyThread  ID = 0
	AllThreads ID = -1
)

// IsSentinel reports whether id is not a real thread handle.
func (id ID) IsSentinel() bool {
	return id == AnyThread || id == AllThreads
}

// RefLen is the length of a thread reference on the wire, in hex digits.
const RefLen = 2 * len(Ref{})

// Ref is the fixed width thread reference used on the wire.
type Ref [8]byte

// RefFor returns the reference of id. The id is stored in the low order
// half, the high order half is zero.
func RefFor(id ID) Ref {
	var r Ref
	binary.BigEndian.PutUint32(r[4:], uint32(id))
	return r
}

// ID returns the thread id stored in the low order half of r.
func (r Ref) ID() ID {
	return ID(int32(binary.BigEndian.Uint32(r[4:])))
}

func (r Ref) String() string {
	return fmt.Sprintf("%x", r[:])
}

// ErrNoThread is returned for ids the kernel does not know.
var ErrNoThread = errors.New("no such thread")

// Info is what the kernel knows about a thread. The tags of the qP query
// map to its fields.
type Info struct {
	ID          ID
	Exists      bool
	Display     string // state, for example "running" or "blocked"
	Name        string
	MoreDisplay string
}

// Kernel is the interface to the debug support of the kernel running on
// the target.
type Kernel interface {
	// Current returns the thread that was running when the target trapped.
	Current() ID
	// List returns up to max thread ids, starting from the first thread if
	// start is true and otherwise from the thread after the one given.
	// done is true when the list is exhausted.
	List(start bool, after ID, max int) (ids []ID, done bool, err error)
	Info(id ID) (Info, error)
	GetRegisters(id ID, ctx regs.Snapshot) error
	SetRegisters(id ID, ctx regs.Snapshot) error
	LockScheduler(id ID) error
	UnlockScheduler() error
}

const defaultInfoCacheSize = 64

// Extension maps thread commands onto a Kernel.
type Extension struct {
	k Kernel

	selected ID
	genRegs  regs.Snapshot
	modified bool

	infoCache *lru.Cache

	log logflags.Logger
}

// New returns an extension for k. Register snapshots of non-current
// threads are snapshotSize bytes long.
func New(k Kernel, snapshotSize int) *Extension {
	cache, err := lru.New(defaultInfoCacheSize)
	if err != nil {
		panic(err)
	}
	return &Extension{
		k:         k,
		genRegs:   make(regs.Snapshot, snapshotSize),
		infoCache: cache,
		log:       logflags.ThreadsLogger(),
	}
}

// Kernel returns the kernel of the extension.
func (e *Extension) Kernel() Kernel { return e.k }

// Current returns the thread that trapped.
func (e *Extension) Current() ID { return e.k.Current() }

// Stopped must be called when the target stops: thread state may have
// changed so cached information is dropped and the trapped context is the
// general thread again.
func (e *Extension) Stopped() {
	e.infoCache.Purge()
	e.selected = AnyThread
	e.modified = false
}

// Selected returns the general thread, ok is false if the trapped context
// is used.
func (e *Extension) Selected() (id ID, ok bool) {
	return e.selected, e.selected != AnyThread
}

// Select makes id the general thread. Sentinel ids and the current thread
// select the trapped context. Registers of the previously selected thread
// are written back to the kernel if they were modified.
func (e *Extension) Select(id ID) error {
	if id.IsSentinel() || id == e.k.Current() {
		if err := e.Flush(); err != nil {
			return err
		}
		e.selected = AnyThread
		return nil
	}
	if id == e.selected {
		return nil
	}
	if !e.Alive(id) {
		return ErrNoThread
	}
	if err := e.Flush(); err != nil {
		return err
	}
	if err := e.k.GetRegisters(id, e.genRegs); err != nil {
		return fmt.Errorf("could not read registers of thread %d: %w", id, err)
	}
	e.selected = id
	e.modified = false
	if logflags.Threads() {
		e.log.Debugf("selected thread %d", id)
	}
	return nil
}

// Context returns the snapshot register commands operate on: live when no
// thread is selected, otherwise the selected thread's registers.
func (e *Extension) Context(live regs.Snapshot) regs.Snapshot {
	if e.selected == AnyThread {
		return live
	}
	return e.genRegs
}

// MarkModified records that the registers returned by Context were
// changed.
func (e *Extension) MarkModified() {
	if e.selected != AnyThread {
		e.modified = true
	}
}

// Flush writes the registers of the selected thread back to the kernel if
// they were modified.
func (e *Extension) Flush() error {
	if e.selected == AnyThread || !e.modified {
		return nil
	}
	if err := e.k.SetRegisters(e.selected, e.genRegs); err != nil {
		return fmt.Errorf("could not write registers of thread %d: %w", e.selected, err)
	}
	e.modified = false
	if logflags.Threads() {
		e.log.Debugf("wrote back registers of thread %d", e.selected)
	}
	return nil
}

// Info returns information about a thread, cached until the next stop.
func (e *Extension) Info(id ID) (Info, error) {
	if v, ok := e.infoCache.Get(id); ok {
		return v.(Info), nil
	}
	info, err := e.k.Info(id)
	if err != nil {
		return Info{}, err
	}
	e.infoCache.Add(id, info)
	return info, nil
}

// Alive reports whether id is an existing thread.
func (e *Extension) Alive(id ID) bool {
	if id.IsSentinel() {
		return true
	}
	info, err := e.Info(id)
	return err == nil && info.Exists
}

// List returns a batch of thread ids, see Kernel.List.
func (e *Extension) List(start bool, after ID, max int) ([]ID, bool, error) {
	return e.k.List(start, after, max)
}

// All returns the ids of every thread.
func (e *Extension) All() ([]ID, error) {
	var r []ID
	start, after := true, AnyThread
	for {
		ids, done, err := e.k.List(start, after, 32)
		if err != nil {
			return nil, err
		}
		r = append(r, ids...)
		if done || len(ids) == 0 {
			return r, nil
		}
		start, after = false, ids[len(ids)-1]
	}
}

// Resume prepares the kernel for the target to run: modified registers are
// written back and, when single stepping, the scheduler is locked to the
// current thread so that the step does not switch threads.
func (e *Extension) Resume(step bool) error {
	if err := e.Flush(); err != nil {
		return err
	}
	e.selected = AnyThread
	if step {
		return e.k.LockScheduler(e.k.Current())
	}
	return e.k.UnlockScheduler()
}
