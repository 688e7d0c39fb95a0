package sim

import (
	"fmt"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/stub/regs"
	"github.com/go-delve/gdbstub/pkg/stub/threads"
)

const (
	timeslice = 1000
	stackSize = 0x1000
)

type simThread struct {
	id    threads.ID
	name  string
	saved regs.Snapshot
}

// kernel is a round robin scheduler over threads that all run the loaded
// program, each on its own stack.
type kernel struct {
	b       *Board
	threads []*simThread
	cur     int
	locked  bool
	slice   int
}

func newKernel(b *Board, n int) *kernel {
	k := &kernel{b: b}
	for i := 0; i < n; i++ {
		name := "main"
		if i > 0 {
			name = fmt.Sprintf("worker%d", i)
		}
		k.threads = append(k.threads, &simThread{
			id:    threads.ID(i + 1),
			name:  name,
			saved: make(regs.Snapshot, b.tbl.SnapshotSize()),
		})
	}
	return k
}

// reset starts every thread over at the entry point of the board.
func (k *kernel) reset() {
	top := k.b.mem.stackTop()
	for i, t := range k.threads {
		for j := range t.saved {
			t.saved[j] = 0
		}
		k.b.tbl.SetPC(t.saved, k.b.entry)
		k.b.tbl.SetUint(k.b.tbl.SPRegnum(), t.saved, top-uint64(i)*stackSize)
	}
	k.cur = 0
	k.slice = 0
	k.locked = false
	copy(k.b.ctx, k.threads[0].saved)
}

// tick accounts for one instruction of the running thread and switches to
// the next one at the end of its timeslice.
func (k *kernel) tick() {
	k.slice++
	if k.slice < timeslice || k.locked || len(k.threads) < 2 {
		return
	}
	k.slice = 0
	next := (k.cur + 1) % len(k.threads)
	copy(k.threads[k.cur].saved, k.b.ctx)
	copy(k.b.ctx, k.threads[next].saved)
	if logflags.Board() {
		k.b.log.Debugf("switch from thread %d to thread %d", k.threads[k.cur].id, k.threads[next].id)
	}
	k.cur = next
}

func (k *kernel) lookup(id threads.ID) *simThread {
	for _, t := range k.threads {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (k *kernel) Current() threads.ID {
	return k.threads[k.cur].id
}

func (k *kernel) List(start bool, after threads.ID, max int) ([]threads.ID, bool, error) {
	i := 0
	if !start {
		for i < len(k.threads) && k.threads[i].id <= after {
			i++
		}
	}
	var ids []threads.ID
	for ; i < len(k.threads) && len(ids) < max; i++ {
		ids = append(ids, k.threads[i].id)
	}
	return ids, i >= len(k.threads), nil
}

func (k *kernel) Info(id threads.ID) (threads.Info, error) {
	t := k.lookup(id)
	if t == nil {
		return threads.Info{ID: id}, nil
	}
	info := threads.Info{ID: id, Exists: true, Name: t.name, Display: "ready"}
	if t == k.threads[k.cur] {
		info.Display = "running"
	}
	if k.locked {
		info.MoreDisplay = "scheduler locked"
	}
	return info, nil
}

func (k *kernel) GetRegisters(id threads.ID, ctx regs.Snapshot) error {
	t := k.lookup(id)
	if t == nil {
		return threads.ErrNoThread
	}
	if t == k.threads[k.cur] {
		copy(ctx, k.b.ctx)
	} else {
		copy(ctx, t.saved)
	}
	return nil
}

func (k *kernel) SetRegisters(id threads.ID, ctx regs.Snapshot) error {
	t := k.lookup(id)
	if t == nil {
		return threads.ErrNoThread
	}
	if t == k.threads[k.cur] {
		copy(k.b.ctx, ctx)
	} else {
		copy(t.saved, ctx)
	}
	return nil
}

// LockScheduler keeps the running thread on the CPU. The board only runs
// the current thread, id is accepted as is.
func (k *kernel) LockScheduler(id threads.ID) error {
	k.locked = true
	return nil
}

func (k *kernel) UnlockScheduler() error {
	k.locked = false
	return nil
}
