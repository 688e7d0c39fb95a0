package stub

import (
	"time"

	"github.com/google/uuid"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
)

// Session is the state of one debugging session, from the first trap to
// the kill or restart of the target.
type Session struct {
	// ID identifies the session in logs.
	ID string

	// firstEntry is true until the first trap has been handled, the
	// original context is saved then.
	firstEntry bool
	original   regs.Snapshot

	// closed is set when the host disconnects.
	closed bool

	continuing bool
	stepping   bool

	// lastSignal is reported by the ? command.
	lastSignal regs.Signal

	// stepOver is the address of the breakpoint left out while stepping
	// over it, valid if stepOverPending is set. hostStep is true if the
	// host itself asked for a single step.
	stepOver        uint64
	stepOverPending bool
	hostStep        bool
	armedStep       bool

	stoppedAt time.Time
}

func newSession() *Session {
	return &Session{
		ID:         uuid.NewString(),
		firstEntry: true,
		lastSignal: regs.SIGTRAP,
	}
}

// LastSignal returns the signal of the last stop.
func (s *Session) LastSignal() regs.Signal { return s.lastSignal }

// Closed reports whether the host disconnected.
func (s *Session) Closed() bool { return s.closed }

// Running reports whether the target was resumed by the last command.
func (s *Session) Running() bool { return s.continuing || s.stepping }
