package regs

import "fmt"

// Signal is a portable signal number as understood by the host debugger.
// The numbering is gdb's target signal numbering, which does not depend on
// the operating system of either side.
type Signal uint8

const (
	SIG0    Signal = 0
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGQUIT Signal = 3
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGABRT Signal = 6
	SIGEMT  Signal = 7
	SIGFPE  Signal = 8
	SIGKILL Signal = 9
	SIGBUS  Signal = 10
	SIGSEGV Signal = 11
	SIGSYS  Signal = 12
	SIGALRM Signal = 14
	SIGTERM Signal = 15
)

var signalNames = map[Signal]string{
	SIG0:    "SIG0",
	SIGHUP:  "SIGHUP",
	SIGINT:  "SIGINT",
	SIGQUIT: "SIGQUIT",
	SIGILL:  "SIGILL",
	SIGTRAP: "SIGTRAP",
	SIGABRT: "SIGABRT",
	SIGEMT:  "SIGEMT",
	SIGFPE:  "SIGFPE",
	SIGKILL: "SIGKILL",
	SIGBUS:  "SIGBUS",
	SIGSEGV: "SIGSEGV",
	SIGSYS:  "SIGSYS",
	SIGALRM: "SIGALRM",
	SIGTERM: "SIGTERM",
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return fmt.Sprintf("signal%d", uint8(s))
}

// Exception codes that mean the same thing on every architecture. Real
// exception codes are architecture specific and non-negative.
const (
	// ExcInterrupt is used when the agent is entered because the host
	// asked for the target to be stopped.
	ExcInterrupt = -1
	// ExcStep is used by targets that emulate single stepping in software
	// and enter the agent once the step has completed.
	ExcStep = -2
)
