package stub

import (
	"errors"
	"fmt"

	"github.com/go-delve/gdbstub/pkg/stub/regs"
)

// Error codes sent in E replies.
const (
	errCodeMalformed   = 0x01
	errCodeUnsupported = 0x02
	errCodeStub        = 0x03
)

var (
	// ErrMalformed is returned for packets with missing or unparsable
	// arguments.
	ErrMalformed = errors.New("malformed packet")
	// ErrUnsupported is returned for well formed requests the agent can
	// not carry out, for example a watchpoint kind without hardware
	// support.
	ErrUnsupported = errors.New("unsupported request")
)

// ProtocolError is an error reply with an explicit code.
type ProtocolError struct {
	Cmd  string
	Code uint8
	Err  error
}

func (err *ProtocolError) Error() string {
	cmd := err.Cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.Err != nil {
		return fmt.Sprintf("E%02x replying to %s: %v", err.Code, cmd, err.Err)
	}
	return fmt.Sprintf("E%02x replying to %s", err.Code, cmd)
}

func (err *ProtocolError) Unwrap() error { return err.Err }

// FaultError describes an exception taken while the agent was already
// handling one, typically while a memory hook was accessing target
// memory.
type FaultError struct {
	Exception int
	Signal    regs.Signal
	PC        uint64
}

func (err *FaultError) Error() string {
	return fmt.Sprintf("nested fault %v (exception %d) at %#x", err.Signal, err.Exception, err.PC)
}

// TransferError is returned when a memory hook transferred fewer bytes
// than requested.
type TransferError struct {
	Addr           uint64
	NotTransferred int
	// Fault is the nested fault that interrupted the transfer, if any.
	Fault *FaultError
}

func (err *TransferError) Error() string {
	if err.Fault != nil {
		return fmt.Sprintf("memory access at %#x failed, %d bytes not transferred: %v", err.Addr, err.NotTransferred, err.Fault)
	}
	return fmt.Sprintf("memory access at %#x failed, %d bytes not transferred", err.Addr, err.NotTransferred)
}

func (err *TransferError) Unwrap() error {
	if err.Fault == nil {
		return nil
	}
	return err.Fault
}

// errorCode returns the code of the E reply for err. Transfer errors
// carry the number of bytes not transferred, so 1 to 3 bytes read the same
// as the fixed codes; GDB only tells an E reply from OK.
func errorCode(err error) uint8 {
	var perr *ProtocolError
	var terr *TransferError
	var ferr *FaultError
	switch {
	case errors.As(err, &perr):
		return perr.Code
	case errors.As(err, &ferr):
		return errCodeStub
	case errors.As(err, &terr):
		if terr.NotTransferred > 0xff {
			return 0xff
		}
		return uint8(terr.NotTransferred)
	case errors.Is(err, ErrMalformed):
		return errCodeMalformed
	case errors.Is(err, ErrUnsupported):
		return errCodeUnsupported
	}
	return errCodeStub
}
