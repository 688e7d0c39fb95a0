//go:build !linux

package transport

import (
	"errors"
	"runtime"
)

var errSerialUnsupported = errors.New("serial and pty transports are not supported on " + runtime.GOOS)

// ListenSerial returns a listener for the serial line at path.
func ListenSerial(path string, baud int) (Listener, error) {
	return nil, errSerialUnsupported
}

// ListenPTY allocates a pseudo terminal.
func ListenPTY() (Listener, error) {
	return nil, errSerialUnsupported
}
