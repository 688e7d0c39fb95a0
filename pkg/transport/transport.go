// Package transport provides the byte streams connecting the host debugger
// to the stub: a tcp socket, a serial line, a pseudo terminal standing in
// for a serial line, or websocket binary messages.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-delve/gdbstub/pkg/config"
)

// Kinds of transport.
const (
	TCP       = "tcp"
	Serial    = "serial"
	PTY       = "pty"
	Websocket = "websocket"
)

const (
	defaultListen   = "127.0.0.1:2345"
	defaultBaudRate = 115200
)

// ErrClosed is returned by Accept after the listener was closed.
var ErrClosed = errors.New("listener closed")

// Listener waits for the host debugger.
type Listener interface {
	// Accept blocks until the host connects and returns the connection.
	Accept() (io.ReadWriteCloser, error)
	// Addr describes where the host should connect, in a form that can be
	// given to gdb's target remote command.
	Addr() string
	Close() error
}

// Listen returns the listener for the transport selected by conf.
func Listen(conf *config.Config) (Listener, error) {
	kind := conf.Transport
	if kind == "" {
		kind = TCP
	}
	switch kind {
	case TCP:
		return ListenTCP(listenAddr(conf))
	case Websocket:
		return ListenWebsocket(listenAddr(conf))
	case Serial:
		if conf.SerialDevice == "" {
			return nil, errors.New("serial transport needs a serial-device")
		}
		baud := conf.BaudRate
		if baud == 0 {
			baud = defaultBaudRate
		}
		return ListenSerial(conf.SerialDevice, baud)
	case PTY:
		return ListenPTY()
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

func listenAddr(conf *config.Config) string {
	if conf.Listen == "" {
		return defaultListen
	}
	return conf.Listen
}
