package transport

import (
	"errors"
	"io"
	"net"

	"github.com/go-delve/gdbstub/pkg/logflags"
)

type tcpListener struct {
	l   net.Listener
	log logflags.Logger
}

// ListenTCP listens for the host on addr.
func ListenTCP(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l, log: logflags.GdbWireLogger()}, nil
}

func (tl *tcpListener) Accept() (io.ReadWriteCloser, error) {
	conn, err := tl.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// packets are small and latency bound
		tcp.SetNoDelay(true)
	}
	tl.log.Infof("host connected from %s", conn.RemoteAddr())
	return conn, nil
}

func (tl *tcpListener) Addr() string {
	return tl.l.Addr().String()
}

func (tl *tcpListener) Close() error {
	return tl.l.Close()
}
