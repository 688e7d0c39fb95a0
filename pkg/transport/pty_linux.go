package transport

import (
	"io"
	"os"
	"sync"

	"github.com/creack/pty"

	"github.com/go-delve/gdbstub/pkg/logflags"
)

// ptyListener stands in for a serial line with a pseudo terminal: the stub
// keeps the master side, the host opens the slave, for example with
// "target remote /dev/pts/3".
type ptyListener struct {
	mu     sync.Mutex
	master *os.File
	slave  *os.File
	closed bool

	log logflags.Logger
}

// ListenPTY allocates a pseudo terminal.
func ListenPTY() (Listener, error) {
	pl := &ptyListener{log: logflags.GdbWireLogger()}
	if err := pl.open(); err != nil {
		return nil, err
	}
	return pl, nil
}

func (pl *ptyListener) open() error {
	master, slave, err := pty.Open()
	if err != nil {
		return err
	}
	if err := makeRaw(int(slave.Fd()), 0); err != nil {
		master.Close()
		slave.Close()
		return err
	}
	pl.master, pl.slave = master, slave
	pl.log.Infof("waiting for the host on %s", slave.Name())
	return nil
}

// Accept returns the master side of the terminal. A new terminal is
// allocated once the previous session closed its connection.
func (pl *ptyListener) Accept() (io.ReadWriteCloser, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return nil, ErrClosed
	}
	if pl.master == nil {
		if err := pl.open(); err != nil {
			return nil, err
		}
	}
	return &ptyConn{pl: pl, File: pl.master}, nil
}

// Addr returns the path of the slave side.
func (pl *ptyListener) Addr() string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.slave == nil {
		return ""
	}
	return pl.slave.Name()
}

func (pl *ptyListener) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.closed = true
	pl.release()
	return nil
}

func (pl *ptyListener) release() {
	if pl.master != nil {
		pl.master.Close()
		pl.slave.Close()
		pl.master, pl.slave = nil, nil
	}
}

type ptyConn struct {
	*os.File
	pl *ptyListener
}

func (c *ptyConn) Close() error {
	c.pl.mu.Lock()
	defer c.pl.mu.Unlock()
	if c.pl.master == c.File {
		c.pl.release()
	}
	return nil
}
