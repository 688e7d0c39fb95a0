package transport

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-delve/gdbstub/pkg/logflags"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
}

// makeRaw puts the terminal open on fd in raw 8N1 mode, reads block until
// at least one byte is available. If baud is not zero the line speed is
// changed too.
func makeRaw(fd int, baud int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if baud != 0 {
		speed, ok := baudRates[baud]
		if !ok {
			return fmt.Errorf("unsupported baud rate %d", baud)
		}
		t.Cflag &^= unix.CBAUD
		t.Cflag |= speed
		t.Ispeed = speed
		t.Ospeed = speed
	}
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// OpenSerial opens the serial device at path in raw mode.
func OpenSerial(path string, baud int) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	if err := makeRaw(int(f.Fd()), baud); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not configure %s: %w", path, err)
	}
	return f, nil
}

// serialListener hands out the serial line, reopening it for every
// session: there is nothing to wait for, the host is at the other end of
// the cable or it is not.
type serialListener struct {
	path string
	baud int

	mu     sync.Mutex
	closed bool
	cur    *os.File

	log logflags.Logger
}

// ListenSerial returns a listener for the serial line at path.
func ListenSerial(path string, baud int) (Listener, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, ok := baudRates[baud]; !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}
	return &serialListener{path: path, baud: baud, log: logflags.GdbWireLogger()}, nil
}

func (sl *serialListener) Accept() (io.ReadWriteCloser, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed {
		return nil, ErrClosed
	}
	f, err := OpenSerial(sl.path, sl.baud)
	if err != nil {
		return nil, err
	}
	sl.cur = f
	sl.log.Infof("serial line %s open at %d baud", sl.path, sl.baud)
	return f, nil
}

func (sl *serialListener) Addr() string {
	return sl.path
}

func (sl *serialListener) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.closed = true
	if sl.cur != nil {
		sl.cur.Close()
		sl.cur = nil
	}
	return nil
}
