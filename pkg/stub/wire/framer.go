// Package wire implements the framing layer of the Gdb Remote Serial
// Protocol as seen from the stub side of the connection.
//
// A packet travels as '$' payload '#' checksum, where checksum is two hex
// digits holding the modulo 256 sum of the payload bytes. Every packet is
// answered with a single '+' (accepted) or '-' (send it again) byte until
// the host negotiates QStartNoAckMode. A 0x03 byte outside of a packet is
// an out-of-band request to stop the target.
//
// The Framer acknowledges a received command lazily: the '+' is prefixed
// to the next reply instead of being written on its own, which saves one
// round trip per command on transports with head-of-line blocking.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-delve/gdbstub/pkg/logflags"
	"github.com/go-delve/gdbstub/pkg/metrics"
)

const (
	gdbWireMaxLen = 120

	// DefaultPacketSize is the size of the input and reply buffers,
	// advertised to the host through qSupported.
	DefaultPacketSize = 0x1000

	interruptByte = 0x03
)

// ErrClosed is returned when the byte stream fails or reaches EOF, the
// underlying error is wrapped.
var ErrClosed = errors.New("connection closed")

// ErrTruncated is returned by Send when the reply did not fit the working
// buffer.
var ErrTruncated = errors.New("reply exceeds packet size")

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Framer reads command packets from and writes replies to a byte stream.
// It is not safe for concurrent use.
type Framer struct {
	rw  io.ReadWriter
	rdr *bufio.Reader

	inbuf []byte
	out   *Builder
	frame []byte

	packetSize int

	ack        bool // acknowledgements are exchanged (no QStartNoAckMode yet)
	noAckNext  bool // disable acks after the next reply
	delayedAck bool // prefix the ack of a received command to the next reply
	pendingAck bool // a received command has not been acknowledged yet
	sentFirst  bool // a reply has been sent in this session

	interrupt bool // a 0x03 byte was seen while not reading a packet

	log logflags.Logger
}

// NewFramer returns a framer over rw with buffers of packetSize bytes.
func NewFramer(rw io.ReadWriter, packetSize int, delayedAck bool) *Framer {
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}
	return &Framer{
		rw:         rw,
		rdr:        bufio.NewReaderSize(rw, packetSize+4),
		inbuf:      make([]byte, 0, packetSize),
		out:        NewBuilder(packetSize),
		frame:      make([]byte, 0, packetSize+5),
		packetSize: packetSize,
		ack:        true,
		delayedAck: delayedAck,
		log:        logflags.GdbWireLogger(),
	}
}

// PacketSize returns the size of the packet buffers.
func (f *Framer) PacketSize() int {
	return f.packetSize
}

// DisableAckAfterReply turns acknowledgements off once the next reply
// (the OK to QStartNoAckMode) has been acknowledged.
func (f *Framer) DisableAckAfterReply() {
	f.noAckNext = true
}

// Reply resets and returns the working reply buffer.
func (f *Framer) Reply() *Builder {
	f.out.Reset()
	return f.out
}

// Receive blocks until a complete packet with a valid checksum has been
// read and returns its payload. The returned slice is only valid until
// the next call to Receive.
// Bytes outside of a packet are discarded, interrupt bytes among them are
// recorded and can be retrieved with TakeInterrupt.
func (f *Framer) Receive() ([]byte, error) {
	if f.pendingAck {
		// The previous command was never answered, do not leave the host
		// waiting for its ack.
		if err := f.sendack('+'); err != nil {
			return nil, err
		}
		f.pendingAck = false
	}
	for {
		ch, err := f.readByte()
		if err != nil {
			return nil, err
		}
		switch ch {
		case '$':
		case interruptByte:
			f.log.Debugf("-> interrupt")
			f.interrupt = true
			continue
		default:
			continue
		}

		f.inbuf = f.inbuf[:0]
		overflow := false
		for {
			ch, err = f.readByte()
			if err != nil {
				return nil, err
			}
			if ch == '#' {
				break
			}
			if ch == '$' {
				// A new packet starts before the old one ended, the host gave
				// up on it.
				f.inbuf = f.inbuf[:0]
				overflow = false
				continue
			}
			if len(f.inbuf) >= f.packetSize {
				overflow = true
				continue
			}
			f.inbuf = append(f.inbuf, ch)
		}

		var sumbuf [2]byte
		for i := range sumbuf {
			if sumbuf[i], err = f.readByte(); err != nil {
				return nil, err
			}
		}

		if logflags.GdbWire() {
			if len(f.inbuf) > gdbWireMaxLen {
				f.log.Debugf("-> $%s...", string(f.inbuf[:gdbWireMaxLen]))
			} else {
				f.log.Debugf("-> $%s#%s", string(f.inbuf), string(sumbuf[:]))
			}
		}

		if !f.ack {
			if overflow {
				// nothing to NAK in no-ack mode, the host will time out
				f.log.Warnf("dropped packet longer than %d bytes", f.packetSize)
				metrics.ChecksumFailure()
				continue
			}
			return f.inbuf, nil
		}

		if overflow || !checksumok(f.inbuf, sumbuf) {
			metrics.ChecksumFailure()
			if err := f.sendack('-'); err != nil {
				return nil, err
			}
			continue
		}

		if f.delayedAck {
			f.pendingAck = true
		} else if err := f.sendack('+'); err != nil {
			return nil, err
		}
		return f.inbuf, nil
	}
}

// Send transmits the payload accumulated in b and, unless acks are
// disabled, blocks until the host acknowledges it, sending it again every
// time a '-' is received. An interrupt byte received while waiting is
// recorded instead of aborting the wait.
func (f *Framer) Send(b *Builder) error {
	if b.Truncated() {
		return ErrTruncated
	}
	payload := b.Bytes()

	frame := f.frame[:0]
	if f.ack && f.delayedAck && (f.pendingAck || !f.sentFirst) {
		// Piggy-backed acknowledgement of the command being answered, or on
		// the first reply of a session a plain one.
		frame = append(frame, '+')
	}
	f.pendingAck = false
	f.sentFirst = true
	prefixLen := len(frame)

	frame = append(frame, '$')
	frame = append(frame, payload...)
	sum := Checksum(payload)
	frame = append(frame, '#', hexdigit[sum>>4], hexdigit[sum&0xf])
	f.frame = frame

	for attempt := 0; ; attempt++ {
		if logflags.GdbWire() {
			if len(frame) > gdbWireMaxLen {
				f.log.Debugf("<- %s...", string(frame[:gdbWireMaxLen]))
			} else {
				f.log.Debugf("<- %s", string(frame))
			}
		}
		if _, err := f.rw.Write(frame); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if attempt == 0 {
			// the ack prefix is never repeated
			frame = frame[prefixLen:]
		}

		if !f.ack {
			return nil
		}

		ok, err := f.readack()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		metrics.Retransmit()
	}

	if f.noAckNext {
		f.noAckNext = false
		f.ack = false
	}
	return nil
}

// SendString sends s as the payload of a reply.
func (f *Framer) SendString(s string) error {
	return f.Send(f.Reply().String(s))
}

// TakeInterrupt reports whether an interrupt byte was received since the
// last call and clears the record.
func (f *Framer) TakeInterrupt() bool {
	r := f.interrupt
	f.interrupt = false
	return r
}

// PollInterrupt is like TakeInterrupt but also checks, without blocking,
// whether an interrupt byte is waiting in the stream. Streams that do not
// support read deadlines are only checked for already buffered bytes.
func (f *Framer) PollInterrupt() bool {
	if f.TakeInterrupt() {
		return true
	}
	if f.rdr.Buffered() == 0 {
		dl, ok := f.rw.(deadliner)
		if !ok {
			return false
		}
		if dl.SetReadDeadline(time.Now().Add(time.Millisecond)) != nil {
			return false
		}
		_, err := f.rdr.Peek(1)
		dl.SetReadDeadline(time.Time{})
		if err != nil {
			return false
		}
	}
	b, err := f.rdr.Peek(1)
	if err != nil || b[0] != interruptByte {
		return false
	}
	f.rdr.ReadByte()
	f.log.Debugf("-> interrupt")
	return true
}

// readack reads bytes until an acknowledgement is found, returns true if
// it is '+'.
func (f *Framer) readack() (bool, error) {
	for {
		ch, err := f.readByte()
		if err != nil {
			return false, err
		}
		switch ch {
		case '+', '-':
			f.log.Debugf("-> %c", ch)
			return ch == '+', nil
		case interruptByte:
			f.log.Debugf("-> interrupt")
			f.interrupt = true
		}
	}
}

// sendack writes an acknowledgement, c must be either '+' or '-'
func (f *Framer) sendack(c byte) error {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	f.log.Debugf("<- %c", c)
	if _, err := f.rw.Write([]byte{c}); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (f *Framer) readByte() (byte, error) {
	ch, err := f.rdr.ReadByte()
	if err != nil {
		if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ch, nil
}

// checksumok checks that checksumBuf holds the checksum of payload.
func checksumok(payload []byte, checksumBuf [2]byte) bool {
	hi, lo := HexValue(checksumBuf[0]), HexValue(checksumBuf[1])
	if hi < 0 || lo < 0 {
		return false
	}
	return Checksum(payload) == uint8(hi<<4|lo)
}
