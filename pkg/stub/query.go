package stub

import (
	"bytes"
	"strconv"

	"github.com/derekparker/trie"

	"github.com/go-delve/gdbstub/pkg/stub/threads"
	"github.com/go-delve/gdbstub/pkg/stub/wire"
)

// queryHandler executes a general query or set packet, args is what
// follows the prefix it was registered with.
type queryHandler func(a *Agent, args []byte, reply *wire.Builder) error

type queryRoute struct {
	prefix string
	fn     queryHandler
}

var queryRoutes = []queryRoute{
	{"qC", (*Agent).queryCurrentThread},
	{"qL", (*Agent).queryThreadList},
	{"qP", (*Agent).queryThreadInfo},
	{"QP", (*Agent).setGeneralThread},
	{"qCRC:", (*Agent).queryCRC},
	{"qSupported", (*Agent).querySupported},
	{"QStartNoAckMode", (*Agent).startNoAckMode},
	{"qfThreadInfo", (*Agent).queryFirstThreadInfo},
	{"qsThreadInfo", (*Agent).queryNextThreadInfo},
	{"qThreadExtraInfo,", (*Agent).queryThreadExtraInfo},
	{"qOffsets", (*Agent).queryOffsets},
	{"qAttached", (*Agent).queryAttached},
	{"qSymbol:", (*Agent).querySymbol},
	{"qXfer:features:read:", (*Agent).queryFeatures},
	{"qRcmd,", (*Agent).monitorCmd},
}

func (a *Agent) initQueries() {
	a.queries = trie.New()
	for _, r := range queryRoutes {
		a.queries.Add(r.prefix, r.fn)
	}
}

// routeQuery returns the handler registered with the longest prefix of pkt.
func (a *Agent) routeQuery(pkt []byte) (queryHandler, []byte) {
	var fn queryHandler
	var args []byte
	for i := 1; i <= len(pkt); i++ {
		key := string(pkt[:i])
		if !a.queries.HasKeysWithPrefix(key) {
			break
		}
		if node, ok := a.queries.Find(key); ok {
			fn, args = node.Meta().(queryHandler), pkt[i:]
		}
	}
	return fn, args
}

func (a *Agent) query(pkt []byte, reply *wire.Builder) error {
	fn, args := a.routeQuery(pkt)
	if fn == nil {
		a.fallback(a.hooks.Query, pkt, reply)
		return nil
	}
	return fn(a, args, reply)
}

func (a *Agent) queryCurrentThread(args []byte, reply *wire.Builder) error {
	if len(args) != 0 {
		// qCRC, qCRC without colon and similar
		return ErrMalformed
	}
	reply.String("QC")
	if a.threads == nil {
		reply.Byte('0')
		return nil
	}
	ref := threads.RefFor(a.threads.Current())
	reply.HexBytes(ref[:])
	return nil
}

func parseRef(args []byte) (threads.Ref, bool) {
	var ref threads.Ref
	if len(args) < threads.RefLen {
		return ref, false
	}
	_, ok := wire.DecodeHex(ref[:], args[:threads.RefLen])
	return ref, ok
}

// queryThreadList answers qL<start:1><max:2><next:16> with
// qM<count:2><done:1><next:16><refs:16...>.
func (a *Agent) queryThreadList(args []byte, reply *wire.Builder) error {
	if a.threads == nil {
		return nil
	}
	if len(args) != 3+threads.RefLen {
		return ErrMalformed
	}
	start := args[0] == '1'
	if !start && args[0] != '0' {
		return ErrMalformed
	}
	max, n := wire.ParseHex(args[1:3])
	if n != 2 {
		return ErrMalformed
	}
	next, ok := parseRef(args[3:])
	if !ok {
		return ErrMalformed
	}
	if room := uint64((reply.Room() - 5 - threads.RefLen) / threads.RefLen); max > room {
		max = room
	}

	ids, done, err := a.threads.List(start, next.ID(), int(max))
	if err != nil {
		return err
	}
	reply.String("qM").Hex8(uint8(len(ids)))
	if done {
		reply.Byte('1')
	} else {
		reply.Byte('0')
	}
	reply.HexBytes(next[:])
	for _, id := range ids {
		ref := threads.RefFor(id)
		reply.HexBytes(ref[:])
	}
	return nil
}

// Tags of the qP query.
const (
	tagThreadID    = 1
	tagExists      = 2
	tagDisplay     = 4
	tagName        = 8
	tagMoreDisplay = 16
)

// queryThreadInfo answers qP<mode:8><ref:16> with
// QP<mode:8><ref:16> followed by <tag:8><length:2><value> for every tag
// in mode.
func (a *Agent) queryThreadInfo(args []byte, reply *wire.Builder) error {
	if a.threads == nil {
		return nil
	}
	if len(args) != 8+threads.RefLen {
		return ErrMalformed
	}
	mode, n := wire.ParseHex(args[:8])
	if n != 8 {
		return ErrMalformed
	}
	ref, ok := parseRef(args[8:])
	if !ok {
		return ErrMalformed
	}
	info, err := a.threads.Info(ref.ID())
	if err != nil {
		return err
	}

	reply.String("QP").HexFixed(mode, 8).HexBytes(ref[:])
	field := func(tag uint64, value string) {
		if mode&tag == 0 {
			return
		}
		if len(value) > 0xff {
			value = value[:0xff]
		}
		reply.HexFixed(tag, 8).Hex8(uint8(len(value))).String(value)
	}
	field(tagThreadID, ref.String())
	exists := "0"
	if info.Exists {
		exists = "1"
	}
	field(tagExists, exists)
	field(tagDisplay, info.Display)
	field(tagName, info.Name)
	field(tagMoreDisplay, info.MoreDisplay)
	return nil
}

func (a *Agent) setGeneralThread(args []byte, reply *wire.Builder) error {
	if a.threads == nil {
		return nil
	}
	ref, ok := parseRef(args)
	if !ok || len(args) != threads.RefLen {
		return ErrMalformed
	}
	if err := a.threads.Select(ref.ID()); err != nil {
		return ErrMalformed
	}
	reply.OK()
	return nil
}

func (a *Agent) queryCRC(args []byte, reply *wire.Builder) error {
	addr, length, rest, err := parseAddrLen(args)
	if err != nil || len(rest) != 0 {
		return ErrMalformed
	}
	crc, err := a.memoryCRC(addr, length)
	if err != nil {
		return &ProtocolError{Cmd: "qCRC", Code: errCodeStub, Err: err}
	}
	reply.Byte('C').HexFixed(uint64(crc), 8)
	return nil
}

func (a *Agent) querySupported(args []byte, reply *wire.Builder) error {
	reply.String("PacketSize=").HexUint(uint64(a.framer.PacketSize()))
	reply.String(";QStartNoAckMode+;swbreak+")
	if a.hooks.Hardware != nil {
		reply.String(";hwbreak+")
	}
	if _, ok := a.adapter.(targetDescriber); ok {
		reply.String(";qXfer:features:read+")
	}
	return nil
}

func (a *Agent) startNoAckMode(args []byte, reply *wire.Builder) error {
	a.framer.DisableAckAfterReply()
	reply.OK()
	return nil
}

func (a *Agent) queryFirstThreadInfo(args []byte, reply *wire.Builder) error {
	if a.threads == nil {
		return nil
	}
	ids, err := a.threads.All()
	if err != nil {
		return err
	}
	a.threadList = ids
	return a.queryNextThreadInfo(nil, reply)
}

func (a *Agent) queryNextThreadInfo(args []byte, reply *wire.Builder) error {
	if a.threads == nil {
		return nil
	}
	if len(a.threadList) == 0 {
		reply.Byte('l')
		return nil
	}
	reply.Byte('m')
	sent := 0
	for i, id := range a.threadList {
		// separator and 8 hex digits
		if reply.Room() < 9 {
			break
		}
		if i > 0 {
			reply.Byte(',')
		}
		reply.HexUint(uint64(uint32(id)))
		sent++
	}
	a.threadList = a.threadList[sent:]
	return nil
}

func (a *Agent) queryThreadExtraInfo(args []byte, reply *wire.Builder) error {
	if a.threads == nil {
		return nil
	}
	id, err := parseThreadID(args)
	if err != nil {
		return err
	}
	info, err := a.threads.Info(id)
	if err != nil {
		return err
	}
	text := info.Display
	if info.Name != "" {
		text = info.Name + " " + text
	}
	reply.HexBytes([]byte(text))
	return nil
}

func (a *Agent) queryOffsets(args []byte, reply *wire.Builder) error {
	reply.String("Text=0;Data=0;Bss=0")
	return nil
}

func (a *Agent) queryAttached(args []byte, reply *wire.Builder) error {
	reply.Byte('1')
	return nil
}

func (a *Agent) querySymbol(args []byte, reply *wire.Builder) error {
	reply.OK()
	return nil
}

type targetDescriber interface {
	TargetDescription() []byte
}

// queryFeatures serves target.xml through qXfer:features:read:annex:offset,length.
func (a *Agent) queryFeatures(args []byte, reply *wire.Builder) error {
	td, ok := a.adapter.(targetDescriber)
	if !ok {
		return nil
	}
	colon := bytes.IndexByte(args, ':')
	if colon < 0 {
		return ErrMalformed
	}
	annex := string(args[:colon])
	if annex != "target.xml" {
		return &ProtocolError{Cmd: "qXfer:features:read:" + strconv.Quote(annex), Code: 0}
	}
	off, length, rest, err := parseAddrLen(args[colon+1:])
	if err != nil || len(rest) != 0 {
		return ErrMalformed
	}
	doc := td.TargetDescription()
	if off >= uint64(len(doc)) {
		reply.Byte('l')
		return nil
	}
	doc = doc[off:]
	// escaping may double the size of every byte
	if max := uint64(reply.Room()-1) / 2; length > max {
		length = max
	}
	if uint64(len(doc)) <= length {
		reply.Byte('l').Binary(doc)
	} else {
		reply.Byte('m').Binary(doc[:length])
	}
	return nil
}
