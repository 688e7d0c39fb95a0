package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-delve/gdbstub/pkg/logflags"
)

// wsListener accepts host connections as websocket upgrades on any path.
// Every binary or text message carries a piece of the byte stream.
type wsListener struct {
	l        net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    chan *wsConn
	done     chan struct{}
	once     sync.Once
	log      logflags.Logger
}

// ListenWebsocket serves websocket upgrades on addr.
func ListenWebsocket(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wl := &wsListener{
		l: l,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(chan *wsConn),
		done:  make(chan struct{}),
		log:   logflags.GdbWireLogger(),
	}
	wl.srv = &http.Server{
		Handler:           http.HandlerFunc(wl.handleUpgrade),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := wl.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wl.log.Errorf("websocket server: %v", err)
		}
	}()
	return wl, nil
}

func (wl *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wl.log.Errorf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := newWSConn(ws)
	select {
	case wl.conns <- c:
		wl.log.Infof("host connected from %s", r.RemoteAddr)
	case <-wl.done:
		c.Close()
	}
}

func (wl *wsListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-wl.conns:
		return c, nil
	case <-wl.done:
		return nil, ErrClosed
	}
}

func (wl *wsListener) Addr() string {
	return wl.l.Addr().String()
}

func (wl *wsListener) Close() error {
	wl.once.Do(func() { close(wl.done) })
	return wl.srv.Close()
}

// wsConn turns a websocket connection into a byte stream. Messages are
// received by a separate goroutine so that reads can time out without
// breaking the connection, gorilla connections can not be read again
// after a read deadline expired.
type wsConn struct {
	ws *websocket.Conn

	msgs chan []byte
	errc chan error
	buf  []byte
	err  error

	dlMu     sync.Mutex
	deadline time.Time

	wmu sync.Mutex

	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		msgs: make(chan []byte, 16),
		errc: make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.errc <- err
			close(c.msgs)
			return
		}
		if len(msg) > 0 {
			c.msgs <- msg
		}
	}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		c.dlMu.Lock()
		deadline := c.deadline
		c.dlMu.Unlock()
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			t := time.NewTimer(d)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case msg, ok := <-c.msgs:
			if !ok {
				c.err = <-c.errc
				if websocket.IsCloseError(c.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.err = io.EOF
				}
				return 0, c.err
			}
			c.buf = msg
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadDeadline sets the deadline of future Read calls.
func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.dlMu.Lock()
	c.deadline = t
	c.dlMu.Unlock()
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}
