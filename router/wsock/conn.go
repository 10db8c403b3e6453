package wsock

import (
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// wsConn serializes writes onto a single *websocket.Conn (gorilla
// connections are not safe for concurrent writers) and fans reads out
// through onFrame until the socket closes or Close is called.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Once
	closed  chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, closed: make(chan struct{})}
}

func (c *wsConn) send(f *frame) error {
	raw, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, raw)
}

// readLoop blocks reading frames until the connection errors or
// closes, invoking onFrame for every well-formed frame received. It
// always returns on exit, after which the caller should treat the
// peer as gone.
func (c *wsConn) readLoop(onFrame func(*frame)) {
	defer close(c.closed)
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugf("wsock: read loop exiting: %s", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(raw)
		if err != nil {
			log.Errorf("wsock: dropping malformed frame: %s", err)
			continue
		}
		onFrame(f)
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Done returns a channel closed once the read loop has exited.
func (c *wsConn) Done() <-chan struct{} {
	return c.closed
}
