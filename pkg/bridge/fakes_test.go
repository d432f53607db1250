package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var errClosedConn = errors.New("use of closed network connection")

type readResult struct {
	msgType int
	data    []byte
	err     error
}

type fakeConn struct {
	mu         sync.Mutex
	incoming   chan readResult
	written    []Frame
	closeCodes []int
	closed     chan struct{}
	closeOnce  sync.Once
	writeErr   error
	writes     chan Frame

	// Writes hang until Close, like a peer that stopped reading
	stallWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan readResult, 64),
		closed:   make(chan struct{}),
		writes:   make(chan Frame, 64),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.incoming:
		return r.msgType, r.data, r.err
	case <-c.closed:
		return 0, nil, errClosedConn
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	if c.stallWrites {
		c.mu.Unlock()
		<-c.closed
		return errClosedConn
	}
	defer c.mu.Unlock()
	if c.isClosed() {
		return errClosedConn
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	frame := Frame{MessageType: messageType, Data: append([]byte(nil), data...)}
	c.written = append(c.written, frame)
	c.writes <- frame
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return errClosedConn
	}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCodes = append(c.closeCodes, int(binary.BigEndian.Uint16(data)))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stallWrites = true
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sendText(s string) {
	c.incoming <- readResult{msgType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) sendBinary(b []byte) {
	c.incoming <- readResult{msgType: websocket.BinaryMessage, data: b}
}

func (c *fakeConn) sendClose(code int, text string) {
	c.incoming <- readResult{err: &websocket.CloseError{Code: code, Text: text}}
}

func (c *fakeConn) sendError(err error) {
	c.incoming <- readResult{err: err}
}

func (c *fakeConn) writtenFrames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

func (c *fakeConn) sentCloseCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeCodes...)
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func (c *fakeConn) nextWrite(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-c.writes:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a written frame")
		return Frame{}
	}
}

type dialRequest struct {
	target string
	token  string
}

// fakeDialer blocks each Dial until the test releases it, so frames sent
// during the handshake can be observed.
type fakeDialer struct {
	requests chan dialRequest
	results  chan dialResult

	// Simulates a handshake that completes even though the session gave up on it
	ignoreCancel bool
}

type dialResult struct {
	conn Conn
	err  error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		requests: make(chan dialRequest, 4),
		results:  make(chan dialResult, 4),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, target string, bearerToken string) (Conn, error) {
	d.requests <- dialRequest{target: target, token: bearerToken}
	if d.ignoreCancel {
		r := <-d.results
		return r.conn, r.err
	}
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) nextRequest(t *testing.T) dialRequest {
	t.Helper()
	select {
	case r := <-d.requests:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return dialRequest{}
	}
}

func (d *fakeDialer) succeed(conn Conn) {
	d.results <- dialResult{conn: conn}
}

func (d *fakeDialer) fail(err error) {
	d.results <- dialResult{err: err}
}
