package bridge

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Not defined by RFC 6455 but widely used by gateways for upstream failures.
const CloseBadGateway = 1014

const (
	closeWriteWait = 5 * time.Second
	// Bounds a data write to a peer that has stopped reading
	frameWriteWait = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the bridge relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Frame is one WebSocket data message, relayed without inspection.
type Frame struct {
	MessageType int
	Data        []byte
}

// closeCodeFor picks the close code to send to a peer after its counterpart
// closed with err. Codes that must not appear on the wire become 1000.
func closeCodeFor(err error) (int, string) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return websocket.CloseNormalClosure, ""
	}
	switch closeErr.Code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseNormalClosure, ""
	}
	return closeErr.Code, closeErr.Text
}

func writeFrame(c Conn, frame Frame) error {
	if err := c.SetWriteDeadline(time.Now().Add(frameWriteWait)); err != nil {
		return err
	}
	return c.WriteMessage(frame.MessageType, frame.Data)
}

func isCloseFrame(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// gracefulClose sends a close frame before dropping the connection. Errors
// are expected when the peer is already gone and are returned for logging.
func gracefulClose(c Conn, code int, text string) error {
	// control frame payloads are limited to 125 bytes, two of which hold the code
	if len(text) > 123 {
		text = text[:123]
	}
	writeErr := c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWriteWait))
	closeErr := c.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return closeErr
}

// terminate drops the connection without a close handshake.
func terminate(c Conn) error {
	return c.Close()
}
