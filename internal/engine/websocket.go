package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocket is a Transport over a gorilla websocket connection. Writes are
// serialised; reads happen on the caller of Receive.
type WebSocket struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a websocket transport to url.
func Dial(ctx context.Context, url string, header http.Header) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Send writes payload as one text message.
func (w *WebSocket) Send(ctx context.Context, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Receive blocks until the next message. Closing the transport unblocks it.
func (w *WebSocket) Receive(context.Context) ([]byte, error) {
	for {
		kind, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return payload, nil
		}
	}
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The peer may already be gone; the close frame is best effort.
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}
