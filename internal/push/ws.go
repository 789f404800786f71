// ABOUTME: adapts a coder/websocket connection to the hub's Conn interface
// ABOUTME: frames go out as text messages, close reasons ride the close frame

package push

import (
	"context"

	"github.com/coder/websocket"
)

type wsConn struct {
	ws *websocket.Conn
}

// NewWSConn wraps a websocket connection for use with the hub.
func NewWSConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.ws.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.ws.Close(websocket.StatusNormalClosure, reason)
}

// ClientClosed reports whether err is the peer closing its end, as
// opposed to a transport failure worth logging.
func ClientClosed(err error) bool {
	return websocket.CloseStatus(err) != -1
}
