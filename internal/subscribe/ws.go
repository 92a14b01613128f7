package subscribe

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to the Conn interface, following the
// teacher's WSClient: ReadJSON/WriteJSON become raw ReadMessage/
// WriteMessage text frames, and websocket.IsCloseError classifies a
// normal close so Run does not log it as an error.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadText() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errClosed
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) WriteText(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

type closedErr struct{}

func (closedErr) Error() string { return "connection closed" }

var errClosed = closedErr{}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades an incoming HTTP request to a WebSocket and runs a
// Session for its lifetime. newSession builds a fresh Session per
// connection (so per-connection auth/subscription state is never
// shared), typically closing over the shared Store/Bus/Limiter/Ingestor.
func Handler(log *slog.Logger, newSession func(Conn, *http.Request) *Session) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("subscribe: upgrade failed", "error", err)
			return
		}
		conn.SetReadDeadline(time.Time{})

		sess := newSession(&wsConn{conn: conn}, r)
		if err := sess.Run(r.Context()); err != nil && err != errClosed {
			log.Debug("subscribe: session ended", "error", err)
		}
	}
}
