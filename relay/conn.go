package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal transport capability the relay needs from a
// bidirectional message channel. The registry and the routing code depend
// only on this interface, so the relay works the same whether the socket is
// driven by an externally-owned accept loop or a self-hosted one.
//
// A Conn is exclusively owned by the receive loop that accepted it; the
// registry holds a non-owning reference used for lookup only.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the connection
	// closes, in which case it returns an error.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a single frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close sends a close frame with the given status code and reason and
	// tears the connection down.
	Close(code int, reason string) error
}

// wsConn adapts a gorilla websocket connection to Conn. All writes,
// including control frames from the keepalive goroutine, are serialized
// through mu.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}
