package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/skaldhq/skald/internal/session"
	"github.com/skaldhq/skald/pkg/types"
)

// deliverTimeout bounds a single outbound write so one stalled client
// cannot wedge the delivery path.
const deliverTimeout = 10 * time.Second

// wsConn adapts a websocket connection to the registry's [session.Conn]
// contract. Outbound events go out as JSON text frames.
type wsConn struct {
	conn *websocket.Conn
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Deliver marshals the event and writes it as one text frame.
func (c *wsConn) Deliver(ctx context.Context, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write event: %w", err)
	}
	return nil
}

// Close closes the websocket with a normal closure status.
func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "session closed")
}
