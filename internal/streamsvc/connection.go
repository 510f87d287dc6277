package streamsvc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/neuroplastio/mousetrail/internal/subsvc"
)

var errNotActive = errors.New("connection is not active")

const closeGracePeriod = 100 * time.Millisecond

// connection is one WebSocket client. Every connection gets a fresh ID, so a
// client that reconnects is a new subscriber.
type connection struct {
	id        uuid.UUID
	conn      *websocket.Conn
	lifecycle *subsvc.Lifecycle

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn) *connection {
	return &connection{
		id:        uuid.New(),
		conn:      conn,
		lifecycle: subsvc.NewLifecycle(),
	}
}

func (c *connection) ID() uuid.UUID {
	return c.id
}

// Send writes msg as one text frame. The write is abandoned at ctx's deadline.
func (c *connection) Send(ctx context.Context, msg []byte) error {
	if c.lifecycle.State() != subsvc.StateActive {
		return errNotActive
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close marks the connection disconnected and closes the socket. It is safe to
// call from the broadcaster and the read loop alike.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.lifecycle.Transition(subsvc.StateDisconnected)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(closeGracePeriod),
		)
		err = c.conn.Close()
	})
	return err
}
