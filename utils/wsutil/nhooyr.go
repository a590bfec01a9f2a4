package wsutil

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// NhooyrConn is an alternative Connection driver built on nhooyr.io/websocket.
// Pass it to NewCustom to use it over the default gorilla driver. Its reads
// are context-native, so closing cancels any pending read directly.
type NhooyrConn struct {
	mutex sync.Mutex

	Conn *websocket.Conn

	events chan Event
	cancel context.CancelFunc
}

var _ Connection = (*NhooyrConn)(nil)

// NewNhooyrConn creates a new undialed nhooyr websocket connection.
func NewNhooyrConn() *NhooyrConn {
	return &NhooyrConn{}
}

func (c *NhooyrConn) Dial(ctx context.Context, addr string) error {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial WS")
	}

	conn.SetReadLimit(int64(MaxCapUntilReset))

	readCtx, cancel := context.WithCancel(context.Background())

	events := make(chan Event, WSBuffer)
	go nhooyrReadLoop(readCtx, conn, events)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.Conn = conn
	c.events = events
	c.cancel = cancel

	return nil
}

func (c *NhooyrConn) Listen() <-chan Event {
	return c.events
}

func (c *NhooyrConn) Send(ctx context.Context, b []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.Conn == nil {
		return ErrWebsocketClosed
	}

	return c.Conn.Write(ctx, websocket.MessageText, b)
}

func (c *NhooyrConn) Close(r CloseReason) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.Conn == nil {
		return ErrWebsocketClosed
	}

	// The close frame carries the reason; the read loop unblocks on its own
	// once the connection dies.
	err := c.Conn.Close(websocket.StatusCode(r.Code), r.Reason)
	c.cancel()

	// Flush all events before closing the channel.
	for range c.events {
	}

	c.Conn = nil

	return err
}

func nhooyrReadLoop(ctx context.Context, conn *websocket.Conn, eventCh chan<- Event) {
	// Clean up the events channel in the end.
	defer close(eventCh)

	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			// A cancelled context means the connection was closed on our end.
			if ctx.Err() != nil {
				return
			}

			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				return
			}

			eventCh <- Event{nil, errors.Wrap(err, "WS error")}
			return
		}

		// If the payload length is 0, skip it.
		if len(b) == 0 {
			continue
		}

		eventCh <- Event{b, nil}
	}
}
