// Package wsconn is the client half of a JSON-over-websocket channel: one
// reader delivering frames in arrival order and one writer with keepalive.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ErrClosed is returned by Send once the channel is no longer open.
var ErrClosed = errors.New("channel closed")

// Handler receives channel events. OnOpen runs before the first frame is
// read. OnMessage is invoked from a single goroutine, one frame at a time, in
// arrival order. OnClose fires once.
type Handler struct {
	OnOpen    func(c *Conn)
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Conn is one open websocket channel.
type Conn struct {
	conn    *websocket.Conn
	send    chan []byte
	handler Handler
	log     *logrus.Entry

	open      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a channel to rawURL and starts its pumps.
func Dial(ctx context.Context, rawURL string, h Handler, log *logrus.Entry) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Conn{
		conn:    ws,
		send:    make(chan []byte, sendBuffer),
		handler: h,
		log:     log,
		done:    make(chan struct{}),
	}
	c.open.Store(true)
	if h.OnOpen != nil {
		h.OnOpen(c)
	}

	go c.writePump()
	go c.readPump()
	return c, nil
}

// IsOpen reports whether Send would currently be accepted.
func (c *Conn) IsOpen() bool {
	return c != nil && c.open.Load()
}

// Send queues one text frame.
func (c *Conn) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close shuts the channel down. Safe to call more than once.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
	})
}

func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.shutdown()
		c.conn.Close()
		if c.handler.OnClose != nil {
			c.handler.OnClose(readErr)
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("Channel closed unexpectedly")
				readErr = err
			}
			return
		}

		if c.handler.OnMessage != nil {
			c.handler.OnMessage(message)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message")
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close, so a final message such as
// end_call still leaves.
func (c *Conn) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
