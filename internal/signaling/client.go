// Package signaling is the per-room call signaling channel client.
package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/wsconn"
	"github.com/sirupsen/logrus"
)

// Subscriber receives the open notification, decoded messages in arrival
// order and the disconnect notification. Implementations must not block for
// long: the next message waits until OnSignal returns.
type Subscriber interface {
	OnOpen()
	OnSignal(msg models.SignalMessage)
	OnDisconnect(err error)
}

// Client owns the signaling channel of one call room. It never reconnects.
type Client struct {
	host   string
	scheme string
	log    *logrus.Entry

	mu          sync.RWMutex
	conn        *wsconn.Conn
	subscribers []Subscriber
}

// New creates a client for host (e.g. "calls.example.com") using scheme ws or wss.
func New(scheme, host string) *Client {
	return &Client{
		host:   host,
		scheme: scheme,
		log:    logrus.WithField("component", "signaling"),
	}
}

// Subscribe registers s for every subsequent message.
func (c *Client) Subscribe(s Subscriber) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, s)
	c.mu.Unlock()
}

// URL builds /ws/call/{roomId}/?user_id={id}.
func URL(scheme, host, roomID, userID string) string {
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/ws/call/" + url.PathEscape(roomID) + "/",
		RawQuery: url.Values{"user_id": {userID}}.Encode(),
	}
	return u.String()
}

// Connect opens the channel for roomID as userID.
func (c *Client) Connect(ctx context.Context, roomID, userID string) error {
	c.log = c.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

	_, err := wsconn.Dial(ctx, URL(c.scheme, c.host, roomID, userID), wsconn.Handler{
		OnOpen:    c.opened,
		OnMessage: c.dispatch,
		OnClose:   c.disconnected,
	}, c.log)
	if err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	return nil
}

func (c *Client) opened(conn *wsconn.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("Signaling channel open")
	for _, s := range c.snapshot() {
		s.OnOpen()
	}
}

// IsOpen reports whether the channel currently accepts sends.
func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.IsOpen()
}

// Send transmits msg if the channel is open. Otherwise the message is
// dropped and logged; there is no buffering or retry. Returns whether the
// message was handed to the channel.
func (c *Client) Send(msg models.SignalMessage) bool {
	data, err := models.EncodeSignal(msg)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode signal")
		return false
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if err := conn.Send(data); err != nil {
		c.log.WithFields(logrus.Fields{
			"type":  msg.SignalType(),
			"error": err.Error(),
		}).Warn("Signaling unavailable, message dropped")
		return false
	}
	return true
}

// Close closes the channel. Subscribers still receive OnDisconnect.
func (c *Client) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	return conn.Close()
}

func (c *Client) dispatch(data []byte) {
	msg, err := models.DecodeSignal(data)
	if err != nil {
		c.log.WithError(err).Warn("Ignoring malformed signal")
		return
	}

	for _, s := range c.snapshot() {
		s.OnSignal(msg)
	}
}

func (c *Client) disconnected(err error) {
	c.log.Info("Signaling channel closed")
	for _, s := range c.snapshot() {
		s.OnDisconnect(err)
	}
}

func (c *Client) snapshot() []Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subs := make([]Subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	return subs
}
