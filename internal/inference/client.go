// Package inference is the client side of the captioning channel.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/wsconn"
	"github.com/sirupsen/logrus"
)

// Handler receives inbound captions in arrival order and the close
// notification.
type Handler struct {
	OnResult func(r models.CaptionResult)
	OnClose  func(err error)
}

// Client is one open inference channel.
type Client struct {
	conn *wsconn.Conn
	log  *logrus.Entry
}

// URL builds /ai?role=client&room={roomId}&token={token}.
func URL(scheme, host, roomID, token string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/ai",
		RawQuery: url.Values{
			"role":  {"client"},
			"room":  {roomID},
			"token": {token},
		}.Encode(),
	}
	return u.String()
}

// Dial opens the inference channel for roomID.
func Dial(ctx context.Context, scheme, host, roomID, token string, h Handler) (*Client, error) {
	c := &Client{
		log: logrus.WithFields(logrus.Fields{"component": "inference", "room_id": roomID}),
	}

	conn, err := wsconn.Dial(ctx, URL(scheme, host, roomID, token), wsconn.Handler{
		OnMessage: func(data []byte) { c.dispatch(data, h.OnResult) },
		OnClose:   h.OnClose,
	}, c.log)
	if err != nil {
		return nil, fmt.Errorf("connect inference: %w", err)
	}
	c.conn = conn
	return c, nil
}

func (c *Client) IsOpen() bool {
	return c != nil && c.conn.IsOpen()
}

// SendFrame sends one hand_landmarks message.
func (c *Client) SendFrame(f models.LandmarkFrame) error {
	data, err := json.Marshal(models.NewHandLandmarksMessage(f))
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.conn.Send(data)
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) dispatch(data []byte, onResult func(models.CaptionResult)) {
	var msg models.AIResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Warn("Ignoring malformed inference message")
		return
	}
	if msg.Type != models.InferenceTypeAIResult {
		c.log.WithField("type", msg.Type).Debug("Ignoring inference message")
		return
	}
	if onResult != nil {
		onResult(msg.Caption())
	}
}
