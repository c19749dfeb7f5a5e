// Package api talks to the REST side of the call backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/sirupsen/logrus"
)

// Client posts call lifecycle events with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// EndCall reports the hangup of roomID.
func (c *Client) EndCall(ctx context.Context, roomID string) error {
	if err := c.post(ctx, "/api/calls/end/", models.EndCallRequest{RoomID: roomID}, nil); err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return nil
}

// IssueToken asks the relay for a bearer token for userID.
func (c *Client) IssueToken(ctx context.Context, userID string) (string, error) {
	var resp models.TokenResponse
	if err := c.post(ctx, "/api/auth/token", models.TokenRequest{UserID: userID}, &resp); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return resp.Token, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// EndCallAsync fires EndCall in the background; failures are only logged.
func (c *Client) EndCallAsync(roomID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.EndCall(ctx, roomID); err != nil {
			logrus.WithFields(logrus.Fields{
				"room_id": roomID,
				"error":   err.Error(),
			}).Warn("Failed to report call end")
		}
	}()
}
