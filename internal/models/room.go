package models

import "time"

// MaxParticipants is the room size accepted by the relay.
const MaxParticipants = 2

// EndCallRequest is the body of POST /api/calls/end/
type EndCallRequest struct {
	RoomID string `json:"room_id" binding:"required"`
}

// CallRecord is the audit entry kept by the relay for an ended call.
type CallRecord struct {
	ID      string    `json:"id"`
	RoomID  string    `json:"room_id"`
	EndedBy string    `json:"ended_by"`
	EndedAt time.Time `json:"ended_at"`
}

// TokenRequest asks the relay for a development bearer token.
type TokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}
