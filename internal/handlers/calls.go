package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/call-orchestrator/internal/middleware"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/mossy-p/call-orchestrator/internal/redis"
	"github.com/sirupsen/logrus"
)

// CallStatus is the response of GET /api/calls/:roomId
type CallStatus struct {
	RoomID       string             `json:"room_id"`
	Participants []string           `json:"participants"`
	Ended        *models.CallRecord `json:"ended,omitempty"`
}

// EndCall records that the authenticated user hung up (requires JWT) and
// tells the other participant, if still connected here.
func (h *Hub) EndCall(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.EndCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec := models.CallRecord{
		ID:      uuid.New().String(),
		RoomID:  req.RoomID,
		EndedBy: userID,
		EndedAt: time.Now().UTC(),
	}
	if err := h.store.SaveCallRecord(c.Request.Context(), rec); err != nil {
		h.log.WithError(err).WithField("room_id", req.RoomID).Error("Failed to store call record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end call"})
		return
	}

	h.notifyEnded(req.RoomID, userID)
	h.log.WithFields(logrus.Fields{"room_id": req.RoomID, "user_id": userID}).Info("Call ended")

	c.JSON(http.StatusOK, rec)
}

// GetCall returns who is in a call and, once it is over, how it ended.
func (h *Hub) GetCall(c *gin.Context) {
	roomID := c.Param("roomId")
	ctx := c.Request.Context()

	participants, err := h.store.Participants(ctx, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
		return
	}

	status := CallStatus{RoomID: roomID, Participants: participants}
	rec, err := h.store.CallRecord(ctx, roomID)
	switch {
	case err == nil:
		status.Ended = rec
	case errors.Is(err, redis.ErrNotFound):
		if len(participants) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
		return
	}

	if status.Participants == nil {
		status.Participants = []string{}
	}
	c.JSON(http.StatusOK, status)
}
