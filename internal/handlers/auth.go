package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-orchestrator/internal/middleware"
	"github.com/mossy-p/call-orchestrator/internal/models"
	"github.com/sirupsen/logrus"
)

// TokenTTL is how long issued call tokens stay valid.
const TokenTTL = 24 * time.Hour

// IssueToken hands out a bearer token for the requested user id.
// For development deployments: any user id is accepted.
func IssueToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, req.UserID, TokenTTL)
		if err != nil {
			logrus.WithError(err).Error("Failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, models.TokenResponse{
			Token:  token,
			UserID: req.UserID,
		})
	}
}
