package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/services"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// StatusHandler exposes the delivery tracker to the messaging collaborator
type StatusHandler struct {
	tracker *services.StatusTracker
	fanout  *services.Fanout
	logger  *utils.Logger
}

func NewStatusHandler(tracker *services.StatusTracker, fanout *services.Fanout, logger *utils.Logger) *StatusHandler {
	return &StatusHandler{
		tracker: tracker,
		fanout:  fanout,
		logger:  logger,
	}
}

type createStatusRequest struct {
	MessageID    string   `json:"message_id" binding:"required"`
	RecipientIDs []string `json:"recipient_ids"`
}

// CreateInitial handles POST /api/v1/messages/status — called at send time
// with every participant except the sender
func (sh *StatusHandler) CreateInitial(c *gin.Context) {
	var req createStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := sh.tracker.CreateInitial(c.Request.Context(), req.MessageID, req.RecipientIDs); err != nil {
		sh.logger.Error("Failed to create status entries", "message_id", req.MessageID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create status entries",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "created"})
}

type advanceStatusRequest struct {
	MessageIDs []string              `json:"message_ids" binding:"required"`
	Status     models.DeliveryStatus `json:"status" binding:"required"`
}

// Advance handles POST /api/v1/messages/status/advance for the
// authenticated recipient, then notifies each sender's sessions of the
// progression
func (sh *StatusHandler) Advance(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req advanceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "message_ids and status are required",
		})
		return
	}
	if req.Status != models.DeliveryDelivered && req.Status != models.DeliveryRead {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be delivered or read",
		})
		return
	}

	changed, err := sh.tracker.Advance(c.Request.Context(), req.MessageIDs, userID.(string), req.Status)
	if err != nil {
		sh.logger.Error("Failed to advance message status", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to advance message status",
		})
		return
	}

	if changed > 0 {
		sh.notifySenders(c, req.MessageIDs, userID.(string), req.Status)
	}

	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// notifySenders pushes a status-change event to the senders of the
// affected messages, best effort
func (sh *StatusHandler) notifySenders(c *gin.Context, messageIDs []string, userID string, status models.DeliveryStatus) {
	senders, err := sh.tracker.SendersFor(c.Request.Context(), messageIDs)
	if err != nil {
		sh.logger.Warn("Failed to resolve senders for notification", "error", err)
		return
	}

	event := models.NewEvent("message:status", gin.H{
		"message_ids": messageIDs,
		"user_id":     userID,
		"status":      status,
	})
	for _, senderID := range senders {
		sh.fanout.Publish(senderID, event)
	}
}

// MarkConversationRead handles POST /api/v1/conversations/:id/read
func (sh *StatusHandler) MarkConversationRead(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	conversationID := c.Param("id")

	changed, err := sh.tracker.MarkConversationRead(c.Request.Context(), conversationID, userID.(string))
	if err != nil {
		sh.logger.Error("Failed to mark conversation read", "conversation_id", conversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to mark conversation read",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// Counts handles GET /api/v1/messages/:id/status
func (sh *StatusHandler) Counts(c *gin.Context) {
	messageID := c.Param("id")

	counts, err := sh.tracker.CountsFor(c.Request.Context(), messageID)
	if err != nil {
		sh.logger.Error("Failed to count message status", "message_id", messageID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count message status",
		})
		return
	}

	c.JSON(http.StatusOK, counts)
}
