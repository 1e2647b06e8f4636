package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/services"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// PresenceHandler serves read-only presence queries and the contact-cache
// invalidation hook for the contact-management collaborator
type PresenceHandler struct {
	presence *services.PresenceStore
	registry *services.Registry
	logger   *utils.Logger
}

func NewPresenceHandler(presence *services.PresenceStore, registry *services.Registry, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence: presence,
		registry: registry,
		logger:   logger,
	}
}

// GetStatus handles GET /api/v1/presence/status?user_id=...
func (ph *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id parameter is required",
		})
		return
	}

	record := ph.presence.Get(c.Request.Context(), userID)
	if record == nil {
		// No record means offline, not an error
		c.JSON(http.StatusOK, models.PresenceRecord{
			UserID: userID,
			Status: models.StatusOffline,
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

type bulkPresenceRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

// GetBulk handles POST /api/v1/presence/bulk
func (ph *PresenceHandler) GetBulk(c *gin.Context) {
	var req bulkPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_ids is required",
		})
		return
	}

	records := ph.presence.GetBulk(c.Request.Context(), req.UserIDs)

	presences := make([]models.PresenceRecord, 0, len(records))
	for _, record := range records {
		presences = append(presences, record)
	}

	c.JSON(http.StatusOK, models.PresenceBulkPayload{Presences: presences})
}

// GetContacts handles GET /api/v1/presence/contacts — the caller's cached
// contact list with each contact's current presence
func (ph *PresenceHandler) GetContacts(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	contacts := ph.presence.GetContacts(c.Request.Context(), userID.(string))
	records := ph.presence.GetBulk(c.Request.Context(), contacts)

	presences := make([]models.PresenceRecord, 0, len(records))
	for _, record := range records {
		presences = append(presences, record)
	}

	c.JSON(http.StatusOK, gin.H{
		"contacts":  contacts,
		"presences": presences,
	})
}

// InvalidateContacts handles POST /api/v1/presence/contacts/invalidate.
// Contact-relationship mutations (add/remove/block) call this so the cache
// never outlives the relation by more than one request.
func (ph *PresenceHandler) InvalidateContacts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id parameter is required",
		})
		return
	}

	ph.presence.InvalidateContacts(c.Request.Context(), userID)
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

// ForceDisconnect handles POST /api/v1/sessions/disconnect — administrative
// eviction of every session of a user
func (ph *PresenceHandler) ForceDisconnect(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id parameter is required",
		})
		return
	}

	reason := c.DefaultQuery("reason", "disconnected by server")
	terminated := ph.registry.ForceDisconnect(userID, reason)

	c.JSON(http.StatusOK, gin.H{"terminated": terminated})
}

// Metrics handles GET /metrics — the registry's running connection counters
func (ph *PresenceHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, ph.registry.Metrics().Snapshot())
}
