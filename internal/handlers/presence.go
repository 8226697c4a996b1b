package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messenger/internal/models"
)

// PresenceHandler answers presence lookups.
type PresenceHandler struct {
	presence PresenceReader
}

func NewPresenceHandler(presence PresenceReader) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// GetPresence returns whether a user is online and, when offline, when they
// were last seen.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	online := h.presence.IsOnline(userID)
	resp := models.Presence{UserID: userID, Online: online}
	if !online {
		resp.LastSeenAt = h.presence.LastSeen(c.Request.Context(), userID)
	}
	c.JSON(http.StatusOK, resp)
}
