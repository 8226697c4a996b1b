package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"messenger/internal/models"
	"messenger/internal/repositories"
	"messenger/internal/telemetry"
)

// ProfileLookup resolves user profiles from the user service.
type ProfileLookup interface {
	BulkUsers(ctx context.Context, ids []int) ([]models.Profile, error)
}

// PresenceReader answers presence queries.
type PresenceReader interface {
	IsOnline(userID int) bool
	LastSeen(ctx context.Context, userID int) *time.Time
}

// ConversationHandler serves conversation lists and history.
type ConversationHandler struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	profiles      ProfileLookup
	presence      PresenceReader
	audit         *telemetry.AuditEmitter
	historyLimit  int
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations repositories.ConversationRepository, messages repositories.MessageRepository, profiles ProfileLookup, presence PresenceReader, audit *telemetry.AuditEmitter, historyLimit int) *ConversationHandler {
	if historyLimit <= 0 {
		historyLimit = repositories.DefaultListLimit
	}
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		presence:      presence,
		audit:         audit,
		historyLimit:  historyLimit,
	}
}

// ListConversations returns the conversations of the authenticated user,
// most recently active first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	convs, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	summaries := make([]models.ConversationSummary, 0, len(convs))
	peerIDs := make([]int, 0, len(convs))
	for _, conv := range convs {
		summary := conv.Summarize(userID)
		summary.PeerOnline = h.presence.IsOnline(summary.PeerID)
		summaries = append(summaries, summary)
		peerIDs = append(peerIDs, summary.PeerID)
	}
	h.decorate(c.Request.Context(), summaries, peerIDs)

	c.JSON(http.StatusOK, gin.H{"conversations": summaries})
}

// OpenConversation returns the conversation with another user, creating it on
// first contact.
func (h *ConversationHandler) OpenConversation(c *gin.Context) {
	var req struct {
		UserID int `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.conversations.FindOrCreate(c.Request.Context(), userID, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	summary := conv.Summarize(userID)
	summary.PeerOnline = h.presence.IsOnline(summary.PeerID)
	summaries := []models.ConversationSummary{summary}
	h.decorate(c.Request.Context(), summaries, []int{summary.PeerID})
	c.JSON(http.StatusOK, summaries[0])
}

// decorate fills peer names. A user-service outage degrades the list rather
// than failing it.
func (h *ConversationHandler) decorate(ctx context.Context, summaries []models.ConversationSummary, peerIDs []int) {
	if h.profiles == nil || len(peerIDs) == 0 {
		return
	}
	profiles, err := h.profiles.BulkUsers(ctx, peerIDs)
	if err != nil {
		log.WithError(err).Warn("load peer profiles")
		return
	}
	byID := make(map[int]models.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	for i := range summaries {
		if p, ok := byID[summaries[i].PeerID]; ok {
			summaries[i].PeerName = p.DisplayName
			summaries[i].PeerAvatarURL = p.AvatarURL
		}
	}
}

// GetMessages returns the latest messages of a conversation in creation
// order, as seen by the requester. Clients call it whenever they open a
// conversation.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	userID := c.GetInt("userID")
	if _, err := h.participantOf(c.Request.Context(), conversationID, userID); err != nil {
		writeError(c, err)
		return
	}

	msgs, err := h.messages.List(c.Request.Context(), conversationID, userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ClearHistory hides every message of the conversation for the requester.
// The conversation itself and the peer's history are kept.
func (h *ConversationHandler) ClearHistory(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	cleared, err := h.messages.ClearHistory(c.Request.Context(), conversationID, userID)
	if err != nil {
		writeError(c, err)
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", "conversation.history_cleared", requestIDFromContext(c), userIDFromContext(c), map[string]any{
		"conversation_id": conversationID,
		"messages":        cleared,
	})
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// SetBackground updates the conversation background reference. An empty url
// removes it.
func (h *ConversationHandler) SetBackground(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var url *string
	if req.URL != "" {
		url = &req.URL
	}

	conv, err := h.conversations.SetBackground(c.Request.Context(), conversationID, c.GetInt("userID"), url)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv.Summarize(c.GetInt("userID")))
}

func (h *ConversationHandler) participantOf(ctx context.Context, conversationID, userID int) (models.Conversation, error) {
	conv, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, repositories.ErrNotParticipant
	}
	return conv, nil
}
