package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messenger/internal/delivery"
	"messenger/internal/models"
)

// MessageService runs message mutations through the delivery pipeline so
// REST callers and socket callers share one write path.
type MessageService interface {
	Send(ctx context.Context, senderID int, p models.SendMessagePayload, reply delivery.Reply) (models.Message, error)
	Edit(ctx context.Context, userID int, p models.EditMessagePayload, reply delivery.Reply) (models.Message, error)
	Delete(ctx context.Context, userID int, p models.DeleteMessagePayload, reply delivery.Reply) error
}

// MessageHandler exposes message mutations over HTTP.
type MessageHandler struct {
	service MessageService
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(service MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

// PostMessage sends a message into a conversation.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req models.SendMessagePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.ConversationID = conversationID
	req.RecipientID = 0

	msg, err := h.service.Send(c.Request.Context(), c.GetInt("userID"), req, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.Ack{OK: true, TempID: req.TempID, Message: &msg})
}

// EditMessage replaces the text of a message owned by the requester.
func (h *MessageHandler) EditMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.service.Edit(c.Request.Context(), c.GetInt("userID"), models.EditMessagePayload{MessageID: messageID, Text: req.Text}, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage deletes for everyone when for_everyone=true, otherwise hides
// the message for the requester.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}
	forEveryone := false
	if raw := c.Query("for_everyone"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "invalid for_everyone")
			return
		}
		forEveryone = v
	}

	err := h.service.Delete(c.Request.Context(), c.GetInt("userID"), models.DeleteMessagePayload{MessageID: messageID, ForEveryone: forEveryone}, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
