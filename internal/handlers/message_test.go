package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger/internal/delivery"
	"messenger/internal/mocks"
	"messenger/internal/models"
	"messenger/internal/repositories"
)

func newMessageRouter() (*gin.Engine, *mocks.MessageServiceMock) {
	service := new(mocks.MessageServiceMock)
	h := NewMessageHandler(service)
	r := setupRouter(func(r *gin.Engine) {
		r.POST("/conversations/:id/messages", h.PostMessage)
		r.PATCH("/messages/:id", h.EditMessage)
		r.DELETE("/messages/:id", h.DeleteMessage)
	})
	return r, service
}

func TestPostMessageUsesPathConversation(t *testing.T) {
	r, service := newMessageRouter()
	want := models.SendMessagePayload{ConversationID: 4, TempID: "t1", Text: "hello"}
	service.On("Send", mock.Anything, 1, want).Return(models.Message{ID: 10, ConversationID: 4, Text: "hello"}, nil).Once()

	rec := serve(r, http.MethodPost, "/conversations/4/messages", map[string]any{
		"tempId": "t1", "text": "hello", "recipientId": 77,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var ack models.Ack
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "t1", ack.TempID)
	assert.Equal(t, 10, ack.Message.ID)
	service.AssertExpectations(t)
}

func TestPostMessageMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{repositories.ErrNotParticipant, http.StatusForbidden},
		{repositories.ErrConversationNotFound, http.StatusNotFound},
		{&models.ValidationError{Issues: []models.ValidationIssue{{Field: "text", Reason: "required"}}}, http.StatusBadRequest},
		{delivery.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r, service := newMessageRouter()
		service.On("Send", mock.Anything, 1, mock.Anything).Return(nil, tc.err).Once()
		rec := serve(r, http.MethodPost, "/conversations/4/messages", map[string]string{"text": "x"})
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestEditMessage(t *testing.T) {
	r, service := newMessageRouter()
	service.On("Edit", mock.Anything, 1, models.EditMessagePayload{MessageID: 8, Text: "fixed"}).
		Return(models.Message{ID: 8, Text: "fixed"}, nil).Once()
	service.On("Edit", mock.Anything, 1, models.EditMessagePayload{MessageID: 9, Text: "nope"}).
		Return(nil, repositories.ErrNotSender).Once()

	rec := serve(r, http.MethodPatch, "/messages/8", map[string]string{"text": "fixed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, http.MethodPatch, "/messages/9", map[string]string{"text": "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(models.CodeForbidden), body["code"])
}

func TestDeleteMessage(t *testing.T) {
	r, service := newMessageRouter()
	service.On("Delete", mock.Anything, 1, models.DeleteMessagePayload{MessageID: 8, ForEveryone: true}).Return(nil).Once()
	service.On("Delete", mock.Anything, 1, models.DeleteMessagePayload{MessageID: 8}).Return(nil).Once()

	rec := serve(r, http.MethodDelete, "/messages/8?for_everyone=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(r, http.MethodDelete, "/messages/8", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(r, http.MethodDelete, "/messages/8?for_everyone=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	service.AssertExpectations(t)
}
