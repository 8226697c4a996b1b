package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messenger/internal/delivery"
	"messenger/internal/models"
	"messenger/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindOrCreate(ctx context.Context, userA int, userB int) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) PeersOf(ctx context.Context, userID int) ([]int, error) {
	args := m.Called(ctx, userID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

func (m *ConversationRepositoryMock) SetBackground(ctx context.Context, conversationID int, userID int, url *string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, userID, url)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, conversationID int, senderID int, text string, attachments []models.Attachment) (models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, text, attachments)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) Edit(ctx context.Context, messageID int, requesterID int, text string) (models.Message, error) {
	args := m.Called(ctx, messageID, requesterID, text)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) Delete(ctx context.Context, messageID int, requesterID int, forEveryone bool) (models.Message, error) {
	args := m.Called(ctx, messageID, requesterID, forEveryone)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkSeen(ctx context.Context, conversationID int, messageIDs []int, readerID int) ([]int, error) {
	args := m.Called(ctx, conversationID, messageIDs, readerID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

func (m *MessageRepositoryMock) List(ctx context.Context, conversationID int, viewerID int, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, viewerID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ClearHistory(ctx context.Context, conversationID int, userID int) (int, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Int(0), args.Error(1)
}

type UserClientMock struct {
	mock.Mock
}

func (m *UserClientMock) BulkUsers(ctx context.Context, ids []int) ([]models.Profile, error) {
	args := m.Called(ctx, ids)
	var users []models.Profile
	if val := args.Get(0); val != nil {
		users = val.([]models.Profile)
	}
	return users, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (int, error) {
	args := m.Called(ctx, token)
	return args.Int(0), args.Error(1)
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) IsOnline(userID int) bool {
	return m.Called(userID).Bool(0)
}

func (m *PresenceMock) LastSeen(ctx context.Context, userID int) *time.Time {
	args := m.Called(ctx, userID)
	if val := args.Get(0); val != nil {
		return val.(*time.Time)
	}
	return nil
}

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) Send(ctx context.Context, senderID int, p models.SendMessagePayload, reply delivery.Reply) (models.Message, error) {
	args := m.Called(ctx, senderID, p)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageServiceMock) Edit(ctx context.Context, userID int, p models.EditMessagePayload, reply delivery.Reply) (models.Message, error) {
	args := m.Called(ctx, userID, p)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageServiceMock) Delete(ctx context.Context, userID int, p models.DeleteMessagePayload, reply delivery.Reply) error {
	return m.Called(ctx, userID, p).Error(0)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
