package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"messenger/internal/models"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, userA int, userB int) (models.Conversation, error)
	Get(ctx context.Context, conversationID int) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
	ListForUser(ctx context.Context, userID int) ([]models.Conversation, error)
	PeersOf(ctx context.Context, userID int) ([]int, error)
	SetBackground(ctx context.Context, conversationID int, userID int, url *string) (models.Conversation, error)
}

const conversationColumns = `id, user1_id, user2_id, last_message_text, last_message_at, background_url, created_at`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindOrCreate returns the conversation of the unordered pair, creating it on
// first contact. The UNIQUE(user1_id, user2_id) constraint settles concurrent
// creators: the loser's insert is a no-op and it reads the winner's row.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, userA int, userB int) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, ErrSelfConversation
	}
	user1, user2 := models.OrderedPair(userA, userB)

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO NOTHING
        RETURNING `+conversationColumns, user1, user2)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	err = r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE user1_id=$1 AND user2_id=$2`, user1, user2)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("fetch conversation after conflict: %w", err)
	}
	return conv, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, conversationID, userID)
	return exists, err
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations
        WHERE user1_id=$1 OR user2_id=$1
        ORDER BY COALESCE(last_message_at, created_at) DESC, id DESC`, userID)
	return convs, err
}

// PeersOf returns every user that shares a conversation with userID.
func (r *ConversationRepo) PeersOf(ctx context.Context, userID int) ([]int, error) {
	var peers []int
	err := r.db.SelectContext(ctx, &peers, `SELECT CASE WHEN user1_id=$1 THEN user2_id ELSE user1_id END
        FROM conversations WHERE user1_id=$1 OR user2_id=$1`, userID)
	return peers, err
}

// SetBackground updates the conversation background reference.
func (r *ConversationRepo) SetBackground(ctx context.Context, conversationID int, userID int, url *string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `UPDATE conversations SET background_url=$1
        WHERE id=$2 AND (user1_id=$3 OR user2_id=$3)
        RETURNING `+conversationColumns, url, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, conversationID); getErr != nil {
			return models.Conversation{}, getErr
		}
		return models.Conversation{}, ErrNotParticipant
	}
	return conv, err
}
