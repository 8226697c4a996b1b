package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messenger/internal/models"
)

// MessageRepository is the single authoritative write path for messages.
type MessageRepository interface {
	Append(ctx context.Context, conversationID int, senderID int, text string, attachments []models.Attachment) (models.Message, error)
	Get(ctx context.Context, messageID int) (models.Message, error)
	Edit(ctx context.Context, messageID int, requesterID int, text string) (models.Message, error)
	Delete(ctx context.Context, messageID int, requesterID int, forEveryone bool) (models.Message, error)
	MarkSeen(ctx context.Context, conversationID int, messageIDs []int, readerID int) ([]int, error)
	List(ctx context.Context, conversationID int, viewerID int, limit int) ([]models.Message, error)
	ClearHistory(ctx context.Context, conversationID int, userID int) (int, error)
}

const messageSelect = `SELECT m.id, m.conversation_id, m.sender_id, m.body, m.attachments, m.deleted_for_all, m.created_at, m.edited_at,
        COALESCE((SELECT array_agg(s.user_id ORDER BY s.user_id) FROM message_seen s WHERE s.message_id = m.id), '{}') AS seen_by,
        COALESCE((SELECT array_agg(h.user_id ORDER BY h.user_id) FROM message_hidden h WHERE h.message_id = m.id), '{}') AS hidden_by
        FROM messages m`

type messageRow struct {
	models.Message
	DeletedForAll bool          `db:"deleted_for_all"`
	SeenBy        pq.Int64Array `db:"seen_by"`
	HiddenBy      pq.Int64Array `db:"hidden_by"`
}

func (row messageRow) toModel() models.Message {
	msg := row.Message
	msg.SeenBy = toInts(row.SeenBy)
	msg.Deletion = models.DeleteState{Kind: models.DeleteActive, HiddenBy: toInts(row.HiddenBy)}
	if row.DeletedForAll {
		msg.Deletion.Kind = models.DeleteForAll
	}
	return msg
}

func toInts(in pq.Int64Array) []int {
	out := make([]int, 0, len(in))
	for _, v := range in {
		out = append(out, int(v))
	}
	return out
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a message and refreshes the conversation preview in one
// transaction. The conversation row is locked so identities are assigned in
// commit order within a conversation.
func (r *MessageRepo) Append(ctx context.Context, conversationID int, senderID int, text string, attachments []models.Attachment) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var conv models.Conversation
	err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, ErrNotParticipant
	}

	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachments:    models.Attachments(attachments),
		Deletion:       models.DeleteState{Kind: models.DeleteActive},
		SeenBy:         []int{},
	}
	if err := tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, body, attachments)
        VALUES ($1, $2, $3, $4) RETURNING id, created_at`, conversationID, senderID, text, msg.Attachments).
		Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_text=$1, last_message_at=$2 WHERE id=$3`,
		msg.Preview(), msg.CreatedAt, conversationID); err != nil {
		return models.Message{}, fmt.Errorf("update preview: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID int) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, messageSelect+` WHERE m.id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// Edit replaces the body of a message owned by requesterID. The update is a
// single conditional statement, so concurrent edits never interleave.
func (r *MessageRepo) Edit(ctx context.Context, messageID int, requesterID int, text string) (models.Message, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET body=$1, edited_at=NOW()
        WHERE id=$2 AND sender_id=$3 AND deleted_for_all=FALSE`, text, messageID, requesterID)
	if err != nil {
		return models.Message{}, err
	}
	if err := r.classifyMiss(ctx, res, messageID, requesterID); err != nil {
		return models.Message{}, err
	}
	return r.Get(ctx, messageID)
}

// Delete soft-deletes a message. For everyone it clears the content and
// requires the sender; otherwise it hides the message for the requester.
func (r *MessageRepo) Delete(ctx context.Context, messageID int, requesterID int, forEveryone bool) (models.Message, error) {
	if forEveryone {
		res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted_for_all=TRUE, body='', attachments='[]'::jsonb
            WHERE id=$1 AND sender_id=$2`, messageID, requesterID)
		if err != nil {
			return models.Message{}, err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return models.Message{}, err
		}
		if count == 0 {
			if _, err := r.Get(ctx, messageID); err != nil {
				return models.Message{}, err
			}
			return models.Message{}, ErrNotSender
		}
		return r.Get(ctx, messageID)
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO message_hidden (message_id, user_id)
        SELECT m.id, $2 FROM messages m JOIN conversations c ON c.id = m.conversation_id
        WHERE m.id=$1 AND (c.user1_id=$2 OR c.user2_id=$2)
        ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, requesterID)
	if err != nil {
		return models.Message{}, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	msg, err := r.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if count == 0 && !msg.Deletion.HiddenFor(requesterID) {
		return models.Message{}, ErrNotParticipant
	}
	return msg, nil
}

// MarkSeen records readerID in the seen-set of every listed message of the
// conversation it did not send. It returns only the ids newly marked, so a
// repeated call returns nothing.
func (r *MessageRepo) MarkSeen(ctx context.Context, conversationID int, messageIDs []int, readerID int) ([]int, error) {
	member, err := r.isParticipant(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotParticipant
	}

	ids := make(pq.Int64Array, 0, len(messageIDs))
	for _, id := range messageIDs {
		ids = append(ids, int64(id))
	}
	var added []int
	err = r.db.SelectContext(ctx, &added, `INSERT INTO message_seen (message_id, user_id)
        SELECT m.id, $2 FROM messages m
        WHERE m.conversation_id=$1 AND m.id = ANY($3) AND m.sender_id <> $2
        ON CONFLICT (message_id, user_id) DO NOTHING
        RETURNING message_id`, conversationID, readerID, ids)
	if err != nil {
		return nil, err
	}
	sort.Ints(added)
	return added, nil
}

// List returns up to limit of the latest messages in creation order,
// excluding those viewerID hid. Identity order is the canonical order.
func (r *MessageRepo) List(ctx context.Context, conversationID int, viewerID int, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []messageRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM (`+messageSelect+`
        WHERE m.conversation_id=$1
        AND NOT EXISTS (SELECT 1 FROM message_hidden h WHERE h.message_id = m.id AND h.user_id=$2)
        ORDER BY m.id DESC LIMIT $3) latest ORDER BY id ASC`, conversationID, viewerID, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs, nil
}

// ClearHistory hides every current message of the conversation for userID.
func (r *MessageRepo) ClearHistory(ctx context.Context, conversationID int, userID int) (int, error) {
	member, err := r.isParticipant(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, ErrNotParticipant
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO message_hidden (message_id, user_id)
        SELECT id, $2 FROM messages WHERE conversation_id=$1
        ON CONFLICT (message_id, user_id) DO NOTHING`, conversationID, userID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}

func (r *MessageRepo) isParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrConversationNotFound
	}
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}

// classifyMiss explains why a guarded edit touched no row.
func (r *MessageRepo) classifyMiss(ctx context.Context, res sql.Result, messageID int, requesterID int) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	msg, err := r.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrNotSender
	}
	return ErrMessageDeleted
}
