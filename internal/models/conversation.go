package models

import "time"

// Conversation is a private thread between exactly two users.
// User1ID is always the lower of the two participant ids.
type Conversation struct {
	ID              int        `db:"id" json:"id"`
	User1ID         int        `db:"user1_id" json:"user1Id"`
	User2ID         int        `db:"user2_id" json:"user2Id"`
	LastMessageText *string    `db:"last_message_text" json:"lastMessageText,omitempty"`
	LastMessageAt   *time.Time `db:"last_message_at" json:"lastMessageAt,omitempty"`
	BackgroundURL   *string    `db:"background_url" json:"backgroundUrl,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Peer returns the participant that is not userID.
func (c Conversation) Peer(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Participants returns both participant ids in ascending order.
func (c Conversation) Participants() []int {
	return []int{c.User1ID, c.User2ID}
}

// OrderedPair normalizes an unordered user pair.
func OrderedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

// ConversationSummary is the per-user list view of a conversation.
type ConversationSummary struct {
	ConversationID  int        `json:"conversationId"`
	PeerID          int        `json:"peerId"`
	PeerName        string     `json:"peerName,omitempty"`
	PeerAvatarURL   string     `json:"peerAvatarUrl,omitempty"`
	PeerOnline      bool       `json:"peerOnline"`
	LastMessageText *string    `json:"lastMessageText,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	BackgroundURL   *string    `json:"backgroundUrl,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Summarize builds the list view of c as seen by userID.
func (c Conversation) Summarize(userID int) ConversationSummary {
	return ConversationSummary{
		ConversationID:  c.ID,
		PeerID:          c.Peer(userID),
		LastMessageText: c.LastMessageText,
		LastMessageAt:   c.LastMessageAt,
		BackgroundURL:   c.BackgroundURL,
		CreatedAt:       c.CreatedAt,
	}
}
