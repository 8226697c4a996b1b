package repositories

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("user is not a conversation participant")
	ErrNotSender            = errors.New("user is not the message sender")
	ErrMessageDeleted       = errors.New("message was deleted for everyone")
	ErrSelfConversation     = errors.New("cannot create conversation with self")
)
