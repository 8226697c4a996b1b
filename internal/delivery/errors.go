package delivery

import (
	"errors"
	"fmt"

	"messenger/internal/models"
	"messenger/internal/repositories"
)

// Error is an operation failure reported to the requester only.
type Error struct {
	Code    models.ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AckError converts e to its wire form.
func (e *Error) AckError() *models.AckError {
	return &models.AckError{Code: e.Code, Message: e.Message}
}

func newError(code models.ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Classify maps store and validation errors onto the wire taxonomy. Unknown
// errors are server errors; their details are not exposed.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		return newError(models.CodeValidation, ve.Error(), err)
	case errors.Is(err, models.ErrUnknownEvent):
		return newError(models.CodeValidation, err.Error(), err)
	case errors.Is(err, repositories.ErrNotParticipant):
		return newError(models.CodeForbidden, "not a conversation participant", err)
	case errors.Is(err, repositories.ErrNotSender):
		return newError(models.CodeForbidden, "only the sender may do this", err)
	case errors.Is(err, repositories.ErrConversationNotFound):
		return newError(models.CodeNotFound, "conversation not found", err)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return newError(models.CodeNotFound, "message not found", err)
	case errors.Is(err, repositories.ErrMessageDeleted):
		return newError(models.CodeValidation, "message was deleted", err)
	case errors.Is(err, repositories.ErrSelfConversation):
		return newError(models.CodeValidation, "cannot message yourself", err)
	default:
		return newError(models.CodeServerError, "internal error", err)
	}
}

// ErrRateLimited is returned when a connection exceeds its event budget.
var ErrRateLimited = newError(models.CodeRateLimited, "too many events", nil)
