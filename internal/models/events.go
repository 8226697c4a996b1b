package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client to server events.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventSendMessage   = "send-message"
	EventEditMessage   = "edit-message"
	EventDeleteMessage = "delete-message"
	EventMarkSeen      = "mark-seen"
	EventTyping        = "typing"
	EventPresencePing  = "presence-ping"
)

// Server to client events.
const (
	EventAck             = "ack"
	EventMessageReceived = "message-received"
	EventMessageEdited   = "message-edited"
	EventMessageDeleted  = "message-deleted"
	EventMessageSeen     = "message-seen"
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
	EventError           = "error"
)

var inboundEvents = map[string]bool{
	EventJoinRoom:      true,
	EventLeaveRoom:     true,
	EventSendMessage:   true,
	EventEditMessage:   true,
	EventDeleteMessage: true,
	EventMarkSeen:      true,
	EventTyping:        true,
	EventPresencePing:  true,
}

var outboundEvents = map[string]bool{
	EventAck:             true,
	EventMessageReceived: true,
	EventMessageEdited:   true,
	EventMessageDeleted:  true,
	EventMessageSeen:     true,
	EventTyping:          true,
	EventUserOnline:      true,
	EventUserOffline:     true,
	EventError:           true,
}

// ErrorCode is the error taxonomy carried in acks and error frames.
type ErrorCode string

const (
	CodeUnauthenticated ErrorCode = "unauthenticated"
	CodeForbidden       ErrorCode = "forbidden"
	CodeNotFound        ErrorCode = "not_found"
	CodeValidation      ErrorCode = "validation_error"
	CodeServerError     ErrorCode = "server_error"
	CodeTimeout         ErrorCode = "timeout"
	CodeRateLimited     ErrorCode = "rate_limited"
)

// Frame is the envelope of every websocket message. Ref correlates an ack
// with the request that produced it.
type Frame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownEvent is returned for frames whose type is not part of the schema.
var ErrUnknownEvent = errors.New("unknown event type")

// ValidationIssue names one invalid field.
type ValidationIssue struct{ Field, Reason string }

// ValidationError collects payload issues.
type ValidationError struct{ Issues []ValidationIssue }

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Field+": "+issue.Reason)
	}
	return "invalid payload: " + strings.Join(parts, ", ")
}

func (e *ValidationError) add(field, reason string) {
	e.Issues = append(e.Issues, ValidationIssue{field, reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

// EncodeFrame marshals data into a frame of the given type.
func EncodeFrame(eventType, ref string, data any) ([]byte, error) {
	frame := Frame{Type: eventType, Ref: ref}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", eventType, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// DecodeInbound parses a client frame and rejects unknown event types.
func DecodeInbound(raw []byte) (Frame, error) {
	return decodeFrame(raw, inboundEvents)
}

// DecodeOutbound parses a server frame and rejects unknown event types.
func DecodeOutbound(raw []byte) (Frame, error) {
	return decodeFrame(raw, outboundEvents)
}

func decodeFrame(raw []byte, known map[string]bool) (Frame, error) {
	var frame Frame
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&frame); err != nil {
		return Frame{}, &ValidationError{Issues: []ValidationIssue{{"frame", err.Error()}}}
	}
	if !known[frame.Type] {
		return frame, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
	return frame, nil
}

// Validator is implemented by inbound payloads.
type Validator interface {
	Validate() error
}

// DecodePayload strictly decodes the frame data into dst and validates it.
func DecodePayload(frame Frame, dst any) error {
	data := frame.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Issues: []ValidationIssue{{"data", err.Error()}}}
	}
	if v, ok := dst.(Validator); ok {
		return v.Validate()
	}
	return nil
}

// RoomPayload is the body of join-room and leave-room.
type RoomPayload struct {
	ConversationID int `json:"conversationId"`
}

func (p *RoomPayload) Validate() error {
	ve := &ValidationError{}
	if p.ConversationID <= 0 {
		ve.add("conversationId", "required")
	}
	return ve.orNil()
}

// SendMessagePayload submits a new message. RecipientID may replace
// ConversationID on first contact; the conversation is then created.
type SendMessagePayload struct {
	ConversationID int          `json:"conversationId,omitempty"`
	RecipientID    int          `json:"recipientId,omitempty"`
	TempID         string       `json:"tempId,omitempty"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

func (p *SendMessagePayload) Validate() error {
	ve := &ValidationError{}
	if p.ConversationID <= 0 && p.RecipientID <= 0 {
		ve.add("conversationId", "conversationId or recipientId required")
	}
	if strings.TrimSpace(p.Text) == "" && len(p.Attachments) == 0 {
		ve.add("text", "text or attachments required")
	}
	for i, a := range p.Attachments {
		if a.URL == "" {
			ve.add(fmt.Sprintf("attachments[%d].url", i), "required")
		}
		if a.Size < 0 {
			ve.add(fmt.Sprintf("attachments[%d].size", i), "negative")
		}
	}
	return ve.orNil()
}

// EditMessagePayload replaces the body of a message.
type EditMessagePayload struct {
	MessageID int    `json:"messageId"`
	Text      string `json:"text"`
}

func (p *EditMessagePayload) Validate() error {
	ve := &ValidationError{}
	if p.MessageID <= 0 {
		ve.add("messageId", "required")
	}
	if strings.TrimSpace(p.Text) == "" {
		ve.add("text", "required")
	}
	return ve.orNil()
}

// DeleteMessagePayload deletes a message for everyone or for the requester.
type DeleteMessagePayload struct {
	MessageID   int  `json:"messageId"`
	ForEveryone bool `json:"forEveryone"`
}

func (p *DeleteMessagePayload) Validate() error {
	ve := &ValidationError{}
	if p.MessageID <= 0 {
		ve.add("messageId", "required")
	}
	return ve.orNil()
}

// MarkSeenPayload acknowledges a batch of messages as seen.
type MarkSeenPayload struct {
	ConversationID int   `json:"conversationId"`
	MessageIDs     []int `json:"messageIds"`
}

func (p *MarkSeenPayload) Validate() error {
	ve := &ValidationError{}
	if p.ConversationID <= 0 {
		ve.add("conversationId", "required")
	}
	if len(p.MessageIDs) == 0 {
		ve.add("messageIds", "required")
	}
	return ve.orNil()
}

// TypingPayload is the client typing signal.
type TypingPayload struct {
	ConversationID int  `json:"conversationId"`
	Typing         bool `json:"typing"`
}

func (p *TypingPayload) Validate() error {
	ve := &ValidationError{}
	if p.ConversationID <= 0 {
		ve.add("conversationId", "required")
	}
	return ve.orNil()
}

// AckError is the failure body of an ack.
type AckError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Ack answers a single request on the connection that issued it.
type Ack struct {
	OK      bool      `json:"ok"`
	TempID  string    `json:"tempId,omitempty"`
	Message *Message  `json:"message,omitempty"`
	Error   *AckError `json:"error,omitempty"`
}

// MessageEvent is the body of message-received and message-edited.
type MessageEvent struct {
	ConversationID int     `json:"conversationId"`
	Message        Message `json:"message"`
	TempID         string  `json:"tempId,omitempty"`
}

// MessageDeletedEvent announces a deletion.
type MessageDeletedEvent struct {
	ConversationID int  `json:"conversationId"`
	MessageID      int  `json:"messageId"`
	DeletedForAll  bool `json:"deletedForAll"`
}

// MessageSeenEvent announces that UserID has seen MessageIDs.
type MessageSeenEvent struct {
	ConversationID int   `json:"conversationId"`
	MessageIDs     []int `json:"messageIds"`
	UserID         int   `json:"userId"`
}

// TypingEvent is the server typing signal.
type TypingEvent struct {
	ConversationID int  `json:"conversationId"`
	UserID         int  `json:"userId"`
	Typing         bool `json:"typing"`
}

// PresenceEvent is the body of user-online and user-offline.
type PresenceEvent struct {
	UserID     int        `json:"userId"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// ErrorEvent reports a malformed or rejected frame that had no ref.
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}
