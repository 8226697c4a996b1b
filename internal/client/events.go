package client

import (
	"encoding/json"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"messenger/internal/models"
)

// HandleFrame applies one server frame to the view.
func (e *Engine) HandleFrame(raw []byte) error {
	frame, err := models.DecodeOutbound(raw)
	if err != nil {
		return err
	}

	e.lock()
	defer e.unlock()

	switch frame.Type {
	case models.EventAck:
		var ack models.Ack
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			return err
		}
		e.applyAckLocked(frame.Ref, ack)

	case models.EventMessageReceived:
		var ev models.MessageEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		tempID := ""
		if ev.Message.SenderID == e.userID {
			tempID = ev.TempID
		}
		if tempID != "" {
			e.resolveLocked(tempID, ev.Message)
		}
		e.upsertLocked(ev.Message, tempID)
		e.clearTypingLocked(ev.ConversationID, ev.Message.SenderID)

	case models.EventMessageEdited:
		var ev models.MessageEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		e.upsertLocked(ev.Message, "")

	case models.EventMessageDeleted:
		var ev models.MessageDeletedEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		e.applyDeleteLocked(ev)

	case models.EventMessageSeen:
		var ev models.MessageSeenEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		e.applySeenLocked(ev)

	case models.EventTyping:
		var ev models.TypingEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		if ev.Typing {
			e.startTypingLocked(ev.ConversationID, ev.UserID)
		} else {
			e.clearTypingLocked(ev.ConversationID, ev.UserID)
		}

	case models.EventUserOnline, models.EventUserOffline:
		var ev models.PresenceEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		e.presence[ev.UserID] = presenceState{online: frame.Type == models.EventUserOnline, lastSeen: ev.LastSeenAt}

	case models.EventError:
		var ev models.ErrorEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			return err
		}
		e.reportLocked("server", &models.AckError{Code: ev.Code, Message: ev.Message})
	}
	return nil
}

func (e *Engine) applyAckLocked(ref string, ack models.Ack) {
	if _, ok := e.pending[ref]; ok {
		switch {
		case ack.OK && ack.Message != nil:
			e.resolveLocked(ref, *ack.Message)
		case ack.Error != nil:
			e.failLocked(ref, ack.Error)
		default:
			e.failLocked(ref, &models.AckError{Code: models.CodeServerError, Message: "malformed acknowledgment"})
		}
		return
	}
	op, ok := e.ops[ref]
	if !ok {
		return
	}
	delete(e.ops, ref)
	if !ack.OK && ack.Error != nil {
		e.reportLocked(op, ack.Error)
	}
}

func (e *Engine) reportLocked(op string, err *models.AckError) {
	log.WithFields(log.Fields{"op": op, "code": err.Code}).Debug(err.Message)
	if e.onError != nil {
		fn := e.onError
		e.outbox = append(e.outbox, func() { fn(op, err) })
	}
}

func (e *Engine) applyDeleteLocked(ev models.MessageDeletedEvent) {
	entry, ok := e.byID[ev.MessageID]
	if !ok {
		return
	}
	if !ev.DeletedForAll {
		e.removeEntryLocked(entry)
		e.changed(ev.ConversationID)
		return
	}
	entry.Message.Text = ""
	entry.Message.Attachments = nil
	entry.Message.Deletion = models.DeleteState{Kind: models.DeleteForAll}
	e.touch(entry)
	e.changed(ev.ConversationID)
}

func (e *Engine) applySeenLocked(ev models.MessageSeenEvent) {
	for _, id := range ev.MessageIDs {
		entry, ok := e.byID[id]
		if !ok || containsInt(entry.Message.SeenBy, ev.UserID) {
			continue
		}
		entry.Message.SeenBy = append(entry.Message.SeenBy, ev.UserID)
		sort.Ints(entry.Message.SeenBy)
		e.touch(entry)
	}
	e.changed(ev.ConversationID)
}

// MarkVisible records messages the user has looked at. They are sent as
// one mark-seen per conversation after the debounce window. Own messages
// and messages already seen are skipped.
func (e *Engine) MarkVisible(conversationID int, messageIDs ...int) {
	e.lock()
	defer e.unlock()
	set := e.seen[conversationID]
	for _, id := range messageIDs {
		entry, ok := e.byID[id]
		if !ok || entry.Message.SenderID == e.userID || containsInt(entry.Message.SeenBy, e.userID) {
			continue
		}
		if set == nil {
			set = make(map[int]struct{})
			e.seen[conversationID] = set
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 || e.seenTime[conversationID] != nil {
		return
	}
	e.seenTime[conversationID] = time.AfterFunc(e.seenDelay, func() {
		e.lock()
		defer e.unlock()
		delete(e.seenTime, conversationID)
		e.flushSeenLocked(conversationID)
	})
}

// flushSeenLocked sends the pending seen set. While offline the set is kept
// for the next Attach.
func (e *Engine) flushSeenLocked(conversationID int) {
	set := e.seen[conversationID]
	if len(set) == 0 || e.link == nil {
		return
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if err := e.sendLocked(models.EventMarkSeen, "", models.MarkSeenPayload{ConversationID: conversationID, MessageIDs: ids}); err != nil {
		return
	}
	delete(e.seen, conversationID)
}

func (e *Engine) startTypingLocked(conversationID, userID int) {
	users := e.typing[conversationID]
	if users == nil {
		users = make(map[int]*time.Timer)
		e.typing[conversationID] = users
	}
	if t, ok := users[userID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(e.typingTTL, func() {
		e.lock()
		defer e.unlock()
		if e.typing[conversationID][userID] == timer {
			delete(e.typing[conversationID], userID)
			e.changed(conversationID)
		}
	})
	users[userID] = timer
	e.changed(conversationID)
}

func (e *Engine) clearTypingLocked(conversationID, userID int) {
	t, ok := e.typing[conversationID][userID]
	if !ok {
		return
	}
	t.Stop()
	delete(e.typing[conversationID], userID)
	e.changed(conversationID)
}

func containsInt(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
