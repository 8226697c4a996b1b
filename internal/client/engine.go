// Package client keeps a client's local view of its conversations in step
// with the server. Sends are rendered immediately, tracked by tempId until
// the server confirms or the send times out, and queued while offline.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"messenger/internal/models"
)

// Status is the delivery state shown next to an optimistic entry. Confirmed
// entries have an empty status.
type Status string

const (
	StatusSending Status = "sending"
	StatusQueued  Status = "queued"
	StatusFailed  Status = "failed"
)

// Entry is one rendered message. TempID is set for entries that started
// as local sends; Message.ID stays zero until the server confirms them.
type Entry struct {
	TempID  string
	Message models.Message
	Status  Status
	Err     *models.AckError

	seq uint64
}

// Confirmed reports whether the entry carries a server identity.
func (e Entry) Confirmed() bool { return e.Message.ID != 0 }

// Outcome is the single resolution of a tempId: acknowledged with the
// canonical message, or failed.
type Outcome struct {
	TempID  string
	Message *models.Message
	Err     *models.AckError
}

// OK reports whether the send was acknowledged.
func (o Outcome) OK() bool { return o.Err == nil }

// HistoryFetcher loads the authoritative message list of a conversation.
type HistoryFetcher interface {
	ListMessages(ctx context.Context, conversationID int) ([]models.Message, error)
}

// Link is a connected transport. Send must not block for long.
type Link interface {
	Send(frame []byte) error
}

var (
	// ErrNotConfirmed is returned when a delete for everyone was not confirmed.
	ErrNotConfirmed = errors.New("delete for everyone not confirmed")
	// ErrUnknownEntry is returned for operations on entries the view lacks.
	ErrUnknownEntry = errors.New("unknown entry")
	// ErrOffline is returned for operations that need a connection.
	ErrOffline = errors.New("not connected")
)

var (
	errAckTimeout    = &models.AckError{Code: models.CodeTimeout, Message: "no acknowledgment from server"}
	errQueueOverflow = &models.AckError{Code: models.CodeTimeout, Message: "dropped from offline queue"}
)

const (
	DefaultAckTimeout    = 2 * time.Minute
	DefaultQueueCapacity = 50
	DefaultSeenDelay     = 300 * time.Millisecond
	DefaultTypingTTL     = 5 * time.Second
)

type pendingSend struct {
	tempID  string
	payload models.SendMessagePayload
	status  Status
	timer   *time.Timer
}

type conversation struct {
	entries []*Entry
	open    bool
}

type presenceState struct {
	online   bool
	lastSeen *time.Time
}

// Engine is safe for concurrent use. Callbacks run outside its lock.
type Engine struct {
	userID  int
	history HistoryFetcher

	ackTimeout    time.Duration
	queueCapacity int
	seenDelay     time.Duration
	typingTTL     time.Duration
	newTempID     func() string
	onOutcome     func(Outcome)
	onError       func(op string, err *models.AckError)
	onChange      func(conversationID int)
	confirmDelete func(Entry) bool

	mu       sync.Mutex
	link     Link
	pending  map[string]*pendingSend
	queue    []string
	ops      map[string]string
	convs    map[int]*conversation
	byTemp   map[string]*Entry
	byID     map[int]*Entry
	seen     map[int]map[int]struct{}
	seenTime map[int]*time.Timer
	typing   map[int]map[int]*time.Timer
	presence map[int]presenceState
	outbox   []func()

	// seq counts view changes; entries and removals carry the value of
	// their last change so a refresh can tell them from its snapshot.
	seq     uint64
	removed map[int]removal
}

type removal struct {
	conversationID int
	seq            uint64
}

// Option customizes an Engine.
type Option func(*Engine)

func WithAckTimeout(d time.Duration) Option { return func(e *Engine) { e.ackTimeout = d } }

func WithQueueCapacity(n int) Option { return func(e *Engine) { e.queueCapacity = n } }

func WithSeenDelay(d time.Duration) Option { return func(e *Engine) { e.seenDelay = d } }

func WithTypingTTL(d time.Duration) Option { return func(e *Engine) { e.typingTTL = d } }

// WithOutcome receives exactly one Outcome per tempId.
func WithOutcome(fn func(Outcome)) Option { return func(e *Engine) { e.onOutcome = fn } }

// WithErrorHandler receives rejected edits, deletes and other requests.
func WithErrorHandler(fn func(op string, err *models.AckError)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithChangeHandler is told which conversation view changed.
func WithChangeHandler(fn func(conversationID int)) Option { return func(e *Engine) { e.onChange = fn } }

// WithDeleteConfirmation is asked before a delete for everyone is sent.
// Without it such deletes are refused.
func WithDeleteConfirmation(fn func(Entry) bool) Option { return func(e *Engine) { e.confirmDelete = fn } }

func withTempIDs(fn func() string) Option { return func(e *Engine) { e.newTempID = fn } }

// NewEngine builds the engine of userID.
func NewEngine(userID int, history HistoryFetcher, opts ...Option) *Engine {
	e := &Engine{
		userID:        userID,
		history:       history,
		ackTimeout:    DefaultAckTimeout,
		queueCapacity: DefaultQueueCapacity,
		seenDelay:     DefaultSeenDelay,
		typingTTL:     DefaultTypingTTL,
		newTempID:     uuid.NewString,
		pending:       make(map[string]*pendingSend),
		ops:           make(map[string]string),
		convs:         make(map[int]*conversation),
		byTemp:        make(map[string]*Entry),
		byID:          make(map[int]*Entry),
		seen:          make(map[int]map[int]struct{}),
		seenTime:      make(map[int]*time.Timer),
		typing:        make(map[int]map[int]*time.Timer),
		presence:      make(map[int]presenceState),
		removed:       make(map[int]removal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) lock() { e.mu.Lock() }

// unlock releases the lock and runs the callbacks queued while holding it.
func (e *Engine) unlock() {
	out := e.outbox
	e.outbox = nil
	e.mu.Unlock()
	for _, fn := range out {
		fn()
	}
}

func (e *Engine) changed(conversationID int) {
	if e.onChange != nil {
		fn := e.onChange
		e.outbox = append(e.outbox, func() { fn(conversationID) })
	}
}

func (e *Engine) touch(entry *Entry) {
	e.seq++
	entry.seq = e.seq
}

func (e *Engine) conv(id int) *conversation {
	c, ok := e.convs[id]
	if !ok {
		c = &conversation{}
		e.convs[id] = c
	}
	return c
}

// Submit renders a new message immediately and sends it, or queues it while
// offline. It returns the tempId tracking the send.
func (e *Engine) Submit(conversationID int, text string, attachments []models.Attachment) (string, error) {
	payload := models.SendMessagePayload{ConversationID: conversationID, Text: text, Attachments: attachments}
	payload.TempID = e.newTempID()
	if err := payload.Validate(); err != nil {
		return "", err
	}

	e.lock()
	defer e.unlock()
	entry := &Entry{
		TempID: payload.TempID,
		Message: models.Message{
			ConversationID: conversationID,
			SenderID:       e.userID,
			Text:           text,
			Attachments:    attachments,
			CreatedAt:      time.Now(),
		},
	}
	c := e.conv(conversationID)
	c.entries = append(c.entries, entry)
	e.byTemp[payload.TempID] = entry
	e.dispatchLocked(&pendingSend{tempID: payload.TempID, payload: payload})
	e.changed(conversationID)
	return payload.TempID, nil
}

// Resend retries a failed entry under a new tempId, keeping its place in
// the view.
func (e *Engine) Resend(tempID string) (string, error) {
	e.lock()
	defer e.unlock()
	entry, ok := e.byTemp[tempID]
	if !ok || entry.Status != StatusFailed {
		return "", fmt.Errorf("%w: %s is not a failed send", ErrUnknownEntry, tempID)
	}
	delete(e.byTemp, tempID)
	entry.TempID = e.newTempID()
	entry.Err = nil
	e.byTemp[entry.TempID] = entry
	e.dispatchLocked(&pendingSend{
		tempID: entry.TempID,
		payload: models.SendMessagePayload{
			ConversationID: entry.Message.ConversationID,
			TempID:         entry.TempID,
			Text:           entry.Message.Text,
			Attachments:    entry.Message.Attachments,
		},
	})
	e.changed(entry.Message.ConversationID)
	return entry.TempID, nil
}

// Discard removes a failed entry from the view.
func (e *Engine) Discard(tempID string) {
	e.lock()
	defer e.unlock()
	entry, ok := e.byTemp[tempID]
	if !ok || entry.Status != StatusFailed {
		return
	}
	delete(e.byTemp, tempID)
	e.removeEntryLocked(entry)
	e.changed(entry.Message.ConversationID)
}

// dispatchLocked transmits p when connected, otherwise queues it.
func (e *Engine) dispatchLocked(p *pendingSend) {
	e.pending[p.tempID] = p
	if e.link != nil && e.transmitLocked(p) {
		return
	}
	e.enqueueLocked(p)
}

func (e *Engine) transmitLocked(p *pendingSend) bool {
	if err := e.sendLocked(models.EventSendMessage, p.tempID, p.payload); err != nil {
		return false
	}
	p.status = StatusSending
	e.setStatusLocked(p.tempID, StatusSending)
	tempID := p.tempID
	p.timer = time.AfterFunc(e.ackTimeout, func() { e.expire(tempID) })
	return true
}

func (e *Engine) enqueueLocked(p *pendingSend) {
	p.status = StatusQueued
	e.setStatusLocked(p.tempID, StatusQueued)
	e.queue = append(e.queue, p.tempID)
	for len(e.queue) > e.queueCapacity {
		oldest := e.queue[0]
		e.queue = e.queue[1:]
		e.failLocked(oldest, errQueueOverflow)
	}
}

func (e *Engine) sendLocked(eventType, ref string, data any) error {
	if e.link == nil {
		return ErrOffline
	}
	frame, err := models.EncodeFrame(eventType, ref, data)
	if err != nil {
		return err
	}
	return e.link.Send(frame)
}

func (e *Engine) setStatusLocked(tempID string, status Status) {
	if entry, ok := e.byTemp[tempID]; ok && !entry.Confirmed() {
		entry.Status = status
	}
}

func (e *Engine) expire(tempID string) {
	e.lock()
	defer e.unlock()
	if p, ok := e.pending[tempID]; ok && p.status == StatusSending {
		e.failLocked(tempID, errAckTimeout)
	}
}

// resolveLocked settles tempID with its canonical message. It is a no-op
// for tempIds that are already settled.
func (e *Engine) resolveLocked(tempID string, msg models.Message) {
	p, ok := e.pending[tempID]
	if !ok {
		return
	}
	delete(e.pending, tempID)
	if p.timer != nil {
		p.timer.Stop()
	}
	e.adoptLocked(tempID, msg)
	if e.onOutcome != nil {
		fn, out := e.onOutcome, Outcome{TempID: tempID, Message: &msg}
		e.outbox = append(e.outbox, func() { fn(out) })
	}
}

func (e *Engine) failLocked(tempID string, reason *models.AckError) {
	p, ok := e.pending[tempID]
	if !ok {
		return
	}
	delete(e.pending, tempID)
	if p.timer != nil {
		p.timer.Stop()
	}
	if entry, ok := e.byTemp[tempID]; ok {
		entry.Status = StatusFailed
		entry.Err = reason
		e.changed(entry.Message.ConversationID)
	}
	if e.onOutcome != nil {
		fn, out := e.onOutcome, Outcome{TempID: tempID, Err: reason}
		e.outbox = append(e.outbox, func() { fn(out) })
	}
}

// adoptLocked gives the entry of tempID its canonical identity, merging
// with an entry already rendered for that identity.
func (e *Engine) adoptLocked(tempID string, msg models.Message) {
	entry, ok := e.byTemp[tempID]
	if !ok {
		e.upsertLocked(msg, "")
		return
	}
	if existing, dup := e.byID[msg.ID]; dup && existing != entry {
		e.removeEntryLocked(existing)
	}
	entry.Message = msg
	entry.Status = ""
	entry.Err = nil
	e.touch(entry)
	e.byID[msg.ID] = entry
	e.changed(msg.ConversationID)
}

// upsertLocked renders a canonical message once, by identity.
func (e *Engine) upsertLocked(msg models.Message, tempID string) {
	if tempID != "" {
		if _, ok := e.byTemp[tempID]; ok {
			e.adoptLocked(tempID, msg)
			return
		}
	}
	if entry, ok := e.byID[msg.ID]; ok {
		entry.Message = msg
		e.touch(entry)
		e.changed(msg.ConversationID)
		return
	}
	entry := &Entry{Message: msg}
	e.touch(entry)
	c := e.conv(msg.ConversationID)
	pos := len(c.entries)
	for i, existing := range c.entries {
		if !existing.Confirmed() || existing.Message.ID > msg.ID {
			pos = i
			break
		}
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[pos+1:], c.entries[pos:])
	c.entries[pos] = entry
	e.byID[msg.ID] = entry
	e.changed(msg.ConversationID)
}

func (e *Engine) removeEntryLocked(entry *Entry) {
	c, ok := e.convs[entry.Message.ConversationID]
	if !ok {
		return
	}
	for i, existing := range c.entries {
		if existing == entry {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	if entry.Confirmed() && e.byID[entry.Message.ID] == entry {
		delete(e.byID, entry.Message.ID)
		e.seq++
		e.removed[entry.Message.ID] = removal{conversationID: entry.Message.ConversationID, seq: e.seq}
	}
}

// Attach installs a connected link and drains the offline queue in order.
func (e *Engine) Attach(link Link) {
	e.lock()
	defer e.unlock()
	e.link = link

	for id, c := range e.convs {
		if c.open {
			_ = e.sendLocked(models.EventJoinRoom, "", models.RoomPayload{ConversationID: id})
		}
	}

	queue := e.queue
	e.queue = nil
	for i, tempID := range queue {
		p, ok := e.pending[tempID]
		if !ok {
			continue
		}
		if !e.transmitLocked(p) {
			e.queue = append(e.queue, queue[i:]...)
			break
		}
	}
	for conversationID := range e.seen {
		e.flushSeenLocked(conversationID)
	}
}

// Detach drops the link. In-flight sends keep their timers; new sends queue.
func (e *Engine) Detach() {
	e.lock()
	defer e.unlock()
	e.link = nil
}

// Connected reports whether a link is attached.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link != nil
}

// OpenConversation joins the conversation room and replaces its view with a
// fresh server copy. Unsettled local sends stay at the tail.
func (e *Engine) OpenConversation(ctx context.Context, conversationID int) error {
	e.lock()
	e.conv(conversationID).open = true
	_ = e.sendLocked(models.EventJoinRoom, "", models.RoomPayload{ConversationID: conversationID})
	e.unlock()
	return e.Refresh(ctx, conversationID)
}

// CloseConversation leaves the room of a conversation.
func (e *Engine) CloseConversation(conversationID int) {
	e.lock()
	defer e.unlock()
	if c, ok := e.convs[conversationID]; ok {
		c.open = false
	}
	_ = e.sendLocked(models.EventLeaveRoom, "", models.RoomPayload{ConversationID: conversationID})
}

// Refresh refetches the history of a conversation. Entries confirmed,
// changed or removed while the fetch was in flight keep their local state.
// Unsettled local sends stay at the tail; when an ack was lost one of them
// may sit next to its canonical copy until its timeout fails it.
func (e *Engine) Refresh(ctx context.Context, conversationID int) error {
	e.lock()
	since := e.seq
	e.unlock()

	msgs, err := e.history.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("fetch conversation %d: %w", conversationID, err)
	}

	e.lock()
	defer e.unlock()
	c := e.conv(conversationID)
	known := make(map[int]*Entry, len(c.entries))
	for _, entry := range c.entries {
		if entry.Confirmed() {
			known[entry.Message.ID] = entry
			if e.byID[entry.Message.ID] == entry {
				delete(e.byID, entry.Message.ID)
			}
		}
	}

	fresh := make([]*Entry, 0, len(msgs)+len(c.entries))
	inSnapshot := make(map[int]bool, len(msgs))
	for _, m := range msgs {
		inSnapshot[m.ID] = true
		if r, ok := e.removed[m.ID]; ok && r.seq > since && known[m.ID] == nil {
			continue
		}
		entry := known[m.ID]
		if entry == nil {
			entry = &Entry{}
		}
		if entry.seq <= since {
			entry.Message = m
			entry.Status = ""
			entry.Err = nil
		}
		fresh = append(fresh, entry)
		e.byID[m.ID] = entry
	}
	for _, entry := range c.entries {
		if entry.Confirmed() && entry.seq > since && !inSnapshot[entry.Message.ID] {
			fresh = insertByID(fresh, entry)
			e.byID[entry.Message.ID] = entry
		}
	}
	for _, entry := range c.entries {
		if !entry.Confirmed() {
			fresh = append(fresh, entry)
		}
	}
	for id, entry := range known {
		if e.byID[id] != entry && entry.TempID != "" && e.byTemp[entry.TempID] == entry {
			delete(e.byTemp, entry.TempID)
		}
	}
	for id, r := range e.removed {
		if r.conversationID == conversationID && r.seq <= since {
			delete(e.removed, id)
		}
	}
	c.entries = fresh
	e.changed(conversationID)
	return nil
}

// insertByID places a confirmed entry before the first entry with a higher id.
func insertByID(entries []*Entry, entry *Entry) []*Entry {
	pos := len(entries)
	for i, existing := range entries {
		if existing.Message.ID > entry.Message.ID {
			pos = i
			break
		}
	}
	entries = append(entries, nil)
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = entry
	return entries
}

// Resync refetches every open conversation, repairing events missed while
// disconnected.
func (e *Engine) Resync(ctx context.Context) {
	e.lock()
	var open []int
	for id, c := range e.convs {
		if c.open {
			open = append(open, id)
		}
	}
	e.unlock()
	sort.Ints(open)
	for _, id := range open {
		if err := e.Refresh(ctx, id); err != nil {
			log.WithError(err).WithField("conversation_id", id).Warn("resync failed")
		}
	}
}

// Entries returns a snapshot of a conversation view.
func (e *Engine) Entries(conversationID int) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	return out
}

// Pending returns the number of unsettled sends.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Queued returns the tempIds waiting for a connection, oldest first.
func (e *Engine) Queued() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queue...)
}

// Edit asks the server to replace the text of one of the user's messages.
// The view changes when the message-edited event arrives.
func (e *Engine) Edit(messageID int, text string) error {
	p := models.EditMessagePayload{MessageID: messageID, Text: text}
	if err := p.Validate(); err != nil {
		return err
	}
	e.lock()
	defer e.unlock()
	return e.requestLocked("edit", models.EventEditMessage, p)
}

// Delete hides a message for the user, or deletes it for everyone once the
// confirmation hook agrees.
func (e *Engine) Delete(messageID int, forEveryone bool) error {
	e.lock()
	entry, ok := e.byID[messageID]
	var snapshot Entry
	if ok {
		snapshot = *entry
	}
	e.unlock()
	if !ok {
		return fmt.Errorf("%w: message %d", ErrUnknownEntry, messageID)
	}
	if forEveryone && (e.confirmDelete == nil || !e.confirmDelete(snapshot)) {
		return ErrNotConfirmed
	}

	e.lock()
	defer e.unlock()
	return e.requestLocked("delete", models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: messageID, ForEveryone: forEveryone})
}

func (e *Engine) requestLocked(op, eventType string, data any) error {
	ref := e.newTempID()
	if err := e.sendLocked(eventType, ref, data); err != nil {
		return err
	}
	e.ops[ref] = op
	return nil
}

// SetTyping tells the peer the user started or stopped typing. It is
// dropped while offline.
func (e *Engine) SetTyping(conversationID int, typing bool) {
	e.lock()
	defer e.unlock()
	_ = e.sendLocked(models.EventTyping, "", models.TypingPayload{ConversationID: conversationID, Typing: typing})
}

// Typing returns the users currently typing in a conversation.
func (e *Engine) Typing(conversationID int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for userID := range e.typing[conversationID] {
		out = append(out, userID)
	}
	sort.Ints(out)
	return out
}

// Presence returns what the engine last heard about userID.
func (e *Engine) Presence(userID int) (online bool, lastSeen *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.presence[userID]
	return p.online, p.lastSeen
}
