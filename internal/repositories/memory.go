package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"messenger/internal/models"
)

// MemoryStore keeps conversations, messages and presence in process memory.
// It implements every repository interface and is used with
// STORE_DRIVER=memory and in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	nextConvID    int
	nextMessageID int
	conversations map[int]*models.Conversation
	pairs         map[[2]int]int
	messages      map[int]*memMessage
	byConv        map[int][]int
	presence      map[int]models.Presence
}

type memMessage struct {
	msg    models.Message
	seen   map[int]struct{}
	hidden map[int]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		conversations: make(map[int]*models.Conversation),
		pairs:         make(map[[2]int]int),
		messages:      make(map[int]*memMessage),
		byConv:        make(map[int][]int),
		presence:      make(map[int]models.Presence),
	}
}

// Conversations returns the store as a ConversationRepository.
func (s *MemoryStore) Conversations() ConversationRepository { return memConversations{s} }

// Messages returns the store as a MessageRepository.
func (s *MemoryStore) Messages() MessageRepository { return memMessages{s} }

// Users returns the store as a UserRepository.
func (s *MemoryStore) Users() UserRepository { return memUsers{s} }

type memConversations struct{ s *MemoryStore }

func (r memConversations) FindOrCreate(ctx context.Context, userA int, userB int) (models.Conversation, error) {
	if userA == userB {
		return models.Conversation{}, ErrSelfConversation
	}
	user1, user2 := models.OrderedPair(userA, userB)
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[[2]int{user1, user2}]; ok {
		return *s.conversations[id], nil
	}
	s.nextConvID++
	conv := &models.Conversation{ID: s.nextConvID, User1ID: user1, User2ID: user2, CreatedAt: s.now()}
	s.conversations[conv.ID] = conv
	s.pairs[[2]int{user1, user2}] = conv.ID
	return *conv, nil
}

func (r memConversations) Get(ctx context.Context, conversationID int) (models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	conv, ok := r.s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return *conv, nil
}

func (r memConversations) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	conv, ok := r.s.conversations[conversationID]
	return ok && conv.HasParticipant(userID), nil
}

func (r memConversations) ListForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []models.Conversation
	for _, conv := range r.s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, *conv)
		}
	}
	activity := func(c models.Conversation) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if ai.Equal(aj) {
			return out[i].ID > out[j].ID
		}
		return ai.After(aj)
	})
	return out, nil
}

func (r memConversations) PeersOf(ctx context.Context, userID int) ([]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var peers []int
	for _, conv := range r.s.conversations {
		if conv.HasParticipant(userID) {
			peers = append(peers, conv.Peer(userID))
		}
	}
	sort.Ints(peers)
	return peers, nil
}

func (r memConversations) SetBackground(ctx context.Context, conversationID int, userID int, url *string) (models.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, ErrNotParticipant
	}
	conv.BackgroundURL = url
	return *conv, nil
}

type memMessages struct{ s *MemoryStore }

func (r memMessages) Append(ctx context.Context, conversationID int, senderID int, text string, attachments []models.Attachment) (models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, ErrConversationNotFound
	}
	if !conv.HasParticipant(senderID) {
		return models.Message{}, ErrNotParticipant
	}
	s.nextMessageID++
	msg := models.Message{
		ID:             s.nextMessageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachments:    append(models.Attachments(nil), attachments...),
		CreatedAt:      s.now(),
		Deletion:       models.DeleteState{Kind: models.DeleteActive},
		SeenBy:         []int{},
	}
	s.messages[msg.ID] = &memMessage{msg: msg, seen: map[int]struct{}{}, hidden: map[int]struct{}{}}
	s.byConv[conversationID] = append(s.byConv[conversationID], msg.ID)

	preview := msg.Preview()
	at := msg.CreatedAt
	conv.LastMessageText = &preview
	conv.LastMessageAt = &at
	return msg, nil
}

func (r memMessages) Get(ctx context.Context, messageID int) (models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return m.snapshot(), nil
}

func (r memMessages) Edit(ctx context.Context, messageID int, requesterID int, text string) (models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if m.msg.SenderID != requesterID {
		return models.Message{}, ErrNotSender
	}
	if m.msg.DeletedForAll() {
		return models.Message{}, ErrMessageDeleted
	}
	now := s.now()
	m.msg.Text = text
	m.msg.EditedAt = &now
	return m.snapshot(), nil
}

func (r memMessages) Delete(ctx context.Context, messageID int, requesterID int, forEveryone bool) (models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	if forEveryone {
		if m.msg.SenderID != requesterID {
			return models.Message{}, ErrNotSender
		}
		m.msg.Text = ""
		m.msg.Attachments = models.Attachments{}
		m.msg.Deletion.Kind = models.DeleteForAll
		return m.snapshot(), nil
	}
	if !s.conversations[m.msg.ConversationID].HasParticipant(requesterID) {
		return models.Message{}, ErrNotParticipant
	}
	m.hidden[requesterID] = struct{}{}
	return m.snapshot(), nil
}

func (r memMessages) MarkSeen(ctx context.Context, conversationID int, messageIDs []int, readerID int) ([]int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(readerID) {
		return nil, ErrNotParticipant
	}
	var added []int
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.msg.ConversationID != conversationID || m.msg.SenderID == readerID {
			continue
		}
		if _, seen := m.seen[readerID]; seen {
			continue
		}
		m.seen[readerID] = struct{}{}
		added = append(added, id)
	}
	sort.Ints(added)
	return added, nil
}

func (r memMessages) List(ctx context.Context, conversationID int, viewerID int, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	var out []models.Message
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if _, hidden := m.hidden[viewerID]; hidden {
			continue
		}
		out = append(out, m.snapshot())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r memMessages) ClearHistory(ctx context.Context, conversationID int, userID int) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return 0, ErrNotParticipant
	}
	count := 0
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if _, hidden := m.hidden[userID]; !hidden {
			m.hidden[userID] = struct{}{}
			count++
		}
	}
	return count, nil
}

func (m *memMessage) snapshot() models.Message {
	out := m.msg
	out.Attachments = append(models.Attachments(nil), m.msg.Attachments...)
	out.SeenBy = sortedKeys(m.seen)
	out.Deletion = models.DeleteState{Kind: m.msg.Deletion.Kind, HiddenBy: sortedKeys(m.hidden)}
	if out.Deletion.Kind == "" {
		out.Deletion.Kind = models.DeleteActive
	}
	return out
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

type memUsers struct{ s *MemoryStore }

func (r memUsers) SetPresence(ctx context.Context, userID int, online bool, lastSeen time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	at := lastSeen
	r.s.presence[userID] = models.Presence{UserID: userID, Online: online, LastSeenAt: &at}
	return nil
}

func (r memUsers) GetPresence(ctx context.Context, userID int) (models.Presence, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if p, ok := r.s.presence[userID]; ok {
		return p, nil
	}
	return models.Presence{UserID: userID}, nil
}
