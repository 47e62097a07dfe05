package database

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded in-memory implementation of
// LivelineRepository. It honors the same atomicity contracts as the
// Postgres implementation (conditional vote upsert, dense sequence
// numbers, watermark coercion) and backs tests that exercise the
// concurrency properties end to end.
type MemoryRepository struct {
	mu sync.Mutex

	principals    map[int]Principal
	sessions      map[int]Session
	conversations map[int]*Conversation
	messages      map[int][]Message
	votes         map[string]int
	totals        map[string]int64
	notifications map[string]*NotificationEvent

	nextSessionId      int
	nextConversationId int
	nextMemberId       int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		principals:    make(map[int]Principal),
		sessions:      make(map[int]Session),
		conversations: make(map[int]*Conversation),
		messages:      make(map[int][]Message),
		votes:         make(map[string]int),
		totals:        make(map[string]int64),
		notifications: make(map[string]*NotificationEvent),
	}
}

func voteKey(subjectId, kind, voterId string) string {
	return subjectId + "\x00" + kind + "\x00" + voterId
}

func totalKey(subjectId, kind string) string {
	return subjectId + "\x00" + kind
}

func (m *MemoryRepository) Ping() error { return nil }

// AddPrincipal seeds an account. Test helper; principals are otherwise
// owned by the identity service.
func (m *MemoryRepository) AddPrincipal(p Principal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.principals[p.Id] = p
}

func (m *MemoryRepository) GetPrincipalById(id int) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepository) CreateSession(params CreateSessionParams) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSessionId++
	now := time.Now().UTC()
	s := Session{
		Id:          m.nextSessionId,
		ExternalId:  params.ExternalId,
		OwnerId:     params.OwnerId,
		Title:       params.Title,
		State:       "scheduled",
		ScheduledAt: params.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[s.Id] = s

	return s, nil
}

func (m *MemoryRepository) GetSessionByExternalId(externalId string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.ExternalId == externalId {
			return s, nil
		}
	}

	return Session{}, ErrNotFound
}

func (m *MemoryRepository) TransitionSession(id int, fromState, toState string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.State != fromState {
		return Session{}, ErrStateConflict
	}

	now := time.Now().UTC()
	s.State = toState
	s.UpdatedAt = now
	switch toState {
	case "live":
		s.StartedAt = &now
	case "ended", "cancelled":
		s.EndedAt = &now
	}
	m.sessions[id] = s

	return s, nil
}

func (m *MemoryRepository) ListSessionsByState(state string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []Session
	for _, s := range m.sessions {
		if s.State == state {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Id < sessions[j].Id })

	return sessions, nil
}

func (m *MemoryRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextConversationId++
	now := time.Now().UTC()
	conv := &Conversation{
		Id:         m.nextConversationId,
		ExternalId: params.ExternalId,
		Kind:       params.Kind,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, principalId := range params.MemberIds {
		m.nextMemberId++
		conv.Members = append(conv.Members, Member{
			Id:             m.nextMemberId,
			ConversationId: conv.Id,
			PrincipalId:    principalId,
			Username:       m.principals[principalId].Username,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	m.conversations[conv.Id] = conv

	return *conv, nil
}

func (m *MemoryRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conv := range m.conversations {
		if conv.ExternalId == externalId {
			c := *conv
			c.Members = nil
			return c, nil
		}
	}

	return Conversation{}, ErrNotFound
}

func (m *MemoryRepository) GetConversationWithMembers(id int) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	c := *conv
	c.Members = append([]Member(nil), conv.Members...)

	return &c, nil
}

func (m *MemoryRepository) AddMember(conversationId, principalId int) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationId]
	if !ok {
		return Member{}, ErrNotFound
	}

	for _, member := range conv.Members {
		if member.PrincipalId == principalId {
			return Member{}, fmt.Errorf("principal %d already a member of conversation %d", principalId, conversationId)
		}
	}

	m.nextMemberId++
	now := time.Now().UTC()
	member := Member{
		Id:             m.nextMemberId,
		ConversationId: conversationId,
		PrincipalId:    principalId,
		Username:       m.principals[principalId].Username,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	conv.Members = append(conv.Members, member)

	return member, nil
}

func (m *MemoryRepository) MemberExists(conversationId, principalId int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationId]
	if !ok {
		return false
	}

	for _, member := range conv.Members {
		if member.PrincipalId == principalId {
			return true
		}
	}

	return false
}

func (m *MemoryRepository) NextSeq(conversationId int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationId]
	if !ok {
		return 0, ErrNotFound
	}

	conv.SeqId++

	return conv.SeqId, nil
}

func (m *MemoryRepository) CreateMessage(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.messages[msg.ConversationId] {
		if existing.SeqId == msg.SeqId {
			return fmt.Errorf("duplicate seq %d in conversation %d", msg.SeqId, msg.ConversationId)
		}
	}

	m.messages[msg.ConversationId] = append(m.messages[msg.ConversationId], msg)

	return nil
}

func (m *MemoryRepository) GetMessages(conversationId, since, before, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var upper, lower int = 1<<31 - 1, 0
	if before > 0 {
		upper = before - 1
	}
	if since > 0 {
		lower = since
	}
	if limit <= 0 {
		limit = 50
	}

	var messages []Message
	for _, msg := range m.messages[conversationId] {
		if msg.SeqId >= lower && msg.SeqId <= upper {
			messages = append(messages, msg)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].SeqId < messages[j].SeqId })

	if len(messages) > limit {
		messages = messages[:limit]
	}

	return messages, nil
}

func (m *MemoryRepository) AdvanceDeliveredSeq(conversationId, principalId, seq int) (int, error) {
	return m.advanceWatermark(conversationId, principalId, seq, false)
}

func (m *MemoryRepository) AdvanceReadSeq(conversationId, principalId, seq int) (int, error) {
	return m.advanceWatermark(conversationId, principalId, seq, true)
}

func (m *MemoryRepository) advanceWatermark(conversationId, principalId, seq int, read bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationId]
	if !ok {
		return 0, ErrNotFound
	}

	for i := range conv.Members {
		member := &conv.Members[i]
		if member.PrincipalId != principalId {
			continue
		}

		if read {
			if seq > member.LastReadSeq {
				member.LastReadSeq = seq
			}
			return member.LastReadSeq, nil
		}

		if seq > member.LastDeliveredSeq {
			member.LastDeliveredSeq = seq
		}
		return member.LastDeliveredSeq, nil
	}

	return 0, ErrNotFound
}

func (m *MemoryRepository) ApplyVote(subjectId, kind, voterId string, value int) (VoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vk := voteKey(subjectId, kind, voterId)
	tk := totalKey(subjectId, kind)

	prev, existed := m.votes[vk]
	if existed && prev == value {
		return VoteResult{Delta: 0, NewTotal: m.totals[tk], Changed: false}, nil
	}

	m.votes[vk] = value
	delta := value - prev
	m.totals[tk] += int64(delta)

	return VoteResult{Delta: delta, NewTotal: m.totals[tk], Changed: true}, nil
}

func (m *MemoryRepository) IncrementCounter(subjectId, kind string, delta int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tk := totalKey(subjectId, kind)
	m.totals[tk] += int64(delta)

	return m.totals[tk], nil
}

func (m *MemoryRepository) GetCounterTotal(subjectId, kind string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totals[totalKey(subjectId, kind)], nil
}

func (m *MemoryRepository) UpsertNotification(params UpsertNotificationParams) (NotificationEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-params.Window)

	for _, ev := range m.notifications {
		if ev.RecipientId == params.RecipientId && ev.DedupKey == params.DedupKey &&
			!ev.Dismissed && ev.CreatedAt.After(cutoff) {
			ev.Count++
			ev.SubjectRef = params.SubjectRef
			ev.UpdatedAt = now
			return *ev, true, nil
		}
	}

	ev := &NotificationEvent{
		Id:          params.EventId,
		RecipientId: params.RecipientId,
		Kind:        params.Kind,
		SubjectRef:  params.SubjectRef,
		DedupKey:    params.DedupKey,
		Count:       1,
		PushState:   "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.notifications[ev.Id] = ev

	return *ev, false, nil
}

func (m *MemoryRepository) UpdateNotificationPushState(eventId, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.notifications[eventId]
	if !ok {
		return ErrNotFound
	}

	ev.PushState = state
	ev.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *MemoryRepository) DismissNotification(recipientId int, eventId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.notifications[eventId]
	if !ok || ev.RecipientId != recipientId {
		return ErrNotFound
	}

	ev.Dismissed = true
	ev.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *MemoryRepository) ListNotifications(recipientId, limit int) ([]NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var events []NotificationEvent
	for _, ev := range m.notifications {
		if ev.RecipientId == recipientId && !ev.Dismissed {
			events = append(events, *ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].UpdatedAt.After(events[j].UpdatedAt) })

	if len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}
