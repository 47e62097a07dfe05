package database

import (
	"github.com/stretchr/testify/mock"
)

type MockLivelineRepository struct {
	mock.Mock
}

func (m *MockLivelineRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockLivelineRepository) GetPrincipalById(id int) (Principal, error) {
	args := m.Called(id)
	return args.Get(0).(Principal), args.Error(1)
}
func (m *MockLivelineRepository) CreateSession(params CreateSessionParams) (Session, error) {
	args := m.Called(params)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockLivelineRepository) GetSessionByExternalId(externalId string) (Session, error) {
	args := m.Called(externalId)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockLivelineRepository) TransitionSession(id int, fromState, toState string) (Session, error) {
	args := m.Called(id, fromState, toState)
	return args.Get(0).(Session), args.Error(1)
}
func (m *MockLivelineRepository) ListSessionsByState(state string) ([]Session, error) {
	args := m.Called(state)
	return args.Get(0).([]Session), args.Error(1)
}
func (m *MockLivelineRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockLivelineRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockLivelineRepository) GetConversationWithMembers(id int) (*Conversation, error) {
	args := m.Called(id)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockLivelineRepository) AddMember(conversationId, principalId int) (Member, error) {
	args := m.Called(conversationId, principalId)
	return args.Get(0).(Member), args.Error(1)
}
func (m *MockLivelineRepository) MemberExists(conversationId, principalId int) bool {
	args := m.Called(conversationId, principalId)
	return args.Bool(0)
}
func (m *MockLivelineRepository) NextSeq(conversationId int) (int, error) {
	args := m.Called(conversationId)
	return args.Int(0), args.Error(1)
}
func (m *MockLivelineRepository) CreateMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockLivelineRepository) GetMessages(conversationId, since, before, limit int) ([]Message, error) {
	args := m.Called(conversationId, since, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockLivelineRepository) AdvanceDeliveredSeq(conversationId, principalId, seq int) (int, error) {
	args := m.Called(conversationId, principalId, seq)
	return args.Int(0), args.Error(1)
}
func (m *MockLivelineRepository) AdvanceReadSeq(conversationId, principalId, seq int) (int, error) {
	args := m.Called(conversationId, principalId, seq)
	return args.Int(0), args.Error(1)
}
func (m *MockLivelineRepository) ApplyVote(subjectId, kind, voterId string, value int) (VoteResult, error) {
	args := m.Called(subjectId, kind, voterId, value)
	return args.Get(0).(VoteResult), args.Error(1)
}
func (m *MockLivelineRepository) IncrementCounter(subjectId, kind string, delta int) (int64, error) {
	args := m.Called(subjectId, kind, delta)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockLivelineRepository) GetCounterTotal(subjectId, kind string) (int64, error) {
	args := m.Called(subjectId, kind)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockLivelineRepository) UpsertNotification(params UpsertNotificationParams) (NotificationEvent, bool, error) {
	args := m.Called(params)
	return args.Get(0).(NotificationEvent), args.Bool(1), args.Error(2)
}
func (m *MockLivelineRepository) UpdateNotificationPushState(eventId, state string) error {
	args := m.Called(eventId, state)
	return args.Error(0)
}
func (m *MockLivelineRepository) DismissNotification(recipientId int, eventId string) error {
	args := m.Called(recipientId, eventId)
	return args.Error(0)
}
func (m *MockLivelineRepository) ListNotifications(recipientId, limit int) ([]NotificationEvent, error) {
	args := m.Called(recipientId, limit)
	return args.Get(0).([]NotificationEvent), args.Error(1)
}
