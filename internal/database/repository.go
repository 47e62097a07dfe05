package database

import "errors"

var (
	// ErrStateConflict is returned when a conditional session state
	// transition finds the session in a different state.
	ErrStateConflict = errors.New("session state conflict")
	// ErrDuplicateVote is returned when a vote insert loses a race with a
	// concurrent insert for the same (subject, kind, voter). Callers retry
	// the operation, which then takes the update path.
	ErrDuplicateVote = errors.New("duplicate vote")
	ErrNotFound      = errors.New("not found")
)

type LivelineRepository interface {
	Ping() error

	GetPrincipalById(id int) (Principal, error)

	CreateSession(params CreateSessionParams) (Session, error)
	GetSessionByExternalId(externalId string) (Session, error)
	// TransitionSession updates a session's state only if it is currently
	// in fromState, returning ErrStateConflict otherwise.
	TransitionSession(id int, fromState, toState string) (Session, error)
	ListSessionsByState(state string) ([]Session, error)

	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversationByExternalId(externalId string) (Conversation, error)
	GetConversationWithMembers(id int) (*Conversation, error)
	AddMember(conversationId, principalId int) (Member, error)
	MemberExists(conversationId, principalId int) bool
	// NextSeq atomically increments and returns the conversation's
	// sequence counter.
	NextSeq(conversationId int) (int, error)
	CreateMessage(msg Message) error
	GetMessages(conversationId, since, before, limit int) ([]Message, error)
	// AdvanceDeliveredSeq and AdvanceReadSeq move a member's watermark
	// forward, coercing out-of-order acks to the maximum seen. They
	// return the effective watermark.
	AdvanceDeliveredSeq(conversationId, principalId, seq int) (int, error)
	AdvanceReadSeq(conversationId, principalId, seq int) (int, error)

	// ApplyVote performs the per-voter conditional upsert and applies the
	// signed delta to the subject's total in the same transaction.
	ApplyVote(subjectId, kind, voterId string, value int) (VoteResult, error)
	// IncrementCounter unconditionally adds delta to an append-only
	// counter and returns the new total.
	IncrementCounter(subjectId, kind string, delta int) (int64, error)
	GetCounterTotal(subjectId, kind string) (int64, error)

	// UpsertNotification coalesces into an existing undismissed event with
	// the same dedup key inside the window, or inserts a new event. The
	// bool result reports whether an existing event was updated.
	UpsertNotification(params UpsertNotificationParams) (NotificationEvent, bool, error)
	UpdateNotificationPushState(eventId, state string) error
	DismissNotification(recipientId int, eventId string) error
	ListNotifications(recipientId, limit int) ([]NotificationEvent, error)
}
