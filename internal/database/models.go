package database

import "time"

type Principal struct {
	Id          int
	Username    string
	DisplayName string
	Private     bool
	Monetized   bool
	NotifyPrefs NotifyPrefs
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NotifyPrefs maps a notification kind to an opt-in flag. Kinds absent
// from the map are enabled.
type NotifyPrefs map[string]bool

func (p NotifyPrefs) Enabled(kind string) bool {
	if p == nil {
		return true
	}
	enabled, ok := p[kind]
	return !ok || enabled
}

type Session struct {
	Id          int
	ExternalId  string
	OwnerId     int
	Title       string
	State       string
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Conversation struct {
	Id         int
	ExternalId string
	Kind       string
	SeqId      int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Members    []Member
}

type Member struct {
	Id               int
	ConversationId   int
	PrincipalId      int
	Username         string
	LastDeliveredSeq int
	LastReadSeq      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Message struct {
	Id             string
	ConversationId int
	SeqId          int
	SenderId       int
	Content        string
	MediaUrl       string
	CreatedAt      time.Time
}

type NotificationEvent struct {
	Id          string
	RecipientId int
	Kind        string
	SubjectRef  string
	DedupKey    string
	Count       int
	Dismissed   bool
	PushState   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VoteResult reports the effect of a per-voter conditional upsert.
// Delta is the signed change applied to the subject's total, zero when
// the vote was identical to the previous one.
type VoteResult struct {
	Delta    int
	NewTotal int64
	Changed  bool
}

type CreateSessionParams struct {
	ExternalId  string
	OwnerId     int
	Title       string
	ScheduledAt time.Time
}

type CreateConversationParams struct {
	ExternalId string
	Kind       string
	MemberIds  []int
}

type UpsertNotificationParams struct {
	EventId     string
	RecipientId int
	Kind        string
	SubjectRef  string
	DedupKey    string
	// Window bounds coalescing: an undismissed event with the same dedup
	// key created inside the window is updated instead of duplicated.
	Window time.Duration
}
