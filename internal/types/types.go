package types

import (
	"time"
)

// Principal is an authenticated actor. Accounts are managed by the
// identity service; this core only reads them.
type Principal struct {
	Id          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Private     bool      `json:"private,omitempty"`
	Monetized   bool      `json:"monetized,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type SessionState string

const (
	SessionScheduled SessionState = "scheduled"
	SessionLive      SessionState = "live"
	SessionEnded     SessionState = "ended"
	SessionCancelled SessionState = "cancelled"
)

type Session struct {
	Id          int          `json:"id"`
	ExternalId  string       `json:"external_id"`
	OwnerId     int          `json:"owner_id"`
	Title       string       `json:"title"`
	State       SessionState `json:"state"`
	ScheduledAt time.Time    `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	// ViewerCount is derived from presence and the view counter. It is
	// advisory only, never used for access control.
	ViewerCount int       `json:"viewer_count,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type Conversation struct {
	Id         int       `json:"id"`
	ExternalId string    `json:"external_id"`
	Kind       string    `json:"kind"`
	SeqId      int       `json:"seq_id"`
	Members    []Member  `json:"members,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	PrincipalId      int    `json:"principal_id"`
	Username         string `json:"username,omitempty"`
	LastDeliveredSeq int    `json:"last_delivered_seq"`
	LastReadSeq      int    `json:"last_read_seq"`
	IsPresent        bool   `json:"is_present,omitempty"`
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SeqId          int       `json:"seq_id"`
	SenderId       int       `json:"sender_id"`
	Content        string    `json:"content,omitempty"`
	MediaUrl       string    `json:"media_url,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type PushState string

const (
	PushPending PushState = "pending"
	PushSent    PushState = "sent"
	PushSkipped PushState = "skipped"
	PushFailed  PushState = "push_failed"
)

type NotificationEvent struct {
	Id          string    `json:"id"`
	RecipientId int       `json:"recipient_id"`
	Kind        string    `json:"kind"`
	SubjectRef  string    `json:"subject_ref"`
	DedupKey    string    `json:"-"`
	Count       int       `json:"count"`
	Dismissed   bool      `json:"dismissed,omitempty"`
	PushState   PushState `json:"push_state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CounterUpdate is the wire view of a counter change.
type CounterUpdate struct {
	SubjectId string `json:"subject_id"`
	Kind      string `json:"kind"`
	NewTotal  int64  `json:"new_total"`
}

// Credential is a time-boxed media-access token minted by the media
// session provider for a single participant.
type Credential struct {
	Token         string    `json:"token"`
	SessionId     string    `json:"session_id"`
	ParticipantId string    `json:"participant_id"`
	Role          string    `json:"role"`
	ExpiresAt     time.Time `json:"expires_at"`
}
