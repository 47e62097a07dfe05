package types

import "time"

// ServerEvent is the tagged-union envelope pushed to connected clients.
// Exactly one of the optional fields is set.
type ServerEvent struct {
	Id            int                  `json:"id,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
	Response      *Response            `json:"response,omitempty"`
	RoomEvent     *RoomEvent           `json:"room_event,omitempty"`
	CounterUpdate *CounterUpdate       `json:"counter_update,omitempty"`
	Message       *Message             `json:"message,omitempty"`
	Receipt       *Receipt             `json:"receipt,omitempty"`
	Typing        *TypingEvent         `json:"typing,omitempty"`
	SessionState  *SessionStateChanged `json:"session_state,omitempty"`
	Notification  *NotificationEvent   `json:"notification,omitempty"`
	Credential    *Credential          `json:"credential,omitempty"`
	Gap           *GapMarker           `json:"gap,omitempty"`
}

// Critical reports whether the event is a state transition or message
// content that must never be dropped from a slow connection's queue.
func (e *ServerEvent) Critical() bool {
	return e.Message != nil || e.SessionState != nil || e.Response != nil
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// RoomEvent carries room-scoped presence announcements (joins, leaves,
// membership changes).
type RoomEvent struct {
	RoomId      string `json:"room_id"`
	PrincipalId int    `json:"principal_id,omitempty"`
	Present     bool   `json:"present"`
}

type Receipt struct {
	ConversationId string `json:"conversation_id"`
	PrincipalId    int    `json:"principal_id"`
	Seq            int    `json:"seq"`
	Read           bool   `json:"read"`
}

// TypingEvent is a pure presence broadcast: never durable, never
// delivered to offline recipients. Clients clear the indicator locally
// when no renewal arrives within their TTL.
type TypingEvent struct {
	ConversationId string `json:"conversation_id"`
	PrincipalId    int    `json:"principal_id"`
	IsTyping       bool   `json:"is_typing"`
}

type SessionStateChanged struct {
	SessionId string       `json:"session_id"`
	State     SessionState `json:"state"`
}

// GapMarker tells a client that non-critical events were dropped from
// its queue and a resync (backlog fetch, counter refresh) may be needed.
type GapMarker struct {
	Dropped int `json:"dropped"`
}
