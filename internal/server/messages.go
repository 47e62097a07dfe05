package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-liveline/internal/types"
)

// ClientMessage is the inbound event envelope. Exactly one of the
// optional fields is set per message.
type ClientMessage struct {
	Id          int        `json:"id,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Join        *Join      `json:"join,omitempty"`
	Leave       *Leave     `json:"leave,omitempty"`
	Vote        *Vote      `json:"vote,omitempty"`
	Publish     *Publish   `json:"publish,omitempty"`
	Typing      *Typing    `json:"typing,omitempty"`
	Ack         *Ack       `json:"ack,omitempty"`
	Heartbeat   *Heartbeat `json:"heartbeat,omitempty"`
	PrincipalId int        `json:"-"`
	client      *Client    `json:"-"`
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

type Vote struct {
	SubjectId string `json:"subject_id"`
	Kind      string `json:"kind"`
	Value     int    `json:"value"`
}

type Publish struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	MediaUrl       string `json:"media_url,omitempty"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// Ack acknowledges receipt of messages up to Seq in a conversation.
// Read acks imply delivery.
type Ack struct {
	ConversationId string `json:"conversation_id"`
	Seq            int    `json:"seq"`
	Read           bool   `json:"read,omitempty"`
}

type Heartbeat struct {
	SessionId string `json:"session_id"`
}

func NoErrOK(id int, data map[string]any) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrNotFound(id int, what string) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusNotFound,
			Error:        what + " not found",
		},
	}
}

func ErrForbidden(id int) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusForbidden,
			Error:        "forbidden",
		},
	}
}

func ErrConflict(id int, reason string) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusConflict,
			Error:        reason,
		},
	}
}

func ErrInternalError(id int) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *types.ServerEvent {
	return &types.ServerEvent{
		Id:        id,
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int, reason string) *types.ServerEvent {
	msg := &types.ServerEvent{
		Timestamp: Now(),
		Response: &types.Response{
			ResponseCode: http.StatusBadRequest,
			Error:        reason,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
