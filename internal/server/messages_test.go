package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMessage_Unmarshal(t *testing.T) {
	tcases := []struct {
		name  string
		raw   string
		check func(t *testing.T, msg ClientMessage)
	}{
		{
			name: "join",
			raw:  `{"id":1,"join":{"room_id":"session:abc"}}`,
			check: func(t *testing.T, msg ClientMessage) {
				require.NotNil(t, msg.Join)
				assert.Equal(t, "session:abc", msg.Join.RoomId)
			},
		},
		{
			name: "vote",
			raw:  `{"id":2,"vote":{"subject_id":"post-1","kind":"like","value":1}}`,
			check: func(t *testing.T, msg ClientMessage) {
				require.NotNil(t, msg.Vote)
				assert.Equal(t, "post-1", msg.Vote.SubjectId)
				assert.Equal(t, "like", msg.Vote.Kind)
				assert.Equal(t, 1, msg.Vote.Value)
			},
		},
		{
			name: "publish",
			raw:  `{"id":3,"publish":{"conversation_id":"c1","content":"hello"}}`,
			check: func(t *testing.T, msg ClientMessage) {
				require.NotNil(t, msg.Publish)
				assert.Equal(t, "c1", msg.Publish.ConversationId)
				assert.Equal(t, "hello", msg.Publish.Content)
			},
		},
		{
			name: "ack",
			raw:  `{"id":4,"ack":{"conversation_id":"c1","seq":7,"read":true}}`,
			check: func(t *testing.T, msg ClientMessage) {
				require.NotNil(t, msg.Ack)
				assert.Equal(t, 7, msg.Ack.Seq)
				assert.True(t, msg.Ack.Read)
			},
		},
		{
			name: "heartbeat",
			raw:  `{"id":5,"heartbeat":{"session_id":"abc"}}`,
			check: func(t *testing.T, msg ClientMessage) {
				require.NotNil(t, msg.Heartbeat)
				assert.Equal(t, "abc", msg.Heartbeat.SessionId)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var msg ClientMessage
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &msg))
			tc.check(t, msg)
		})
	}
}

func TestResponseHelpers(t *testing.T) {
	ok := NoErrOK(7, map[string]any{"new_total": int64(3)})
	require.NotNil(t, ok.Response)
	assert.Equal(t, 7, ok.Id)
	assert.Equal(t, http.StatusOK, ok.Response.ResponseCode)
	assert.Empty(t, ok.Response.Error)
	assert.False(t, ok.Timestamp.IsZero())

	accepted := NoErrAccepted(8)
	assert.Equal(t, http.StatusAccepted, accepted.Response.ResponseCode)

	notFound := ErrNotFound(9, "session")
	assert.Equal(t, http.StatusNotFound, notFound.Response.ResponseCode)
	assert.Equal(t, "session not found", notFound.Response.Error)

	forbidden := ErrForbidden(10)
	assert.Equal(t, http.StatusForbidden, forbidden.Response.ResponseCode)

	conflict := ErrConflict(11, "state conflict")
	assert.Equal(t, http.StatusConflict, conflict.Response.ResponseCode)
	assert.Equal(t, "state conflict", conflict.Response.Error)

	invalid := ErrInvalidMessage(-1, "malformed message")
	assert.Equal(t, http.StatusBadRequest, invalid.Response.ResponseCode)
	assert.Zero(t, invalid.Id, "unparseable messages carry no id to echo")
}

func TestResponsesAreCritical(t *testing.T) {
	assert.True(t, NoErrOK(1, nil).Critical(), "responses must never be dropped")
	assert.True(t, ErrInternalError(1).Critical())
}
