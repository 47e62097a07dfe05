package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-liveline/internal/config"
	"github.com/npezzotti/go-liveline/internal/counter"
	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/livesession"
	"github.com/npezzotti/go-liveline/internal/messaging"
	"github.com/npezzotti/go-liveline/internal/notify"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/server"
	"github.com/npezzotti/go-liveline/internal/stats"
	"github.com/npezzotti/go-liveline/internal/testutil"
	"github.com/npezzotti/go-liveline/internal/types"
)

type appFixture struct {
	app    *LivelineApp
	mux    *http.ServeMux
	repo   *database.MemoryRepository
	engine *messaging.Engine
	key    []byte
}

func newAppFixture(t *testing.T) *appFixture {
	t.Helper()

	logger := testutil.TestLogger(t)
	key := []byte("test-signing-key")
	cfg := &config.Config{
		ServerAddr:        "localhost:0",
		SigningKey:        key,
		AllowedOrigins:    []string{"http://localhost:3000"},
		HeartbeatTimeout:  time.Minute,
		CredentialTTL:     time.Hour,
		CoalescingWindow:  10 * time.Minute,
		SendQueueSize:     16,
		DrainTimeout:      time.Second,
		PushRetryAttempts: 1,
		PushRetryBase:     time.Millisecond,
	}

	repo := database.NewMemoryRepository()
	registry := presence.NewRegistry(logger)
	counters := counter.NewAggregator(logger, repo, []string{"view"})
	sessions := livesession.NewManager(
		logger, repo, registry, counters,
		livesession.StaticMediaProvider{}, cfg.HeartbeatTimeout, cfg.CredentialTTL,
	)
	ms := &stats.MockStatsUpdater{}
	ms.On("RegisterMetric", mock.Anything)
	ms.On("Incr", mock.Anything)
	ms.On("Decr", mock.Anything)

	notifier := notify.NewFanout(
		logger, repo, registry, &notify.LogGateway{Log: logger}, ms,
		cfg.CoalescingWindow, cfg.PushRetryAttempts, cfg.PushRetryBase,
	)
	engine := messaging.NewEngine(logger, repo, registry, notifier)

	rs, err := server.NewRealtimeServer(logger, cfg, repo, registry, counters, sessions, engine, notifier, ms)
	require.NoError(t, err)

	mux := http.NewServeMux()
	app := NewLivelineApp(mux, logger, rs, repo, sessions, engine, counters, notifier, cfg)

	return &appFixture{
		app:    app,
		mux:    mux,
		repo:   repo,
		engine: engine,
		key:    key,
	}
}

func (f *appFixture) token(t *testing.T, principalId int) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		principalIdClaim: principalId,
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *appFixture) request(t *testing.T, principalId int, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token(t, principalId))

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	f := newAppFixture(t)

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token signed with the wrong key.
	wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		principalIdClaim: 1,
		"exp":            time.Now().Add(time.Hour).Unix(),
	})
	signed, err := wrong.SignedString([]byte("other-key"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token via cookie works too.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: f.token(t, 1)})
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	f := newAppFixture(t)

	rec := f.request(t, 1, http.MethodPost, "/api/sessions", ScheduleSessionRequest{Title: "launch"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, types.SessionScheduled, created.State)
	assert.Equal(t, 1, created.OwnerId)

	// Only the owner may start it.
	rec = f.request(t, 2, http.MethodPost, "/api/sessions/start", SessionActionRequest{Id: created.ExternalId})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, 1, http.MethodPost, "/api/sessions/start", SessionActionRequest{Id: created.ExternalId})
	require.Equal(t, http.StatusOK, rec.Code)

	var started StartSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.Equal(t, types.SessionLive, started.Session.State)
	assert.Equal(t, livesession.RolePublisher, started.Credential.Role)

	// A live session turns up in the default listing.
	rec = f.request(t, 2, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []types.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ExternalId, listed[0].ExternalId)

	rec = f.request(t, 1, http.MethodPost, "/api/sessions/heartbeat", SessionActionRequest{Id: created.ExternalId})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.request(t, 1, http.MethodPost, "/api/sessions/end", SessionActionRequest{Id: created.ExternalId})
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancelling an ended session conflicts.
	rec = f.request(t, 1, http.MethodPost, "/api/sessions/cancel", SessionActionRequest{Id: created.ExternalId})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.request(t, 1, http.MethodGet, "/api/sessions?id="+created.ExternalId, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var final types.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&final))
	assert.Equal(t, types.SessionEnded, final.State)

	rec = f.request(t, 1, http.MethodGet, "/api/sessions?id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationAndMessageEndpoints(t *testing.T) {
	f := newAppFixture(t)

	rec := f.request(t, 1, http.MethodPost, "/api/conversations", CreateConversationRequest{
		Kind:      "p2p",
		MemberIds: []int{2},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv types.Conversation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conv))
	assert.Len(t, conv.Members, 2, "the creator is always a member")

	for i := 0; i < 3; i++ {
		_, err := f.engine.Send(conv.ExternalId, 1, messaging.Payload{Content: "hello"})
		require.NoError(t, err)
	}

	rec = f.request(t, 2, http.MethodGet, "/api/messages?conversation_id="+conv.ExternalId+"&after=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []types.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, 2, msgs[0].SeqId)

	// Non-members are rejected.
	rec = f.request(t, 3, http.MethodGet, "/api/messages?conversation_id="+conv.ExternalId, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, 1, http.MethodGet, "/api/messages", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, 1, http.MethodPost, "/api/conversations/members", AddMemberRequest{
		ConversationId: conv.ExternalId,
		PrincipalId:    3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var member types.Member
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&member))
	assert.Equal(t, 3, member.PrincipalId)

	// The new member can read the backlog now.
	rec = f.request(t, 3, http.MethodGet, "/api/messages?conversation_id="+conv.ExternalId, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Outsiders cannot add members.
	rec = f.request(t, 4, http.MethodPost, "/api/conversations/members", AddMemberRequest{
		ConversationId: conv.ExternalId,
		PrincipalId:    5,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCounterEndpoint(t *testing.T) {
	f := newAppFixture(t)

	rec := f.request(t, 1, http.MethodGet, "/api/counters?subject_id=post-1&kind=like", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var total types.CounterUpdate
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&total))
	assert.Equal(t, int64(0), total.NewTotal)

	rec = f.request(t, 1, http.MethodGet, "/api/counters?subject_id=post-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationEndpoints(t *testing.T) {
	f := newAppFixture(t)

	f.repo.AddPrincipal(database.Principal{Id: 1, Username: "alice"})

	require.NoError(t, f.app.notifier.Notify(1, "message", "conv-1", "conv:conv-1"))

	rec := f.request(t, 1, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []types.NotificationEvent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 1)

	rec = f.request(t, 1, http.MethodDelete, "/api/notifications?id="+events[0].Id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.request(t, 1, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	assert.Empty(t, events)

	// Another principal cannot dismiss someone else's event.
	f.repo.AddPrincipal(database.Principal{Id: 2, Username: "bob"})
	require.NoError(t, f.app.notifier.Notify(2, "message", "conv-1", "conv:conv-1"))
	rec = f.request(t, 2, http.MethodGet, "/api/notifications", nil)
	events = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 1)

	rec = f.request(t, 1, http.MethodDelete, "/api/notifications?id="+events[0].Id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
