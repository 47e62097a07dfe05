package server

import (
	"net/http"
	"testing"
	"time"

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
	"github.com/npezzotti/go-liveline/internal/stats"
	"github.com/npezzotti/go-liveline/internal/testutil"
	"github.com/npezzotti/go-liveline/internal/types"
)

type serverFixture struct {
	rs       *RealtimeServer
	repo     *database.MemoryRepository
	registry *presence.Registry
	sessions *livesession.Manager
	engine   *messaging.Engine
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	logger := testutil.TestLogger(t)
	cfg := &config.Config{
		SendQueueSize:     16,
		DrainTimeout:      time.Second,
		HeartbeatTimeout:  time.Minute,
		CredentialTTL:     time.Hour,
		CoalescingWindow:  10 * time.Minute,
		PushRetryAttempts: 1,
		PushRetryBase:     time.Millisecond,
		AppendOnlyKinds:   []string{"view"},
	}

	repo := database.NewMemoryRepository()
	registry := presence.NewRegistry(logger)
	counters := counter.NewAggregator(logger, repo, cfg.AppendOnlyKinds)
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

	rs, err := NewRealtimeServer(logger, cfg, repo, registry, counters, sessions, engine, notifier, ms)
	require.NoError(t, err)

	return &serverFixture{
		rs:       rs,
		repo:     repo,
		registry: registry,
		sessions: sessions,
		engine:   engine,
	}
}

func (f *serverFixture) newClient(t *testing.T, principalId int) *Client {
	t.Helper()

	return &Client{
		server:    f.rs,
		log:       testutil.TestLogger(t),
		principal: types.Principal{Id: principalId},
		queue:     newSendQueue(f.rs.config.SendQueueSize),
		stop:      make(chan struct{}),
	}
}

// drain pops every queued event.
func drain(c *Client) []*types.ServerEvent {
	var events []*types.ServerEvent
	for {
		ev := c.queue.pop()
		if ev == nil {
			return events
		}
		events = append(events, ev)
	}
}

func (f *serverFixture) dispatch(c *Client, msg ClientMessage) {
	msg.client = c
	msg.PrincipalId = c.principal.Id
	msg.Timestamp = Now()
	f.rs.dispatch(&msg)
}

func TestDispatch_JoinNotificationRoom(t *testing.T) {
	f := newServerFixture(t)
	c := f.newClient(t, 1)

	f.dispatch(c, ClientMessage{Id: 1, Join: &Join{RoomId: "notif:1"}})

	events := drain(c)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Response)
	assert.Equal(t, http.StatusOK, events[0].Response.ResponseCode)
	require.NotNil(t, events[1].RoomEvent)
	assert.True(t, events[1].RoomEvent.Present)
	assert.True(t, f.registry.IsMember("notif:1", 1))
}

func TestDispatch_JoinForeignNotificationRoom(t *testing.T) {
	f := newServerFixture(t)
	c := f.newClient(t, 1)

	f.dispatch(c, ClientMessage{Id: 1, Join: &Join{RoomId: "notif:2"}})

	events := drain(c)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Response)
	assert.Equal(t, http.StatusBadRequest, events[0].Response.ResponseCode)
	assert.False(t, f.registry.IsMember("notif:2", 1))
}

func TestDispatch_JoinConversation(t *testing.T) {
	f := newServerFixture(t)

	conv, err := f.engine.CreateConversation("p2p", []int{1, 2})
	require.NoError(t, err)

	member := f.newClient(t, 1)
	f.dispatch(member, ClientMessage{Id: 1, Join: &Join{RoomId: "conv:" + conv.ExternalId}})
	events := drain(member)
	require.NotEmpty(t, events)
	assert.Equal(t, http.StatusOK, events[0].Response.ResponseCode)

	// Non-members cannot subscribe to the conversation room.
	outsider := f.newClient(t, 3)
	f.dispatch(outsider, ClientMessage{Id: 2, Join: &Join{RoomId: "conv:" + conv.ExternalId}})
	events = drain(outsider)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusForbidden, events[0].Response.ResponseCode)
}

func TestDispatch_JoinLiveSession(t *testing.T) {
	f := newServerFixture(t)

	s, err := f.sessions.Schedule(1, "show")
	require.NoError(t, err)

	viewer := f.newClient(t, 2)
	f.dispatch(viewer, ClientMessage{Id: 1, Join: &Join{RoomId: "session:" + s.ExternalId}})
	events := drain(viewer)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusConflict, events[0].Response.ResponseCode, "scheduled sessions cannot be joined")

	_, _, err = f.sessions.Start(1, s.ExternalId)
	require.NoError(t, err)

	f.dispatch(viewer, ClientMessage{Id: 2, Join: &Join{RoomId: "session:" + s.ExternalId}})
	events = drain(viewer)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Response)
	assert.Equal(t, http.StatusOK, events[0].Response.ResponseCode)
	assert.Contains(t, events[0].Response.Data, "credential")
	assert.True(t, f.registry.IsMember("session:"+s.ExternalId, 2))
}

func TestDispatch_Vote(t *testing.T) {
	f := newServerFixture(t)

	s, err := f.sessions.Schedule(1, "show")
	require.NoError(t, err)
	_, _, err = f.sessions.Start(1, s.ExternalId)
	require.NoError(t, err)

	viewer := f.newClient(t, 2)
	f.dispatch(viewer, ClientMessage{Id: 1, Join: &Join{RoomId: "session:" + s.ExternalId}})
	drain(viewer)

	voter := f.newClient(t, 3)
	f.dispatch(voter, ClientMessage{Id: 2, Vote: &Vote{SubjectId: s.ExternalId, Kind: "like", Value: 1}})

	events := drain(voter)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Response)
	assert.Equal(t, http.StatusOK, events[0].Response.ResponseCode)
	assert.Equal(t, int64(1), events[0].Response.Data["new_total"])

	// Room members see the aggregate update.
	viewerEvents := drain(viewer)
	require.Len(t, viewerEvents, 1)
	require.NotNil(t, viewerEvents[0].CounterUpdate)
	assert.Equal(t, int64(1), viewerEvents[0].CounterUpdate.NewTotal)

	// An identical revote responds but broadcasts nothing.
	f.dispatch(voter, ClientMessage{Id: 3, Vote: &Vote{SubjectId: s.ExternalId, Kind: "like", Value: 1}})
	events = drain(voter)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusOK, events[0].Response.ResponseCode)
	assert.Empty(t, drain(viewer))
}

func TestDispatch_VoteValidation(t *testing.T) {
	f := newServerFixture(t)
	c := f.newClient(t, 1)

	f.dispatch(c, ClientMessage{Id: 1, Vote: &Vote{Kind: "like", Value: 1}})

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusBadRequest, events[0].Response.ResponseCode)
}

func TestDispatch_PublishAndAck(t *testing.T) {
	f := newServerFixture(t)

	conv, err := f.engine.CreateConversation("p2p", []int{1, 2})
	require.NoError(t, err)

	sender := f.newClient(t, 1)
	f.dispatch(sender, ClientMessage{Id: 1, Publish: &Publish{ConversationId: conv.ExternalId, Content: "hello"}})

	events := drain(sender)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Response)
	assert.Equal(t, http.StatusOK, events[0].Response.ResponseCode)
	assert.Equal(t, 1, events[0].Response.Data["seq_id"])

	receiver := f.newClient(t, 2)
	f.dispatch(receiver, ClientMessage{Id: 2, Ack: &Ack{ConversationId: conv.ExternalId, Seq: 1, Read: true}})

	events = drain(receiver)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusAccepted, events[0].Response.ResponseCode)

	full, err := f.repo.GetConversationWithMembers(conv.Id)
	require.NoError(t, err)
	for _, m := range full.Members {
		if m.PrincipalId == 2 {
			assert.Equal(t, 1, m.LastReadSeq)
			assert.Equal(t, 1, m.LastDeliveredSeq, "read implies delivered")
		}
	}
}

func TestDispatch_PublishNotMember(t *testing.T) {
	f := newServerFixture(t)

	conv, err := f.engine.CreateConversation("p2p", []int{1, 2})
	require.NoError(t, err)

	outsider := f.newClient(t, 3)
	f.dispatch(outsider, ClientMessage{Id: 1, Publish: &Publish{ConversationId: conv.ExternalId, Content: "hi"}})

	events := drain(outsider)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusForbidden, events[0].Response.ResponseCode)
}

func TestDispatch_Heartbeat(t *testing.T) {
	f := newServerFixture(t)

	s, err := f.sessions.Schedule(1, "show")
	require.NoError(t, err)
	_, _, err = f.sessions.Start(1, s.ExternalId)
	require.NoError(t, err)

	owner := f.newClient(t, 1)
	f.dispatch(owner, ClientMessage{Id: 1, Heartbeat: &Heartbeat{SessionId: s.ExternalId}})

	events := drain(owner)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusAccepted, events[0].Response.ResponseCode)

	// Heartbeats from anyone but the owner are rejected.
	stranger := f.newClient(t, 2)
	f.dispatch(stranger, ClientMessage{Id: 2, Heartbeat: &Heartbeat{SessionId: s.ExternalId}})

	events = drain(stranger)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusForbidden, events[0].Response.ResponseCode)
}

func TestDispatch_UnknownMessage(t *testing.T) {
	f := newServerFixture(t)
	c := f.newClient(t, 1)

	f.dispatch(c, ClientMessage{Id: 1})

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusBadRequest, events[0].Response.ResponseCode)
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	f := newServerFixture(t)

	s, err := f.sessions.Schedule(1, "show")
	require.NoError(t, err)
	_, _, err = f.sessions.Start(1, s.ExternalId)
	require.NoError(t, err)

	roomId := "session:" + s.ExternalId

	leaver := f.newClient(t, 2)
	watcher := f.newClient(t, 3)
	f.dispatch(leaver, ClientMessage{Id: 1, Join: &Join{RoomId: roomId}})
	f.dispatch(watcher, ClientMessage{Id: 2, Join: &Join{RoomId: roomId}})
	drain(leaver)
	drain(watcher)

	f.rs.disconnect(leaver)

	assert.False(t, f.registry.IsMember(roomId, 2))

	events := drain(watcher)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].RoomEvent)
	assert.False(t, events[0].RoomEvent.Present)
	assert.Equal(t, 2, events[0].RoomEvent.PrincipalId)
}

func TestRunRegistersAndShutsDown(t *testing.T) {
	f := newServerFixture(t)

	go f.rs.Run()

	c := f.newClient(t, 1)
	f.rs.RegisterChan <- c

	assert.Eventually(t, func() bool {
		f.rs.clientsLock.Lock()
		defer f.rs.clientsLock.Unlock()
		_, ok := f.rs.clients[c]
		return ok
	}, time.Second, 10*time.Millisecond)

	f.rs.Shutdown()

	select {
	case <-c.stop:
	default:
		t.Fatal("shutdown must stop registered clients")
	}
}
