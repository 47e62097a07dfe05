package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/stats"
	"github.com/npezzotti/go-liveline/internal/testutil"
	"github.com/npezzotti/go-liveline/internal/types"
)

type recordingConn struct {
	principalId int

	mu     sync.Mutex
	events []*types.ServerEvent
}

func (c *recordingConn) PrincipalId() int { return c.principalId }

func (c *recordingConn) QueueMessage(ev *types.ServerEvent, critical bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *recordingConn) received() []*types.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.ServerEvent(nil), c.events...)
}

func newTestFanout(t *testing.T, gateway Gateway) (*Fanout, *database.MemoryRepository, *presence.Registry) {
	t.Helper()

	repo := database.NewMemoryRepository()
	registry := presence.NewRegistry(testutil.TestLogger(t))

	ms := &stats.MockStatsUpdater{}
	ms.On("RegisterMetric", mock.Anything)
	ms.On("Incr", mock.Anything)

	f := NewFanout(
		testutil.TestLogger(t), repo, registry, gateway, ms,
		10*time.Minute, 3, time.Millisecond,
	)

	return f, repo, registry
}

func TestFanout_PreferenceGate(t *testing.T) {
	gateway := &MockGateway{}
	f, repo, _ := newTestFanout(t, gateway)

	repo.AddPrincipal(database.Principal{
		Id:          1,
		Username:    "quiet",
		NotifyPrefs: database.NotifyPrefs{"message": false},
	})

	// Disabled kind is suppressed silently.
	require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))

	events, err := f.List(1, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "suppressed notifications leave no trace")
	gateway.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)

	// Absent preference means enabled.
	require.NoError(t, f.Notify(1, "follow", "principal-2", "follow:2"))
	events, err = f.List(1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFanout_LiveDelivery(t *testing.T) {
	gateway := &MockGateway{}
	f, repo, registry := newTestFanout(t, gateway)

	repo.AddPrincipal(database.Principal{Id: 1, Username: "online"})

	conn := &recordingConn{principalId: 1}
	registry.Join(conn, presence.NotificationRoom(1))

	require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))

	require.Len(t, conn.received(), 1)
	notification := conn.received()[0].Notification
	require.NotNil(t, notification)
	assert.Equal(t, "message", notification.Kind)

	// Connected recipients never trigger the push gateway.
	gateway.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)

	events, err := f.List(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.PushSkipped, events[0].PushState)
}

func TestFanout_Coalescing(t *testing.T) {
	gateway := &MockGateway{}
	f, repo, registry := newTestFanout(t, gateway)

	repo.AddPrincipal(database.Principal{Id: 1, Username: "busy"})

	conn := &recordingConn{principalId: 1}
	registry.Join(conn, presence.NotificationRoom(1))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))
	}

	events, err := f.List(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "equivalent triggers merge into one event")
	assert.Equal(t, 3, events[0].Count)

	// Dismissal frees the dedup key for the next trigger.
	require.NoError(t, f.Dismiss(1, events[0].Id))
	require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))

	events, err = f.List(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Count)
}

func TestFanout_PushRetry(t *testing.T) {
	gateway := &MockGateway{}
	f, repo, _ := newTestFanout(t, gateway)

	repo.AddPrincipal(database.Principal{Id: 1, Username: "offline"})

	// Two transient failures, then success.
	gateway.On("Deliver", 1, mock.Anything).Return(assert.AnError).Twice()
	gateway.On("Deliver", 1, mock.Anything).Return(nil).Once()

	f.Run()
	require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))
	f.Stop()

	gateway.AssertExpectations(t)

	events, err := f.List(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.PushSent, events[0].PushState)
}

func TestFanout_PushMetric(t *testing.T) {
	repo := database.NewMemoryRepository()
	registry := presence.NewRegistry(testutil.TestLogger(t))

	ms := &stats.MockStatsUpdater{}
	ms.On("RegisterMetric", stats.NotificationsPush).Once()
	ms.On("Incr", stats.NotificationsPush).Once()

	gateway := &MockGateway{}
	gateway.On("Deliver", 1, mock.Anything).Return(nil).Once()

	f := NewFanout(
		testutil.TestLogger(t), repo, registry, gateway, ms,
		10*time.Minute, 3, time.Millisecond,
	)

	repo.AddPrincipal(database.Principal{Id: 1, Username: "offline"})

	f.Run()
	require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))
	f.Stop()

	ms.AssertExpectations(t)
	gateway.AssertExpectations(t)
}

func TestFanout_PushFailed(t *testing.T) {
	gateway := &MockGateway{}
	f, repo, _ := newTestFanout(t, gateway)

	repo.AddPrincipal(database.Principal{Id: 1, Username: "unreachable"})

	gateway.On("Deliver", 1, mock.Anything).Return(assert.AnError).Times(3)

	f.Run()
	require.NoError(t, f.Notify(1, "message", "conv-1", "conv:conv-1"))
	f.Stop()

	gateway.AssertExpectations(t)

	// The event survives the failed push and surfaces on next fetch.
	events, err := f.List(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.PushFailed, events[0].PushState)
}

func TestFanout_UnknownRecipient(t *testing.T) {
	gateway := &MockGateway{}
	f, _, _ := newTestFanout(t, gateway)

	assert.Error(t, f.Notify(99, "message", "conv-1", "conv:conv-1"))
}
