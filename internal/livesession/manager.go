// Package livesession owns the broadcast-session state machine:
// scheduled -> live -> ended, with a direct scheduled -> cancelled
// transition. Only the owning principal may drive transitions; a
// missed-heartbeat watchdog bounds orphaned sessions.
package livesession

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-liveline/internal/counter"
	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/types"
)

const (
	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"

	// ViewCounterKind is the append-only counter bumped on every join.
	ViewCounterKind = "view"
)

var (
	ErrNotOwner      = errors.New("principal does not own session")
	ErrSessionEnded  = errors.New("session has ended")
	ErrNotLive       = errors.New("session is not live")
	ErrMediaProvider = errors.New("media provider unavailable")
)

// MediaProvider mints time-boxed per-participant access tokens for the
// audio/video transport. Failure to mint is recoverable: the session is
// simply not started or continued without a valid credential.
type MediaProvider interface {
	Mint(sessionId, participantId, role string, ttl time.Duration) (types.Credential, error)
}

type liveState struct {
	session    database.Session
	credential types.Credential
	heartbeat  *time.Timer
	rotate     *time.Timer
}

type Manager struct {
	log      *log.Logger
	db       database.LivelineRepository
	registry *presence.Registry
	counters *counter.Aggregator
	media    MediaProvider

	heartbeatTimeout time.Duration
	credentialTTL    time.Duration

	mu   sync.Mutex
	live map[string]*liveState
}

func NewManager(
	logger *log.Logger,
	db database.LivelineRepository,
	registry *presence.Registry,
	counters *counter.Aggregator,
	media MediaProvider,
	heartbeatTimeout, credentialTTL time.Duration,
) *Manager {
	m := &Manager{
		log:              logger,
		db:               db,
		registry:         registry,
		counters:         counters,
		media:            media,
		heartbeatTimeout: heartbeatTimeout,
		credentialTTL:    credentialTTL,
		live:             make(map[string]*liveState),
	}
	registry.SetEmptyHandler(m.roomEmptied)
	return m
}

// roomEmptied observes presence teardown for session rooms. A live
// session keeps running without viewers; the owner ends it or the
// watchdog does.
func (m *Manager) roomEmptied(roomId string) {
	if !strings.HasPrefix(roomId, presence.LiveSessionRoomPrefix) {
		return
	}
	extId := strings.TrimPrefix(roomId, presence.LiveSessionRoomPrefix)
	if m.IsLive(extId) {
		m.log.Printf("live session %q has no viewers", extId)
	}
}

// RecoverOrphans arms heartbeat watchdogs for sessions that were live
// before a process restart. Their owners must send a heartbeat within
// the timeout or the sessions are ended.
func (m *Manager) RecoverOrphans() {
	sessions, err := m.db.ListSessionsByState(string(types.SessionLive))
	if err != nil {
		m.log.Printf("recover orphaned sessions: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range sessions {
		extId := s.ExternalId
		m.live[extId] = &liveState{
			session:   s,
			heartbeat: time.AfterFunc(m.heartbeatTimeout, func() { m.expire(extId) }),
		}
		m.log.Printf("recovered live session %q, awaiting heartbeat", extId)
	}
}

func (m *Manager) Schedule(owner int, title string) (types.Session, error) {
	extId, err := shortid.Generate()
	if err != nil {
		return types.Session{}, fmt.Errorf("generate session id: %w", err)
	}

	s, err := m.db.CreateSession(database.CreateSessionParams{
		ExternalId:  extId,
		OwnerId:     owner,
		Title:       title,
		ScheduledAt: time.Now().UTC(),
	})
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}

	return m.view(s), nil
}

func (m *Manager) Get(extId string) (types.Session, error) {
	s, err := m.db.GetSessionByExternalId(extId)
	if err != nil {
		return types.Session{}, err
	}

	return m.view(s), nil
}

// Start transitions a scheduled session to live, mints the owner's
// publisher credential, and arms the heartbeat watchdog and credential
// rotation timers. The credential is minted before the transition so a
// media-provider outage never produces a live session without one.
func (m *Manager) Start(owner int, extId string) (types.Session, types.Credential, error) {
	s, err := m.db.GetSessionByExternalId(extId)
	if err != nil {
		return types.Session{}, types.Credential{}, err
	}

	if s.OwnerId != owner {
		return types.Session{}, types.Credential{}, ErrNotOwner
	}

	cred, err := m.media.Mint(extId, strconv.Itoa(owner), RolePublisher, m.credentialTTL)
	if err != nil {
		return types.Session{}, types.Credential{}, fmt.Errorf("%w: %v", ErrMediaProvider, err)
	}

	s, err = m.db.TransitionSession(s.Id, string(types.SessionScheduled), string(types.SessionLive))
	if err != nil {
		return types.Session{}, types.Credential{}, fmt.Errorf("start session %q: %w", extId, err)
	}

	m.mu.Lock()
	m.live[extId] = &liveState{
		session:    s,
		credential: cred,
		heartbeat:  time.AfterFunc(m.heartbeatTimeout, func() { m.expire(extId) }),
		rotate:     time.AfterFunc(m.rotateAfter(), func() { m.rotateCredential(extId) }),
	}
	m.mu.Unlock()

	m.broadcastState(extId, types.SessionLive)

	return m.view(s), cred, nil
}

// End transitions a live session to ended. Terminal: the room receives
// a final state broadcast and is torn down, and no further joins are
// accepted.
func (m *Manager) End(owner int, extId string) (types.Session, error) {
	s, err := m.db.GetSessionByExternalId(extId)
	if err != nil {
		return types.Session{}, err
	}

	if s.OwnerId != owner {
		return types.Session{}, ErrNotOwner
	}

	return m.end(s, extId)
}

// Cancel aborts a session that never went live.
func (m *Manager) Cancel(owner int, extId string) (types.Session, error) {
	s, err := m.db.GetSessionByExternalId(extId)
	if err != nil {
		return types.Session{}, err
	}

	if s.OwnerId != owner {
		return types.Session{}, ErrNotOwner
	}

	s, err = m.db.TransitionSession(s.Id, string(types.SessionScheduled), string(types.SessionCancelled))
	if err != nil {
		return types.Session{}, fmt.Errorf("cancel session %q: %w", extId, err)
	}

	return m.view(s), nil
}

// Heartbeat records owner liveness for a live session, resetting the
// watchdog.
func (m *Manager) Heartbeat(owner int, extId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.live[extId]
	if !ok {
		return ErrNotLive
	}

	if state.session.OwnerId != owner {
		return ErrNotOwner
	}

	state.heartbeat.Reset(m.heartbeatTimeout)

	return nil
}

// Join admits a viewer to a live session: mints a subscriber
// credential, subscribes conn to the session room, and bumps the
// append-only view counter. Admission and subscription happen under
// the manager lock, so a join can never land in a room after its
// terminal broadcast and teardown.
func (m *Manager) Join(viewer int, extId string, conn presence.Conn) (types.Session, types.Credential, error) {
	m.mu.Lock()
	_, ok := m.live[extId]
	m.mu.Unlock()

	if !ok {
		return types.Session{}, types.Credential{}, m.joinRefusal(extId)
	}

	cred, err := m.media.Mint(extId, strconv.Itoa(viewer), RoleSubscriber, m.credentialTTL)
	if err != nil {
		return types.Session{}, types.Credential{}, fmt.Errorf("%w: %v", ErrMediaProvider, err)
	}

	// The session may have ended while the credential was minted.
	// Re-check before subscribing: the room must not be recreated once
	// end has torn it down.
	m.mu.Lock()
	state, ok := m.live[extId]
	if !ok {
		m.mu.Unlock()
		return types.Session{}, types.Credential{}, m.joinRefusal(extId)
	}
	m.registry.Join(conn, presence.SessionRoom(extId))
	session := state.session
	m.mu.Unlock()

	if _, err := m.counters.Increment(extId, ViewCounterKind, 1); err != nil {
		// View tallies are best effort; joining proceeds.
		m.log.Printf("increment view counter for %q: %v", extId, err)
	}

	return m.view(session), cred, nil
}

func (m *Manager) joinRefusal(extId string) error {
	s, err := m.db.GetSessionByExternalId(extId)
	if err != nil {
		return err
	}
	if s.State == string(types.SessionEnded) || s.State == string(types.SessionCancelled) {
		return ErrSessionEnded
	}
	return ErrNotLive
}

// expire auto-ends a live session whose owner missed the heartbeat
// window.
func (m *Manager) expire(extId string) {
	m.mu.Lock()
	state, ok := m.live[extId]
	m.mu.Unlock()

	if !ok {
		return
	}

	m.log.Printf("session %q missed heartbeat, ending", extId)
	if _, err := m.end(state.session, extId); err != nil {
		m.log.Printf("end expired session %q: %v", extId, err)
	}
}

func (m *Manager) end(s database.Session, extId string) (types.Session, error) {
	ended, err := m.db.TransitionSession(s.Id, string(types.SessionLive), string(types.SessionEnded))
	if err != nil {
		return types.Session{}, fmt.Errorf("end session %q: %w", extId, err)
	}

	m.mu.Lock()
	if state, ok := m.live[extId]; ok {
		state.heartbeat.Stop()
		if state.rotate != nil {
			state.rotate.Stop()
		}
		delete(m.live, extId)
	}
	// Terminal broadcast reaches all current members before teardown.
	// Both run under the lock so a concurrent Join cannot enter the
	// room between the broadcast and the close.
	m.broadcastState(extId, types.SessionEnded)
	m.registry.CloseRoom(presence.SessionRoom(extId))
	m.mu.Unlock()

	return m.view(ended), nil
}

// rotateCredential mints a replacement publisher credential while the
// session is still live and pushes it to the owner's notification room.
func (m *Manager) rotateCredential(extId string) {
	m.mu.Lock()
	state, ok := m.live[extId]
	if !ok {
		m.mu.Unlock()
		return
	}
	ownerId := state.session.OwnerId
	m.mu.Unlock()

	cred, err := m.media.Mint(extId, strconv.Itoa(ownerId), RolePublisher, m.credentialTTL)
	if err != nil {
		// Retry shortly; the current credential is still valid until TTL.
		m.log.Printf("rotate credential for %q: %v", extId, err)
		m.mu.Lock()
		if state, ok := m.live[extId]; ok {
			state.rotate.Reset(m.heartbeatTimeout)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	state, ok = m.live[extId]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.credential = cred
	state.rotate.Reset(m.rotateAfter())
	m.mu.Unlock()

	m.registry.Broadcast(presence.NotificationRoom(ownerId), &types.ServerEvent{
		Credential: &cred,
	}, nil)
}

// rotateAfter returns the rotation interval: well before TTL expiry so
// a failed mint still leaves time to retry.
func (m *Manager) rotateAfter() time.Duration {
	return m.credentialTTL * 8 / 10
}

func (m *Manager) broadcastState(extId string, state types.SessionState) {
	m.registry.Broadcast(presence.SessionRoom(extId), &types.ServerEvent{
		SessionState: &types.SessionStateChanged{
			SessionId: extId,
			State:     state,
		},
	}, nil)
}

// IsLive reports whether the manager currently tracks extId as live.
func (m *Manager) IsLive(extId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live[extId]
	return ok
}

func (m *Manager) view(s database.Session) types.Session {
	viewers := m.registry.RoomSize(presence.SessionRoom(s.ExternalId))

	return types.Session{
		Id:          s.Id,
		ExternalId:  s.ExternalId,
		OwnerId:     s.OwnerId,
		Title:       s.Title,
		State:       types.SessionState(s.State),
		ScheduledAt: s.ScheduledAt,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		ViewerCount: viewers,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
