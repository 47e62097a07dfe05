package server

import (
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/npezzotti/go-liveline/internal/config"
	"github.com/npezzotti/go-liveline/internal/counter"
	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/livesession"
	"github.com/npezzotti/go-liveline/internal/messaging"
	"github.com/npezzotti/go-liveline/internal/notify"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/stats"
	"github.com/npezzotti/go-liveline/internal/types"
)

// RealtimeServer owns the websocket connections and routes inbound
// client events to the domain services.
type RealtimeServer struct {
	log            *log.Logger
	config         *config.Config
	db             database.LivelineRepository
	registry       *presence.Registry
	counters       *counter.Aggregator
	sessions       *livesession.Manager
	messaging      *messaging.Engine
	notifier       *notify.Fanout
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
}

func NewRealtimeServer(
	logger *log.Logger,
	cfg *config.Config,
	db database.LivelineRepository,
	registry *presence.Registry,
	counters *counter.Aggregator,
	sessions *livesession.Manager,
	engine *messaging.Engine,
	notifier *notify.Fanout,
	statsProvider stats.StatsProvider,
) (*RealtimeServer, error) {
	rs := &RealtimeServer{
		log:            logger,
		config:         cfg,
		db:             db,
		registry:       registry,
		counters:       counters,
		sessions:       sessions,
		messaging:      engine,
		notifier:       notifier,
		stats:          statsProvider,
		clients:        make(map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, m := range []string{
		stats.ActiveConnections,
		stats.MessagesSent,
		stats.VotesApplied,
		stats.EventsDispatched,
	} {
		rs.stats.RegisterMetric(m)
	}

	return rs, nil
}

func (rs *RealtimeServer) Run() {
	for {
		select {
		case client := <-rs.RegisterChan:
			rs.log.Printf("adding connection for principal %d", client.principal.Id)
			rs.addClient(client)
			rs.stats.Incr(stats.ActiveConnections)
		case client := <-rs.deRegisterChan:
			rs.log.Printf("removing connection for principal %d", client.principal.Id)
			rs.disconnect(client)
			rs.stats.Decr(stats.ActiveConnections)
		case <-rs.stop:
			rs.clientsLock.Lock()
			for c := range rs.clients {
				c.stopClient()
			}
			rs.clientsLock.Unlock()

			close(rs.done)
			return
		}
	}
}

func (rs *RealtimeServer) addClient(c *Client) {
	rs.clientsLock.Lock()
	defer rs.clientsLock.Unlock()
	rs.clients[c] = struct{}{}
}

// disconnect removes the client from every room it joined and announces
// its departure to the remaining members.
func (rs *RealtimeServer) disconnect(c *Client) {
	rs.clientsLock.Lock()
	delete(rs.clients, c)
	rs.clientsLock.Unlock()

	rooms := rs.registry.Rooms(c)
	rs.registry.LeaveAll(c)

	for _, roomId := range rooms {
		rs.registry.Broadcast(roomId, &types.ServerEvent{
			RoomEvent: &types.RoomEvent{
				RoomId:      roomId,
				PrincipalId: c.principal.Id,
				Present:     false,
			},
		}, nil)
	}
}

// dispatch routes one inbound event. It runs on the client's read
// goroutine; every domain service it calls is safe for concurrent use.
func (rs *RealtimeServer) dispatch(msg *ClientMessage) {
	rs.stats.Incr(stats.EventsDispatched)

	switch {
	case msg.Join != nil:
		rs.handleJoin(msg)
	case msg.Leave != nil:
		rs.handleLeave(msg)
	case msg.Vote != nil:
		rs.handleVote(msg)
	case msg.Publish != nil:
		rs.handlePublish(msg)
	case msg.Typing != nil:
		rs.handleTyping(msg)
	case msg.Ack != nil:
		rs.handleAck(msg)
	case msg.Heartbeat != nil:
		rs.handleHeartbeat(msg)
	default:
		msg.client.QueueMessage(ErrInvalidMessage(msg.Id, "unknown message type"), true)
	}
}

func (rs *RealtimeServer) handleJoin(msg *ClientMessage) {
	roomId := msg.Join.RoomId
	c := msg.client

	data := map[string]any{"room_id": roomId}

	// The session manager subscribes the connection itself, atomically
	// with admission.
	subscribed := false

	switch {
	case strings.HasPrefix(roomId, presence.LiveSessionRoomPrefix):
		extId := strings.TrimPrefix(roomId, presence.LiveSessionRoomPrefix)
		session, cred, err := rs.sessions.Join(msg.PrincipalId, extId, c)
		if err != nil {
			c.QueueMessage(rs.errorEvent(msg.Id, err), true)
			return
		}
		data["session"] = session
		data["credential"] = cred
		subscribed = true
	case strings.HasPrefix(roomId, presence.ConversationRoomPrefix):
		extId := strings.TrimPrefix(roomId, presence.ConversationRoomPrefix)
		conv, err := rs.db.GetConversationByExternalId(extId)
		if err != nil {
			c.QueueMessage(ErrNotFound(msg.Id, "conversation"), true)
			return
		}
		if !rs.db.MemberExists(conv.Id, msg.PrincipalId) {
			c.QueueMessage(ErrForbidden(msg.Id), true)
			return
		}
	case roomId == presence.NotificationRoom(msg.PrincipalId):
		// Principals may only subscribe to their own notification room.
	default:
		c.QueueMessage(ErrInvalidMessage(msg.Id, "unknown room"), true)
		return
	}

	if !subscribed {
		rs.registry.Join(c, roomId)
	}
	c.QueueMessage(NoErrOK(msg.Id, data), true)

	rs.registry.Broadcast(roomId, &types.ServerEvent{
		RoomEvent: &types.RoomEvent{
			RoomId:      roomId,
			PrincipalId: msg.PrincipalId,
			Present:     true,
		},
	}, nil)
}

func (rs *RealtimeServer) handleLeave(msg *ClientMessage) {
	roomId := msg.Leave.RoomId
	c := msg.client

	if !rs.registry.IsMember(roomId, msg.PrincipalId) {
		c.QueueMessage(ErrNotFound(msg.Id, "room"), true)
		return
	}

	rs.registry.Leave(c, roomId)
	c.QueueMessage(NoErrOK(msg.Id, nil), true)

	rs.registry.Broadcast(roomId, &types.ServerEvent{
		RoomEvent: &types.RoomEvent{
			RoomId:      roomId,
			PrincipalId: msg.PrincipalId,
			Present:     false,
		},
	}, nil)
}

func (rs *RealtimeServer) handleVote(msg *ClientMessage) {
	c := msg.client

	if msg.Vote.SubjectId == "" || msg.Vote.Kind == "" {
		c.QueueMessage(ErrInvalidMessage(msg.Id, "subject_id and kind are required"), true)
		return
	}

	res, err := rs.counters.ApplyVote(msg.Vote.SubjectId, msg.Vote.Kind, strconv.Itoa(msg.PrincipalId), msg.Vote.Value)
	if err != nil {
		c.QueueMessage(rs.errorEvent(msg.Id, err), true)
		return
	}

	rs.stats.Incr(stats.VotesApplied)
	c.QueueMessage(NoErrOK(msg.Id, map[string]any{"new_total": res.NewTotal}), true)

	if res.Delta == 0 {
		return
	}

	roomId := presence.SessionRoom(msg.Vote.SubjectId)
	if rs.registry.RoomSize(roomId) > 0 {
		rs.registry.Broadcast(roomId, &types.ServerEvent{
			CounterUpdate: &types.CounterUpdate{
				SubjectId: msg.Vote.SubjectId,
				Kind:      msg.Vote.Kind,
				NewTotal:  res.NewTotal,
			},
		}, nil)
	}
}

func (rs *RealtimeServer) handlePublish(msg *ClientMessage) {
	c := msg.client

	m, err := rs.messaging.Send(msg.Publish.ConversationId, msg.PrincipalId, messaging.Payload{
		Content:  msg.Publish.Content,
		MediaUrl: msg.Publish.MediaUrl,
	})
	if err != nil {
		c.QueueMessage(rs.errorEvent(msg.Id, err), true)
		return
	}

	rs.stats.Incr(stats.MessagesSent)
	c.QueueMessage(NoErrOK(msg.Id, map[string]any{"message_id": m.Id, "seq_id": m.SeqId}), true)
}

func (rs *RealtimeServer) handleTyping(msg *ClientMessage) {
	roomId := presence.ConversationRoom(msg.Typing.ConversationId)
	if !rs.registry.IsMember(roomId, msg.PrincipalId) {
		return
	}

	rs.messaging.Typing(msg.Typing.ConversationId, msg.PrincipalId, msg.Typing.IsTyping, msg.client)
}

func (rs *RealtimeServer) handleAck(msg *ClientMessage) {
	c := msg.client

	var err error
	if msg.Ack.Read {
		err = rs.messaging.MarkRead(msg.Ack.ConversationId, msg.PrincipalId, msg.Ack.Seq)
	} else {
		err = rs.messaging.MarkDelivered(msg.Ack.ConversationId, msg.PrincipalId, msg.Ack.Seq)
	}

	if err != nil {
		c.QueueMessage(rs.errorEvent(msg.Id, err), true)
		return
	}

	c.QueueMessage(NoErrAccepted(msg.Id), true)
}

func (rs *RealtimeServer) handleHeartbeat(msg *ClientMessage) {
	if err := rs.sessions.Heartbeat(msg.PrincipalId, msg.Heartbeat.SessionId); err != nil {
		msg.client.QueueMessage(rs.errorEvent(msg.Id, err), true)
		return
	}

	msg.client.QueueMessage(NoErrAccepted(msg.Id), true)
}

// errorEvent maps domain errors to wire responses.
func (rs *RealtimeServer) errorEvent(id int, err error) *types.ServerEvent {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return ErrNotFound(id, "resource")
	case errors.Is(err, database.ErrStateConflict):
		return ErrConflict(id, "state conflict")
	case errors.Is(err, livesession.ErrNotOwner),
		errors.Is(err, messaging.ErrNotMember):
		return ErrForbidden(id)
	case errors.Is(err, livesession.ErrNotLive),
		errors.Is(err, livesession.ErrSessionEnded):
		return ErrConflict(id, err.Error())
	case errors.Is(err, messaging.ErrEmptyPayload),
		errors.Is(err, messaging.ErrPayloadTooLarge):
		return ErrInvalidMessage(id, err.Error())
	case errors.Is(err, livesession.ErrMediaProvider),
		errors.Is(err, counter.ErrRetryExhausted):
		return ErrServiceUnavailable(id)
	default:
		rs.log.Printf("internal error: %v", err)
		return ErrInternalError(id)
	}
}

func (rs *RealtimeServer) Shutdown() {
	rs.log.Println("received shutdown signal")
	close(rs.stop)
	<-rs.done
}
