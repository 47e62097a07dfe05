// Package presence tracks which live connections are subscribed to
// which rooms and fans broadcasts out to them. The registry is a
// process-local cache of "who is currently reachable": it holds no
// durable state and is rebuilt from scratch on restart.
package presence

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/npezzotti/go-liveline/internal/types"
)

// Room id prefixes for the three room kinds.
const (
	LiveSessionRoomPrefix  = "session:"
	ConversationRoomPrefix = "conv:"
	NotificationRoomPrefix = "notif:"
)

func SessionRoom(sessionId string) string { return LiveSessionRoomPrefix + sessionId }

func ConversationRoom(convId string) string { return ConversationRoomPrefix + convId }

func NotificationRoom(principalId int) string {
	return NotificationRoomPrefix + strconv.Itoa(principalId)
}

// Conn is a live client connection handle. QueueMessage must never
// block: it reports false when a non-critical event was dropped.
type Conn interface {
	PrincipalId() int
	QueueMessage(ev *types.ServerEvent, critical bool) bool
}

// Registry maps rooms to member connections and the inverse, so a
// disconnect can leave every room in one pass.
type Registry struct {
	log *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[Conn]struct{}
	conns map[Conn]map[string]struct{}

	// onEmpty is invoked (outside the lock) when a room loses its last
	// member.
	onEmpty func(roomId string)

	bridge *Bridge
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		log:   logger,
		rooms: make(map[string]map[Conn]struct{}),
		conns: make(map[Conn]map[string]struct{}),
	}
}

// SetEmptyHandler registers a callback fired when the last member
// leaves a room. Must be called before connections join.
func (r *Registry) SetEmptyHandler(fn func(roomId string)) {
	r.onEmpty = fn
}

// SetBridge attaches a cross-node broadcast bridge. Must be called
// before connections join.
func (r *Registry) SetBridge(b *Bridge) {
	r.bridge = b
	b.registry = r
}

// Join subscribes conn to roomId, creating the room on first
// subscriber. Joining a room twice is a no-op.
func (r *Registry) Join(conn Conn, roomId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[roomId] == nil {
		r.rooms[roomId] = make(map[Conn]struct{})
	}
	r.rooms[roomId][conn] = struct{}{}

	if r.conns[conn] == nil {
		r.conns[conn] = make(map[string]struct{})
	}
	r.conns[conn][roomId] = struct{}{}
}

// Leave unsubscribes conn from roomId, destroying the room when the
// last subscriber leaves.
func (r *Registry) Leave(conn Conn, roomId string) {
	r.mu.Lock()
	empty := r.leaveLocked(conn, roomId)
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty(roomId)
	}
}

// LeaveAll removes conn from every room it was subscribed to. Called on
// disconnect.
func (r *Registry) LeaveAll(conn Conn) {
	r.mu.Lock()
	var emptied []string
	for roomId := range r.conns[conn] {
		if r.leaveLocked(conn, roomId) {
			emptied = append(emptied, roomId)
		}
	}
	delete(r.conns, conn)
	r.mu.Unlock()

	if r.onEmpty != nil {
		for _, roomId := range emptied {
			r.onEmpty(roomId)
		}
	}
}

// leaveLocked reports whether the room became empty. Caller holds r.mu.
func (r *Registry) leaveLocked(conn Conn, roomId string) bool {
	members, ok := r.rooms[roomId]
	if !ok {
		return false
	}

	if _, ok := members[conn]; !ok {
		return false
	}

	delete(members, conn)
	if subs, ok := r.conns[conn]; ok {
		delete(subs, roomId)
		if len(subs) == 0 {
			delete(r.conns, conn)
		}
	}

	if len(members) == 0 {
		delete(r.rooms, roomId)
		return true
	}

	return false
}

// Broadcast queues ev for every member of roomId except skip. Delivery
// is fire-and-forget: slow receivers never block the caller, and
// non-critical events may be dropped by a full per-connection queue.
func (r *Registry) Broadcast(roomId string, ev *types.ServerEvent, skip Conn) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.broadcastLocal(roomId, ev, skip)

	if r.bridge != nil {
		r.bridge.publish(roomId, ev)
	}
}

func (r *Registry) broadcastLocal(roomId string, ev *types.ServerEvent, skip Conn) {
	r.mu.RLock()
	members := make([]Conn, 0, len(r.rooms[roomId]))
	for conn := range r.rooms[roomId] {
		if conn == skip {
			continue
		}
		members = append(members, conn)
	}
	r.mu.RUnlock()

	critical := ev.Critical()
	for _, conn := range members {
		if !conn.QueueMessage(ev, critical) {
			r.log.Printf("dropped event for principal %d in room %q", conn.PrincipalId(), roomId)
		}
	}
}

// CloseRoom removes every member of roomId and destroys the room. Used
// for terminal teardown (an ended live session) after the final
// broadcast has been queued.
func (r *Registry) CloseRoom(roomId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conn := range r.rooms[roomId] {
		if subs, ok := r.conns[conn]; ok {
			delete(subs, roomId)
			if len(subs) == 0 {
				delete(r.conns, conn)
			}
		}
	}

	delete(r.rooms, roomId)
}

// RoomSize returns the number of connections currently subscribed to
// roomId. The value is eventually consistent with recent joins and
// leaves and must not be used for access control.
func (r *Registry) RoomSize(roomId string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[roomId])
}

// IsMember reports whether any connection for principalId is currently
// subscribed to roomId.
func (r *Registry) IsMember(roomId string, principalId int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for conn := range r.rooms[roomId] {
		if conn.PrincipalId() == principalId {
			return true
		}
	}

	return false
}

// Rooms returns the ids of the rooms conn is subscribed to.
func (r *Registry) Rooms(conn Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.conns[conn]))
	for roomId := range r.conns[conn] {
		rooms = append(rooms, roomId)
	}

	return rooms
}
