package server

import (
	"sync"
	"time"

	"github.com/npezzotti/go-liveline/internal/types"
)

// sendQueue buffers outbound events for a single connection. Critical
// events are always accepted. Non-critical events are bounded by limit:
// when the buffer is full the oldest non-critical event is dropped and
// replaced with a gap marker so the client knows it must resync.
type sendQueue struct {
	mu        sync.Mutex
	events    []*types.ServerEvent
	limit     int
	overSince time.Time
	notify    chan struct{}
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues an event and reports whether it was accepted without
// loss. Non-critical events overflowing limit cost one event, recorded
// in a gap marker; critical events always enter the queue, which may
// grow past limit. The caller is signalled on notify.
func (q *sendQueue) push(ev *types.ServerEvent, critical bool) bool {
	lost := false
	q.mu.Lock()
	if !critical && len(q.events) >= q.limit {
		q.dropOldestLocked(ev)
		lost = true
	} else {
		q.events = append(q.events, ev)
	}

	if len(q.events) > q.limit {
		if q.overSince.IsZero() {
			q.overSince = time.Now()
		}
	} else {
		q.overSince = time.Time{}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return !lost
}

// dropOldestLocked removes the oldest droppable event to make room and
// records the loss in a gap marker at its position. Adjacent gap
// markers are merged rather than accumulated.
func (q *sendQueue) dropOldestLocked(incoming *types.ServerEvent) {
	for i, ev := range q.events {
		if ev.Critical() || ev.Gap != nil {
			continue
		}

		if i > 0 && q.events[i-1].Gap != nil {
			q.events[i-1].Gap.Dropped++
			q.events = append(q.events[:i], q.events[i+1:]...)
		} else {
			q.events[i] = &types.ServerEvent{
				Timestamp: Now(),
				Gap:       &types.GapMarker{Dropped: 1},
			}
			if i+1 < len(q.events) && q.events[i+1].Gap != nil {
				q.events[i].Gap.Dropped += q.events[i+1].Gap.Dropped
				q.events = append(q.events[:i+1], q.events[i+2:]...)
			}
		}
		q.events = append(q.events, incoming)
		return
	}
	// Only critical events and gap markers remain; the incoming
	// non-critical event is the one that gets lost.
	q.appendGapLocked()
}

func (q *sendQueue) appendGapLocked() {
	if n := len(q.events); n > 0 && q.events[n-1].Gap != nil {
		q.events[n-1].Gap.Dropped++
		return
	}
	q.events = append(q.events, &types.ServerEvent{
		Timestamp: Now(),
		Gap:       &types.GapMarker{Dropped: 1},
	})
}

// pop removes and returns the head of the queue, or nil when empty.
func (q *sendQueue) pop() *types.ServerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]

	if len(q.events) <= q.limit {
		q.overSince = time.Time{}
	}
	return ev
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// stalledSince reports how long the queue has been over its limit. A
// zero duration means the client is keeping up.
func (q *sendQueue) stalledSince(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.overSince.IsZero() {
		return 0
	}
	return now.Sub(q.overSince)
}
