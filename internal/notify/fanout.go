// Package notify creates and delivers preference-gated, idempotent
// notification events. Equivalent triggers inside the coalescing window
// merge into a single visible event; delivery prefers an active
// connection to the recipient's notification channel and falls back to
// the external push gateway with bounded retries.
package notify

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/stats"
	"github.com/npezzotti/go-liveline/internal/types"
)

// Gateway is the external push/email delivery service. Fire-and-forget
// with retry; never awaited on the request path.
type Gateway interface {
	Deliver(recipient int, event types.NotificationEvent) error
}

type pushJob struct {
	event types.NotificationEvent
}

type Fanout struct {
	log      *log.Logger
	db       database.LivelineRepository
	registry *presence.Registry
	gateway  Gateway
	stats    stats.StatsProvider

	window        time.Duration
	retryAttempts int
	retryBase     time.Duration

	queue chan pushJob
	done  chan struct{}
}

func NewFanout(
	logger *log.Logger,
	db database.LivelineRepository,
	registry *presence.Registry,
	gateway Gateway,
	statsProvider stats.StatsProvider,
	window time.Duration,
	retryAttempts int,
	retryBase time.Duration,
) *Fanout {
	statsProvider.RegisterMetric(stats.NotificationsPush)

	return &Fanout{
		log:           logger,
		db:            db,
		registry:      registry,
		gateway:       gateway,
		stats:         statsProvider,
		window:        window,
		retryAttempts: retryAttempts,
		retryBase:     retryBase,
		queue:         make(chan pushJob, 512),
		done:          make(chan struct{}),
	}
}

// Run starts the push delivery worker.
func (f *Fanout) Run() {
	go f.deliverLoop()
}

// Stop drains no further work and waits for the worker to exit.
func (f *Fanout) Stop() {
	close(f.queue)
	<-f.done
}

// Notify records a notification event for recipient, suppressing
// silently when the recipient has disabled the kind and coalescing
// with an existing undismissed event sharing the dedup key. Persisted
// first, then delivered: live over the notification-channel room if the
// recipient is connected, otherwise queued for the push gateway.
func (f *Fanout) Notify(recipient int, kind, subjectRef, dedupKey string) error {
	principal, err := f.db.GetPrincipalById(recipient)
	if err != nil {
		return fmt.Errorf("load recipient %d: %w", recipient, err)
	}

	if !principal.NotifyPrefs.Enabled(kind) {
		return nil
	}

	ev, coalesced, err := f.db.UpsertNotification(database.UpsertNotificationParams{
		EventId:     uuid.NewString(),
		RecipientId: recipient,
		Kind:        kind,
		SubjectRef:  subjectRef,
		DedupKey:    dedupKey,
		Window:      f.window,
	})
	if err != nil {
		return fmt.Errorf("persist notification for %d: %w", recipient, err)
	}

	if coalesced {
		f.log.Printf("coalesced notification %q for principal %d (count %d)", dedupKey, recipient, ev.Count)
	}

	wireEv := wireEvent(ev)
	room := presence.NotificationRoom(recipient)
	if f.registry.RoomSize(room) > 0 {
		f.registry.Broadcast(room, &types.ServerEvent{Notification: &wireEv}, nil)
		if err := f.db.UpdateNotificationPushState(ev.Id, string(types.PushSkipped)); err != nil {
			f.log.Printf("mark notification %s delivered live: %v", ev.Id, err)
		}
		return nil
	}

	select {
	case f.queue <- pushJob{event: wireEv}:
	default:
		// Queue full: the event is already persisted and will surface on
		// next app open; only the proactive push is skipped.
		f.log.Printf("push queue full, skipping push for notification %s", ev.Id)
	}

	return nil
}

func (f *Fanout) deliverLoop() {
	defer close(f.done)

	for job := range f.queue {
		f.push(job.event)
	}
}

// push attempts gateway delivery with exponential backoff. After
// exhaustion the event stays persisted but is marked push_failed for
// observability.
func (f *Fanout) push(ev types.NotificationEvent) {
	var err error
	for attempt := 0; attempt < f.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(f.retryBase << (attempt - 1))
		}

		if err = f.gateway.Deliver(ev.RecipientId, ev); err == nil {
			f.stats.Incr(stats.NotificationsPush)
			if err := f.db.UpdateNotificationPushState(ev.Id, string(types.PushSent)); err != nil {
				f.log.Printf("mark notification %s sent: %v", ev.Id, err)
			}
			return
		}

		f.log.Printf("push notification %s attempt %d: %v", ev.Id, attempt+1, err)
	}

	f.log.Printf("push notification %s failed after %d attempts: %v", ev.Id, f.retryAttempts, err)
	if err := f.db.UpdateNotificationPushState(ev.Id, string(types.PushFailed)); err != nil {
		f.log.Printf("mark notification %s push_failed: %v", ev.Id, err)
	}
}

// List returns the recipient's undismissed events, most recent first.
func (f *Fanout) List(recipient, limit int) ([]types.NotificationEvent, error) {
	events, err := f.db.ListNotifications(recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %d: %w", recipient, err)
	}

	out := make([]types.NotificationEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, wireEvent(ev))
	}

	return out, nil
}

// Dismiss marks an event handled, freeing its dedup key for future
// events.
func (f *Fanout) Dismiss(recipient int, eventId string) error {
	return f.db.DismissNotification(recipient, eventId)
}

func wireEvent(ev database.NotificationEvent) types.NotificationEvent {
	return types.NotificationEvent{
		Id:          ev.Id,
		RecipientId: ev.RecipientId,
		Kind:        ev.Kind,
		SubjectRef:  ev.SubjectRef,
		DedupKey:    ev.DedupKey,
		Count:       ev.Count,
		Dismissed:   ev.Dismissed,
		PushState:   types.PushState(ev.PushState),
		CreatedAt:   ev.CreatedAt,
		UpdatedAt:   ev.UpdatedAt,
	}
}
