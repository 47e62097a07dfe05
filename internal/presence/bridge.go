package presence

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/npezzotti/go-liveline/internal/types"
)

const broadcastChannel = "liveline:broadcast"

// bridgeEnvelope wraps a broadcast with its room and origin node so
// receivers can skip their own publications.
type bridgeEnvelope struct {
	Origin string             `json:"origin"`
	RoomId string             `json:"room_id"`
	Event  *types.ServerEvent `json:"event"`
}

// Bridge republishes room broadcasts through Redis pub/sub so that
// clients connected to other nodes receive them too. It is optional:
// a registry without a bridge serves a single node.
type Bridge struct {
	log      *log.Logger
	rdb      *redis.Client
	nodeId   string
	registry *Registry
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewBridge(logger *log.Logger, rdb *redis.Client) *Bridge {
	return &Bridge{
		log:    logger,
		rdb:    rdb,
		nodeId: uuid.NewString(),
		done:   make(chan struct{}),
	}
}

func (b *Bridge) publish(roomId string, ev *types.ServerEvent) {
	payload, err := json.Marshal(bridgeEnvelope{
		Origin: b.nodeId,
		RoomId: roomId,
		Event:  ev,
	})
	if err != nil {
		b.log.Printf("bridge: marshal broadcast: %v", err)
		return
	}

	if err := b.rdb.Publish(context.Background(), broadcastChannel, payload).Err(); err != nil {
		b.log.Printf("bridge: publish to %q: %v", broadcastChannel, err)
	}
}

// Run subscribes to the broadcast channel and replays remote events
// into the local registry until Stop is called.
func (b *Bridge) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	go func() {
		defer close(b.done)

		pubsub := b.rdb.Subscribe(ctx, broadcastChannel)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var env bridgeEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Printf("bridge: unmarshal broadcast: %v", err)
					continue
				}

				if env.Origin == b.nodeId || env.Event == nil {
					continue
				}

				b.registry.broadcastLocal(env.RoomId, env.Event, nil)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}
