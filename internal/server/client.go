package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-liveline/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one websocket connection owned by a single principal. It
// satisfies presence.Conn so the registry can fan events out to it.
type Client struct {
	conn      *websocket.Conn
	server    *RealtimeServer
	log       *log.Logger
	principal types.Principal
	queue     *sendQueue
	stop      chan struct{}
}

func NewClient(principal types.Principal, conn *websocket.Conn, rs *RealtimeServer, l *log.Logger) *Client {
	return &Client{
		conn:      conn,
		server:    rs,
		log:       l,
		principal: principal,
		queue:     newSendQueue(rs.config.SendQueueSize),
		stop:      make(chan struct{}),
	}
}

func (c *Client) PrincipalId() int {
	return c.principal.Id
}

// QueueMessage enqueues an outbound event. It reports false when the
// connection has stopped or the queue bound cost a non-critical event.
func (c *Client) QueueMessage(ev *types.ServerEvent, critical bool) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	return c.queue.push(ev, critical)
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	stall := time.NewTicker(stallInterval(c.server.config.DrainTimeout))
	defer func() {
		ticker.Stop()
		stall.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case <-c.queue.notify:
			for {
				ev := c.queue.pop()
				if ev == nil {
					break
				}

				bytes, err := json.Marshal(ev)
				if err != nil {
					c.log.Println("failed to serialize event:", err)
					continue
				}

				if !c.sendMessage(websocket.TextMessage, bytes) {
					return
				}
			}
		case <-c.stop:
			return
		case <-stall.C:
			if stalled := c.queue.stalledSince(time.Now()); stalled > c.server.config.DrainTimeout {
				c.log.Printf("principal %d cannot drain send queue, disconnecting", c.principal.Id)
				return
			}
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// stallInterval returns the drain-check period. Checking at half the
// timeout bounds how long a wedged connection can outlive it, where a
// check only on the ping ticker could stretch the disconnect to
// DrainTimeout plus nearly a full ping interval.
func stallInterval(drainTimeout time.Duration) time.Duration {
	iv := drainTimeout / 2
	if iv <= 0 || iv > pingInterval {
		return pingInterval
	}
	return iv
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.QueueMessage(ErrInvalidMessage(-1, "malformed message"), true)
			continue
		}

		msg.client = c
		msg.PrincipalId = c.principal.Id
		msg.Timestamp = Now()

		c.server.dispatch(&msg)
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Client) cleanup() {
	c.server.deRegisterChan <- c
	c.stopClient()
}
