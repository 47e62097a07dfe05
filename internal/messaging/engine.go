// Package messaging implements ordered, at-least-once delivery of
// direct and group messages. Sequence numbers come from an atomic
// per-conversation fetch-and-increment, so concurrent senders never
// collide; durable writes always precede broadcast, and offline
// members catch up through a backlog fetch on reconnect. Clients may
// see a message twice across reconnects and de-duplicate by message id.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/types"
)

// MaxPayloadBytes bounds a message body. Oversized payloads are
// rejected, never truncated.
const MaxPayloadBytes = 4096

var (
	ErrNotMember       = errors.New("principal is not a conversation member")
	ErrEmptyPayload    = errors.New("message payload is empty")
	ErrPayloadTooLarge = errors.New("message payload too large")
)

// Notifier receives fan-out triggers for members without an active
// connection to the conversation room.
type Notifier interface {
	Notify(recipient int, kind, subjectRef, dedupKey string) error
}

type Payload struct {
	Content  string
	MediaUrl string
}

type Engine struct {
	log      *log.Logger
	db       database.LivelineRepository
	registry *presence.Registry
	notifier Notifier
}

func NewEngine(logger *log.Logger, db database.LivelineRepository, registry *presence.Registry, notifier Notifier) *Engine {
	return &Engine{
		log:      logger,
		db:       db,
		registry: registry,
		notifier: notifier,
	}
}

// Send durably writes a message with the next sequence number in the
// conversation, then broadcasts it to the conversation room. Members
// not present in the room are notified through the fan-out and pick the
// message up from the backlog on next connect.
func (e *Engine) Send(convExtId string, sender int, payload Payload) (types.Message, error) {
	if payload.Content == "" && payload.MediaUrl == "" {
		return types.Message{}, ErrEmptyPayload
	}
	if len(payload.Content) > MaxPayloadBytes {
		return types.Message{}, ErrPayloadTooLarge
	}

	conv, err := e.db.GetConversationByExternalId(convExtId)
	if err != nil {
		return types.Message{}, err
	}

	if !e.db.MemberExists(conv.Id, sender) {
		return types.Message{}, ErrNotMember
	}

	seq, err := e.db.NextSeq(conv.Id)
	if err != nil {
		return types.Message{}, fmt.Errorf("assign sequence in conversation %q: %w", convExtId, err)
	}

	msg := database.Message{
		Id:             uuid.NewString(),
		ConversationId: conv.Id,
		SeqId:          seq,
		SenderId:       sender,
		Content:        payload.Content,
		MediaUrl:       payload.MediaUrl,
		CreatedAt:      time.Now().UTC(),
	}

	if err := e.db.CreateMessage(msg); err != nil {
		return types.Message{}, fmt.Errorf("save message seq %d in conversation %q: %w", seq, convExtId, err)
	}

	wireMsg := types.Message{
		Id:             msg.Id,
		ConversationId: convExtId,
		SeqId:          msg.SeqId,
		SenderId:       msg.SenderId,
		Content:        msg.Content,
		MediaUrl:       msg.MediaUrl,
		Timestamp:      msg.CreatedAt,
	}

	room := presence.ConversationRoom(convExtId)
	e.registry.Broadcast(room, &types.ServerEvent{Message: &wireMsg}, nil)

	// The sender has the message by definition.
	if _, err := e.db.AdvanceDeliveredSeq(conv.Id, sender, seq); err != nil {
		e.log.Printf("advance sender delivered seq in %q: %v", convExtId, err)
	}

	e.notifyOffline(conv.Id, convExtId, sender, room)

	return wireMsg, nil
}

func (e *Engine) notifyOffline(convId int, convExtId string, sender int, room string) {
	conv, err := e.db.GetConversationWithMembers(convId)
	if err != nil {
		e.log.Printf("fetch members of %q for notification: %v", convExtId, err)
		return
	}

	for _, member := range conv.Members {
		if member.PrincipalId == sender {
			continue
		}

		if e.registry.IsMember(room, member.PrincipalId) {
			// Already receiving the room broadcast.
			continue
		}

		if err := e.notifier.Notify(member.PrincipalId, "message", convExtId, "conv:"+convExtId); err != nil {
			e.log.Printf("notify principal %d of message in %q: %v", member.PrincipalId, convExtId, err)
		}
	}
}

// MarkDelivered advances a member's delivered watermark. Out-of-order
// acks are coerced to the maximum seen.
func (e *Engine) MarkDelivered(convExtId string, recipient, seq int) error {
	conv, err := e.db.GetConversationByExternalId(convExtId)
	if err != nil {
		return err
	}

	effective, err := e.db.AdvanceDeliveredSeq(conv.Id, recipient, seq)
	if err != nil {
		return fmt.Errorf("advance delivered seq in %q: %w", convExtId, err)
	}

	e.broadcastReceipt(convExtId, recipient, effective, false)

	return nil
}

// MarkRead advances a member's read watermark: reading sequence N
// implies all messages <= N are read. Read implies delivered.
func (e *Engine) MarkRead(convExtId string, recipient, seq int) error {
	conv, err := e.db.GetConversationByExternalId(convExtId)
	if err != nil {
		return err
	}

	if _, err := e.db.AdvanceDeliveredSeq(conv.Id, recipient, seq); err != nil {
		return fmt.Errorf("advance delivered seq in %q: %w", convExtId, err)
	}

	effective, err := e.db.AdvanceReadSeq(conv.Id, recipient, seq)
	if err != nil {
		return fmt.Errorf("advance read seq in %q: %w", convExtId, err)
	}

	e.broadcastReceipt(convExtId, recipient, effective, true)

	return nil
}

func (e *Engine) broadcastReceipt(convExtId string, principalId, seq int, read bool) {
	e.registry.Broadcast(presence.ConversationRoom(convExtId), &types.ServerEvent{
		Receipt: &types.Receipt{
			ConversationId: convExtId,
			PrincipalId:    principalId,
			Seq:            seq,
			Read:           read,
		},
	}, nil)
}

// Typing relays a typing indicator to the conversation room. Never
// durable and never delivered to offline members; clients expire stale
// indicators locally.
func (e *Engine) Typing(convExtId string, sender int, isTyping bool, skip presence.Conn) {
	e.registry.Broadcast(presence.ConversationRoom(convExtId), &types.ServerEvent{
		Typing: &types.TypingEvent{
			ConversationId: convExtId,
			PrincipalId:    sender,
			IsTyping:       isTyping,
		},
	}, skip)
}

// Backlog returns messages with sequence number greater than afterSeq,
// in order, for reconnect catch-up.
func (e *Engine) Backlog(convExtId string, recipient, afterSeq, limit int) ([]types.Message, error) {
	conv, err := e.db.GetConversationByExternalId(convExtId)
	if err != nil {
		return nil, err
	}

	if !e.db.MemberExists(conv.Id, recipient) {
		return nil, ErrNotMember
	}

	msgs, err := e.db.GetMessages(conv.Id, afterSeq+1, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog for %q: %w", convExtId, err)
	}

	out := make([]types.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, types.Message{
			Id:             msg.Id,
			ConversationId: convExtId,
			SeqId:          msg.SeqId,
			SenderId:       msg.SenderId,
			Content:        msg.Content,
			MediaUrl:       msg.MediaUrl,
			Timestamp:      msg.CreatedAt,
		})
	}

	return out, nil
}

// CreateConversation provisions a conversation with the given members.
func (e *Engine) CreateConversation(kind string, memberIds []int) (types.Conversation, error) {
	extId, err := shortid.Generate()
	if err != nil {
		return types.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}

	conv, err := e.db.CreateConversation(database.CreateConversationParams{
		ExternalId: extId,
		Kind:       kind,
		MemberIds:  memberIds,
	})
	if err != nil {
		return types.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	out := types.Conversation{
		Id:         conv.Id,
		ExternalId: conv.ExternalId,
		Kind:       conv.Kind,
		SeqId:      conv.SeqId,
		CreatedAt:  conv.CreatedAt,
		UpdatedAt:  conv.UpdatedAt,
	}
	for _, m := range conv.Members {
		out.Members = append(out.Members, types.Member{
			PrincipalId:      m.PrincipalId,
			Username:         m.Username,
			LastDeliveredSeq: m.LastDeliveredSeq,
			LastReadSeq:      m.LastReadSeq,
		})
	}

	return out, nil
}

// AddMember joins a principal to an existing conversation. Only current
// members may add new ones. The added principal is notified so the
// conversation shows up on their next sync.
func (e *Engine) AddMember(convExtId string, caller, principalId int) (types.Member, error) {
	conv, err := e.db.GetConversationByExternalId(convExtId)
	if err != nil {
		return types.Member{}, err
	}

	if !e.db.MemberExists(conv.Id, caller) {
		return types.Member{}, ErrNotMember
	}

	member, err := e.db.AddMember(conv.Id, principalId)
	if err != nil {
		return types.Member{}, fmt.Errorf("add member %d to conversation %q: %w", principalId, convExtId, err)
	}

	if err := e.notifier.Notify(principalId, "conversation", convExtId, "conv-invite:"+convExtId); err != nil {
		e.log.Printf("notify added member %d: %v", principalId, err)
	}

	return types.Member{
		PrincipalId:      member.PrincipalId,
		Username:         member.Username,
		LastDeliveredSeq: member.LastDeliveredSeq,
		LastReadSeq:      member.LastReadSeq,
	}, nil
}
