package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	addMemberQuery = "INSERT INTO conversation_members (conversation_id, principal_id, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING id, conversation_id, principal_id, last_delivered_seq, last_read_seq"

	uniqueViolation = pq.ErrorCode("23505")
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (db *PgLivelineRepository) GetPrincipalById(id int) (Principal, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, display_name, private, monetized, notify_prefs FROM principals "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var (
		p        Principal
		rawPrefs []byte
	)
	err := row.Scan(
		&p.Id,
		&p.Username,
		&p.DisplayName,
		&p.Private,
		&p.Monetized,
		&rawPrefs,
	)
	if err != nil {
		return p, err
	}

	if len(rawPrefs) > 0 {
		if err := json.Unmarshal(rawPrefs, &p.NotifyPrefs); err != nil {
			return p, fmt.Errorf("decode notify prefs: %w", err)
		}
	}

	return p, nil
}

func (db *PgLivelineRepository) CreateSession(params CreateSessionParams) (Session, error) {
	res := db.conn.QueryRow(
		"INSERT INTO sessions (external_id, owner_id, title, state, scheduled_at, created_at, updated_at) "+
			"VALUES ($1, $2, $3, 'scheduled', $4, $5, $5) "+
			"RETURNING id, external_id, owner_id, title, state, scheduled_at, created_at, updated_at",
		params.ExternalId,
		params.OwnerId,
		params.Title,
		params.ScheduledAt,
		time.Now().UTC(),
	)

	var s Session
	err := res.Scan(
		&s.Id,
		&s.ExternalId,
		&s.OwnerId,
		&s.Title,
		&s.State,
		&s.ScheduledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)

	return s, err
}

func (db *PgLivelineRepository) GetSessionByExternalId(externalId string) (Session, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, owner_id, title, state, scheduled_at, started_at, ended_at, created_at, updated_at "+
			"FROM sessions WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var s Session
	err := row.Scan(
		&s.Id,
		&s.ExternalId,
		&s.OwnerId,
		&s.Title,
		&s.State,
		&s.ScheduledAt,
		&s.StartedAt,
		&s.EndedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}

	return s, err
}

func (db *PgLivelineRepository) TransitionSession(id int, fromState, toState string) (Session, error) {
	now := time.Now().UTC()

	// started_at/ended_at are stamped by the transition itself so the
	// timestamps always agree with the state column.
	row := db.conn.QueryRow(
		"UPDATE sessions SET state = $3, "+
			"started_at = CASE WHEN $3 = 'live' THEN $4 ELSE started_at END, "+
			"ended_at = CASE WHEN $3 IN ('ended', 'cancelled') THEN $4 ELSE ended_at END, "+
			"updated_at = $4 "+
			"WHERE id = $1 AND state = $2 "+
			"RETURNING id, external_id, owner_id, title, state, scheduled_at, started_at, ended_at, created_at, updated_at",
		id,
		fromState,
		toState,
		now,
	)

	var s Session
	err := row.Scan(
		&s.Id,
		&s.ExternalId,
		&s.OwnerId,
		&s.Title,
		&s.State,
		&s.ScheduledAt,
		&s.StartedAt,
		&s.EndedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrStateConflict
	}

	return s, err
}

func (db *PgLivelineRepository) ListSessionsByState(state string) ([]Session, error) {
	rows, err := db.conn.Query(
		"SELECT id, external_id, owner_id, title, state, scheduled_at, started_at, ended_at, created_at, updated_at "+
			"FROM sessions WHERE state = $1",
		state,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err = rows.Scan(
			&s.Id,
			&s.ExternalId,
			&s.OwnerId,
			&s.Title,
			&s.State,
			&s.ScheduledAt,
			&s.StartedAt,
			&s.EndedAt,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			break
		}

		sessions = append(sessions, s)
	}

	return sessions, err
}

func (db *PgLivelineRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO conversations (external_id, kind, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, external_id, kind, seq_id, created_at, updated_at",
		params.ExternalId,
		params.Kind,
		time.Now().UTC(),
	)

	var conv Conversation
	err = res.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.Kind,
		&conv.SeqId,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	for _, principalId := range params.MemberIds {
		var m Member
		if err = tx.QueryRow(
			addMemberQuery,
			conv.Id,
			principalId,
			time.Now().UTC(),
			time.Now().UTC(),
		).Scan(&m.Id, &m.ConversationId, &m.PrincipalId, &m.LastDeliveredSeq, &m.LastReadSeq); err != nil {
			return Conversation{}, err
		}

		conv.Members = append(conv.Members, m)
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgLivelineRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, kind, seq_id, created_at, updated_at FROM conversations "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.Kind,
		&conv.SeqId,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return conv, ErrNotFound
	}

	return conv, err
}

func (db *PgLivelineRepository) GetConversationWithMembers(id int) (*Conversation, error) {
	query := `
		SELECT
				c.id AS conversation_id,
				c.external_id,
				c.kind,
				c.seq_id,
				c.created_at AS conversation_created_at,
				c.updated_at AS conversation_updated_at,
				m.id,
				m.principal_id,
				p.username,
				m.last_delivered_seq,
				m.last_read_seq
		FROM conversations c
		LEFT JOIN conversation_members m ON c.id = m.conversation_id
		LEFT JOIN principals p ON m.principal_id = p.id
		WHERE c.id = $1;
`

	rows, err := db.conn.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation with members: %w", err)
	}
	defer rows.Close()

	var conv *Conversation
	for rows.Next() {
		var (
			convId           int
			externalId       string
			kind             string
			seqId            int
			convCreatedAt    time.Time
			convUpdatedAt    time.Time
			memberId         sql.NullInt64
			principalId      sql.NullInt64
			username         sql.NullString
			lastDeliveredSeq sql.NullInt64
			lastReadSeq      sql.NullInt64
		)

		err := rows.Scan(
			&convId,
			&externalId,
			&kind,
			&seqId,
			&convCreatedAt,
			&convUpdatedAt,
			&memberId,
			&principalId,
			&username,
			&lastDeliveredSeq,
			&lastReadSeq,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if conv == nil {
			conv = &Conversation{
				Id:         convId,
				ExternalId: externalId,
				Kind:       kind,
				SeqId:      seqId,
				CreatedAt:  convCreatedAt,
				UpdatedAt:  convUpdatedAt,
				Members:    make([]Member, 0),
			}
		}

		if principalId.Valid {
			conv.Members = append(conv.Members, Member{
				Id:               int(memberId.Int64),
				ConversationId:   convId,
				PrincipalId:      int(principalId.Int64),
				Username:         username.String,
				LastDeliveredSeq: int(lastDeliveredSeq.Int64),
				LastReadSeq:      int(lastReadSeq.Int64),
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if conv == nil {
		return nil, ErrNotFound
	}

	return conv, nil
}

func (db *PgLivelineRepository) AddMember(conversationId, principalId int) (Member, error) {
	res := db.conn.QueryRow(
		addMemberQuery,
		conversationId,
		principalId,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var m Member
	err := res.Scan(
		&m.Id,
		&m.ConversationId,
		&m.PrincipalId,
		&m.LastDeliveredSeq,
		&m.LastReadSeq,
	)

	return m, err
}

func (db *PgLivelineRepository) MemberExists(conversationId, principalId int) bool {
	res := db.conn.QueryRow(
		"SELECT id FROM conversation_members WHERE conversation_id = $1 AND principal_id = $2 LIMIT 1",
		conversationId,
		principalId,
	)

	var id int
	return res.Scan(&id) == nil
}

func (db *PgLivelineRepository) NextSeq(conversationId int) (int, error) {
	// Single-statement fetch-and-increment: the row lock serializes
	// concurrent senders in the same conversation, so assigned sequence
	// numbers are dense and never reused.
	row := db.conn.QueryRow(
		"UPDATE conversations SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		conversationId,
		time.Now().UTC(),
	)

	var seq int
	err := row.Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	return seq, err
}

func (db *PgLivelineRepository) CreateMessage(msg Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (id, conversation_id, seq_id, sender_id, content, media_url, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		msg.Id,
		msg.ConversationId,
		msg.SeqId,
		msg.SenderId,
		msg.Content,
		msg.MediaUrl,
		msg.CreatedAt,
	)

	return err
}

func (db *PgLivelineRepository) GetMessages(conversationId, since, before, limit int) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 0
	if before > 0 {
		upper = before - 1
	}

	if since > 0 {
		lower = since
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		"SELECT id, conversation_id, seq_id, sender_id, content, media_url, created_at FROM messages "+
			"WHERE conversation_id = $1 AND seq_id BETWEEN $2 AND $3 ORDER BY seq_id ASC LIMIT $4",
		conversationId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.SeqId,
			&msg.SenderId,
			&msg.Content,
			&msg.MediaUrl,
			&msg.CreatedAt,
		); err != nil {
			break
		}

		messages = append(messages, msg)
	}

	return messages, err
}

func (db *PgLivelineRepository) AdvanceDeliveredSeq(conversationId, principalId, seq int) (int, error) {
	return db.advanceWatermark("last_delivered_seq", conversationId, principalId, seq)
}

func (db *PgLivelineRepository) AdvanceReadSeq(conversationId, principalId, seq int) (int, error) {
	return db.advanceWatermark("last_read_seq", conversationId, principalId, seq)
}

func (db *PgLivelineRepository) advanceWatermark(column string, conversationId, principalId, seq int) (int, error) {
	// GREATEST coerces out-of-order acks to the maximum watermark seen.
	row := db.conn.QueryRow(
		fmt.Sprintf(
			"UPDATE conversation_members SET %s = GREATEST(%s, $3), updated_at = $4 "+
				"WHERE conversation_id = $1 AND principal_id = $2 RETURNING %s",
			column, column, column,
		),
		conversationId,
		principalId,
		seq,
		time.Now().UTC(),
	)

	var watermark int
	err := row.Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	return watermark, err
}

func (db *PgLivelineRepository) ApplyVote(subjectId, kind, voterId string, value int) (VoteResult, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return VoteResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var (
		prevValue int
		existed   = true
	)
	err = tx.QueryRow(
		"SELECT value FROM counter_votes WHERE subject_id = $1 AND kind = $2 AND voter_id = $3 FOR UPDATE",
		subjectId,
		kind,
		voterId,
	).Scan(&prevValue)
	if errors.Is(err, sql.ErrNoRows) {
		existed = false
		err = nil
	} else if err != nil {
		return VoteResult{}, err
	}

	if existed && prevValue == value {
		// Identical revote is a no-op; report the current total.
		var total int64
		if err = tx.QueryRow(
			"SELECT total FROM counter_totals WHERE subject_id = $1 AND kind = $2",
			subjectId,
			kind,
		).Scan(&total); err != nil {
			return VoteResult{}, err
		}

		if err = tx.Commit(); err != nil {
			return VoteResult{}, err
		}

		return VoteResult{Delta: 0, NewTotal: total, Changed: false}, nil
	}

	now := time.Now().UTC()
	if existed {
		if _, err = tx.Exec(
			"UPDATE counter_votes SET value = $4, updated_at = $5 "+
				"WHERE subject_id = $1 AND kind = $2 AND voter_id = $3",
			subjectId, kind, voterId, value, now,
		); err != nil {
			return VoteResult{}, err
		}
	} else {
		if _, err = tx.Exec(
			"INSERT INTO counter_votes (subject_id, kind, voter_id, value, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $5)",
			subjectId, kind, voterId, value, now,
		); err != nil {
			// A concurrent first-time vote won the insert race. Surface a
			// typed error so the aggregator retries down the update path.
			if isUniqueViolation(err) {
				err = fmt.Errorf("%w: %s/%s/%s", ErrDuplicateVote, subjectId, kind, voterId)
			}
			return VoteResult{}, err
		}
	}

	delta := value - prevValue

	var total int64
	if err = tx.QueryRow(
		"INSERT INTO counter_totals (subject_id, kind, total, updated_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (subject_id, kind) DO UPDATE SET total = counter_totals.total + $3, updated_at = $4 "+
			"RETURNING total",
		subjectId, kind, delta, now,
	).Scan(&total); err != nil {
		return VoteResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return VoteResult{}, err
	}

	return VoteResult{Delta: delta, NewTotal: total, Changed: true}, nil
}

func (db *PgLivelineRepository) IncrementCounter(subjectId, kind string, delta int) (int64, error) {
	row := db.conn.QueryRow(
		"INSERT INTO counter_totals (subject_id, kind, total, updated_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (subject_id, kind) DO UPDATE SET total = counter_totals.total + $3, updated_at = $4 "+
			"RETURNING total",
		subjectId,
		kind,
		delta,
		time.Now().UTC(),
	)

	var total int64
	err := row.Scan(&total)

	return total, err
}

func (db *PgLivelineRepository) GetCounterTotal(subjectId, kind string) (int64, error) {
	row := db.conn.QueryRow(
		"SELECT total FROM counter_totals WHERE subject_id = $1 AND kind = $2 LIMIT 1",
		subjectId,
		kind,
	)

	var total int64
	err := row.Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return total, err
}

func (db *PgLivelineRepository) UpsertNotification(params UpsertNotificationParams) (NotificationEvent, bool, error) {
	now := time.Now().UTC()

	scanEvent := func(row *sql.Row) (NotificationEvent, error) {
		var ev NotificationEvent
		err := row.Scan(
			&ev.Id,
			&ev.RecipientId,
			&ev.Kind,
			&ev.SubjectRef,
			&ev.DedupKey,
			&ev.Count,
			&ev.Dismissed,
			&ev.PushState,
			&ev.CreatedAt,
			&ev.UpdatedAt,
		)
		return ev, err
	}

	// Coalesce first: bump an existing undismissed event with the same
	// dedup key created inside the window.
	row := db.conn.QueryRow(
		"UPDATE notification_events SET count = count + 1, subject_ref = $3, updated_at = $4 "+
			"WHERE recipient_id = $1 AND dedup_key = $2 AND NOT dismissed AND created_at > $5 "+
			"RETURNING id, recipient_id, kind, subject_ref, dedup_key, count, dismissed, push_state, created_at, updated_at",
		params.RecipientId,
		params.DedupKey,
		params.SubjectRef,
		now,
		now.Add(-params.Window),
	)

	ev, err := scanEvent(row)
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return NotificationEvent{}, false, err
	}

	row = db.conn.QueryRow(
		"INSERT INTO notification_events (id, recipient_id, kind, subject_ref, dedup_key, count, push_state, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, 1, 'pending', $6, $6) "+
			"RETURNING id, recipient_id, kind, subject_ref, dedup_key, count, dismissed, push_state, created_at, updated_at",
		params.EventId,
		params.RecipientId,
		params.Kind,
		params.SubjectRef,
		params.DedupKey,
		now,
	)

	ev, err = scanEvent(row)
	if err != nil && isUniqueViolation(err) {
		// Lost the insert race to a concurrent trigger with the same dedup
		// key; coalesce into the winner.
		row = db.conn.QueryRow(
			"UPDATE notification_events SET count = count + 1, subject_ref = $3, updated_at = $4 "+
				"WHERE recipient_id = $1 AND dedup_key = $2 AND NOT dismissed "+
				"RETURNING id, recipient_id, kind, subject_ref, dedup_key, count, dismissed, push_state, created_at, updated_at",
			params.RecipientId,
			params.DedupKey,
			params.SubjectRef,
			now,
		)

		ev, err = scanEvent(row)
		return ev, true, err
	}

	return ev, false, err
}

func (db *PgLivelineRepository) UpdateNotificationPushState(eventId, state string) error {
	_, err := db.conn.Exec(
		"UPDATE notification_events SET push_state = $2, updated_at = $3 WHERE id = $1",
		eventId,
		state,
		time.Now().UTC(),
	)

	return err
}

func (db *PgLivelineRepository) DismissNotification(recipientId int, eventId string) error {
	res, err := db.conn.Exec(
		"UPDATE notification_events SET dismissed = TRUE, updated_at = $3 WHERE id = $1 AND recipient_id = $2",
		eventId,
		recipientId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgLivelineRepository) ListNotifications(recipientId, limit int) ([]NotificationEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		"SELECT id, recipient_id, kind, subject_ref, dedup_key, count, dismissed, push_state, created_at, updated_at "+
			"FROM notification_events WHERE recipient_id = $1 AND NOT dismissed ORDER BY updated_at DESC LIMIT $2",
		recipientId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events = make([]NotificationEvent, 0, limit)
	for rows.Next() {
		var ev NotificationEvent
		if err = rows.Scan(
			&ev.Id,
			&ev.RecipientId,
			&ev.Kind,
			&ev.SubjectRef,
			&ev.DedupKey,
			&ev.Count,
			&ev.Dismissed,
			&ev.PushState,
			&ev.CreatedAt,
			&ev.UpdatedAt,
		); err != nil {
			break
		}

		events = append(events, ev)
	}

	return events, err
}
