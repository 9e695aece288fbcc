package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCursor is returned by Query when beforeID does not name a stored message.
var ErrUnknownCursor = errors.New("unknown page cursor")

const messageColumns = `message_id, conversation_id, sender_id, body, image_ref, created_at, seen, flags, pending`

// Insert upserts a message keyed by (conversation_id, message_id).
//
// On an existing row only seen may change, and only from false to true.
// The one exception is a pending optimistic row: the first non-pending insert
// for that id replaces its write-once fields and clears pending.
func (db *DB) Insert(ctx context.Context, m *Message) error {
	now := time.Now().UnixMilli()
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO messages (conversation_id, message_id, sender_id, body, image_ref, created_at, seen, flags, pending, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, message_id) DO UPDATE SET
				seen = MAX(messages.seen, excluded.seen),
				sender_id = CASE WHEN messages.pending = 1 AND excluded.pending = 0 THEN excluded.sender_id ELSE messages.sender_id END,
				body = CASE WHEN messages.pending = 1 AND excluded.pending = 0 THEN excluded.body ELSE messages.body END,
				image_ref = CASE WHEN messages.pending = 1 AND excluded.pending = 0 THEN excluded.image_ref ELSE messages.image_ref END,
				created_at = CASE WHEN messages.pending = 1 AND excluded.pending = 0 THEN excluded.created_at ELSE messages.created_at END,
				flags = CASE WHEN messages.pending = 1 AND excluded.pending = 0 THEN excluded.flags ELSE messages.flags END,
				pending = CASE WHEN messages.pending = 1 AND excluded.pending = 0 THEN 0 ELSE messages.pending END`,
			m.ConversationID, m.ID, m.SenderID, m.Body, m.ImageRef, m.CreatedAt, m.Seen, m.Flags, m.Pending, now)
		if err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
		return nil
	})
}

// Query returns up to limit messages of a conversation, newest first, ordered by
// (created_at DESC, message_id DESC). A non-empty beforeID returns only messages
// strictly after that message in the same order.
func (db *DB) Query(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if !db.ready.Load() {
		return nil, ErrNotReady
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if beforeID == "" {
		rows, err = db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, message_id DESC
			LIMIT ?`, conversationID, limit)
	} else {
		anchor, gerr := db.Get(ctx, conversationID, beforeID)
		if gerr != nil {
			return nil, gerr
		}
		if anchor == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCursor, beforeID)
		}
		rows, err = db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ?
				AND (created_at < ? OR (created_at = ? AND message_id < ?))
			ORDER BY created_at DESC, message_id DESC
			LIMIT ?`, conversationID, anchor.CreatedAt, anchor.CreatedAt, anchor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Get returns a single message, or nil if it is not stored.
func (db *DB) Get(ctx context.Context, conversationID, id string) (*Message, error) {
	if !db.ready.Load() {
		return nil, ErrNotReady
	}
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND message_id = ?`, conversationID, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UnseenSent returns the ids of confirmed messages sent by self that are not
// seen yet, oldest first.
// A non-nil cutoff restricts the result to messages created at or before it.
func (db *DB) UnseenSent(ctx context.Context, conversationID, self string, cutoff *int64) ([]string, error) {
	if !db.ready.Load() {
		return nil, ErrNotReady
	}
	q := `SELECT message_id FROM messages WHERE conversation_id = ? AND sender_id = ? AND seen = 0 AND pending = 0`
	args := []any{conversationID, self}
	if cutoff != nil {
		q += " AND created_at <= ?"
		args = append(args, *cutoff)
	}
	q += " ORDER BY created_at ASC, message_id ASC"

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkSeen flips seen to true for the given ids. Returns the number of rows changed.
func (db *DB) MarkSeen(ctx context.Context, conversationID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var changed int64
	err := db.write(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE messages SET seen = 1 WHERE conversation_id = ? AND message_id = ? AND seen = 0`)
		if err != nil {
			return fmt.Errorf("prepare mark seen: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, id := range ids {
			res, err := stmt.Exec(conversationID, id)
			if err != nil {
				return fmt.Errorf("mark seen %q: %w", id, err)
			}
			n, _ := res.RowsAffected()
			changed += n
		}
		return nil
	})
	return changed, err
}

// Count returns the number of stored messages in a conversation.
func (db *DB) Count(ctx context.Context, conversationID string) (int64, error) {
	if !db.ready.Load() {
		return 0, ErrNotReady
	}
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var m Message
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.ImageRef, &m.CreatedAt, &m.Seen, &m.Flags, &m.Pending)
	return m, err
}
