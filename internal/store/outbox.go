package store

import (
	"context"
	"database/sql"
	"time"
)

// QueueOutbox adds an outgoing message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO outbox (client_msg_id, conversation_id, sender_id, body, image_ref, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
			e.ClientMsgID, e.ConversationID, e.SenderID, e.Body, e.ImageRef, now, now)
		return err
	})
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "sending", "")
}

// MarkOutboxSent updates an outbox entry to 'sent'.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "sent", "")
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	return db.setOutboxStatus(ctx, clientMsgID, "failed", errMsg)
}

func (db *DB) setOutboxStatus(ctx context.Context, clientMsgID, status, errMsg string) error {
	now := time.Now().UnixMilli()
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
			status, errMsg, now, clientMsgID)
		return err
	})
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	if !db.ready.Load() {
		return nil, ErrNotReady
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_msg_id, conversation_id, sender_id, body, image_ref, status, error_message, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.SenderID, &e.Body, &e.ImageRef, &e.Status, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
