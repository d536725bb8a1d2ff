package store

import (
	"database/sql"
	"errors"
	"time"
)

const messageColumns = `id, chat_id, server_id, client_id, sender, content, type, reply_to,
	delivery, read_state, deleted, created_at, edited_at`

// UpsertMessage inserts or refreshes a confirmed message (idempotent on
// chat_id + server_id). Tombstones and read state are never reverted.
func (db *DB) UpsertMessage(m *Message) error {
	if m.Delivery == "" {
		m.Delivery = "DELIVERED"
	}
	if m.Read == "" {
		m.Read = "UNREAD"
	}
	if m.Type == "" {
		m.Type = "text"
	}
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, server_id, client_id, sender, content, type, reply_to, delivery, read_state, deleted, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, server_id) DO UPDATE SET
			client_id = CASE WHEN excluded.client_id != '' THEN excluded.client_id ELSE messages.client_id END,
			sender = excluded.sender,
			content = CASE WHEN messages.deleted = 1 THEN messages.content ELSE excluded.content END,
			type = excluded.type,
			reply_to = excluded.reply_to,
			delivery = excluded.delivery,
			read_state = CASE WHEN messages.read_state = 'READ' THEN 'READ' ELSE excluded.read_state END,
			deleted = MAX(messages.deleted, excluded.deleted)`,
		m.ChatID, m.ServerID, m.ClientID, m.Sender, m.Content, m.Type, m.ReplyTo,
		m.Delivery, m.Read, m.Deleted, m.CreatedAt, m.EditedAt)
	return err
}

// EditMessage replaces the content of a cached message. It reports whether
// a row changed; edits older than the last applied one are ignored.
func (db *DB) EditMessage(chatID, serverID, content string, editedAt int64) (bool, error) {
	if editedAt <= 0 {
		editedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		UPDATE messages SET content = ?, edited_at = ?
		WHERE chat_id = ? AND server_id = ? AND deleted = 0 AND edited_at <= ?`,
		content, editedAt, chatID, serverID, editedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMessage tombstones a cached message.
func (db *DB) DeleteMessage(chatID, serverID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET deleted = 1, content = ''
		WHERE chat_id = ? AND server_id = ? AND deleted = 0`, chatID, serverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkMessageRead flips read state of a cached message.
func (db *DB) MarkMessageRead(chatID, serverID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET read_state = 'READ'
		WHERE chat_id = ? AND server_id = ? AND read_state != 'READ'`, chatID, serverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a cached message, or nil when it is unknown.
func (db *DB) GetMessage(chatID, serverID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND server_id = ?`, chatID, serverID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListMessagesBefore returns up to limit messages of a chat strictly older
// than the (beforeTs, beforeID) keyset position, newest first. A zero
// beforeTs starts at the newest message.
func (db *DB) ListMessagesBefore(chatID string, beforeTs int64, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if beforeTs <= 0 {
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ?
			ORDER BY created_at DESC, server_id DESC
			LIMIT ?`, chatID, limit)
	} else {
		rows, err = db.Query(`SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ? AND (created_at < ? OR (created_at = ? AND server_id < ?))
			ORDER BY created_at DESC, server_id DESC
			LIMIT ?`, chatID, beforeTs, beforeTs, beforeID, limit)
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
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountUnread returns how many live messages in a chat are unread and not
// authored by userID.
func (db *DB) CountUnread(chatID, userID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND sender != ? AND read_state != 'READ' AND deleted = 0`,
		chatID, userID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	if err := s.Scan(&m.RowID, &m.ChatID, &m.ServerID, &m.ClientID, &m.Sender, &m.Content, &m.Type,
		&m.ReplyTo, &m.Delivery, &m.Read, &m.Deleted, &m.CreatedAt, &m.EditedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
