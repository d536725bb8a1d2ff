package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertChat inserts or renames a chat, leaving its preview untouched.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, name, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchChat records a message in the chat preview. Older messages never
// replace a newer preview, so out-of-order ingestion is harmless.
func (db *DB) TouchChat(chatID string, at int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		chatID, at, preview, now)
	return err
}

// SetUnread overwrites the unread counter of a chat.
func (db *DB) SetUnread(chatID string, n int) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UnixMilli(), chatID)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, COALESCE(NULLIF(name, ''), id), unread_count, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat, or nil when it is unknown.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, COALESCE(NULLIF(name, ''), id), unread_count, last_message_at, last_message_preview
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
