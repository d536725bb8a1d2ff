package store

import "time"

// QueueOutbox persists an intent. It reports false when an intent with the
// same kind and key is already queued.
func (db *DB) QueueOutbox(e *OutboxEntry) (bool, error) {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO outbox (kind, intent_key, chat_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, intent_key) DO NOTHING`,
		e.Kind, e.Key, e.ChatID, e.Payload, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		e.ID, _ = res.LastInsertId()
	}
	return n > 0, nil
}

// PendingOutbox returns every queued intent in enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, kind, intent_key, chat_id, payload, created_at
		FROM outbox ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOutbox(rows)
}

// OutboxForChat returns queued intents of one chat in enqueue order.
func (db *DB) OutboxForChat(chatID string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, kind, intent_key, chat_id, payload, created_at
		FROM outbox WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOutbox(rows)
}

// GetOutbox returns the queued intent for kind and key, or nil.
func (db *DB) GetOutbox(kind, key string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, kind, intent_key, chat_id, payload, created_at
		FROM outbox WHERE kind = ? AND intent_key = ?`, kind, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanOutbox(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// RemoveOutbox consumes an intent. It reports whether the row existed, so
// concurrent consumers can tell which one won.
func (db *DB) RemoveOutbox(id int64) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountOutbox returns the number of queued intents.
func (db *DB) CountOutbox() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

func scanOutbox(rows interface {
	Next() bool
	Err() error
	scanner
}) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Key, &e.ChatID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
