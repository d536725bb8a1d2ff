package store

import "strings"

// SearchMessages performs a case-insensitive substring search over live
// message content, newest first. An empty chatID searches every chat.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE deleted = 0 AND content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
