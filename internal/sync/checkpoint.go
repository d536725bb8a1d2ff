package sync

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	KeyLastEvent     = "last_event_at"
	KeyLastConnected = "last_connected_at"
	KeyLastFlush     = "last_outbox_flush_at"
)

// Checkpoints manages sync checkpoints in the sync_state table.
type Checkpoints struct {
	db     *store.DB
	logger *zap.Logger
}

// NewCheckpoints creates a checkpoint store.
func NewCheckpoints(db *store.DB, logger *zap.Logger) *Checkpoints {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoints{db: db, logger: logger}
}

// Update sets a checkpoint value.
func (c *Checkpoints) Update(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := c.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Get retrieves a checkpoint value, or "" when it was never set.
func (c *Checkpoints) Get(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Touch records t (unix millis) under key. Failures are logged only.
func (c *Checkpoints) Touch(key string, t time.Time) {
	if t.IsZero() {
		t = time.Now()
	}
	if err := c.Update(key, millis(t)); err != nil {
		c.logger.Warn("failed to update checkpoint", zap.String("key", key), zap.Error(err))
	}
}

// All returns every checkpoint.
func (c *Checkpoints) All() (map[string]string, error) {
	rows, err := c.db.Query(`SELECT key, value FROM sync_state ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
