// Package history serves older transcript pages. Store answers from the
// local message cache with an opaque keyset cursor.
package history

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrBadCursor is returned for cursors this package did not issue.
var ErrBadCursor = errors.New("invalid history cursor")

// Page is one slice of history, oldest message first.
type Page struct {
	Messages   []*chat.Message
	HasMore    bool
	NextCursor string
}

// Fetcher loads messages strictly older than beforeCursor. An empty cursor
// starts at the newest message.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID, beforeCursor string, limit int) (Page, error)
}

// Store implements Fetcher over the sqlite message cache.
type Store struct {
	db       *store.DB
	pageSize int
	logger   *zap.Logger
}

// NewStore creates a cache-backed fetcher. pageSize applies when callers
// pass a non-positive limit.
func NewStore(db *store.DB, pageSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Store{db: db, pageSize: pageSize, logger: logger.Named("history")}
}

// FetchMessages implements Fetcher.
func (s *Store) FetchMessages(ctx context.Context, chatID, beforeCursor string, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = s.pageSize
	}
	ts, id, err := DecodeCursor(beforeCursor)
	if err != nil {
		return Page{}, err
	}

	rows, err := s.db.ListMessagesBefore(chatID, ts, id, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("fetch history for %s: %w", chatID, err)
	}
	page := Page{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	for _, r := range rows {
		page.Messages = append(page.Messages, FromRow(r))
	}
	slices.Reverse(page.Messages)
	if page.HasMore {
		oldest := rows[len(rows)-1]
		page.NextCursor = EncodeCursor(oldest.CreatedAt, oldest.ServerID)
	}

	s.logger.Debug("history page",
		zap.String("chat_id", chatID), zap.Int("count", len(page.Messages)), zap.Bool("has_more", page.HasMore))
	return page, nil
}

// EncodeCursor builds the opaque cursor for a keyset position.
func EncodeCursor(createdAtMs int64, serverID string) string {
	raw := strconv.FormatInt(createdAtMs, 10) + ":" + serverID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. An empty cursor decodes to the zero
// position.
func DecodeCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	tsPart, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return 0, "", ErrBadCursor
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts <= 0 {
		return 0, "", ErrBadCursor
	}
	return ts, id, nil
}

// FromRow converts a cached row into a transcript message.
func FromRow(r store.Message) *chat.Message {
	m := &chat.Message{
		ClientID:  r.ClientID,
		ServerID:  r.ServerID,
		ChatID:    r.ChatID,
		Sender:    r.Sender,
		Content:   r.Content,
		Type:      r.Type,
		ReplyTo:   r.ReplyTo,
		CreatedAt: time.UnixMilli(r.CreatedAt),
		Deleted:   r.Deleted,
		Delivery:  chat.DeliveryState(r.Delivery),
		Read:      chat.ReadState(r.Read),
	}
	if r.EditedAt > 0 {
		m.EditedAt = time.UnixMilli(r.EditedAt)
	}
	return m
}

// ToRow converts a confirmed transcript message into a cache row.
func ToRow(m *chat.Message) *store.Message {
	r := &store.Message{
		ChatID:    m.ChatID,
		ServerID:  m.ServerID,
		ClientID:  m.ClientID,
		Sender:    m.Sender,
		Content:   m.Content,
		Type:      m.Type,
		ReplyTo:   m.ReplyTo,
		Delivery:  string(m.Delivery),
		Read:      string(m.Read),
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
	if !m.EditedAt.IsZero() {
		r.EditedAt = m.EditedAt.UnixMilli()
	}
	return r
}
