// Package outbox buffers durable outbound intents that could not reach the
// server and flushes them in enqueue order once the connection is back.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Kind classifies an intent.
type Kind string

// Durable intent kinds. Anything else is time-sensitive and never queued.
const (
	KindMessage     Kind = "MESSAGE"
	KindReadReceipt Kind = "READ_RECEIPT"
)

// Durable reports whether intents of kind k may be queued.
func (k Kind) Durable() bool {
	return k == KindMessage || k == KindReadReceipt
}

var (
	// ErrNotDurable rejects intents that must be dropped while offline.
	ErrNotDurable = errors.New("intent kind is not durable")
	// ErrExpired is passed to Route.Drop for intents older than the retention.
	ErrExpired = errors.New("intent exceeded queue retention")
	// ErrCancelled is passed to Route.Drop for explicitly cancelled intents.
	ErrCancelled = errors.New("intent cancelled")
	// ErrNoRoute stops a flush when an intent kind has no registered route.
	ErrNoRoute = errors.New("no route for intent kind")
)

// Intent is one queued unit of work.
type Intent struct {
	ID        int64
	Kind      Kind
	Key       string
	ChatID    string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Route delivers and retires intents of one kind. Send returning a
// connectivity error keeps the intent queued and stops the flush; any other
// error consumes the intent and is handed to Drop.
type Route struct {
	Send func(ctx context.Context, in Intent) error
	Drop func(in Intent, reason error)
}

// FlushReport summarizes one Flush call.
type FlushReport struct {
	Sent      int
	Dropped   int
	Remaining int
}

// Queue is the durable outbound queue backed by the session database.
type Queue struct {
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	retention time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	routes map[Kind]Route

	flushMu sync.Mutex
	active  atomic.Int32
	cancel  context.CancelFunc
}

// NewQueue creates a queue. A non-positive retention keeps intents forever.
func NewQueue(db *store.DB, b *bus.Bus, retention time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:        db,
		bus:       b,
		logger:    logger.Named("outbox"),
		retention: retention,
		now:       time.Now,
		routes:    make(map[Kind]Route),
	}
}

// Register installs the route for a kind, replacing any previous one.
func (q *Queue) Register(kind Kind, r Route) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.routes[kind] = r
}

func (q *Queue) route(kind Kind) (Route, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.routes[kind]
	return r, ok
}

// Enqueue persists a durable intent. Enqueueing the same kind and key twice
// is a no-op.
func (q *Queue) Enqueue(in Intent) error {
	if !in.Kind.Durable() {
		return fmt.Errorf("enqueue %s: %w", in.Kind, ErrNotDurable)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = q.now()
	}
	entry := &store.OutboxEntry{
		Kind:      string(in.Kind),
		Key:       in.Key,
		ChatID:    in.ChatID,
		Payload:   in.Payload,
		CreatedAt: in.CreatedAt.UnixMilli(),
	}
	added, err := q.db.QueueOutbox(entry)
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", in.Kind, in.Key, err)
	}
	if !added {
		q.logger.Debug("intent already queued", zap.String("kind", string(in.Kind)), zap.String("key", in.Key))
		return nil
	}
	q.logger.Info("intent queued",
		zap.String("kind", string(in.Kind)),
		zap.String("key", in.Key),
		zap.String("chat_id", in.ChatID))
	return nil
}

// Size returns the number of queued intents.
func (q *Queue) Size() int {
	n, err := q.db.CountOutbox()
	if err != nil {
		q.logger.Error("failed to count outbox", zap.Error(err))
		return 0
	}
	return n
}

// Busy reports whether intents are queued or a flush is in progress. New
// durable traffic must go through the queue while it is busy to keep order.
func (q *Queue) Busy() bool {
	return q.active.Load() > 0 || q.Size() > 0
}

// Flush drains the queue in FIFO order until it is empty or a connectivity
// error stops it. Intents enqueued during the flush are drained too.
func (q *Queue) Flush(ctx context.Context) (FlushReport, error) {
	q.active.Add(1)
	defer q.active.Add(-1)
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var report FlushReport
	defer func() {
		report.Remaining = q.Size()
		if report.Sent > 0 || report.Dropped > 0 {
			q.bus.Emit(bus.OutboxFlushed, report)
		}
	}()

	for {
		entries, err := q.db.PendingOutbox()
		if err != nil {
			return report, fmt.Errorf("read outbox: %w", err)
		}
		if len(entries) == 0 {
			return report, nil
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			in := fromEntry(e)
			r, ok := q.route(in.Kind)
			if !ok {
				return report, fmt.Errorf("flush %s: %w", in.Kind, ErrNoRoute)
			}

			if q.expired(in) {
				if q.consume(in, r, ErrExpired) {
					report.Dropped++
				}
				continue
			}

			err := r.Send(ctx, in)
			if transport.IsConnectivity(err) {
				q.logger.Info("flush paused, connection unavailable",
					zap.String("kind", string(in.Kind)), zap.String("key", in.Key))
				return report, err
			}
			if err != nil {
				q.logger.Warn("flushed intent failed",
					zap.String("kind", string(in.Kind)), zap.String("key", in.Key), zap.Error(err))
				if q.consume(in, r, err) {
					report.Dropped++
				}
				continue
			}
			if _, err := q.db.RemoveOutbox(in.ID); err != nil {
				return report, fmt.Errorf("remove %s %s: %w", in.Kind, in.Key, err)
			}
			report.Sent++
		}
	}
}

// Kick flushes in the background.
func (q *Queue) Kick(ctx context.Context) {
	go func() {
		if _, err := q.Flush(ctx); err != nil && !transport.IsConnectivity(err) {
			q.logger.Error("outbox flush failed", zap.Error(err))
		}
	}()
}

// Cancel removes the queued intent for kind and key, handing it to the
// route's Drop with ErrCancelled. It reports whether an intent was removed.
func (q *Queue) Cancel(kind Kind, key string) (bool, error) {
	e, err := q.db.GetOutbox(string(kind), key)
	if err != nil || e == nil {
		return false, err
	}
	r, _ := q.route(kind)
	return q.consume(fromEntry(*e), r, ErrCancelled), nil
}

// CancelChat drops every intent queued for a chat, as on chat teardown.
func (q *Queue) CancelChat(chatID string) (int, error) {
	entries, err := q.db.OutboxForChat(chatID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		r, _ := q.route(Kind(e.Kind))
		if q.consume(fromEntry(e), r, ErrCancelled) {
			n++
		}
	}
	return n, nil
}

// Expire drops intents past retention without waiting for a flush.
func (q *Queue) Expire() (int, error) {
	if q.retention <= 0 {
		return 0, nil
	}
	entries, err := q.db.PendingOutbox()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		in := fromEntry(e)
		if !q.expired(in) {
			continue
		}
		r, _ := q.route(in.Kind)
		if q.consume(in, r, ErrExpired) {
			n++
		}
	}
	return n, nil
}

// Start runs the retention sweeper until Stop or ctx is done.
func (q *Queue) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, q.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := q.Expire(); err != nil {
					q.logger.Error("outbox sweep failed", zap.Error(err))
				} else if n > 0 {
					q.logger.Info("expired queued intents", zap.Int("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) expired(in Intent) bool {
	return q.retention > 0 && q.now().Sub(in.CreatedAt) > q.retention
}

// consume removes the intent and, if this call won the removal, reports it
// through the route. An intent is consumed at most once.
func (q *Queue) consume(in Intent, r Route, reason error) bool {
	removed, err := q.db.RemoveOutbox(in.ID)
	if err != nil {
		q.logger.Error("failed to remove intent", zap.String("key", in.Key), zap.Error(err))
		return false
	}
	if !removed {
		return false
	}
	q.logger.Info("intent dropped",
		zap.String("kind", string(in.Kind)),
		zap.String("key", in.Key),
		zap.String("chat_id", in.ChatID),
		zap.Error(reason))
	q.bus.Emit(bus.OutboxDropped, DropNotice{Intent: in, Reason: reason.Error()})
	if r.Drop != nil {
		r.Drop(in, reason)
	}
	return true
}

// DropNotice is published on the bus for every dropped intent.
type DropNotice struct {
	Intent Intent
	Reason string
}

func fromEntry(e store.OutboxEntry) Intent {
	return Intent{
		ID:        e.ID,
		Kind:      Kind(e.Kind),
		Key:       e.Key,
		ChatID:    e.ChatID,
		Payload:   json.RawMessage(e.Payload),
		CreatedAt: time.UnixMilli(e.CreatedAt),
	}
}
