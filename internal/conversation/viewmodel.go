// Package conversation owns the in-memory transcript of the open chat. It
// is the only writer of that transcript: optimistic sends, delivery
// outcomes, history pages and remote events are merged here into one
// ordered, deduplicated sequence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// ErrNoChat is returned by operations that need an open chat.
var ErrNoChat = errors.New("no chat open")

const callFlashDuration = 5 * time.Second

// Options configures a ViewModel.
type Options struct {
	UserID func() string
	// TypingTTL expires remote typing entries that never received a stop.
	TypingTTL time.Duration
	PageSize  int
}

// ViewModel caches the transcript and presence state for the open chat and
// signals the rendering layer when anything changes.
type ViewModel struct {
	history history.Fetcher
	bus     *bus.Bus
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	chatID   string
	gen      int
	messages []*chat.Message
	cursor   string
	hasMore  bool
	// local holds unconfirmed own messages of every chat, keyed by client
	// id, so they survive chat switches until their outcome arrives.
	local     map[string]*chat.Message
	typing    map[string]time.Time
	call      *call.Session
	banner    Banner
	connected bool

	Flash Flash

	refreshCh chan struct{}
}

// New creates an empty view-model.
func New(h history.Fetcher, b *bus.Bus, opts Options, logger *zap.Logger) *ViewModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserID == nil {
		opts.UserID = func() string { return "" }
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 6 * time.Second
	}
	return &ViewModel{
		history:   h,
		bus:       b,
		opts:      opts,
		logger:    logger.Named("conversation"),
		now:       time.Now,
		local:     make(map[string]*chat.Message),
		typing:    make(map[string]time.Time),
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals a re-render.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
	vm.bus.Emit(bus.ViewRefreshed, vm.ChatID())
}

// ChatID returns the open chat, or "".
func (vm *ViewModel) ChatID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.chatID
}

// Open switches the transcript to chatID and loads its newest page.
// Unconfirmed local messages of that chat are appended after the page.
func (vm *ViewModel) Open(ctx context.Context, chatID string) error {
	if chatID == "" {
		return ErrNoChat
	}
	vm.mu.Lock()
	vm.gen++
	gen := vm.gen
	vm.chatID = chatID
	vm.messages = nil
	vm.cursor = ""
	vm.hasMore = false
	clear(vm.typing)
	vm.mu.Unlock()

	var page history.Page
	var err error
	if vm.history != nil {
		page, err = vm.history.FetchMessages(ctx, chatID, "", vm.opts.PageSize)
	}

	vm.mu.Lock()
	if vm.gen != gen {
		vm.mu.Unlock()
		return nil
	}
	if err == nil {
		// Rows applied while the page was loading are newer than it.
		vm.messages = mergePage(page.Messages, vm.messages)
		vm.cursor, vm.hasMore = page.NextCursor, page.HasMore
	}
	for _, m := range vm.pendingLocked(chatID) {
		if vm.indexLocked(m.ClientID) < 0 {
			vm.messages = append(vm.messages, m)
		}
	}
	vm.mu.Unlock()

	if err != nil {
		vm.logger.Warn("failed to load first page", zap.String("chat_id", chatID), zap.Error(err))
	}
	vm.signalRefresh()
	return err
}

// pendingLocked returns local messages of chatID in creation order.
func (vm *ViewModel) pendingLocked(chatID string) []*chat.Message {
	var out []*chat.Message
	for _, m := range vm.local {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b *chat.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// LoadOlder prepends the page before cursor. Entries already present keep
// their pointer identity. It returns how many entries were added.
func (vm *ViewModel) LoadOlder(ctx context.Context, cursor string) (int, error) {
	vm.mu.RLock()
	chatID, gen := vm.chatID, vm.gen
	vm.mu.RUnlock()
	if chatID == "" {
		return 0, ErrNoChat
	}
	if vm.history == nil {
		return 0, nil
	}

	page, err := vm.history.FetchMessages(ctx, chatID, cursor, vm.opts.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load older: %w", err)
	}

	vm.mu.Lock()
	if vm.gen != gen {
		vm.mu.Unlock()
		return 0, nil
	}
	before := len(vm.messages)
	vm.messages = mergePage(page.Messages, vm.messages)
	vm.cursor, vm.hasMore = page.NextCursor, page.HasMore
	added := len(vm.messages) - before
	vm.mu.Unlock()

	if added > 0 {
		vm.signalRefresh()
	}
	return added, nil
}

// mergePage prepends older to current, skipping entries already present.
func mergePage(older, current []*chat.Message) []*chat.Message {
	out := make([]*chat.Message, 0, len(older)+len(current))
	for _, m := range older {
		if !containsAny(current, m) {
			out = append(out, m)
		}
	}
	return append(out, current...)
}

func containsAny(list []*chat.Message, m *chat.Message) bool {
	return slices.ContainsFunc(list, func(x *chat.Message) bool {
		return x.HasID(m.ServerID) || x.HasID(m.ClientID)
	})
}

// Cursor returns the history cursor for the next LoadOlder call and whether
// older messages exist.
func (vm *ViewModel) Cursor() (string, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.cursor, vm.hasMore
}

// Messages returns the ordered transcript. The slice is a copy; entries are
// shared and must not be modified.
func (vm *ViewModel) Messages() []*chat.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return slices.Clone(vm.messages)
}

// Lookup finds a transcript entry by client or server id.
func (vm *ViewModel) Lookup(id string) (*chat.Message, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if i := vm.indexLocked(id); i >= 0 {
		return vm.messages[i], true
	}
	if m, ok := vm.local[id]; ok {
		return m, true
	}
	return nil, false
}

func (vm *ViewModel) indexLocked(id string) int {
	return slices.IndexFunc(vm.messages, func(m *chat.Message) bool { return m.HasID(id) })
}

// replaceLocked swaps in an updated copy at i.
func (vm *ViewModel) replaceLocked(i int, m *chat.Message) {
	vm.messages[i] = m
}

// OnOptimistic implements delivery.Observer.
func (vm *ViewModel) OnOptimistic(m *chat.Message) { vm.ApplyLocalSend(m) }

// OnOutcome implements delivery.Observer.
func (vm *ViewModel) OnOutcome(o delivery.Outcome) { vm.ApplyOutcome(o) }

// ApplyLocalSend shows an optimistic message. A retry of the same client id
// replaces the existing row.
func (vm *ViewModel) ApplyLocalSend(m *chat.Message) {
	vm.mu.Lock()
	vm.local[m.ClientID] = m
	visible := m.ChatID == vm.chatID
	if visible {
		if i := vm.indexLocked(m.ClientID); i >= 0 {
			vm.replaceLocked(i, m)
		} else {
			vm.messages = append(vm.messages, m)
		}
	}
	vm.mu.Unlock()

	if visible {
		vm.signalRefresh()
	}
}

// ApplyOutcome records the result of a delivery attempt. A confirmed row is
// never moved back to FAILED, and if the server echo already produced a row
// for the server id the two are merged.
func (vm *ViewModel) ApplyOutcome(o delivery.Outcome) {
	vm.mu.Lock()
	changed := false
	if cur, ok := vm.local[o.ClientID]; ok {
		if o.State == chat.Delivered {
			delete(vm.local, o.ClientID)
		} else {
			vm.local[o.ClientID] = withOutcome(cur, o)
		}
	}
	if o.ChatID == vm.chatID {
		changed = vm.applyOutcomeLocked(o)
	}
	vm.mu.Unlock()

	if changed {
		vm.signalRefresh()
	}
}

func (vm *ViewModel) applyOutcomeLocked(o delivery.Outcome) bool {
	i := vm.indexLocked(o.ClientID)
	if i < 0 {
		return false
	}
	cur := vm.messages[i]
	if cur.ServerID != "" && o.State == chat.Failed {
		return false
	}
	vm.replaceLocked(i, withOutcome(cur, o))

	if o.State == chat.Delivered {
		// A remote echo without client id may have landed first.
		dup := slices.IndexFunc(vm.messages, func(m *chat.Message) bool {
			return m != vm.messages[i] && m.ServerID == o.ServerID
		})
		if dup >= 0 {
			vm.messages = slices.Delete(vm.messages, dup, dup+1)
		}
	}
	return true
}

func withOutcome(cur *chat.Message, o delivery.Outcome) *chat.Message {
	m := cur.Clone()
	switch o.State {
	case chat.Delivered:
		m.Delivery = chat.Delivered
		m.FailReason = ""
		if o.ServerID != "" {
			m.ServerID = o.ServerID
		}
	case chat.Failed:
		m.Delivery = chat.Failed
		if o.Err != nil {
			m.FailReason = o.Err.Error()
		}
	}
	return m
}

// ApplyLocalRead flips the read state after a receipt was scheduled.
func (vm *ViewModel) ApplyLocalRead(messageID, chatID string) {
	vm.mu.Lock()
	changed := false
	if chatID == vm.chatID {
		changed = vm.mutateLocked(messageID, func(m *chat.Message) bool {
			if m.Read == chat.Read {
				return false
			}
			m.Read = chat.Read
			return true
		})
	}
	vm.mu.Unlock()
	if changed {
		vm.signalRefresh()
	}
}

// mutateLocked applies fn to a copy of the entry with id and swaps it in
// when fn reports a change. Unknown ids are ignored.
func (vm *ViewModel) mutateLocked(id string, fn func(*chat.Message) bool) bool {
	i := vm.indexLocked(id)
	if i < 0 {
		return false
	}
	m := vm.messages[i].Clone()
	if !fn(m) {
		return false
	}
	vm.replaceLocked(i, m)
	return true
}

// ApplyRemoteEvent merges an inbound event into the transcript. It reports
// whether anything visible changed. Only new_message may add a row.
func (vm *ViewModel) ApplyRemoteEvent(evt wire.Event) bool {
	vm.mu.Lock()
	if chatID := wire.ChatOf(evt); chatID != "" && chatID != vm.chatID {
		vm.mu.Unlock()
		return false
	}
	var changed bool
	switch e := evt.(type) {
	case wire.NewMessage:
		changed = vm.applyNewLocked(e.Message)
	case wire.MessageUpdated:
		changed = vm.mutateLocked(e.MessageID, func(m *chat.Message) bool {
			if m.Deleted || (!m.EditedAt.IsZero() && e.EditedAt.Before(m.EditedAt)) {
				return false
			}
			m.Content = e.Content
			m.EditedAt = e.EditedAt
			return true
		})
	case wire.MessageDeleted:
		changed = vm.mutateLocked(e.MessageID, func(m *chat.Message) bool {
			if m.Deleted {
				return false
			}
			m.Deleted = true
			m.Content = ""
			m.Reactions = nil
			return true
		})
	case wire.MessageRead:
		changed = vm.mutateLocked(e.MessageID, func(m *chat.Message) bool {
			if m.Read == chat.Read {
				return false
			}
			m.Read = chat.Read
			return true
		})
	case wire.MessageReaction:
		changed = vm.mutateLocked(e.MessageID, func(m *chat.Message) bool {
			return !m.Deleted && m.AddReaction(e.Emoji, e.UserID)
		})
	case wire.ReactionRemoved:
		changed = vm.mutateLocked(e.MessageID, func(m *chat.Message) bool {
			return m.RemoveReaction(e.Emoji, e.UserID)
		})
	case wire.MessageDelivered:
		// Transport-level delivery only; read state is untouched.
		changed = vm.mutateLocked(e.MessageID, func(m *chat.Message) bool {
			if m.Delivery == chat.Delivered || (e.Status != "" && !strings.EqualFold(e.Status, "delivered")) {
				return false
			}
			m.Delivery = chat.Delivered
			m.FailReason = ""
			return true
		})
	case wire.Typing:
		changed = vm.applyTypingLocked(e)
	}
	vm.mu.Unlock()

	if changed {
		vm.signalRefresh()
	}
	return changed
}

// applyNewLocked matches the payload to an optimistic row by client id or
// to a known row by server id before appending.
func (vm *ViewModel) applyNewLocked(p wire.MessagePayload) bool {
	i := -1
	if p.ClientID != "" {
		i = vm.indexLocked(p.ClientID)
	}
	if i < 0 {
		i = vm.indexLocked(p.ID)
	}
	if i >= 0 {
		cur := vm.messages[i]
		if cur.ClientID != "" {
			delete(vm.local, cur.ClientID)
		}
		if cur.ServerID == p.ID && cur.Delivery == chat.Delivered && (cur.Deleted || cur.Content == p.Content) {
			return false
		}
		m := cur.Clone()
		m.ServerID = p.ID
		if !m.Deleted {
			m.Content = p.Content
		}
		m.Delivery = chat.Delivered
		m.FailReason = ""
		vm.replaceLocked(i, m)
		return true
	}

	m := &chat.Message{
		ClientID:  p.ClientID,
		ServerID:  p.ID,
		ChatID:    p.ChatID,
		Sender:    p.Sender,
		Content:   p.Content,
		Type:      p.Type,
		ReplyTo:   p.ReplyTo,
		CreatedAt: p.CreatedAt,
		Delivery:  chat.Delivered,
		Read:      chat.Unread,
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = vm.now()
	}
	// Keep creation order; a late arrival lands after every entry that is
	// not newer than it.
	at := len(vm.messages)
	for at > 0 && vm.messages[at-1].CreatedAt.After(m.CreatedAt) {
		at--
	}
	vm.messages = slices.Insert(vm.messages, at, m)
	return true
}

func (vm *ViewModel) applyTypingLocked(e wire.Typing) bool {
	if e.UserID == "" || e.UserID == vm.opts.UserID() {
		return false
	}
	_, was := vm.typing[e.UserID]
	if e.IsTyping {
		vm.typing[e.UserID] = vm.now().Add(vm.opts.TypingTTL)
		return !was
	}
	delete(vm.typing, e.UserID)
	return was
}

// Typers returns the users currently typing in the open chat, sorted.
func (vm *ViewModel) Typers() []string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	now := vm.now()
	var out []string
	for user, until := range vm.typing {
		if now.Before(until) {
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

// TypingText renders the presence line for the open chat.
func (vm *ViewModel) TypingText() string {
	users := vm.Typers()
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing..."
	case 2:
		return users[0] + " and " + users[1] + " are typing..."
	default:
		return "several people are typing..."
	}
}

// SetCall records the latest call snapshot. An ended call leaves a flash
// with its reason; a new call clears the previous call's notice.
func (vm *ViewModel) SetCall(s call.Session) {
	vm.mu.Lock()
	prev := vm.call
	vm.call = &s
	vm.mu.Unlock()

	switch {
	case s.Status != call.Ended:
		vm.Flash.ClearCall(s.CallID)
	case prev == nil || prev.CallID != s.CallID || prev.Status != call.Ended:
		msg := "Call ended"
		if s.EndReason != "" {
			msg += ": " + s.EndReason
		}
		vm.Flash.Set(msg, s.CallID, callFlashDuration)
	}
	vm.signalRefresh()
}

// Call returns the latest call snapshot.
func (vm *ViewModel) Call() (call.Session, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.call == nil {
		return call.Session{}, false
	}
	return *vm.call, true
}

// BannerState is the persistent connectivity indicator.
type BannerState string

const (
	BannerNone         BannerState = ""
	BannerConnecting   BannerState = "CONNECTING"
	BannerReconnecting BannerState = "RECONNECTING"
	BannerOffline      BannerState = "OFFLINE"
	BannerExhausted    BannerState = "EXHAUSTED"
)

// Banner describes the connectivity indicator. It stays up until the state
// changes, unlike Flash.
type Banner struct {
	State   BannerState
	Attempt int
}

// Text renders the banner for display.
func (b Banner) Text() string {
	switch b.State {
	case BannerConnecting:
		return "Connecting..."
	case BannerReconnecting:
		if b.Attempt > 0 {
			return fmt.Sprintf("Connection lost. Reconnecting (attempt %d)...", b.Attempt)
		}
		return "Connection lost. Reconnecting..."
	case BannerOffline:
		return "Offline"
	case BannerExhausted:
		return "Unable to reach the server. Reconnect to try again."
	default:
		return ""
	}
}

// SetConnection updates the banner from a connection status change.
func (vm *ViewModel) SetConnection(c status.Change) {
	vm.mu.Lock()
	prev := vm.banner
	switch c.To {
	case status.Connected:
		vm.connected = true
		vm.banner = Banner{}
	case status.Connecting:
		if vm.connected || c.Attempt > 1 {
			vm.banner = Banner{State: BannerReconnecting, Attempt: c.Attempt}
		} else {
			vm.banner = Banner{State: BannerConnecting, Attempt: c.Attempt}
		}
	case status.Disconnected:
		if c.Attempt > 0 {
			vm.banner = Banner{State: BannerReconnecting, Attempt: c.Attempt}
		} else {
			vm.banner = Banner{State: BannerOffline}
		}
	case status.Error:
		// A retried failure is followed by DISCONNECTED right away.
		if c.Final {
			vm.banner = Banner{State: BannerExhausted, Attempt: c.Attempt}
		}
	}
	changed := vm.banner != prev
	vm.mu.Unlock()

	if changed {
		vm.signalRefresh()
	}
}

// Banner returns the connectivity indicator.
func (vm *ViewModel) Banner() Banner {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.banner
}
