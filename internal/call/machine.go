// Package call coordinates the lifecycle of one call session over the chat
// transport: offer, accept, decline and hang-up, plus local media ownership.
package call

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Type is the media type of a call.
type Type string

const (
	Audio Type = "AUDIO"
	Video Type = "VIDEO"
)

// Status is the session status. Ended is absorbing.
type Status string

const (
	Connecting Status = "CONNECTING"
	Ongoing    Status = "ONGOING"
	Ended      Status = "ENDED"
)

// Direction tells whether the local user placed or received the call.
type Direction string

const (
	Outgoing Direction = "OUTGOING"
	Incoming Direction = "INCOMING"
)

// End reasons surfaced to the user.
const (
	ReasonHangUp         = "hung up"
	ReasonDeclined       = "declined"
	ReasonRemoteDeclined = "declined by peer"
	ReasonRemoteEnded    = "ended by peer"
	ReasonBusy           = "busy"
	ReasonOffline        = "not connected"
)

var (
	// ErrStaleEvent marks an event for a call that is not the live session.
	// It is logged and never surfaced.
	ErrStaleEvent     = errors.New("stale call event")
	ErrNoCall         = errors.New("no active call")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrInvalidState   = errors.New("action not valid in current call state")
)

// MediaAccessError reports that local capture could not be acquired.
type MediaAccessError struct {
	Kind Type
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("acquire %s media: %v", e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// Session is a snapshot of a call.
type Session struct {
	CallID      string
	Type        Type
	Initiator   string
	Participant string
	Direction   Direction
	Status      Status
	EndReason   string
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

// Peer returns the other party from the local user's point of view.
func (s Session) Peer() string {
	if s.Direction == Outgoing {
		return s.Participant
	}
	return s.Initiator
}

// Emitter is the slice of the transport the machine needs.
type Emitter interface {
	EmitAsync(kind wire.Kind, payload any, opts transport.EmitOptions) (<-chan transport.Result, error)
	IsConnected() bool
}

// Listener observes every session change.
type Listener func(Session)

// Machine owns at most one live call session.
type Machine struct {
	conn   Emitter
	media  Media
	userID func() string
	logger *zap.Logger
	newID  func() string
	now    func() time.Time

	mu        sync.Mutex
	session   *Session
	stream    Stream
	listeners map[int]Listener
	nextID    int
}

// New creates a machine. A nil media collaborator means NopMedia.
func New(conn Emitter, media Media, userID func() string, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if media == nil {
		media = NopMedia{}
	}
	if userID == nil {
		userID = func() string { return "" }
	}
	return &Machine{
		conn:      conn,
		media:     media,
		userID:    userID,
		logger:    logger.Named("call"),
		newID:     uuid.NewString,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener for session changes.
func (m *Machine) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Snapshot returns the current (possibly ended) session.
func (m *Machine) Snapshot() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

func (m *Machine) liveLocked() bool {
	return m.session != nil && m.session.Status != Ended
}

// Start places an outgoing call. Media is acquired before the offer is sent.
func (m *Machine) Start(ctx context.Context, participant string, typ Type) (Session, error) {
	if typ == "" {
		typ = Audio
	}
	m.mu.Lock()
	if m.liveLocked() {
		m.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	s := &Session{
		CallID:      m.newID(),
		Type:        typ,
		Initiator:   m.userID(),
		Participant: participant,
		Direction:   Outgoing,
		Status:      Connecting,
		StartedAt:   m.now(),
	}
	m.session = s
	m.stream = nil
	callID := s.CallID
	m.notifyLocked()

	m.logger.Info("starting call", zap.String("call_id", callID), zap.String("participant", participant))
	if err := m.acquire(ctx, callID, typ); err != nil {
		return m.snapshotAndUnlock(), err
	}
	snap := *s
	m.mu.Unlock()

	_, err := m.conn.EmitAsync(wire.KindCallStarted, wire.CallSignal{
		CallID:      callID,
		Type:        string(typ),
		Initiator:   snap.Initiator,
		Participant: participant,
	}, transport.EmitOptions{})
	if err != nil {
		m.mu.Lock()
		m.endLocked(callID, ReasonOffline)
		return m.snapshotAndUnlock(), err
	}
	return snap, nil
}

// Accept answers the incoming call. Media is acquired first; the session
// becomes ONGOING only once the server acknowledges the accept.
func (m *Machine) Accept(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return Session{}, ErrNoCall
	}
	s := m.session
	if s.Direction != Incoming || s.Status != Connecting {
		m.mu.Unlock()
		return *s, ErrInvalidState
	}
	callID, typ := s.CallID, s.Type
	if err := m.acquire(ctx, callID, typ); err != nil {
		snap := m.snapshotAndUnlock()
		var mediaErr *MediaAccessError
		if errors.As(err, &mediaErr) {
			m.signal(wire.KindCallDeclined, callID, err.Error())
		}
		return snap, err
	}
	m.mu.Unlock()

	done, err := m.conn.EmitAsync(wire.KindCallAccepted, wire.CallSignal{CallID: callID}, transport.EmitOptions{WaitForAck: true})
	if err == nil {
		select {
		case r := <-done:
			err = r.Err
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.CallID != callID || m.session.Status != Connecting {
		// The session moved on while the accept was in flight.
		return m.snapshotValueLocked(), ErrStaleEvent
	}
	if err != nil {
		m.releaseLocked()
		m.logger.Warn("accept failed", zap.String("call_id", callID), zap.Error(err))
		return *m.session, err
	}
	m.session.Status = Ongoing
	m.session.ConnectedAt = m.now()
	m.notifyLocked()
	m.logger.Info("call ongoing", zap.String("call_id", callID))
	return *m.session, nil
}

// Decline rejects the incoming call.
func (m *Machine) Decline(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked() {
		return Session{}, ErrNoCall
	}
	s := m.session
	if s.Direction != Incoming || s.Status != Connecting {
		return *s, ErrInvalidState
	}
	m.signal(wire.KindCallDeclined, s.CallID, "")
	m.endLocked(s.CallID, ReasonDeclined)
	return *s, nil
}

// End hangs up the live call, whatever its direction or status.
func (m *Machine) End(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked() {
		return Session{}, ErrNoCall
	}
	s := m.session
	m.signal(wire.KindCallEnded, s.CallID, "")
	m.endLocked(s.CallID, ReasonHangUp)
	return *s, nil
}

// HandleRemote applies an inbound call event. Events for any call other than
// the live session return ErrStaleEvent and change nothing.
func (m *Machine) HandleRemote(evt wire.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := evt.(type) {
	case wire.CallStarted:
		return m.incomingLocked(e)
	case wire.CallAccepted:
		if err := m.matchLocked(e.CallID); err != nil {
			return err
		}
		if m.session.Direction != Outgoing || m.session.Status != Connecting {
			return nil
		}
		m.session.Status = Ongoing
		m.session.ConnectedAt = m.now()
		m.notifyLocked()
		m.logger.Info("call accepted by peer", zap.String("call_id", e.CallID))
	case wire.CallDeclined:
		if err := m.matchLocked(e.CallID); err != nil {
			return err
		}
		m.endLocked(e.CallID, reason(e.Reason, ReasonRemoteDeclined))
	case wire.CallEnded:
		if err := m.matchLocked(e.CallID); err != nil {
			return err
		}
		m.endLocked(e.CallID, reason(e.Reason, ReasonRemoteEnded))
	case wire.CallCandidate:
		// ICE candidates belong to the media layer and never move the session.
		return m.matchLocked(e.CallID)
	default:
		return fmt.Errorf("call: unexpected event %s", evt.Kind())
	}
	return nil
}

func (m *Machine) incomingLocked(e wire.CallStarted) error {
	if e.Initiator != "" && e.Initiator == m.userID() {
		return ErrStaleEvent
	}
	if m.session != nil && m.session.CallID == e.CallID {
		return ErrStaleEvent
	}
	if m.liveLocked() {
		m.logger.Info("declining call while busy", zap.String("call_id", e.CallID))
		m.signal(wire.KindCallDeclined, e.CallID, ReasonBusy)
		return nil
	}
	m.session = &Session{
		CallID:      e.CallID,
		Type:        Type(e.Type),
		Initiator:   e.Initiator,
		Participant: e.Participant,
		Direction:   Incoming,
		Status:      Connecting,
		StartedAt:   m.now(),
	}
	m.stream = nil
	m.notifyLocked()
	m.logger.Info("incoming call", zap.String("call_id", e.CallID), zap.String("initiator", e.Initiator))
	return nil
}

func (m *Machine) matchLocked(callID string) error {
	if !m.liveLocked() || m.session.CallID != callID {
		return ErrStaleEvent
	}
	return nil
}

// acquire obtains local media for callID. Called with m.mu held; the lock is
// released around the blocking acquisition. On failure the session is ended
// and the lock is still held on return.
func (m *Machine) acquire(ctx context.Context, callID string, typ Type) error {
	m.mu.Unlock()
	stream, err := m.media.Acquire(ctx, typ)
	m.mu.Lock()

	if err != nil {
		mediaErr := &MediaAccessError{Kind: typ, Err: err}
		m.logger.Warn("media unavailable", zap.String("call_id", callID), zap.Error(err))
		m.endLocked(callID, mediaErr.Error())
		return mediaErr
	}
	if m.session == nil || m.session.CallID != callID || m.session.Status == Ended {
		m.media.Release(stream)
		return ErrStaleEvent
	}
	m.stream = stream
	return nil
}

func (m *Machine) releaseLocked() {
	if m.stream != nil {
		m.media.Release(m.stream)
		m.stream = nil
	}
}

// endLocked moves callID to ENDED and always releases media.
func (m *Machine) endLocked(callID, why string) {
	if m.session == nil || m.session.CallID != callID || m.session.Status == Ended {
		return
	}
	m.session.Status = Ended
	m.session.EndReason = why
	m.session.EndedAt = m.now()
	m.releaseLocked()
	m.notifyLocked()
	m.logger.Info("call ended", zap.String("call_id", callID), zap.String("reason", why))
}

// signal sends a best-effort call frame; failures are logged only.
func (m *Machine) signal(kind wire.Kind, callID, why string) {
	if _, err := m.conn.EmitAsync(kind, wire.CallSignal{CallID: callID, Reason: why}, transport.EmitOptions{}); err != nil {
		m.logger.Debug("call signal not sent", zap.String("kind", string(kind)), zap.String("call_id", callID), zap.Error(err))
	}
}

// snapshotAndUnlock returns the session value and releases m.mu.
func (m *Machine) snapshotAndUnlock() Session {
	snap := m.snapshotValueLocked()
	m.mu.Unlock()
	return snap
}

func (m *Machine) snapshotValueLocked() Session {
	if m.session == nil {
		return Session{}
	}
	return *m.session
}

// notifyLocked calls listeners in registration order with the lock held.
// Listeners must not call back into the machine.
func (m *Machine) notifyLocked() {
	if m.session == nil {
		return
	}
	snap := *m.session
	for _, id := range slices.Sorted(maps.Keys(m.listeners)) {
		m.listeners[id](snap)
	}
}

func reason(got, fallback string) string {
	if got != "" {
		return got
	}
	return fallback
}
