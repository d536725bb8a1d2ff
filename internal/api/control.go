package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultListLimit = 50

// Engine is the slice of the engine the control service drives.
type Engine interface {
	Status() engine.Status
	Connect(credential string) error
	Disconnect()
	View() *conversation.ViewModel
	OpenChat(ctx context.Context, chatID string) error
	LoadOlder(ctx context.Context) (int, error)
	Send(ctx context.Context, d chat.Draft) (*delivery.Pending, error)
	Reply(ctx context.Context, messageID, content string) (*delivery.Pending, error)
	Retry(ctx context.Context, clientID string) (*delivery.Pending, error)
	CancelSend(clientID string) (bool, error)
	Edit(ctx context.Context, messageID, content string) error
	Delete(ctx context.Context, messageID string) error
	React(ctx context.Context, messageID, emoji string) error
	Unreact(ctx context.Context, messageID, emoji string) error
	MarkVisible(messageID string) bool
	SetTyping(isTyping bool) error
	StartCall(ctx context.Context, participant string, typ call.Type) (call.Session, error)
	AcceptCall(ctx context.Context) (call.Session, error)
	DeclineCall(ctx context.Context) (call.Session, error)
	EndCall(ctx context.Context) (call.Session, error)
}

// Control implements ControlServer on top of one engine.
type Control struct {
	session    string
	credential string
	startedAt  time.Time
	eng        Engine
	db         *store.DB
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewControl creates the control service. credential is used by Connect
// when the request carries no token.
func NewControl(session, credential string, eng Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		session:    session,
		credential: credential,
		startedAt:  time.Now(),
		eng:        eng,
		db:         db,
		bus:        b,
		logger:     logger.Named("api"),
	}
}

var _ ControlServer = (*Control)(nil)

func (c *Control) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := c.eng.Status()
	f := map[string]any{
		"session":      c.session,
		"uptime_ms":    time.Since(c.startedAt).Milliseconds(),
		"connection":   string(st.Connection),
		"attempts":     st.Attempts,
		"max_attempts": st.MaxAttempts,
		"settled":      st.Settled,
		"user_id":      st.UserID,
		"chat_id":      st.ChatID,
		"outbox":       st.Outbox,
		"in_flight":    st.InFlight,
		"banner":       bannerFields(st.Banner),
	}
	return toStruct(f)
}

func (c *Control) Connect(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := str(in, "token")
	if token == "" {
		token = c.credential
	}
	if err := c.eng.Connect(token); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"connecting": true})
}

func (c *Control) Disconnect(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	c.eng.Disconnect()
	return toStruct(map[string]any{"disconnected": true})
}

func (c *Control) ListChats(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit := integer(in, "limit", defaultListLimit)
	chats, err := c.db.ListChats(limit, integer(in, "offset", 0))
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(chats))
	for _, ch := range chats {
		list = append(list, chatFields(ch))
	}
	return toStruct(map[string]any{"chats": list, "has_more": len(chats) == limit})
}

func (c *Control) OpenChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := required(in, "chat_id")
	if err != nil {
		return nil, err
	}
	if err := c.eng.OpenChat(ctx, chatID); err != nil {
		return nil, toStatus(err)
	}
	return c.transcript()
}

func (c *Control) Transcript(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return c.transcript()
}

func (c *Control) transcript() (*structpb.Struct, error) {
	view := c.eng.View()
	_, more := view.Cursor()
	f := map[string]any{
		"chat_id":  view.ChatID(),
		"messages": messageList(view.Messages()),
		"has_more": more,
		"typing":   view.TypingText(),
		"banner":   bannerFields(view.Banner()),
		"flash":    view.Flash.Get(),
	}
	if s, ok := view.Call(); ok {
		f["call"] = sessionFields(s)
	}
	return toStruct(f)
}

func (c *Control) LoadOlder(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := c.eng.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	_, more := c.eng.View().Cursor()
	return toStruct(map[string]any{"added": n, "has_more": more})
}

func (c *Control) Search(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	query, err := required(in, "query")
	if err != nil {
		return nil, err
	}
	rows, err := c.db.SearchMessages(query, str(in, "chat_id"), integer(in, "limit", defaultListLimit))
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(rows))
	for _, r := range rows {
		list = append(list, rowFields(r))
	}
	return toStruct(map[string]any{"messages": list})
}

func (c *Control) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	content := str(in, "content")
	var (
		p   *delivery.Pending
		err error
	)
	if replyTo := str(in, "reply_to"); replyTo != "" {
		p, err = c.eng.Reply(ctx, replyTo, content)
	} else {
		p, err = c.eng.Send(ctx, chat.Draft{Content: content, Type: str(in, "type")})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return c.pending(ctx, p, boolean(in, "wait"))
}

// pending renders a send. With wait it blocks until the outcome or the
// request deadline.
func (c *Control) pending(ctx context.Context, p *delivery.Pending, wait bool) (*structpb.Struct, error) {
	f := map[string]any{"message": messageFields(p.Message)}
	if wait {
		o, err := p.Wait(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		f["outcome"] = outcomeFields(o)
	}
	return toStruct(f)
}

func (c *Control) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	clientID, err := required(in, "client_id")
	if err != nil {
		return nil, err
	}
	p, err := c.eng.Retry(ctx, clientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return c.pending(ctx, p, boolean(in, "wait"))
}

func (c *Control) CancelSend(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	clientID, err := required(in, "client_id")
	if err != nil {
		return nil, err
	}
	ok, err := c.eng.CancelSend(clientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"cancelled": ok})
}

func (c *Control) Edit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	if err := c.eng.Edit(ctx, id, str(in, "content")); err != nil {
		return nil, toStatus(err)
	}
	return c.message(id)
}

func (c *Control) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	if err := c.eng.Delete(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return c.message(id)
}

func (c *Control) React(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	emoji, err := required(in, "emoji")
	if err != nil {
		return nil, err
	}
	if boolean(in, "remove") {
		err = c.eng.Unreact(ctx, id, emoji)
	} else {
		err = c.eng.React(ctx, id, emoji)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return c.message(id)
}

func (c *Control) message(id string) (*structpb.Struct, error) {
	m, ok := c.eng.View().Lookup(id)
	if !ok {
		return toStruct(map[string]any{})
	}
	return toStruct(map[string]any{"message": messageFields(m)})
}

func (c *Control) MarkVisible(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"scheduled": c.eng.MarkVisible(id)})
}

func (c *Control) SetTyping(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	typing := boolean(in, "typing")
	if err := c.eng.SetTyping(typing); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"typing": typing})
}

func (c *Control) StartCall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	participant, err := required(in, "participant")
	if err != nil {
		return nil, err
	}
	typ := call.Type(str(in, "type"))
	switch typ {
	case "":
		typ = call.Audio
	case call.Audio, call.Video:
	default:
		return nil, invalid("type must be %s or %s, got %q", call.Audio, call.Video, typ)
	}
	return c.callResult(c.eng.StartCall(ctx, participant, typ))
}

func (c *Control) AcceptCall(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return c.callResult(c.eng.AcceptCall(ctx))
}

func (c *Control) DeclineCall(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return c.callResult(c.eng.DeclineCall(ctx))
}

func (c *Control) EndCall(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return c.callResult(c.eng.EndCall(ctx))
}

func (c *Control) callResult(s call.Session, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"call": sessionFields(s)})
}

// Watch streams bus events. The optional "namespaces" list filters by
// prefix; empty streams everything.
func (c *Control) Watch(in *structpb.Struct, stream WatchServer) error {
	var namespaces []string
	for _, v := range in.GetFields()["namespaces"].GetListValue().GetValues() {
		if ns := v.GetStringValue(); ns != "" {
			namespaces = append(namespaces, ns)
		}
	}
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}

	merged := make(chan bus.Event, 256)
	for _, ns := range namespaces {
		ch, unsub := c.bus.Subscribe(ns, 256)
		defer unsub()
		go func() {
			for {
				select {
				case evt := <-ch:
					select {
					case merged <- evt:
					case <-stream.Context().Done():
						return
					}
				case <-stream.Context().Done():
					return
				}
			}
		}()
	}

	c.logger.Debug("watch started", zap.Strings("namespaces", namespaces))
	for {
		select {
		case evt := <-merged:
			f, err := eventFields(evt)
			if err != nil {
				c.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			s, err := structpb.NewStruct(f)
			if err != nil {
				c.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(s); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
