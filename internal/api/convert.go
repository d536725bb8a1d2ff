package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var (
		timeout  *transport.DeliveryTimeoutError
		rejected *transport.RejectionError
		media    *call.MediaAccessError
	)
	code := codes.Internal
	switch {
	case transport.IsConnectivity(err), errors.Is(err, transport.ErrConnectionLost):
		code = codes.Unavailable
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.As(err, &rejected):
		code = codes.Aborted
	case errors.As(err, &media):
		code = codes.PermissionDenied
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, delivery.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, delivery.ErrEmptyMessage), errors.Is(err, delivery.ErrNoChat),
		errors.Is(err, transport.ErrMissingCredential), errors.Is(err, history.ErrBadCursor):
		code = codes.InvalidArgument
	case errors.Is(err, conversation.ErrNoChat), errors.Is(err, engine.ErrNotConfirmed),
		errors.Is(err, engine.ErrNotOwn), errors.Is(err, delivery.ErrNotRetryable),
		errors.Is(err, call.ErrNoCall), errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, transport.ErrAuthRejected):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Error(code, err.Error())
}

func invalid(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}

func str(in *structpb.Struct, key string) string {
	if v, ok := in.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func required(in *structpb.Struct, key string) (string, error) {
	v := str(in, key)
	if v == "" {
		return "", invalid("%s is required", key)
	}
	return v, nil
}

func boolean(in *structpb.Struct, key string) bool {
	if v, ok := in.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func integer(in *structpb.Struct, key string, def int) int {
	if v, ok := in.GetFields()[key]; ok {
		if n := int(v.GetNumberValue()); n > 0 {
			return n
		}
	}
	return def
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func messageFields(m *chat.Message) map[string]any {
	reactions := make(map[string]any, len(m.Reactions))
	for _, emoji := range m.ReactionEmojis() {
		users := make([]any, 0, len(m.Reactions[emoji]))
		for _, u := range m.Reactions[emoji] {
			users = append(users, u)
		}
		reactions[emoji] = users
	}
	f := map[string]any{
		"id":            m.Identity().ID(),
		"client_id":     m.ClientID,
		"server_id":     m.ServerID,
		"chat_id":       m.ChatID,
		"sender":        m.Sender,
		"content":       m.Content,
		"type":          m.Type,
		"reply_to":      m.ReplyTo,
		"delivery":      string(m.Delivery),
		"read":          string(m.Read),
		"deleted":       m.Deleted,
		"created_at_ms": millis(m.CreatedAt),
		"edited_at_ms":  millis(m.EditedAt),
		"reactions":     reactions,
	}
	if m.FailReason != "" {
		f["fail_reason"] = m.FailReason
	}
	return f
}

func messageList(msgs []*chat.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFields(m))
	}
	return out
}

func rowFields(m store.Message) map[string]any {
	return messageFields(history.FromRow(m))
}

func chatFields(c store.Chat) map[string]any {
	return map[string]any{
		"id":                   c.ID,
		"name":                 c.Name,
		"unread_count":         c.UnreadCount,
		"last_message_at_ms":   c.LastMessageAt,
		"last_message_preview": c.LastMessagePreview,
	}
}

func sessionFields(s call.Session) map[string]any {
	return map[string]any{
		"call_id":         s.CallID,
		"type":            string(s.Type),
		"initiator":       s.Initiator,
		"participant":     s.Participant,
		"peer":            s.Peer(),
		"direction":       string(s.Direction),
		"status":          string(s.Status),
		"end_reason":      s.EndReason,
		"started_at_ms":   millis(s.StartedAt),
		"connected_at_ms": millis(s.ConnectedAt),
		"ended_at_ms":     millis(s.EndedAt),
	}
}

func outcomeFields(o delivery.Outcome) map[string]any {
	f := map[string]any{
		"client_id":     o.ClientID,
		"chat_id":       o.ChatID,
		"server_id":     o.ServerID,
		"state":         string(o.State),
		"attempt":       o.Attempt,
		"created_at_ms": millis(o.CreatedAt),
	}
	if o.Err != nil {
		f["error"] = o.Err.Error()
	}
	return f
}

func bannerFields(b conversation.Banner) map[string]any {
	return map[string]any{
		"state":   string(b.State),
		"attempt": b.Attempt,
		"text":    b.Text(),
	}
}

// eventFields renders a bus event payload. Payloads without a dedicated
// mapping go through their JSON form.
func eventFields(evt bus.Event) (map[string]any, error) {
	var payload any
	switch p := evt.Payload.(type) {
	case *chat.Message:
		payload = messageFields(p)
	case delivery.Outcome:
		payload = outcomeFields(p)
	case call.Session:
		payload = sessionFields(p)
	case status.Change:
		payload = map[string]any{
			"from":    string(p.From),
			"to":      string(p.To),
			"attempt": p.Attempt,
			"final":   p.Final,
		}
	case map[string]string:
		m := make(map[string]any, len(p))
		for k, v := range p {
			m[k] = v
		}
		payload = m
	case nil:
	default:
		var err error
		if payload, err = jsonValue(p); err != nil {
			return nil, fmt.Errorf("event %s: %w", evt.Kind, err)
		}
	}
	return map[string]any{
		"kind":    evt.Kind,
		"at_ms":   millis(evt.Timestamp),
		"payload": payload,
	}, nil
}

func jsonValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toStruct(f map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(f)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
