package store

// Chat is a chat preview row.
type Chat struct {
	ID                 string
	Name               string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a cached, server-confirmed message. Timestamps are unix millis.
type Message struct {
	RowID     int64
	ChatID    string
	ServerID  string
	ClientID  string
	Sender    string
	Content   string
	Type      string
	ReplyTo   string
	Delivery  string
	Read      string
	Deleted   bool
	CreatedAt int64
	EditedAt  int64
}

// OutboxEntry is one persisted outbound intent.
type OutboxEntry struct {
	ID        int64
	Kind      string
	Key       string
	ChatID    string
	Payload   []byte
	CreatedAt int64
}
