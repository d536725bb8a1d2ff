package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as "250ms", "10s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(v time.Duration) Duration { return Duration{v} }

// Engine is the per-session engine.toml.
type Engine struct {
	User      UserConfig      `toml:"user"`
	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Receipts  ReceiptsConfig  `toml:"receipts"`
	Typing    TypingConfig    `toml:"typing"`
	Presence  PresenceConfig  `toml:"presence"`
	History   HistoryConfig   `toml:"history"`
}

type UserConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

type ServerConfig struct {
	URL              string   `toml:"url"`
	Token            string   `toml:"token"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

type TransportConfig struct {
	MaxReconnectAttempts  int      `toml:"max_reconnect_attempts"`
	ReconnectInitialDelay Duration `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     Duration `toml:"reconnect_max_delay"`
	PingInterval          Duration `toml:"ping_interval"`
	WriteTimeout          Duration `toml:"write_timeout"`
}

type DeliveryConfig struct {
	AckTimeout Duration `toml:"ack_timeout"`
}

type OutboxConfig struct {
	// MaxRetention drops queued intents older than this; zero keeps them
	// forever.
	MaxRetention Duration `toml:"max_retention"`
}

type ReceiptsConfig struct {
	BatchWindow Duration `toml:"batch_window"`
}

type TypingConfig struct {
	Debounce    Duration `toml:"debounce"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

type PresenceConfig struct {
	RemoteTypingTTL Duration `toml:"remote_typing_ttl"`
}

type HistoryConfig struct {
	PageSize int `toml:"page_size"`
}

// DefaultEngine returns the engine configuration used for missing keys.
func DefaultEngine() *Engine {
	return &Engine{
		Server: ServerConfig{HandshakeTimeout: dur(10 * time.Second)},
		Transport: TransportConfig{
			MaxReconnectAttempts:  5,
			ReconnectInitialDelay: dur(time.Second),
			ReconnectMaxDelay:     dur(30 * time.Second),
			PingInterval:          dur(25 * time.Second),
			WriteTimeout:          dur(5 * time.Second),
		},
		Delivery: DeliveryConfig{AckTimeout: dur(10 * time.Second)},
		Outbox:   OutboxConfig{MaxRetention: dur(24 * time.Hour)},
		Receipts: ReceiptsConfig{BatchWindow: dur(250 * time.Millisecond)},
		Typing: TypingConfig{
			Debounce:    dur(500 * time.Millisecond),
			IdleTimeout: dur(3 * time.Second),
		},
		Presence: PresenceConfig{RemoteTypingTTL: dur(6 * time.Second)},
		History:  HistoryConfig{PageSize: 50},
	}
}

// LoadEngine reads an engine.toml on top of the defaults. A missing file
// yields the defaults.
func LoadEngine(path string) (*Engine, error) {
	cfg := DefaultEngine()
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// SaveEngine writes cfg to path.
func SaveEngine(path string, cfg *Engine) error {
	return writeTOML(path, cfg)
}

// Validate checks ranges and required combinations.
func (c *Engine) Validate() error {
	var errs []error
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("server.url: %w", err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("server.url: scheme must be ws or wss, got %q", u.Scheme))
		}
	}
	if c.Transport.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("transport.max_reconnect_attempts must be at least 1"))
	}
	if c.Transport.ReconnectInitialDelay.Duration <= 0 {
		errs = append(errs, errors.New("transport.reconnect_initial_delay must be positive"))
	}
	if c.Transport.ReconnectMaxDelay.Duration < c.Transport.ReconnectInitialDelay.Duration {
		errs = append(errs, errors.New("transport.reconnect_max_delay must not be below reconnect_initial_delay"))
	}
	if c.Delivery.AckTimeout.Duration <= 0 {
		errs = append(errs, errors.New("delivery.ack_timeout must be positive"))
	}
	if c.Outbox.MaxRetention.Duration < 0 {
		errs = append(errs, errors.New("outbox.max_retention must not be negative"))
	}
	if c.Receipts.BatchWindow.Duration < 0 {
		errs = append(errs, errors.New("receipts.batch_window must not be negative"))
	}
	if c.Typing.Debounce.Duration < 0 || c.Typing.IdleTimeout.Duration <= 0 {
		errs = append(errs, errors.New("typing.debounce must not be negative and typing.idle_timeout must be positive"))
	}
	if c.Presence.RemoteTypingTTL.Duration <= 0 {
		errs = append(errs, errors.New("presence.remote_typing_ttl must be positive"))
	}
	if c.History.PageSize < 1 || c.History.PageSize > 500 {
		errs = append(errs, fmt.Errorf("history.page_size must be in [1, 500], got %d", c.History.PageSize))
	}
	return errors.Join(errs...)
}
