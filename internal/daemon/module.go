// Package daemon composes chatsyncd: one engine per session, controlled over
// a unix-socket gRPC server.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool

	// Config replaces engine.toml when set.
	Config *config.Engine
	// Dialer replaces the websocket dialer when set.
	Dialer transport.Dialer
	// Logger replaces the file logger when set.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideDialer,
			provideEngine,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, level)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Engine, error) {
	cfg := p.Config
	if cfg == nil {
		path := session.EngineConfigPath(p.SessionName)
		var err error
		if cfg, err = config.LoadEngine(path); err != nil {
			return nil, err
		}
		logger.Info("engine config loaded", zap.String("path", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDialer(p Params, cfg *config.Engine, logger *zap.Logger) transport.Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return &transport.WebSocketDialer{
		URL:              cfg.Server.URL,
		HandshakeTimeout: cfg.Server.HandshakeTimeout.Duration,
		PingInterval:     cfg.Transport.PingInterval.Duration,
		WriteTimeout:     cfg.Transport.WriteTimeout.Duration,
		Logger:           logger,
	}
}

func provideEngine(dialer transport.Dialer, db *store.DB, b *bus.Bus, cfg *config.Engine, logger *zap.Logger) *engine.Engine {
	return engine.New(dialer, db, b, call.NopMedia{}, EngineConfig(cfg), logger)
}

func provideControl(p Params, cfg *config.Engine, eng *engine.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.SessionName, cfg.Server.Token, eng, db, b, logger)
}

// EngineConfig translates engine.toml into the engine's tuning.
func EngineConfig(c *config.Engine) engine.Config {
	return engine.Config{
		Transport: transport.Config{
			MaxAttempts:      c.Transport.MaxReconnectAttempts,
			InitialDelay:     c.Transport.ReconnectInitialDelay.Duration,
			MaxDelay:         c.Transport.ReconnectMaxDelay.Duration,
			HandshakeTimeout: c.Server.HandshakeTimeout.Duration,
			AckTimeout:       c.Delivery.AckTimeout.Duration,
		},
		AckTimeout:     c.Delivery.AckTimeout.Duration,
		Retention:      c.Outbox.MaxRetention.Duration,
		SweepInterval:  sweepInterval(c.Outbox.MaxRetention.Duration),
		ReceiptBatch:   c.Receipts.BatchWindow.Duration,
		TypingDebounce: c.Typing.Debounce.Duration,
		TypingIdle:     c.Typing.IdleTimeout.Duration,
		TypingTTL:      c.Presence.RemoteTypingTTL.Duration,
		PageSize:       c.History.PageSize,
	}
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Engine, srv *Server, lk *lock.Lock, db *store.DB, eng *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			eng.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if cfg.Server.Token == "" || (cfg.Server.URL == "" && p.Dialer == nil) {
				logger.Info("no server credentials configured, waiting for Connect")
				return nil
			}
			if err := eng.Connect(cfg.Server.Token); err != nil {
				logger.Error("auto-connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			eng.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// sweepInterval checks the outbox about twenty times per retention period,
// between once a second and once an hour.
func sweepInterval(retention time.Duration) time.Duration {
	return min(max(retention/20, time.Second), time.Hour)
}
