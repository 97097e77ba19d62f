// Package daemon composes the profile daemon: store, sync engine, stream
// pipeline, connectivity monitor, and the control socket server.
package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/covehq/cove/internal/bus"
	"github.com/covehq/cove/internal/config"
	"github.com/covehq/cove/internal/lock"
	"github.com/covehq/cove/internal/logging"
	"github.com/covehq/cove/internal/netmon"
	"github.com/covehq/cove/internal/remote"
	"github.com/covehq/cove/internal/session"
	"github.com/covehq/cove/internal/status"
	"github.com/covehq/cove/internal/store"
	"github.com/covehq/cove/internal/stream"
	intsync "github.com/covehq/cove/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideConfig,
			provideLock,
			provideStore,
			provideRemote,
			provideMonitor,
			provideSyncEngine,
			providePipeline,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		}
		return config.Default()
	}
	return cfg
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
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

// provideRemote returns a nil client when credentials are missing: the
// daemon still serves local reads and queues local writes, it just never
// syncs. Surfaced once here rather than crashing the host.
func provideRemote(cfg *config.Config, logger *zap.Logger) remote.Client {
	rc, err := remote.New(context.Background(), cfg, logger)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			logger.Warn("sync disabled", zap.Error(err))
			return nil
		}
		logger.Error("remote client unavailable, sync disabled", zap.Error(err))
		return nil
	}
	return rc
}

func provideMonitor(rc remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *netmon.Monitor {
	var probe netmon.Probe
	if rc != nil {
		probe = rc.Ping
	}
	return netmon.New(probe, b, cfg.SyncInterval()/4, logger)
}

func provideSyncEngine(db *store.DB, rc remote.Client, m *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	if rc == nil {
		return nil
	}
	return intsync.NewEngine(db, rc, m, b, cfg.SyncInterval(), cfg.SyncTimeout(), logger)
}

func providePipeline(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *stream.Pipeline {
	if cfg.Stream.Endpoint == "" {
		logger.Warn("streaming disabled: no endpoint configured")
		return nil
	}
	return stream.NewPipeline(db, b, cfg.Stream.Endpoint, cfg.Remote.APIKey, cfg.Remote.UserID, cfg.StreamIdleTimeout(), logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, rc remote.Client, monitor *netmon.Monitor, engine *intsync.Engine, pipeline *stream.Pipeline, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if engine != nil {
				engine.Start(context.Background())
				monitor.Start(context.Background())
				// First cycle right away so a fresh daemon converges
				// without waiting for the periodic timer.
				engine.Trigger()
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if pipeline != nil {
				pipeline.Shutdown()
			}
			if engine != nil {
				monitor.Stop()
				engine.Stop()
			}
			if rc != nil {
				rc.Close()
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
