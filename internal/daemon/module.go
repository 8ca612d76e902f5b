// Package daemon is the composition root: it wires the store, hub, REST
// surface and lifecycle into one fx application.
package daemon

import (
	"context"

	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/directory"
	"github.com/relaychat/relay/internal/httpapi"
	"github.com/relaychat/relay/internal/hub"
	"github.com/relaychat/relay/internal/lock"
	"github.com/relaychat/relay/internal/logging"
	"github.com/relaychat/relay/internal/presence"
	"github.com/relaychat/relay/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideProfiles,
			provideGroups,
			provideMedia,
			provideTracker,
			provideHub,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
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

func provideProfiles(cfg *config.Config) directory.Profiles {
	return directory.NewHTTPProfiles(cfg.Directory.ProfileURL)
}

func provideGroups(cfg *config.Config) directory.Groups {
	return directory.NewHTTPGroups(cfg.Directory.GroupURL)
}

func provideMedia(cfg *config.Config) directory.MediaStore {
	return directory.NewHTTPMedia(cfg.Directory.MediaURL)
}

func provideTracker(b *bus.Bus) *presence.Tracker {
	return presence.NewTracker(b)
}

func provideHub(cfg *config.Config, db *store.DB, profiles directory.Profiles, groups directory.Groups, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *hub.Hub {
	return hub.New(db, profiles, groups, tracker, b, logger, cfg.Hub.SendBuffer)
}

func provideAPI(db *store.DB, profiles directory.Profiles, groups directory.Groups, media directory.MediaStore, logger *zap.Logger) *httpapi.API {
	return httpapi.New(db, profiles, groups, media, logger)
}

// watchBus mirrors message and presence edges into the daemon log so
// operators can follow traffic from the log file alone. Returns a stop
// function that unsubscribes and waits for the worker to drain.
func watchBus(b *bus.Bus, bufSize int, logger *zap.Logger) func() {
	msgCh, unsubMsg := b.Subscribe("message.", bufSize)
	presCh, unsubPres := b.Subscribe("presence.", bufSize)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case evt := <-msgCh:
				logger.Info("message event", zap.String("kind", evt.Kind))
			case evt := <-presCh:
				logger.Info("presence event", zap.String("kind", evt.Kind))
			case <-stop:
				return
			}
		}
	}()
	return func() {
		unsubMsg()
		unsubPres()
		close(stop)
		<-done
	}
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, srv *Server, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	var stopWatch func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			stopWatch = watchBus(b, cfg.Hub.BusBuffer, logger)
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if stopWatch != nil {
				stopWatch()
			}
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
