// Package daemon composes the engine: storage, remote store, feeds, outbox
// and the in-process API client, wired through fx with lifecycle hooks.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/minisocial/chatsync/internal/api"
	"github.com/minisocial/chatsync/internal/bus"
	"github.com/minisocial/chatsync/internal/config"
	"github.com/minisocial/chatsync/internal/identity"
	"github.com/minisocial/chatsync/internal/lock"
	"github.com/minisocial/chatsync/internal/logging"
	"github.com/minisocial/chatsync/internal/media"
	"github.com/minisocial/chatsync/internal/outbox"
	"github.com/minisocial/chatsync/internal/presence"
	"github.com/minisocial/chatsync/internal/profile"
	"github.com/minisocial/chatsync/internal/reaction"
	"github.com/minisocial/chatsync/internal/reconcile"
	"github.com/minisocial/chatsync/internal/remote"
	"github.com/minisocial/chatsync/internal/store"
	intsync "github.com/minisocial/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideIdentity,
			provideUploader,
			provideReconciler,
			provideCommands,
			provideOutbox,
			provideSyncEngine,
			providePresence,
			provideReactions,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params, logger *zap.Logger) (*remote.Mongo, error) {
	return remote.Connect(context.Background(), p.Config.Remote.URI, p.Config.Remote.Database, logger)
}

func provideIdentity(p Params) identity.Provider {
	id := p.Config.Identity
	return identity.NewStatic(id.UserID, id.Name, id.AvatarURL)
}

func provideUploader(m *remote.Mongo) (media.Uploader, error) {
	return media.NewGridFS(m.Database())
}

func provideReconciler(db *store.DB, m *remote.Mongo, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, m, b, idp, logger)
}

func provideCommands(db *store.DB, m *remote.Mongo, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *reconcile.Commands {
	return reconcile.NewCommands(db, m, b, idp, logger)
}

func provideOutbox(db *store.DB, m *remote.Mongo, b *bus.Bus, idp identity.Provider, up media.Uploader, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(db, m, b, idp, up, logger)
}

func provideSyncEngine(db *store.DB, m *remote.Mongo, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, m, b, idp, logger)
}

func providePresence(m *remote.Mongo, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *presence.Presence {
	return presence.New(m, b, idp, logger)
}

func provideReactions(db *store.DB, m *remote.Mongo, b *bus.Bus, idp identity.Provider, logger *zap.Logger) *reaction.Service {
	return reaction.NewService(db, m, b, idp, logger)
}

func provideClient(db *store.DB, b *bus.Bus, commands *reconcile.Commands, ob *outbox.Outbox, engine *intsync.Engine, pres *presence.Presence, reactions *reaction.Service) *api.Client {
	return api.NewClient(db, b, commands, ob, engine, pres, reactions)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, m *remote.Mongo, rec *reconcile.Reconciler, ob *outbox.Outbox, engine *intsync.Engine, pres *presence.Presence, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Settle sends interrupted by the previous run before any
			// new work starts.
			if err := ob.Start(); err != nil {
				return err
			}
			// Conversation feed runs for the whole daemon lifetime;
			// message feeds open on demand through the API client.
			if err := rec.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pres.Stop()
			engine.Stop()
			rec.Stop()
			ob.Stop()
			if err := m.Close(ctx); err != nil {
				logger.Warn("error disconnecting remote store", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
