package engine

import (
	"context"
	"fmt"

	"github.com/fleamarkt/chatsync/internal/api"
	"github.com/fleamarkt/chatsync/internal/bus"
	"github.com/fleamarkt/chatsync/internal/config"
	"github.com/fleamarkt/chatsync/internal/lifecycle"
	"github.com/fleamarkt/chatsync/internal/lock"
	"github.com/fleamarkt/chatsync/internal/logging"
	"github.com/fleamarkt/chatsync/internal/media"
	"github.com/fleamarkt/chatsync/internal/outbox"
	"github.com/fleamarkt/chatsync/internal/profile"
	"github.com/fleamarkt/chatsync/internal/store"
	intsync "github.com/fleamarkt/chatsync/internal/sync"
	"github.com/fleamarkt/chatsync/internal/transport"
	"github.com/fleamarkt/chatsync/internal/typing"
	"github.com/fleamarkt/chatsync/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module composing the whole engine.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideVault,
			provideClient,
			provideMediaCache,
			providePipeline,
			provideSession,
			provideTracker,
			provideOnlineSet,
			provideReconciler,
			provideOutbox,
			provideRouter,
			provideSyncLoop,
			provideDebouncer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(cfg.UserID, b, logger)
}

func provideVault(p Params, logger *zap.Logger) (*vault.DB, error) {
	dbPath := profile.VaultDBPath(p.Profile)
	db, err := vault.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("vault migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("vault migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("vault initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.APIBaseURL, cfg.AuthToken)
}

func provideMediaCache(p Params) (*media.Cache, error) {
	return media.NewCache(profile.MediaCacheDir(p.Profile))
}

func providePipeline(client *api.Client, cache *media.Cache, v *vault.DB, st *store.Store, b *bus.Bus, logger *zap.Logger) *media.Pipeline {
	return media.NewPipeline(client, cache, v, st, b, logger)
}

func provideSession(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Session {
	return transport.NewSession(cfg.RealtimeURL, cfg.AuthToken, cfg.UserID, b, logger)
}

func provideTracker() *typing.Tracker {
	return typing.NewTracker()
}

func provideOnlineSet() *typing.OnlineSet {
	return typing.NewOnlineSet()
}

func provideReconciler(st *store.Store, logger *zap.Logger) *lifecycle.Reconciler {
	return lifecycle.NewReconciler(st, logger)
}

func provideOutbox(client *api.Client, st *store.Store, b *bus.Bus, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(client, st, b, logger)
}

func provideRouter(st *store.Store, rec *lifecycle.Reconciler, tracker *typing.Tracker, online *typing.OnlineSet, sess *transport.Session, client *api.Client, pipeline *media.Pipeline, ob *outbox.Outbox, b *bus.Bus, logger *zap.Logger) *Router {
	return NewRouter(st, rec, tracker, online, sess, client, pipeline, ob, b, logger)
}

func provideSyncLoop(client *api.Client, st *store.Store, sess *transport.Session, router *Router, cfg *config.Config, logger *zap.Logger) *intsync.Loop {
	connected := func() bool { return sess.State() == transport.Connected }
	return intsync.New(client, st, connected, router.ActiveConversation, cfg.PollInterval(), logger)
}

func provideDebouncer(sess *transport.Session, router *Router, logger *zap.Logger) *typing.Debouncer {
	return typing.NewDebouncer(func(isTyping bool) {
		conversationID := router.ActiveConversation()
		if conversationID == "" {
			return
		}
		if err := sess.SendTyping(context.Background(), conversationID, isTyping); err != nil {
			logger.Debug("typing signal dropped", zap.Error(err))
		}
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, sess *transport.Session, ob *outbox.Outbox, loop *intsync.Loop, router *Router, pipeline *media.Pipeline, v *vault.DB, logger *zap.Logger) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runCtx, c := context.WithCancel(context.Background())
			cancel = c

			go router.Run(runCtx)
			sess.Start(runCtx)
			go ob.Run(runCtx)
			go loop.Run(runCtx)

			// Initial conversation load and the recovery sweep for media
			// downloads interrupted before the last shutdown.
			go router.Bootstrap(runCtx)
			go pipeline.RetryPending(runCtx)

			logger.Info("engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			sess.Close()
			if err := v.Close(); err != nil {
				logger.Warn("error closing vault", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
