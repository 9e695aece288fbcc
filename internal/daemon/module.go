package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/retry"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional override; nil = load ~/.chatsync/config.toml
	LogLevel   string
}

// Remote is everything the daemon needs from the remote side.
type Remote interface {
	intsync.Feed
	intsync.PresenceFeed
	remote.Sink
	outbox.Appender
}

// mongoRedis serves messages from MongoDB and presence from Redis.
type mongoRedis struct {
	*feed.Mongo
	*feed.RedisPresence
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideRemote,
			provideWriter,
			provideSender,
			provideManager,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(profile.ConfigPath()); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore opens the shared cache. A store that cannot be migrated is
// still returned: each conversation detects it and runs remote-only.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(context.Background()); err != nil {
		logger.Error("store unusable, conversations will run remote-only", zap.String("path", dbPath), zap.Error(err))
		return db, nil
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(lc fx.Lifecycle, cfg *config.Config, db *store.DB, logger *zap.Logger) (Remote, error) {
	switch cfg.Remote.Driver {
	case config.DriverMemory:
		logger.Info("using in-process remote")
		return feed.NewMemory(cfg.Remote.Mongo.InitialLimit), nil
	case config.DriverMongo:
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Remote.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	var checkpoints feed.Checkpointer
	if db.Ready() {
		checkpoints = db
	}
	msgs := feed.NewMongo(client.Database(cfg.Remote.Mongo.Database), checkpoints, feed.MongoOptions{
		Collection:   cfg.Remote.Mongo.Collection,
		InitialLimit: cfg.Remote.Mongo.InitialLimit,
	}, logger)
	if err := msgs.EnsureIndexes(ctx); err != nil {
		logger.Warn("mongo indexes not created", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Remote.Redis.Addr,
		Password: cfg.Remote.Redis.Password,
		DB:       cfg.Remote.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = client.Disconnect(context.Background())
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("remote connected",
		zap.String("mongo_database", cfg.Remote.Mongo.Database),
		zap.String("redis_addr", cfg.Remote.Redis.Addr))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return errors.Join(client.Disconnect(ctx), rdb.Close())
		},
	})
	return mongoRedis{Mongo: msgs, RedisPresence: feed.NewRedisPresence(rdb, cfg.Remote.Redis.Prefix, logger)}, nil
}

func provideWriter(r Remote, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *remote.Writer {
	w := cfg.Remote.Writes
	return remote.NewWriter(r, remote.Options{
		Rate:        w.Rate,
		Burst:       w.Burst,
		MaxFailures: w.MaxFailures,
		OpenTimeout: w.OpenTimeout.Duration,
		CallTimeout: w.CallTimeout.Duration,
		Observe: func(op string, o remote.Outcome) {
			m.RemoteWrite(op, string(o))
		},
	}, logger)
}

func provideSender(db *store.DB, r Remote, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, r, b, logger)
}

func provideManager(cfg *config.Config, db *store.DB, r Remote, w *remote.Writer, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, sender *outbox.Sender) *intsync.Manager {
	return intsync.NewManager(intsync.Config{
		SelfUserID: cfg.SelfUserID,
		PageSize:   cfg.PageSize,
		Retry: retry.Policy{
			Attempts: cfg.Retry.Attempts,
			Base:     cfg.Retry.BaseDelay.Duration,
			Max:      cfg.Retry.MaxDelay.Duration,
		},
	}, intsync.Deps{
		Store:    db,
		Feed:     r,
		Presence: r,
		Writer:   w,
		Bus:      b,
		Metrics:  m,
		Logger:   logger,
	}, sender)
}

func provideService(p Params, cfg *config.Config, manager *intsync.Manager, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, cfg.SelfUserID, manager, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, manager *intsync.Manager, sender *outbox.Sender, w *remote.Writer, m *metrics.Metrics, logger *zap.Logger) {
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if addr := cfg.Metrics.Listen; addr != "" {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("listen metrics: %w", err)
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing conversations ends their Watch streams first.
			if err := manager.Shutdown(ctx); err != nil {
				logger.Warn("conversations did not close in time", zap.Error(err))
			}
			srv.Stop(ctx)
			sender.Stop()
			w.Wait()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
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
