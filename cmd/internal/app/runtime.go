package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/inbox"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/notify"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/session"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

// PushBackend is a push layer that also receives the store's committed changes.
type PushBackend interface {
	realtime.PushLayer
	store.Publisher
}

// Runtime is the wired chat core shared by the server and the CLI commands.
//
// Ownership model:
//   - Runtime owns the pool, the Redis client, and the asynq client it opened.
//   - Store and push layer never close what they were handed.
type Runtime struct {
	Log      *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Store   store.Gateway
	Seeder  store.Seeder
	Push    PushBackend
	Manager *realtime.Manager
	Bridge  notify.Bridge

	DB    *pgxpool.Pool
	Redis redis.UniversalClient

	closers []func() error
}

// NewRuntime opens the backends selected by cfg.
// Empty DatabaseURL and RedisURL give a self-contained in-process runtime.
func NewRuntime(ctx context.Context, cfg Config, log *slog.Logger) (_ *Runtime, err error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{
		Log:      log,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if err := rt.openPush(ctx, cfg); err != nil {
		return nil, err
	}
	if err := rt.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := rt.openBridge(cfg); err != nil {
		return nil, err
	}

	rt.Manager = realtime.NewManager(log, rt.Push,
		realtime.WithManagerMetrics(rt.Metrics),
		realtime.WithStateFunc(func(topic string, state realtime.State, err error) {
			log.Debug("realtime.channel.state", "topic", topic, "state", state, "err", err)
		}),
	)
	rt.onClose(rt.Manager.Close)

	return rt, nil
}

func (rt *Runtime) openPush(ctx context.Context, cfg Config) error {
	if cfg.RedisURL == "" {
		b := realtime.NewBroker(rt.Log, realtime.WithBrokerMetrics(rt.Metrics))
		rt.onClose(b.Close)
		rt.Push = b
		rt.Log.Info("push.inprocess")
		return nil
	}

	rdb, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	rt.Redis = rdb
	rt.onClose(rdb.Close)

	b, err := realtime.NewRedisBroker(rt.Log, rdb,
		realtime.WithRedisPrefix(cfg.RedisPrefix),
		realtime.WithRedisMetrics(rt.Metrics),
	)
	if err != nil {
		return err
	}
	rt.Push = b
	rt.Log.Info("push.redis", "prefix", cfg.RedisPrefix)
	return nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg Config) error {
	if cfg.DatabaseURL == "" {
		mem := store.NewMemoryStore(
			store.WithMemoryPublisher(rt.Push),
			store.WithMemoryLogger(rt.Log),
		)
		rt.Store, rt.Seeder = mem, mem
		rt.Log.Info("db.disabled.inmemory_store")
		return nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	rt.DB = pool
	rt.onClose(func() error { pool.Close(); return nil })

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, pool, cfg.DBSchema); err != nil {
			return err
		}
		rt.Log.Info("db.migrated", "schema", cfg.DBSchema)
	}

	pg, err := store.NewPostgresStore(pool,
		store.WithSchema(cfg.DBSchema),
		store.WithPublisher(rt.Push),
		store.WithLogger(rt.Log),
	)
	if err != nil {
		return err
	}
	rt.Store, rt.Seeder = pg, pg
	rt.Log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return nil
}

func (rt *Runtime) openBridge(cfg Config) error {
	switch cfg.NotifyMode {
	case NotifyAsynq:
		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("app: asynq redis url: %w", err)
		}
		client := asynq.NewClient(opt)
		rt.onClose(client.Close)

		b, err := notify.NewAsynqBridge(client, notify.WithQueue(cfg.AsynqQueue))
		if err != nil {
			return err
		}
		rt.Bridge = b
	case NotifyPostgres:
		if rt.DB == nil {
			return errors.New("app: postgres notify bridge requires a database")
		}
		b, err := notify.NewPostgresBridge(rt.DB, cfg.DBSchema)
		if err != nil {
			return err
		}
		rt.Bridge = b
	default:
		rt.Bridge = notify.Nop{}
	}
	rt.Log.Info("notify.bridge", "mode", cfg.NotifyMode)
	return nil
}

// OpenSession opens a conversation session for viewer on the shared channel manager.
func (rt *Runtime) OpenSession(ctx context.Context, viewer chat.Viewer, conversationID string) (*session.Session, error) {
	return session.Open(ctx, session.Deps{
		Store:    rt.Store,
		Channels: rt.Manager,
		Bridge:   rt.Bridge,
		Log:      rt.Log,
		Metrics:  rt.Metrics,
	}, viewer, conversationID)
}

// OpenInbox opens the live conversation list of viewer.
func (rt *Runtime) OpenInbox(ctx context.Context, viewer chat.Viewer) (*inbox.Aggregator, error) {
	return inbox.Open(ctx, inbox.Deps{
		Store:    rt.Store,
		Channels: rt.Manager,
		Log:      rt.Log,
		Metrics:  rt.Metrics,
	}, viewer)
}

func (rt *Runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases everything in reverse opening order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
