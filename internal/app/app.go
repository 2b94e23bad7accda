// Package app wires the stores, caches and clients shared by the binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/api"
	"github.com/stockfeed/stockfeed/internal/blob"
	"github.com/stockfeed/stockfeed/internal/cache"
	"github.com/stockfeed/stockfeed/internal/db"
	"github.com/stockfeed/stockfeed/internal/events"
	"github.com/stockfeed/stockfeed/internal/invalidate"
	"github.com/stockfeed/stockfeed/internal/quote"
	"github.com/stockfeed/stockfeed/internal/ratelimit"
	"github.com/stockfeed/stockfeed/internal/render"
	"github.com/stockfeed/stockfeed/internal/service"
	"github.com/stockfeed/stockfeed/internal/snapshot"
	"github.com/stockfeed/stockfeed/internal/updater"
	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

// App holds every long-lived dependency
type App struct {
	Config   *config.Config
	DB       *db.DB
	Redis    *cache.Cache
	Posts    *db.PostRepository
	Snapshot *snapshot.Store
	Syncer   *snapshot.Syncer
	Memory   *cache.Memory
	Bus      *events.Bus
	Trigger  *invalidate.Trigger
	Quotes   *quote.Client
	Updater  *updater.Updater
	Service  *service.Posts

	logger *zap.Logger
}

// New connects to the primary database and Redis and builds the rest of
// the graph on top of them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: logging.WithComponent("app")}

	database, err := db.New(&cfg.Database, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	a.DB = database
	if err := database.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Redis, err = cache.New(&cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	blobs, err := a.blobStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Posts = db.NewPostRepository(db.NewRepository(database.DB))
	a.Snapshot = snapshot.NewStore(blobs, &cfg.Blob)
	a.Syncer = snapshot.NewSyncer(a.Snapshot)

	a.Memory = cache.NewMemory(cache.Policy{TTL: cfg.Cache.FeedTTL, StaleTime: cfg.Cache.FeedStale})
	a.Memory.SetPolicy(api.PriceCachePrefix, cache.Policy{TTL: cfg.Cache.PriceTTL, StaleTime: cfg.Cache.PriceStale})

	a.Bus = events.New(&cfg.Events)
	var renderer invalidate.Renderer
	if r := render.New(&cfg.Render); r != nil {
		renderer = r
	}
	var publisher invalidate.Publisher
	if a.Bus != nil {
		publisher = a.Bus
	}
	a.Trigger = invalidate.New(a.Memory, []string{api.FeedCacheKey}, []string{api.PriceCachePrefix}, renderer, publisher)

	var tokens quote.TokenCache
	if a.Redis != nil {
		tokens = a.Redis
	}
	a.Quotes, err = quote.New(&cfg.Quote, tokens)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Updater = updater.New(
		a.Quotes,
		ratelimit.FixedDelay(cfg.Quote.RequestDelay),
		a.Posts,
		a.Syncer,
		a.Trigger,
		cfg.Quote.DefaultExchange,
	)
	a.Service = service.NewPosts(a.Posts, a.Syncer, a.Trigger, a.Quotes, cfg.Quote.DefaultExchange)

	return a, nil
}

func (a *App) blobStore() (blob.Store, error) {
	switch a.Config.Blob.Driver {
	case "postgres", "":
		return blob.NewPostgres(a.DB.DB), nil
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("blob driver redis requires redis_url")
		}
		return blob.NewRedis(a.Redis.Client(), cache.Namespace), nil
	case "memory":
		a.logger.Warn("Snapshot kept in process memory; it is lost on restart and not shared")
		return blob.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", a.Config.Blob.Driver)
	}
}

// Close releases connections. Background cache revalidations are drained first.
func (a *App) Close() {
	if a.Memory != nil {
		a.Memory.Wait()
	}
	if err := a.Bus.Close(); err != nil {
		a.logger.Warn("Failed to close event bus", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.logger.Warn("Failed to close Redis", zap.Error(err))
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
