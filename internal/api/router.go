package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/cache"
	"github.com/stockfeed/stockfeed/internal/invalidate"
	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/internal/quote"
	"github.com/stockfeed/stockfeed/internal/service"
	"github.com/stockfeed/stockfeed/internal/snapshot"
	"github.com/stockfeed/stockfeed/internal/updater"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

const (
	// FeedCacheKey is the in-memory cache key of the feed document
	FeedCacheKey = "feed.json"
	// PriceCachePrefix prefixes the in-memory cache keys of single quotes
	PriceCachePrefix = "price:"

	// UserHeader carries the authenticated caller, set by the fronting proxy
	UserHeader = "X-User-ID"
	// AdminHeader carries the admin token
	AdminHeader = "X-Admin-Token"
)

// PostService runs post actions
type PostService interface {
	Get(ctx context.Context, id int64) (*models.Post, error)
	CreatePost(ctx context.Context, author string, in service.CreatePostInput) (*models.Post, error)
	UpdatePost(ctx context.Context, author string, id int64, in service.UpdatePostInput) (*models.Post, error)
	DeletePost(ctx context.Context, author string, id int64) error
	AverageDown(ctx context.Context, author string, id int64, in service.AverageDownInput) (*models.Post, error)
	ClosePosition(ctx context.Context, author string, id int64, in service.ClosePositionInput) (*models.Post, error)
	RecordView(ctx context.Context, id int64) error
	Like(ctx context.Context, id int64) error
}

// Feed reads and rebuilds the snapshot document
type Feed interface {
	Read(ctx context.Context) (*models.Snapshot, error)
	Rebuild(ctx context.Context, src snapshot.PostSource) (*models.Snapshot, error)
}

// PriceFetcher looks up a single current quote
type PriceFetcher interface {
	FetchPrice(ctx context.Context, ticker, exchange string) (*quote.Quote, error)
}

// Invalidator clears cached views
type Invalidator interface {
	Invalidate(ctx context.Context, path string) invalidate.Result
}

// PriceUpdater runs one batch price update
type PriceUpdater interface {
	Run(ctx context.Context) (*updater.Result, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options carries the router's collaborators. Prices, Updater, Limiter and
// Health entries may be nil.
type Options struct {
	Posts       PostService
	Feed        Feed
	PostSource  snapshot.PostSource
	Memory      *cache.Memory
	Prices      PriceFetcher
	Invalidator Invalidator
	Updater     PriceUpdater
	Limiter     WriteLimiter
	Health      map[string]HealthChecker
	AdminToken  string
	// CacheControl is sent with feed responses
	CacheControl string
}

// Router sets up API routes
type Router struct {
	Options
	logger *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(opts Options) *Router {
	return &Router{
		Options: opts,
		logger:  logging.WithComponent("api-router"),
	}
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.GET("/feed", r.handle("feed", r.getFeed))
	api.GET("/prices/:exchange/:ticker", r.handle("price", r.getPrice))
	api.GET("/posts/:id", r.handle("get_post", r.getPost))

	api.POST("/posts/:id/view", r.handle("view", r.recordView))

	writes := api.Group("", r.limitWrites())
	writes.POST("/posts", r.handle("create_post", r.createPost))
	writes.PUT("/posts/:id", r.handle("update_post", r.updatePost))
	writes.DELETE("/posts/:id", r.handle("delete_post", r.deletePost))
	writes.POST("/posts/:id/average-down", r.handle("average_down", r.averageDown))
	writes.POST("/posts/:id/close", r.handle("close_position", r.closePosition))
	writes.POST("/posts/:id/like", r.handle("like", r.like))

	admin := api.Group("", r.requireAdmin())
	admin.POST("/revalidate", r.handle("revalidate", r.revalidate))
	admin.POST("/admin/rebuild", r.handle("rebuild", r.rebuild))
	admin.POST("/admin/update-prices", r.handle("update_prices", r.updatePrices))
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, checker := range r.Health {
		if checker == nil {
			continue
		}
		if err := checker.Health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "OK"
	}

	overall := "OK"
	if status != http.StatusOK {
		overall = "DEGRADED"
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"service": "stockfeed-api",
		"checks":  checks,
	})
}

func (r *Router) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.AdminToken != "" && c.GetHeader(AdminHeader) != r.AdminToken {
			r.sendError(c, "admin", NewError(http.StatusUnauthorized, "invalid admin token"))
			return
		}
		c.Next()
	}
}
