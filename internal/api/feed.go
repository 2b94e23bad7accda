package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/cache"
	"github.com/stockfeed/stockfeed/internal/models"
)

type priceResponse struct {
	Ticker        string    `json:"ticker"`
	Exchange      string    `json:"exchange"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Open          float64   `json:"open,omitempty"`
	High          float64   `json:"high,omitempty"`
	Low           float64   `json:"low,omitempty"`
	Volume        int64     `json:"volume,omitempty"`
	Currency      string    `json:"currency"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

// cached reads key through the in-memory cache when one is configured
func cached[T any](ctx context.Context, m *cache.Memory, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if m == nil {
		return fetch(ctx)
	}
	return cache.Load(ctx, m, key, fetch)
}

// getFeed serves the snapshot document. Readers always get a well-formed
// document; an unreadable snapshot is answered with an empty one.
func (r *Router) getFeed(c *gin.Context) (interface{}, error) {
	doc, err := cached(c.Request.Context(), r.Memory, FeedCacheKey, r.Feed.Read)
	if err != nil {
		r.logger.Warn("Serving empty feed", zap.Error(err))
		doc = models.NewSnapshot()
	}
	if r.CacheControl != "" {
		c.Header("Cache-Control", r.CacheControl)
	}
	return doc, nil
}

func (r *Router) getPrice(c *gin.Context) (interface{}, error) {
	if r.Prices == nil {
		return nil, NewError(http.StatusServiceUnavailable, "quote provider not configured")
	}

	exchange := strings.ToUpper(strings.TrimSpace(c.Param("exchange")))
	ticker := strings.ToUpper(strings.TrimSpace(c.Param("ticker")))
	if exchange == "" || ticker == "" {
		return nil, NewError(http.StatusBadRequest, "exchange and ticker are required")
	}

	key := PriceCachePrefix + models.PriceKey(exchange, ticker)
	return cached(c.Request.Context(), r.Memory, key, func(ctx context.Context) (*priceResponse, error) {
		q, err := r.Prices.FetchPrice(ctx, ticker, exchange)
		if err != nil {
			return nil, err
		}
		return &priceResponse{
			Ticker:        q.Ticker,
			Exchange:      q.Exchange,
			Price:         q.Price,
			Change:        q.Change,
			ChangePercent: q.ChangePercent,
			Open:          q.Open,
			High:          q.High,
			Low:           q.Low,
			Volume:        q.Volume,
			Currency:      q.Currency,
			FetchedAt:     q.FetchedAt,
		}, nil
	})
}
