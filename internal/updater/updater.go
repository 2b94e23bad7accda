// Package updater refreshes prices and return rates of open positions.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/invalidate"
	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/internal/quote"
	"github.com/stockfeed/stockfeed/internal/ratelimit"
	"github.com/stockfeed/stockfeed/internal/returns"
	"github.com/stockfeed/stockfeed/pkg/logging"
	"github.com/stockfeed/stockfeed/pkg/telemetry"
)

// ErrBusy is returned when a run is requested while another is in progress
var ErrBusy = errors.New("price update already running")

var (
	tickerOutcomes = telemetry.NewCounter("updater.tickers", "Ticker fetches by outcome")
	batchDuration  = telemetry.NewHistogram("updater.batch_duration", "Wall time of a price fetch batch")
)

// Fetcher fetches the current quote of one ticker
type Fetcher interface {
	FetchPrice(ctx context.Context, ticker, exchange string) (*quote.Quote, error)
}

// PostStore is the slice of the primary database the updater needs
type PostStore interface {
	ListOpen(ctx context.Context) ([]models.Post, error)
	UpdatePrice(ctx context.Context, id int64, price, rate float64, at time.Time) error
}

// PriceSink receives merged prices, typically the snapshot syncer
type PriceSink interface {
	ApplyPrices(ctx context.Context, prices []models.PriceEntry) bool
}

// Invalidator clears cached views after a run
type Invalidator interface {
	Invalidate(ctx context.Context, path string) invalidate.Result
}

// Target is one instrument to price
type Target struct {
	Ticker   string
	Exchange string
}

// Key returns the composite price key of the target
func (t Target) Key() string {
	return models.PriceKey(t.Exchange, t.Ticker)
}

// Failure records why one ticker could not be priced
type Failure struct {
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange"`
	Error    string `json:"error"`
}

// Result summarizes a batch
type Result struct {
	Succeeded    int                     `json:"succeeded"`
	Failed       int                     `json:"failed"`
	Total        int                     `json:"total"`
	PostsUpdated int                     `json:"postsUpdated"`
	Failures     []Failure               `json:"failures,omitempty"`
	Quotes       map[string]*quote.Quote `json:"-"`
	Duration     time.Duration           `json:"duration"`
}

// Updater fetches prices sequentially under a rate limiter
type Updater struct {
	fetcher     Fetcher
	limiter     ratelimit.Limiter
	posts       PostStore
	sink        PriceSink
	invalidator Invalidator
	defaultEx   string
	now         func() time.Time
	logger      *zap.Logger

	running sync.Mutex
}

// New creates an Updater. sink and invalidator may be nil.
func New(fetcher Fetcher, limiter ratelimit.Limiter, posts PostStore, sink PriceSink, invalidator Invalidator, defaultExchange string) *Updater {
	if limiter == nil {
		limiter = ratelimit.Unlimited()
	}
	return &Updater{
		fetcher:     fetcher,
		limiter:     limiter,
		posts:       posts,
		sink:        sink,
		invalidator: invalidator,
		defaultEx:   defaultExchange,
		now:         time.Now,
		logger:      logging.WithComponent("updater"),
	}
}

// FetchAll prices every distinct target one after another. A failing ticker
// is recorded and skipped. Once started the batch runs to completion even if
// ctx is cancelled.
func (u *Updater) FetchAll(ctx context.Context, targets []Target) Result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, "updater.fetch_all")
	defer span.End()

	started := u.now()
	unique := u.dedupe(targets)
	res := Result{
		Total:  len(unique),
		Quotes: make(map[string]*quote.Quote, len(unique)),
	}

	for _, t := range unique {
		if err := u.limiter.Wait(ctx); err != nil {
			u.logger.Warn("Rate limiter wait failed", zap.Error(err))
		}

		q, err := u.fetcher.FetchPrice(ctx, t.Ticker, t.Exchange)
		if err != nil {
			res.Failed++
			res.Failures = append(res.Failures, Failure{Ticker: t.Ticker, Exchange: t.Exchange, Error: err.Error()})
			tickerOutcomes.Add(ctx, 1, "outcome", "failure")
			u.logger.Warn("Failed to fetch price",
				zap.String("ticker", t.Ticker),
				zap.String("exchange", t.Exchange),
				zap.Error(err))
			continue
		}

		res.Succeeded++
		res.Quotes[t.Key()] = q
		tickerOutcomes.Add(ctx, 1, "outcome", "success")
	}

	res.Duration = u.now().Sub(started)
	return res
}

func (u *Updater) dedupe(targets []Target) []Target {
	seen := make(map[string]bool, len(targets))
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		t = t.normalized(u.defaultEx)
		if t.Ticker == "" || seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out
}

func (t Target) normalized(defaultExchange string) Target {
	ticker := strings.ToUpper(strings.TrimSpace(t.Ticker))
	exchange := strings.ToUpper(strings.TrimSpace(t.Exchange))
	if exchange == "" {
		exchange = quote.DetectExchange(ticker, defaultExchange)
	}
	return Target{Ticker: ticker, Exchange: exchange}
}

func targetFromKey(key string) Target {
	exchange, ticker, _ := strings.Cut(key, ":")
	return Target{Ticker: ticker, Exchange: exchange}
}

// Run refreshes every open post: fetch, persist to the primary database,
// merge into the snapshot, then invalidate cached views. Closed posts are
// never part of the refresh set.
func (u *Updater) Run(ctx context.Context) (*Result, error) {
	if !u.running.TryLock() {
		return nil, ErrBusy
	}
	defer u.running.Unlock()

	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, "updater.run")
	defer span.End()

	posts, err := u.posts.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open posts: %w", err)
	}

	targets := make([]Target, 0, len(posts))
	for i := range posts {
		targets = append(targets, Target{Ticker: posts[i].Ticker, Exchange: posts[i].Exchange})
	}

	res := u.FetchAll(ctx, targets)
	at := u.now().UTC()

	for i := range posts {
		p := &posts[i]
		q, ok := res.Quotes[Target{Ticker: p.Ticker, Exchange: p.Exchange}.normalized(u.defaultEx).Key()]
		if !ok {
			continue
		}
		rate := returns.Calculate(p.BasisPrice, q.Price, p.PositionType)
		if err := u.posts.UpdatePrice(ctx, p.ID, q.Price, rate, at); err != nil {
			u.logger.Warn("Failed to persist price",
				zap.Int64("post_id", p.ID),
				zap.String("ticker", p.Ticker),
				zap.Error(err))
			continue
		}
		res.PostsUpdated++
	}

	if u.sink != nil && len(res.Quotes) > 0 {
		entries := make([]models.PriceEntry, 0, len(res.Quotes))
		for key, q := range res.Quotes {
			t := targetFromKey(key)
			entries = append(entries, models.PriceEntry{
				Ticker:       t.Ticker,
				Exchange:     t.Exchange,
				CurrentPrice: q.Price,
				LastUpdated:  at,
			})
		}
		u.sink.ApplyPrices(ctx, entries)
	}

	if u.invalidator != nil {
		u.invalidator.Invalidate(ctx, invalidate.DefaultPath)
	}

	batchDuration.Observe(ctx, res.Duration)
	u.logger.Info("Price update finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("total", res.Total),
		zap.Int("posts_updated", res.PostsUpdated),
		zap.Duration("duration", res.Duration))

	return &res, nil
}
