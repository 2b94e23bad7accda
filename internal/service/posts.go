// Package service implements the post actions that change the feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/db"
	"github.com/stockfeed/stockfeed/internal/invalidate"
	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/internal/quote"
	"github.com/stockfeed/stockfeed/internal/returns"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

var (
	ErrNotFound       = errors.New("post not found")
	ErrForbidden      = errors.New("only the author may modify this post")
	ErrPositionClosed = errors.New("position is already closed")
	ErrAveragingLimit = fmt.Errorf("a post may record at most %d averaging entries", returns.MaxAveragingEntries)
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("post changed while the request was in flight")
)

// Repository is the primary database as seen by the service
type Repository interface {
	Get(ctx context.Context, id int64) (*models.Post, error)
	Create(ctx context.Context, post *models.Post) error
	Delete(ctx context.Context, id int64) error
	Modify(ctx context.Context, id int64, fn func(p *models.Post) (map[string]interface{}, error)) (*models.Post, error)
	IncrementViews(ctx context.Context, id int64) error
	IncrementLikes(ctx context.Context, id int64) error
	AddAveragingEntry(ctx context.Context, id int64, entry models.AveragingEntry, limit int, recompute func(p *models.Post)) (*models.Post, error)
}

// SnapshotSyncer mirrors post changes into the snapshot on a best-effort basis
type SnapshotSyncer interface {
	UpsertPost(ctx context.Context, p *models.Post) bool
	RemovePost(ctx context.Context, id int64) bool
	PatchPost(ctx context.Context, id int64, fn func(p *models.PostSummary)) bool
}

// Invalidator clears cached views
type Invalidator interface {
	Invalidate(ctx context.Context, path string) invalidate.Result
}

// PriceFetcher looks up a current price when the caller did not supply one
type PriceFetcher interface {
	FetchPrice(ctx context.Context, ticker, exchange string) (*quote.Quote, error)
}

// Posts runs post actions against the primary database, then mirrors them
// into the snapshot and invalidates cached views.
type Posts struct {
	repo            Repository
	snapshot        SnapshotSyncer
	invalidator     Invalidator
	prices          PriceFetcher
	defaultExchange string
	now             func() time.Time
	logger          *zap.Logger
}

// NewPosts creates the post service. prices may be nil, in which case
// prices must always be supplied by the caller.
func NewPosts(repo Repository, snapshot SnapshotSyncer, invalidator Invalidator, prices PriceFetcher, defaultExchange string) *Posts {
	return &Posts{
		repo:            repo,
		snapshot:        snapshot,
		invalidator:     invalidator,
		prices:          prices,
		defaultExchange: defaultExchange,
		now:             time.Now,
		logger:          logging.WithComponent("posts"),
	}
}

// CreatePostInput describes a new position report
type CreatePostInput struct {
	Title           string              `json:"title"`
	Ticker          string              `json:"ticker"`
	StockName       string              `json:"stockName"`
	Exchange        string              `json:"exchange"`
	PositionType    models.PositionType `json:"positionType"`
	InitialPrice    float64             `json:"initialPrice"`
	InitialQuantity float64             `json:"initialQuantity"`
}

// UpdatePostInput holds the fields an author may edit; nil fields are kept
type UpdatePostInput struct {
	Title           *string              `json:"title"`
	StockName       *string              `json:"stockName"`
	Ticker          *string              `json:"ticker"`
	Exchange        *string              `json:"exchange"`
	PositionType    *models.PositionType `json:"positionType"`
	InitialPrice    *float64             `json:"initialPrice"`
	InitialQuantity *float64             `json:"initialQuantity"`
}

// AverageDownInput is an additional entry into an open position
type AverageDownInput struct {
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Date     time.Time `json:"date"`
}

// ClosePositionInput closes a position; a zero Price uses the current quote
type ClosePositionInput struct {
	Price float64 `json:"price"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Get returns a post from the primary database
func (s *Posts) Get(ctx context.Context, id int64) (*models.Post, error) {
	post, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load post %d: %w", id, err)
	}
	if post == nil {
		return nil, ErrNotFound
	}
	return post, nil
}

// authorize loads the post and checks authorship against the primary database
func (s *Posts) authorize(ctx context.Context, author string, id int64) (*models.Post, error) {
	post, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if author == "" || post.AuthorID != author {
		return nil, ErrForbidden
	}
	return post, nil
}

// CreatePost stores a new post and adds it to the feed
func (s *Posts) CreatePost(ctx context.Context, author string, in CreatePostInput) (*models.Post, error) {
	if author == "" {
		return nil, ErrForbidden
	}
	ticker := strings.ToUpper(strings.TrimSpace(in.Ticker))
	if ticker == "" {
		return nil, invalid("ticker is required")
	}
	position := in.PositionType
	if position == "" {
		position = models.PositionLong
	}
	if !position.Valid() {
		return nil, invalid("unknown position type %q", position)
	}
	if in.InitialPrice < 0 || in.InitialQuantity < 0 {
		return nil, invalid("prices and quantities must not be negative")
	}

	exchange := strings.ToUpper(strings.TrimSpace(in.Exchange))
	if exchange == "" {
		exchange = quote.DetectExchange(ticker, s.defaultExchange)
	}

	price := in.InitialPrice
	if price == 0 {
		var err error
		if price, err = s.currentPrice(ctx, ticker, exchange); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	post := &models.Post{
		AuthorID:        author,
		Title:           strings.TrimSpace(in.Title),
		Ticker:          ticker,
		StockName:       strings.TrimSpace(in.StockName),
		Exchange:        exchange,
		PositionType:    position,
		InitialPrice:    price,
		InitialQuantity: in.InitialQuantity,
		CurrentPrice:    price,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	post.BasisPrice = returns.BasisForPost(post)
	post.ReturnRate = returns.ForPost(post)

	if err := s.repo.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	s.snapshot.UpsertPost(ctx, post)
	s.invalidate(ctx)
	return post, nil
}

// UpdatePost edits an open post owned by author. The edit is applied to the
// locked row so the basis always reflects every recorded averaging entry.
func (s *Posts) UpdatePost(ctx context.Context, author string, id int64, in UpdatePostInput) (*models.Post, error) {
	current, err := s.authorize(ctx, author, id)
	if err != nil {
		return nil, err
	}
	if current.IsClosed {
		return nil, ErrPositionClosed
	}

	now := s.now().UTC()
	post, err := s.repo.Modify(ctx, id, func(p *models.Post) (map[string]interface{}, error) {
		return s.applyEdit(p, in, now)
	})
	if err != nil {
		return nil, s.mapRepoError(id, err)
	}

	s.snapshot.UpsertPost(ctx, post)
	s.invalidate(ctx)
	return post, nil
}

// applyEdit changes post according to in and returns the columns to save.
// The stored price is kept unless the post now tracks another instrument.
func (s *Posts) applyEdit(post *models.Post, in UpdatePostInput, now time.Time) (map[string]interface{}, error) {
	priceKey := post.PriceKey()
	if in.Title != nil {
		post.Title = strings.TrimSpace(*in.Title)
	}
	if in.StockName != nil {
		post.StockName = strings.TrimSpace(*in.StockName)
	}
	if in.Ticker != nil {
		ticker := strings.ToUpper(strings.TrimSpace(*in.Ticker))
		if ticker == "" {
			return nil, invalid("ticker must not be empty")
		}
		if ticker != post.Ticker && in.Exchange == nil {
			post.Exchange = quote.DetectExchange(ticker, s.defaultExchange)
		}
		post.Ticker = ticker
	}
	if in.Exchange != nil {
		if ex := strings.ToUpper(strings.TrimSpace(*in.Exchange)); ex != "" {
			post.Exchange = ex
		}
	}
	if in.PositionType != nil {
		if !in.PositionType.Valid() {
			return nil, invalid("unknown position type %q", *in.PositionType)
		}
		post.PositionType = *in.PositionType
	}
	if in.InitialPrice != nil {
		if *in.InitialPrice <= 0 {
			return nil, invalid("initial price must be positive")
		}
		post.InitialPrice = *in.InitialPrice
	}
	if in.InitialQuantity != nil {
		if *in.InitialQuantity < 0 {
			return nil, invalid("initial quantity must not be negative")
		}
		post.InitialQuantity = *in.InitialQuantity
	}

	columns := map[string]interface{}{
		"title":            post.Title,
		"ticker":           post.Ticker,
		"stock_name":       post.StockName,
		"exchange":         post.Exchange,
		"position_type":    post.PositionType,
		"initial_price":    post.InitialPrice,
		"initial_quantity": post.InitialQuantity,
	}
	// a different instrument has no price history yet
	if post.PriceKey() != priceKey {
		post.CurrentPrice = post.InitialPrice
		columns["current_price"] = post.CurrentPrice
	}
	post.BasisPrice = returns.BasisForPost(post)
	post.ReturnRate = returns.ForPost(post)
	post.UpdatedAt = now
	columns["basis_price"] = post.BasisPrice
	columns["return_rate"] = post.ReturnRate
	columns["updated_at"] = post.UpdatedAt
	return columns, nil
}

// DeletePost removes a post owned by author
func (s *Posts) DeletePost(ctx context.Context, author string, id int64) error {
	if _, err := s.authorize(ctx, author, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.mapRepoError(id, err)
	}

	s.snapshot.RemovePost(ctx, id)
	s.invalidate(ctx)
	return nil
}

// AverageDown records an additional entry and recomputes the basis. The cap
// on entries is enforced inside the database transaction.
func (s *Posts) AverageDown(ctx context.Context, author string, id int64, in AverageDownInput) (*models.Post, error) {
	if in.Price <= 0 {
		return nil, invalid("price must be positive")
	}
	if in.Quantity < 0 {
		return nil, invalid("quantity must not be negative")
	}

	current, err := s.authorize(ctx, author, id)
	if err != nil {
		return nil, err
	}
	if current.IsClosed {
		return nil, ErrPositionClosed
	}
	if len(current.AveragingEntries) >= returns.MaxAveragingEntries {
		return nil, ErrAveragingLimit
	}

	now := s.now().UTC()
	date := in.Date
	if date.IsZero() {
		date = now
	}

	post, err := s.repo.AddAveragingEntry(ctx, id, models.AveragingEntry{
		Price:    in.Price,
		Quantity: in.Quantity,
		Date:     date.UTC(),
	}, returns.MaxAveragingEntries, func(p *models.Post) {
		p.BasisPrice = returns.BasisForPost(p)
		p.ReturnRate = returns.ForPost(p)
		p.UpdatedAt = now
	})
	if err != nil {
		return nil, s.mapRepoError(id, err)
	}

	s.snapshot.UpsertPost(ctx, post)
	s.invalidate(ctx)
	return post, nil
}

// ClosePosition freezes the post's return rate at the closing price. The rate
// is computed against the basis of the locked row.
func (s *Posts) ClosePosition(ctx context.Context, author string, id int64, in ClosePositionInput) (*models.Post, error) {
	if in.Price < 0 {
		return nil, invalid("price must not be negative")
	}

	current, err := s.authorize(ctx, author, id)
	if err != nil {
		return nil, err
	}
	if current.IsClosed {
		return nil, ErrPositionClosed
	}

	// quotes are fetched before taking the row lock
	price := in.Price
	if price == 0 {
		if price, err = s.currentPrice(ctx, current.Ticker, current.Exchange); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	post, err := s.repo.Modify(ctx, id, func(p *models.Post) (map[string]interface{}, error) {
		if in.Price == 0 && p.PriceKey() != current.PriceKey() {
			return nil, ErrConflict
		}
		p.BasisPrice = returns.BasisForPost(p)
		rate := returns.Calculate(p.BasisPrice, price, p.PositionType)

		p.IsClosed = true
		p.ClosedPrice = price
		p.ClosedReturnRate = rate
		p.ClosedAt.Time, p.ClosedAt.Valid = now, true
		p.CurrentPrice = price
		p.ReturnRate = rate
		p.UpdatedAt = now
		return map[string]interface{}{
			"is_closed":          true,
			"closed_price":       price,
			"closed_return_rate": rate,
			"closed_at":          p.ClosedAt,
			"basis_price":        p.BasisPrice,
			"current_price":      price,
			"return_rate":        rate,
			"updated_at":         now,
		}, nil
	})
	if err != nil {
		return nil, s.mapRepoError(id, err)
	}

	s.snapshot.UpsertPost(ctx, post)
	s.invalidate(ctx)
	return post, nil
}

// RecordView counts a view of the post
func (s *Posts) RecordView(ctx context.Context, id int64) error {
	if err := s.repo.IncrementViews(ctx, id); err != nil {
		return s.mapRepoError(id, err)
	}
	s.snapshot.PatchPost(ctx, id, func(p *models.PostSummary) { p.Views++ })
	return nil
}

// Like counts a like of the post
func (s *Posts) Like(ctx context.Context, id int64) error {
	if err := s.repo.IncrementLikes(ctx, id); err != nil {
		return s.mapRepoError(id, err)
	}
	s.snapshot.PatchPost(ctx, id, func(p *models.PostSummary) { p.Likes++ })
	s.invalidate(ctx)
	return nil
}

func (s *Posts) currentPrice(ctx context.Context, ticker, exchange string) (float64, error) {
	if s.prices == nil {
		return 0, invalid("price is required")
	}
	q, err := s.prices.FetchPrice(ctx, ticker, exchange)
	if err != nil {
		if errors.Is(err, quote.ErrNotFound) {
			return 0, invalid("no price available for %s", ticker)
		}
		return 0, fmt.Errorf("failed to fetch current price: %w", err)
	}
	return q.Price, nil
}

func (s *Posts) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	s.invalidator.Invalidate(ctx, invalidate.DefaultPath)
}

func (s *Posts) mapRepoError(id int64, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, db.ErrClosed):
		return ErrPositionClosed
	case errors.Is(err, db.ErrEntryLimit):
		return ErrAveragingLimit
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConflict):
		return err
	default:
		s.logger.Error("Post write failed", zap.Int64("post_id", id), zap.Error(err))
		return fmt.Errorf("failed to write post %d: %w", id, err)
	}
}
