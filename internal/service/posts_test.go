package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stockfeed/stockfeed/internal/blob"
	"github.com/stockfeed/stockfeed/internal/db"
	"github.com/stockfeed/stockfeed/internal/invalidate"
	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/internal/quote"
	"github.com/stockfeed/stockfeed/internal/returns"
	"github.com/stockfeed/stockfeed/internal/snapshot"
	"github.com/stockfeed/stockfeed/pkg/config"
)

// memoryRepo mimics the row-locking behaviour of the gorm repository
type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	posts  map[int64]*models.Post
	fail   error
	// afterGet runs once, after the next Get has returned its copy
	afterGet func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{posts: map[int64]*models.Post{}}
}

func clonePost(p *models.Post) *models.Post {
	c := *p
	c.AveragingEntries = append([]models.AveragingEntry(nil), p.AveragingEntries...)
	return &c
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (*models.Post, error) {
	r.mu.Lock()
	var out *models.Post
	if p, ok := r.posts[id]; ok {
		out = clonePost(p)
	}
	hook := r.afterGet
	r.afterGet = nil
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *memoryRepo) setPrice(id int64, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.posts[id]
	p.CurrentPrice = price
	p.ReturnRate = returns.ForPost(p)
}

func (r *memoryRepo) Create(ctx context.Context, post *models.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.nextID++
	post.ID = r.nextID
	r.posts[post.ID] = clonePost(post)
	return nil
}

func (r *memoryRepo) Modify(ctx context.Context, id int64, fn func(p *models.Post) (map[string]interface{}, error)) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if p.IsClosed {
		return nil, db.ErrClosed
	}
	edited := clonePost(p)
	if _, err := fn(edited); err != nil {
		return nil, err
	}
	r.posts[id] = clonePost(edited)
	return edited, nil
}

func (r *memoryRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.posts[id]; !ok {
		return db.ErrNotFound
	}
	delete(r.posts, id)
	return nil
}

func (r *memoryRepo) IncrementViews(ctx context.Context, id int64) error {
	return r.bump(id, func(p *models.Post) { p.Views++ })
}

func (r *memoryRepo) IncrementLikes(ctx context.Context, id int64) error {
	return r.bump(id, func(p *models.Post) { p.Likes++ })
}

func (r *memoryRepo) bump(id int64, fn func(p *models.Post)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return db.ErrNotFound
	}
	fn(p)
	return nil
}

func (r *memoryRepo) AddAveragingEntry(ctx context.Context, id int64, entry models.AveragingEntry, limit int, recompute func(p *models.Post)) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if p.IsClosed {
		return nil, db.ErrClosed
	}
	if len(p.AveragingEntries) >= limit {
		return nil, db.ErrEntryLimit
	}
	entry.PostID = id
	entry.Seq = len(p.AveragingEntries) + 1
	p.AveragingEntries = append(p.AveragingEntries, entry)
	recompute(p)
	return clonePost(p), nil
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, path string) invalidate.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return invalidate.Result{Revalidated: true, Path: path}
}

type fixedPrices map[string]float64

func (f fixedPrices) FetchPrice(ctx context.Context, ticker, exchange string) (*quote.Quote, error) {
	p, ok := f[models.PriceKey(exchange, ticker)]
	if !ok {
		return nil, quote.ErrNotFound
	}
	return &quote.Quote{Ticker: ticker, Exchange: exchange, Price: p}, nil
}

// failingBlobs rejects every save with err while it is set
type failingBlobs struct {
	*blob.Memory
	mu  sync.Mutex
	err error
}

func (f *failingBlobs) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *failingBlobs) Save(ctx context.Context, key string, data []byte, opts blob.SaveOptions) (int64, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Memory.Save(ctx, key, data, opts)
}

type harness struct {
	svc   *Posts
	repo  *memoryRepo
	blobs *failingBlobs
	store *snapshot.Store
	inv   *fakeInvalidator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs := &failingBlobs{Memory: blob.NewMemory()}
	store := snapshot.NewStore(blobs, &config.BlobConfig{SnapshotKey: "feed.json", MaxRetries: 2})
	repo := newMemoryRepo()
	inv := &fakeInvalidator{}
	prices := fixedPrices{"NAS:AAPL": 200, "KRX:005930": 120000}
	svc := NewPosts(repo, snapshot.NewSyncer(store), inv, prices, "NAS")
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return &harness{svc: svc, repo: repo, blobs: blobs, store: store, inv: inv}
}

func (h *harness) feed(t *testing.T) *models.Snapshot {
	t.Helper()
	doc, err := h.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return doc
}

func TestCreatePost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	post, err := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: " 005930 ", InitialPrice: 100000})
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	if post.Exchange != "KRX" || post.PositionType != models.PositionLong || post.BasisPrice != 100000 {
		t.Errorf("unexpected post: %+v", post)
	}

	doc := h.feed(t)
	if doc.TotalPosts != 1 || doc.Posts[0].ReturnRate != 0 {
		t.Errorf("unexpected snapshot: %+v", doc)
	}
	if _, ok := doc.Prices["KRX:005930"]; !ok {
		t.Error("Expected price entry for the new ticker")
	}
	if h.inv.calls != 1 {
		t.Errorf("Expected one invalidation, got %d", h.inv.calls)
	}
}

func TestCreatePostUsesCurrentPriceWhenOmitted(t *testing.T) {
	h := newHarness(t)
	post, err := h.svc.CreatePost(context.Background(), "alice", CreatePostInput{Ticker: "aapl"})
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	if post.InitialPrice != 200 || post.Exchange != "NAS" {
		t.Errorf("unexpected post: %+v", post)
	}

	if _, err := h.svc.CreatePost(context.Background(), "alice", CreatePostInput{Ticker: "UNKNOWN"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput without a price, got %v", err)
	}
}

func TestCreatePostValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		author string
		in     CreatePostInput
		want   error
	}{
		{"anonymous", "", CreatePostInput{Ticker: "AAPL", InitialPrice: 1}, ErrForbidden},
		{"missing ticker", "alice", CreatePostInput{InitialPrice: 1}, ErrInvalidInput},
		{"bad position", "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 1, PositionType: "sideways"}, ErrInvalidInput},
		{"negative price", "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: -1}, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.CreatePost(context.Background(), tt.author, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreatePost() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSnapshotFailureDoesNotFailAction(t *testing.T) {
	h := newHarness(t)
	h.blobs.fail(errors.New("storage unavailable"))

	post, err := h.svc.CreatePost(context.Background(), "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	if stored, _ := h.repo.Get(context.Background(), post.ID); stored == nil {
		t.Error("Expected the post to stay in the primary database")
	}
	if h.feed(t).TotalPosts != 0 {
		t.Error("Expected the snapshot write to have failed")
	}
}

func TestAuthorChecksUsePrimaryDatabase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	title := "mine now"
	if _, err := h.svc.UpdatePost(ctx, "mallory", post.ID, UpdatePostInput{Title: &title}); !errors.Is(err, ErrForbidden) {
		t.Errorf("UpdatePost() by non-author error = %v", err)
	}
	if err := h.svc.DeletePost(ctx, "mallory", post.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("DeletePost() by non-author error = %v", err)
	}
	if err := h.svc.DeletePost(ctx, "alice", 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePost() of missing post error = %v", err)
	}
}

func TestUpdatePostRecomputesAndMovesPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	ticker := "005930"
	price := 110000.0
	updated, err := h.svc.UpdatePost(ctx, "alice", post.ID, UpdatePostInput{Ticker: &ticker, InitialPrice: &price})
	if err != nil {
		t.Fatalf("UpdatePost() error = %v", err)
	}
	if updated.Exchange != "KRX" || updated.BasisPrice != 110000 {
		t.Errorf("unexpected update: %+v", updated)
	}

	doc := h.feed(t)
	if _, ok := doc.Prices["NAS:AAPL"]; ok {
		t.Error("Expected the old ticker's price entry to be dropped")
	}
	if doc.Posts[0].Ticker != "005930" {
		t.Errorf("Expected snapshot to reflect the edit, got %+v", doc.Posts[0])
	}
}

func TestUpdatePostKeepsConcurrentChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	// another request averages down and the updater stores a price after
	// the edit has read the post
	h.repo.afterGet = func() {
		if _, err := h.svc.AverageDown(ctx, "alice", post.ID, AverageDownInput{Price: 80}); err != nil {
			t.Errorf("AverageDown() error = %v", err)
		}
		h.repo.setPrice(post.ID, 250)
	}

	title := "still holding"
	updated, err := h.svc.UpdatePost(ctx, "alice", post.ID, UpdatePostInput{Title: &title})
	if err != nil {
		t.Fatalf("UpdatePost() error = %v", err)
	}

	stored, _ := h.repo.Get(ctx, post.ID)
	wantRate := returns.Calculate(90, 250, models.PositionLong)
	for name, p := range map[string]*models.Post{"returned": updated, "stored": stored} {
		if len(p.AveragingEntries) != 1 || p.BasisPrice != 90 {
			t.Errorf("%s post lost the averaging entry: entries=%d basis=%v", name, len(p.AveragingEntries), p.BasisPrice)
		}
		if p.CurrentPrice != 250 || p.ReturnRate != wantRate {
			t.Errorf("%s post price=%v rate=%v, want 250/%v", name, p.CurrentPrice, p.ReturnRate, wantRate)
		}
		if p.Title != title {
			t.Errorf("%s post title = %q", name, p.Title)
		}
	}
	if doc := h.feed(t); doc.Posts[0].BasisPrice != 90 {
		t.Errorf("Expected snapshot basis 90, got %v", doc.Posts[0].BasisPrice)
	}
}

func TestDeletePost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keep, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})
	gone, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "MSFT", InitialPrice: 300})

	if err := h.svc.DeletePost(ctx, "alice", gone.ID); err != nil {
		t.Fatalf("DeletePost() error = %v", err)
	}
	doc := h.feed(t)
	if doc.TotalPosts != 1 || doc.Posts[0].ID != keep.ID {
		t.Errorf("unexpected posts after delete: %+v", doc.Posts)
	}
	if _, ok := doc.Prices["NAS:MSFT"]; ok {
		t.Error("Expected unreferenced price entry to be removed")
	}
}

func TestAverageDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	updated, err := h.svc.AverageDown(ctx, "alice", post.ID, AverageDownInput{Price: 80})
	if err != nil {
		t.Fatalf("AverageDown() error = %v", err)
	}
	if updated.BasisPrice != 90 {
		t.Errorf("Expected equal-weighted basis 90, got %v", updated.BasisPrice)
	}
	if doc := h.feed(t); len(doc.Posts[0].AveragingEntries) != 1 || doc.Posts[0].BasisPrice != 90 {
		t.Errorf("unexpected snapshot entry: %+v", doc.Posts[0])
	}

	if _, err := h.svc.AverageDown(ctx, "alice", post.ID, AverageDownInput{Price: 0}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for zero price, got %v", err)
	}
}

func TestAverageDownCapHoldsUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.AverageDown(ctx, "alice", post.ID, AverageDownInput{Price: float64(90 - i)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrAveragingLimit) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stored, _ := h.repo.Get(ctx, post.ID)
	if succeeded != 3 || len(stored.AveragingEntries) != 3 {
		t.Errorf("Expected exactly 3 entries, got %d successes and %d entries", succeeded, len(stored.AveragingEntries))
	}
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "005930", InitialPrice: 100000})

	closed, err := h.svc.ClosePosition(ctx, "alice", post.ID, ClosePositionInput{Price: 107500})
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if !closed.IsClosed || closed.ClosedReturnRate != 7.5 {
		t.Errorf("unexpected closed post: %+v", closed)
	}
	if doc := h.feed(t); !doc.Posts[0].IsClosed || doc.Posts[0].ReturnRate != 7.5 {
		t.Errorf("unexpected snapshot entry: %+v", doc.Posts[0])
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"close again", func() error {
			_, err := h.svc.ClosePosition(ctx, "alice", post.ID, ClosePositionInput{Price: 1})
			return err
		}},
		{"edit", func() error {
			title := "x"
			_, err := h.svc.UpdatePost(ctx, "alice", post.ID, UpdatePostInput{Title: &title})
			return err
		}},
		{"average down", func() error {
			_, err := h.svc.AverageDown(ctx, "alice", post.ID, AverageDownInput{Price: 1})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrPositionClosed) {
				t.Errorf("error = %v, want ErrPositionClosed", err)
			}
		})
	}
}

func TestClosePositionUsesLockedBasis(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	h.repo.afterGet = func() {
		if _, err := h.svc.AverageDown(ctx, "alice", post.ID, AverageDownInput{Price: 80}); err != nil {
			t.Errorf("AverageDown() error = %v", err)
		}
	}

	closed, err := h.svc.ClosePosition(ctx, "alice", post.ID, ClosePositionInput{Price: 99})
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if closed.BasisPrice != 90 || closed.ClosedReturnRate != 10 {
		t.Errorf("Expected close against basis 90 at 10%%, got basis=%v rate=%v", closed.BasisPrice, closed.ClosedReturnRate)
	}
	if stored, _ := h.repo.Get(ctx, post.ID); !stored.IsClosed || stored.ClosedReturnRate != 10 {
		t.Errorf("unexpected stored post: %+v", stored)
	}
}

func TestClosePositionRejectsInstrumentChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	h.repo.afterGet = func() {
		ticker := "005930"
		if _, err := h.svc.UpdatePost(ctx, "alice", post.ID, UpdatePostInput{Ticker: &ticker}); err != nil {
			t.Errorf("UpdatePost() error = %v", err)
		}
	}

	if _, err := h.svc.ClosePosition(ctx, "alice", post.ID, ClosePositionInput{}); !errors.Is(err, ErrConflict) {
		t.Errorf("ClosePosition() error = %v, want ErrConflict", err)
	}
	if stored, _ := h.repo.Get(ctx, post.ID); stored.IsClosed {
		t.Error("Expected the post to stay open")
	}
}

func TestClosePositionAtCurrentPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "005930", InitialPrice: 100000, PositionType: models.PositionShort})

	closed, err := h.svc.ClosePosition(ctx, "alice", post.ID, ClosePositionInput{})
	if err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	if closed.ClosedPrice != 120000 || closed.ClosedReturnRate != -20 {
		t.Errorf("unexpected close: price=%v rate=%v", closed.ClosedPrice, closed.ClosedReturnRate)
	}
}

func TestViewsAndLikes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	post, _ := h.svc.CreatePost(ctx, "alice", CreatePostInput{Ticker: "AAPL", InitialPrice: 100})

	_ = h.svc.RecordView(ctx, post.ID)
	_ = h.svc.RecordView(ctx, post.ID)
	_ = h.svc.Like(ctx, post.ID)

	doc := h.feed(t)
	if doc.Posts[0].Views != 2 || doc.Posts[0].Likes != 1 {
		t.Errorf("unexpected counters: views=%d likes=%d", doc.Posts[0].Views, doc.Posts[0].Likes)
	}
	if err := h.svc.Like(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("Like() of missing post error = %v", err)
	}
}
