package snapshot

import (
	"time"

	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/internal/returns"
)

// Summarize converts a post record into its snapshot view
func Summarize(p *models.Post) models.PostSummary {
	lots := make([]models.AveragingLot, 0, len(p.AveragingEntries))
	for _, e := range p.AveragingEntries {
		lots = append(lots, models.AveragingLot{Price: e.Price, Quantity: e.Quantity, Date: e.Date})
	}
	return models.PostSummary{
		ID:               p.ID,
		AuthorID:         p.AuthorID,
		Title:            p.Title,
		Ticker:           p.Ticker,
		StockName:        p.StockName,
		Exchange:         p.Exchange,
		PositionType:     p.PositionType,
		InitialPrice:     p.InitialPrice,
		BasisPrice:       p.BasisPrice,
		CurrentPrice:     p.CurrentPrice,
		ReturnRate:       returns.ForPost(p),
		IsClosed:         p.IsClosed,
		ClosedReturnRate: p.ClosedReturnRate,
		ClosedPrice:      p.ClosedPrice,
		AveragingEntries: lots,
		Views:            p.Views,
		Likes:            p.Likes,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// AddOrReplacePost replaces the post with the same id in place, or prepends
// it when absent, then reconciles the price map.
func AddOrReplacePost(doc *models.Snapshot, post models.PostSummary, now time.Time) {
	normalize(doc)
	if post.AveragingEntries == nil {
		post.AveragingEntries = []models.AveragingLot{}
	}

	replaced := false
	for i := range doc.Posts {
		if doc.Posts[i].ID == post.ID {
			doc.Posts[i] = post
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Posts = append([]models.PostSummary{post}, doc.Posts...)
	}
	reconcilePrices(doc, now)
}

// RemovePost drops the post with id and reports whether it was present
func RemovePost(doc *models.Snapshot, id int64) bool {
	normalize(doc)
	for i := range doc.Posts {
		if doc.Posts[i].ID == id {
			doc.Posts = append(doc.Posts[:i], doc.Posts[i+1:]...)
			reconcilePrices(doc, time.Time{})
			return true
		}
	}
	return false
}

// PatchPost applies fn to the post with id and reports whether it was present
func PatchPost(doc *models.Snapshot, id int64, fn func(p *models.PostSummary), now time.Time) bool {
	normalize(doc)
	for i := range doc.Posts {
		if doc.Posts[i].ID == id {
			fn(&doc.Posts[i])
			reconcilePrices(doc, now)
			return true
		}
	}
	return false
}

// ApplyPrices merges fetched prices into the price map and recomputes the
// current price and return rate of every open post on those tickers. Closed
// posts keep their frozen values. Returns the number of posts updated.
func ApplyPrices(doc *models.Snapshot, prices []models.PriceEntry) int {
	normalize(doc)
	if len(prices) == 0 {
		return 0
	}

	byKey := make(map[string]models.PriceEntry, len(prices))
	for _, p := range prices {
		key := models.PriceKey(p.Exchange, p.Ticker)
		byKey[key] = p
		doc.Prices[key] = p
	}

	updated := 0
	for i := range doc.Posts {
		post := &doc.Posts[i]
		if post.IsClosed {
			continue
		}
		entry, ok := byKey[post.PriceKey()]
		if !ok {
			continue
		}
		post.CurrentPrice = entry.CurrentPrice
		post.ReturnRate = returns.Calculate(post.BasisPrice, entry.CurrentPrice, post.PositionType)
		updated++
	}
	return updated
}

// Build assembles a complete document from post records, in the given order.
// Each ticker is priced from the most recently updated post that carries a price.
func Build(posts []models.Post) *models.Snapshot {
	doc := models.NewSnapshot()
	seen := make(map[string]time.Time)

	for i := range posts {
		p := &posts[i]
		doc.Posts = append(doc.Posts, Summarize(p))

		if p.CurrentPrice <= 0 {
			continue
		}
		at := p.UpdatedAt
		if p.LastPriceUpdate.Valid {
			at = p.LastPriceUpdate.Time
		}
		key := p.PriceKey()
		if prev, ok := seen[key]; ok && !at.After(prev) {
			continue
		}
		seen[key] = at
		doc.Prices[key] = models.PriceEntry{
			Ticker:       p.Ticker,
			Exchange:     p.Exchange,
			CurrentPrice: p.CurrentPrice,
			LastUpdated:  at.UTC(),
		}
	}
	doc.TotalPosts = len(doc.Posts)
	return doc
}

// reconcilePrices adds entries for newly referenced tickers and drops entries
// no post references any more.
func reconcilePrices(doc *models.Snapshot, now time.Time) {
	referenced := make(map[string]bool, len(doc.Posts))
	for i := range doc.Posts {
		post := &doc.Posts[i]
		key := post.PriceKey()
		referenced[key] = true

		if _, ok := doc.Prices[key]; ok {
			continue
		}
		price := post.CurrentPrice
		if price <= 0 {
			price = post.InitialPrice
		}
		doc.Prices[key] = models.PriceEntry{
			Ticker:       post.Ticker,
			Exchange:     post.Exchange,
			CurrentPrice: price,
			LastUpdated:  now.UTC(),
		}
	}

	for key := range doc.Prices {
		if !referenced[key] {
			delete(doc.Prices, key)
		}
	}
}
