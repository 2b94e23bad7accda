package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

const syncTimeout = 10 * time.Second

// Syncer mirrors primary database changes into the snapshot. Failures are
// logged and never returned; the primary database stays authoritative and
// the document can always be rebuilt from it.
type Syncer struct {
	store  *Store
	logger *zap.Logger
}

// NewSyncer creates a Syncer writing through store
func NewSyncer(store *Store) *Syncer {
	return &Syncer{
		store:  store,
		logger: logging.WithComponent("snapshot_sync"),
	}
}

// UpsertPost adds the post or replaces its existing summary
func (s *Syncer) UpsertPost(ctx context.Context, p *models.Post) bool {
	summary := Summarize(p)
	return s.update(ctx, "upsert", p.ID, func(doc *models.Snapshot) error {
		AddOrReplacePost(doc, summary, s.store.now())
		return nil
	})
}

// RemovePost drops the post's summary
func (s *Syncer) RemovePost(ctx context.Context, id int64) bool {
	return s.update(ctx, "remove", id, func(doc *models.Snapshot) error {
		if !RemovePost(doc, id) {
			return ErrNoChange
		}
		return nil
	})
}

// PatchPost applies fn to the post's summary when it is present
func (s *Syncer) PatchPost(ctx context.Context, id int64, fn func(p *models.PostSummary)) bool {
	return s.update(ctx, "patch", id, func(doc *models.Snapshot) error {
		if !PatchPost(doc, id, fn, s.store.now()) {
			return ErrNoChange
		}
		return nil
	})
}

// ApplyPrices merges fetched prices into the document
func (s *Syncer) ApplyPrices(ctx context.Context, prices []models.PriceEntry) bool {
	if len(prices) == 0 {
		return true
	}
	return s.update(ctx, "prices", 0, func(doc *models.Snapshot) error {
		ApplyPrices(doc, prices)
		return nil
	})
}

func (s *Syncer) update(ctx context.Context, op string, id int64, fn func(doc *models.Snapshot) error) bool {
	// the primary write already happened; a disconnecting caller must not abort the mirror
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
	defer cancel()

	if _, err := s.store.Update(ctx, fn); err != nil {
		s.logger.Error("Failed to update snapshot",
			zap.String("op", op),
			zap.Int64("post_id", id),
			zap.String("key", s.store.Key()),
			zap.Error(err),
		)
		return false
	}
	return true
}
