// Package snapshot maintains the denormalized feed document kept in blob storage.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/blob"
	"github.com/stockfeed/stockfeed/internal/models"
	"github.com/stockfeed/stockfeed/pkg/config"
	"github.com/stockfeed/stockfeed/pkg/logging"
	"github.com/stockfeed/stockfeed/pkg/telemetry"
)

const contentType = "application/json"

// ErrNoChange can be returned by an Update function to skip the write
var ErrNoChange = errors.New("snapshot unchanged")

var writeConflicts = telemetry.NewCounter("snapshot.write_conflicts", "Conditional snapshot writes that lost a race")

// Store reads and writes the snapshot document
type Store struct {
	blobs        blob.Store
	key          string
	cacheControl string
	maxRetries   int
	now          func() time.Time
	logger       *zap.Logger
}

// NewStore creates a snapshot store over blobs
func NewStore(blobs blob.Store, cfg *config.BlobConfig) *Store {
	return &Store{
		blobs:        blobs,
		key:          cfg.SnapshotKey,
		cacheControl: cfg.CacheControl,
		maxRetries:   cfg.MaxRetries,
		now:          time.Now,
		logger:       logging.WithComponent("snapshot"),
	}
}

// Key returns the blob key the document is stored under
func (s *Store) Key() string {
	return s.key
}

// Read returns the current document. A missing blob yields an empty document.
func (s *Store) Read(ctx context.Context) (*models.Snapshot, error) {
	doc, _, err := s.read(ctx)
	return doc, err
}

func (s *Store) read(ctx context.Context) (*models.Snapshot, int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "snapshot.read")
	defer span.End()

	obj, err := s.blobs.Download(ctx, s.key)
	if errors.Is(err, blob.ErrNotFound) {
		return models.NewSnapshot(), 0, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	doc := models.NewSnapshot()
	if err := json.Unmarshal(obj.Data, doc); err != nil {
		return nil, 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	normalize(doc)
	return doc, obj.Generation, nil
}

// Write overwrites the document unconditionally
func (s *Store) Write(ctx context.Context, doc *models.Snapshot) error {
	return s.save(ctx, doc, nil)
}

func (s *Store) save(ctx context.Context, doc *models.Snapshot, ifGeneration *int64) error {
	ctx, span := telemetry.StartSpan(ctx, "snapshot.write")
	defer span.End()

	normalize(doc)
	doc.LastUpdated = s.now().UTC()
	doc.TotalPosts = len(doc.Posts)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.blobs.Save(ctx, s.key, data, blob.SaveOptions{
		ContentType:  contentType,
		CacheControl: s.cacheControl,
		IfGeneration: ifGeneration,
	})
	if err != nil {
		if !errors.Is(err, blob.ErrPreconditionFailed) {
			span.RecordError(err)
		}
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Update applies fn to a freshly read document and writes it back. Writes
// are conditional on the generation that was read; on conflict the cycle is
// retried up to the configured limit, after which the last attempt is saved
// unconditionally.
func (s *Store) Update(ctx context.Context, fn func(doc *models.Snapshot) error) (*models.Snapshot, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		doc, gen, err := s.read(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(doc); err != nil {
			if errors.Is(err, ErrNoChange) {
				return doc, nil
			}
			return nil, err
		}

		err = s.save(ctx, doc, blob.Generation(gen))
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, blob.ErrPreconditionFailed) {
			return nil, err
		}

		writeConflicts.Add(ctx, 1)
		s.logger.Warn("Snapshot write conflict, retrying",
			zap.String("key", s.key),
			zap.Int("attempt", attempt+1),
		)
	}

	s.logger.Warn("Snapshot retries exhausted, writing unconditionally", zap.String("key", s.key))

	doc, _, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, ErrNoChange) {
			return doc, nil
		}
		return nil, err
	}
	if err := s.save(ctx, doc, nil); err != nil {
		return nil, err
	}
	return doc, nil
}

func normalize(doc *models.Snapshot) {
	if doc.Posts == nil {
		doc.Posts = []models.PostSummary{}
	}
	if doc.Prices == nil {
		doc.Prices = map[string]models.PriceEntry{}
	}
	for i := range doc.Posts {
		if doc.Posts[i].AveragingEntries == nil {
			doc.Posts[i].AveragingEntries = []models.AveragingLot{}
		}
	}
}
