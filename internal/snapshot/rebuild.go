package snapshot

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/models"
)

// PostSource lists every post, newest first
type PostSource interface {
	ListAll(ctx context.Context) ([]models.Post, error)
}

// Rebuild regenerates the whole document from the primary database and
// overwrites whatever is stored.
func (s *Store) Rebuild(ctx context.Context, src PostSource) (*models.Snapshot, error) {
	posts, err := src.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	doc := Build(posts)
	if err := s.Write(ctx, doc); err != nil {
		return nil, err
	}

	s.logger.Info("Snapshot rebuilt",
		zap.Int("posts", doc.TotalPosts),
		zap.Int("prices", len(doc.Prices)),
	)
	return doc, nil
}
