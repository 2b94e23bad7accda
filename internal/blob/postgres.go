package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stockfeed/stockfeed/internal/models"
)

// Postgres keeps blobs in the primary database's blobs table
type Postgres struct {
	db *gorm.DB
}

// NewPostgres creates a database-backed Store
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Exists reports whether key holds an object
func (p *Postgres) Exists(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := p.db.WithContext(ctx).Model(&models.Blob{}).Where("key = ?", key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check blob %s: %w", key, err)
	}
	return count > 0, nil
}

// Download returns the object under key
func (p *Postgres) Download(ctx context.Context, key string) (*Object, error) {
	var row models.Blob
	if err := p.db.WithContext(ctx).Where("key = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download blob %s: %w", key, err)
	}
	return &Object{
		Data:         row.Content,
		ContentType:  row.ContentType,
		CacheControl: row.CacheControl,
		Generation:   row.Generation,
	}, nil
}

// Save writes the object, honouring opts.IfGeneration
func (p *Postgres) Save(ctx context.Context, key string, data []byte, opts SaveOptions) (int64, error) {
	now := time.Now().UTC()
	db := p.db.WithContext(ctx)

	switch {
	case opts.IfGeneration == nil:
		row := models.Blob{
			Key:          key,
			Content:      data,
			ContentType:  opts.ContentType,
			CacheControl: opts.CacheControl,
			Generation:   1,
			UpdatedAt:    now,
		}
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"content":       data,
				"content_type":  opts.ContentType,
				"cache_control": opts.CacheControl,
				"generation":    gorm.Expr("blobs.generation + 1"),
				"updated_at":    now,
			}),
		}).Create(&row).Error
		if err != nil {
			return 0, fmt.Errorf("failed to save blob %s: %w", key, err)
		}
		return p.generation(ctx, key)

	case *opts.IfGeneration == 0:
		row := models.Blob{
			Key:          key,
			Content:      data,
			ContentType:  opts.ContentType,
			CacheControl: opts.CacheControl,
			Generation:   1,
			UpdatedAt:    now,
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return 0, fmt.Errorf("failed to create blob %s: %w", key, res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, ErrPreconditionFailed
		}
		return 1, nil

	default:
		expected := *opts.IfGeneration
		res := db.Model(&models.Blob{}).
			Where("key = ? AND generation = ?", key, expected).
			Updates(map[string]interface{}{
				"content":       data,
				"content_type":  opts.ContentType,
				"cache_control": opts.CacheControl,
				"generation":    expected + 1,
				"updated_at":    now,
			})
		if res.Error != nil {
			return 0, fmt.Errorf("failed to update blob %s: %w", key, res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, ErrPreconditionFailed
		}
		return expected + 1, nil
	}
}

func (p *Postgres) generation(ctx context.Context, key string) (int64, error) {
	var row models.Blob
	if err := p.db.WithContext(ctx).Select("generation").Where("key = ?", key).First(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to read blob generation %s: %w", key, err)
	}
	return row.Generation, nil
}
