package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stockfeed/stockfeed/internal/models"
)

var (
	// ErrNotFound is returned by mutations on a post that does not exist
	ErrNotFound = errors.New("post not found")
	// ErrClosed is returned when a mutation requires an open position
	ErrClosed = errors.New("position is closed")
	// ErrEntryLimit is returned when a post already holds the maximum number of averaging entries
	ErrEntryLimit = errors.New("averaging entry limit reached")
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// PostRepository provides post-related database operations
type PostRepository struct {
	*Repository
}

// NewPostRepository creates a new post repository
func NewPostRepository(repo *Repository) *PostRepository {
	return &PostRepository{Repository: repo}
}

func withEntries(db *gorm.DB) *gorm.DB {
	return db.Preload("AveragingEntries", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	})
}

// Get retrieves a post with its averaging entries; nil when absent
func (r *PostRepository) Get(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	if err := withEntries(r.db.WithContext(ctx)).First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &post, nil
}

// ListAll returns every post, newest first
func (r *PostRepository) ListAll(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	err := withEntries(r.db.WithContext(ctx)).
		Order("created_at DESC, id DESC").
		Find(&posts).Error
	return posts, err
}

// ListOpen returns posts whose position is still open
func (r *PostRepository) ListOpen(ctx context.Context) ([]models.Post, error) {
	var posts []models.Post
	err := r.db.WithContext(ctx).
		Where("is_closed = ?", false).
		Order("created_at DESC, id DESC").
		Find(&posts).Error
	return posts, err
}

// Create inserts a new post
func (r *PostRepository) Create(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Omit("AveragingEntries").Create(post).Error
}

// Delete removes a post and its averaging entries
func (r *PostRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&models.Post{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePrice records a fetched price and the return rate it implies.
// Closed posts are left untouched.
func (r *PostRepository) UpdatePrice(ctx context.Context, id int64, price, rate float64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ? AND is_closed = ?", id, false).
		Updates(map[string]interface{}{
			"current_price":     price,
			"return_rate":       rate,
			"last_price_update": sql.NullTime{Time: at, Valid: true},
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missingOrClosed(ctx, id)
	}
	return nil
}

// IncrementViews adds one view to the post
func (r *PostRepository) IncrementViews(ctx context.Context, id int64) error {
	return r.increment(ctx, id, "views")
}

// IncrementLikes adds one like to the post
func (r *PostRepository) IncrementLikes(ctx context.Context, id int64) error {
	return r.increment(ctx, id, "likes")
}

func (r *PostRepository) increment(ctx context.Context, id int64, column string) error {
	res := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// lockOpen loads an open post and its averaging entries, holding the post row
// until tx ends
func lockOpen(tx *gorm.DB, id int64, post *models.Post) error {
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if post.IsClosed {
		return ErrClosed
	}
	return tx.Where("post_id = ?", id).Order("seq ASC").Find(&post.AveragingEntries).Error
}

// Modify locks an open post with its averaging entries and hands it to fn.
// fn edits the post in place and returns the columns to save, which are
// written before the lock is released. An error from fn aborts the change.
func (r *PostRepository) Modify(ctx context.Context, id int64, fn func(p *models.Post) (map[string]interface{}, error)) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOpen(tx, id, &post); err != nil {
			return err
		}
		columns, err := fn(&post)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return nil
		}
		return tx.Model(&models.Post{}).Where("id = ?", id).Updates(columns).Error
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

// AddAveragingEntry appends an entry to an open post. The post row is locked
// for the duration of the transaction so concurrent appends cannot exceed
// limit; the unique (post_id, seq) index backs this up. recompute is called
// with the post including the new entry and may update BasisPrice and
// ReturnRate, which are saved in the same transaction.
func (r *PostRepository) AddAveragingEntry(ctx context.Context, id int64, entry models.AveragingEntry, limit int, recompute func(p *models.Post)) (*models.Post, error) {
	var post models.Post
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOpen(tx, id, &post); err != nil {
			return err
		}
		if len(post.AveragingEntries) >= limit {
			return ErrEntryLimit
		}

		entry.PostID = id
		entry.Seq = len(post.AveragingEntries) + 1
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		post.AveragingEntries = append(post.AveragingEntries, entry)

		recompute(&post)
		return tx.Model(&models.Post{}).Where("id = ?", id).Updates(map[string]interface{}{
			"basis_price": post.BasisPrice,
			"return_rate": post.ReturnRate,
			"updated_at":  post.UpdatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (r *PostRepository) missingOrClosed(ctx context.Context, id int64) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrClosed
}
