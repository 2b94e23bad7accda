package models

import (
	"time"
)

// Blob is a whole-object record in blob storage; snapshots are stored as blobs
type Blob struct {
	Key          string    `gorm:"primaryKey;type:varchar(255);column:key"`
	Content      []byte    `gorm:"type:bytea;not null;column:content"`
	ContentType  string    `gorm:"type:varchar(128);column:content_type"`
	CacheControl string    `gorm:"type:varchar(128);column:cache_control"`
	Generation   int64     `gorm:"not null;default:1;column:generation"`
	UpdatedAt    time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for Blob
func (Blob) TableName() string {
	return "blobs"
}

// Snapshot is the denormalized feed.json document served to readers.
// Field names are part of the public wire format.
type Snapshot struct {
	LastUpdated time.Time             `json:"lastUpdated"`
	TotalPosts  int                   `json:"totalPosts"`
	Posts       []PostSummary         `json:"posts"`
	Prices      map[string]PriceEntry `json:"prices"`
}

// NewSnapshot returns a well-formed empty document
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Posts:  []PostSummary{},
		Prices: map[string]PriceEntry{},
	}
}

// PostSummary is the per-post view stored in the snapshot
type PostSummary struct {
	ID               int64          `json:"id"`
	AuthorID         string         `json:"authorId"`
	Title            string         `json:"title,omitempty"`
	Ticker           string         `json:"ticker"`
	StockName        string         `json:"stockName,omitempty"`
	Exchange         string         `json:"exchange"`
	PositionType     PositionType   `json:"positionType"`
	InitialPrice     float64        `json:"initialPrice"`
	BasisPrice       float64        `json:"basisPrice"`
	CurrentPrice     float64        `json:"currentPrice"`
	ReturnRate       float64        `json:"returnRate"`
	IsClosed         bool           `json:"isClosed"`
	ClosedReturnRate float64        `json:"closedReturnRate,omitempty"`
	ClosedPrice      float64        `json:"closedPrice,omitempty"`
	AveragingEntries []AveragingLot `json:"averagingEntries"`
	Views            int64          `json:"views"`
	Likes            int64          `json:"likes"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// PriceKey returns the composite key the summary's ticker is priced under
func (s *PostSummary) PriceKey() string {
	return PriceKey(s.Exchange, s.Ticker)
}

// AveragingLot is an averaging entry as published in the snapshot
type AveragingLot struct {
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity,omitempty"`
	Date     time.Time `json:"date"`
}

// PriceEntry is the last known price of one ticker, independent of any post
type PriceEntry struct {
	Ticker       string    `json:"ticker"`
	Exchange     string    `json:"exchange"`
	CurrentPrice float64   `json:"currentPrice"`
	LastUpdated  time.Time `json:"lastUpdated"`
}
