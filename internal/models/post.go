package models

import (
	"database/sql"
	"strings"
	"time"
)

// PositionType is the direction of a reported position
type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
)

// Valid reports whether p is a known position type
func (p PositionType) Valid() bool {
	return p == PositionLong || p == PositionShort
}

// Post represents an investment report and the position it tracks
type Post struct {
	ID              int64        `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	AuthorID        string       `json:"authorId" gorm:"type:varchar(64);not null;index;column:author_id"`
	Title           string       `json:"title" gorm:"type:varchar(255);column:title"`
	Ticker          string       `json:"ticker" gorm:"type:varchar(16);not null;index;column:ticker"`
	StockName       string       `json:"stockName" gorm:"type:varchar(128);column:stock_name"`
	Exchange        string       `json:"exchange" gorm:"type:varchar(8);not null;column:exchange"`
	PositionType    PositionType `json:"positionType" gorm:"type:varchar(8);not null;default:long;column:position_type"`
	InitialPrice    float64      `json:"initialPrice" gorm:"type:decimal(20,4);not null;column:initial_price"`
	InitialQuantity float64      `json:"initialQuantity" gorm:"type:decimal(20,4);default:0;column:initial_quantity"`
	BasisPrice      float64      `json:"basisPrice" gorm:"type:decimal(20,4);not null;column:basis_price"`
	CurrentPrice    float64      `json:"currentPrice" gorm:"type:decimal(20,4);default:0;column:current_price"`
	ReturnRate      float64      `json:"returnRate" gorm:"type:decimal(12,2);default:0;column:return_rate"`

	IsClosed         bool         `json:"isClosed" gorm:"not null;default:false;index;column:is_closed"`
	ClosedReturnRate float64      `json:"closedReturnRate" gorm:"type:decimal(12,2);default:0;column:closed_return_rate"`
	ClosedPrice      float64      `json:"closedPrice" gorm:"type:decimal(20,4);default:0;column:closed_price"`
	ClosedAt         sql.NullTime `json:"-" gorm:"column:closed_at"`

	LastPriceUpdate sql.NullTime `json:"-" gorm:"column:last_price_update"`
	Views           int64        `json:"views" gorm:"not null;default:0;column:views"`
	Likes           int64        `json:"likes" gorm:"not null;default:0;column:likes"`
	CreatedAt       time.Time    `json:"createdAt" gorm:"not null;column:created_at"`
	UpdatedAt       time.Time    `json:"updatedAt" gorm:"not null;column:updated_at"`

	// Relationships
	AveragingEntries []AveragingEntry `json:"averagingEntries" gorm:"foreignKey:PostID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for Post
func (Post) TableName() string {
	return "posts"
}

// PriceKey returns the composite key the post's ticker is priced under
func (p *Post) PriceKey() string {
	return PriceKey(p.Exchange, p.Ticker)
}

// AveragingEntry is an additional entry price recorded for an open position
type AveragingEntry struct {
	ID       int64     `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	PostID   int64     `json:"-" gorm:"not null;uniqueIndex:idx_averaging_post_seq;column:post_id"`
	Seq      int       `json:"seq" gorm:"not null;uniqueIndex:idx_averaging_post_seq;column:seq"`
	Price    float64   `json:"price" gorm:"type:decimal(20,4);not null;column:price"`
	Quantity float64   `json:"quantity" gorm:"type:decimal(20,4);default:0;column:quantity"`
	Date     time.Time `json:"date" gorm:"not null;column:date"`
}

// TableName specifies the table name for AveragingEntry
func (AveragingEntry) TableName() string {
	return "post_averaging_entries"
}

// PriceKey builds the composite EXCHANGE:TICKER key used by the snapshot price map
func PriceKey(exchange, ticker string) string {
	return strings.ToUpper(strings.TrimSpace(exchange)) + ":" + strings.ToUpper(strings.TrimSpace(ticker))
}
