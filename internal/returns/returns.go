// Package returns computes position return rates.
package returns

import (
	"github.com/shopspring/decimal"

	"github.com/stockfeed/stockfeed/internal/models"
)

// MaxAveragingEntries caps how many additional entries a post may record
const MaxAveragingEntries = 3

var hundred = decimal.NewFromInt(100)

// Calculate returns the percentage return of a position entered at basis and
// now priced at current, rounded to 2 decimals. Non-positive prices yield 0.
func Calculate(basis, current float64, position models.PositionType) float64 {
	if basis <= 0 || current <= 0 {
		return 0
	}
	b := decimal.NewFromFloat(basis)
	c := decimal.NewFromFloat(current)

	diff := c.Sub(b)
	if position == models.PositionShort {
		diff = b.Sub(c)
	}
	return diff.Div(b).Mul(hundred).Round(2).InexactFloat64()
}

// ForPost returns the rate to display for p. A closed post's frozen rate is
// authoritative and never recomputed.
func ForPost(p *models.Post) float64 {
	if p.IsClosed {
		return Round2(p.ClosedReturnRate)
	}
	return Calculate(p.BasisPrice, p.CurrentPrice, p.PositionType)
}

// Lot is one priced entry of a position
type Lot struct {
	Price    float64
	Quantity float64
}

// EffectiveBasis averages the initial lot with any averaging entries. Lots are
// size-weighted only when every lot records a positive quantity; otherwise
// each lot counts equally.
func EffectiveBasis(initial Lot, entries ...Lot) float64 {
	lots := append([]Lot{initial}, entries...)

	sized := true
	for _, l := range lots {
		if l.Quantity <= 0 {
			sized = false
			break
		}
	}

	total := decimal.Zero
	weight := decimal.Zero
	for _, l := range lots {
		w := decimal.NewFromInt(1)
		if sized {
			w = decimal.NewFromFloat(l.Quantity)
		}
		total = total.Add(decimal.NewFromFloat(l.Price).Mul(w))
		weight = weight.Add(w)
	}
	if weight.IsZero() {
		return 0
	}
	return total.Div(weight).Round(4).InexactFloat64()
}

// BasisForPost recomputes the effective basis of p from its initial price and
// recorded averaging entries.
func BasisForPost(p *models.Post) float64 {
	entries := make([]Lot, 0, len(p.AveragingEntries))
	for _, e := range p.AveragingEntries {
		entries = append(entries, Lot{Price: e.Price, Quantity: e.Quantity})
	}
	return EffectiveBasis(Lot{Price: p.InitialPrice, Quantity: p.InitialQuantity}, entries...)
}

// Round2 rounds v to 2 decimal places, half away from zero
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
