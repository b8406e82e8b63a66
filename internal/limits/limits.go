// Package limits enforces per-user open-order notional limits, checked by
// the API layer before an order reaches the matching engine.
//
// Two caps apply: the maximum resting notional on any single pair, and
// the maximum aggregate resting notional across all pairs.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerPairLimitExceeded is returned when an order would push the
	// user's resting notional on one pair beyond the per-pair maximum.
	ErrPerPairLimitExceeded = errors.New("limits: per-pair open notional limit exceeded")

	// ErrTotalLimitExceeded is returned when an order would push the
	// user's aggregate resting notional across all pairs beyond the
	// total maximum.
	ErrTotalLimitExceeded = errors.New("limits: total open notional limit exceeded")
)

// OrderLimiter validates new orders against open-notional caps.
type OrderLimiter struct {
	// MaxPerPair is the maximum resting notional on a single pair.
	MaxPerPair decimal.Decimal

	// MaxTotal is the maximum aggregate resting notional across pairs.
	MaxTotal decimal.Decimal
}

// NewOrderLimiter creates a limiter with the given caps.
func NewOrderLimiter(maxPerPair, maxTotal decimal.Decimal) *OrderLimiter {
	return &OrderLimiter{MaxPerPair: maxPerPair, MaxTotal: maxTotal}
}

// Check validates whether adding notionalDelta on pair respects the caps.
//
// Parameters:
//   - pair: symbol of the order being placed
//   - notionalDelta: price x amount of the new order
//   - open: map of pair symbol to current resting notional for this user
//
// Returns nil if the order is within limits, or an error describing the
// violation.
func (l *OrderLimiter) Check(pair string, notionalDelta decimal.Decimal, open map[string]decimal.Decimal) error {
	newOnPair := open[pair].Add(notionalDelta)
	if newOnPair.GreaterThan(l.MaxPerPair) {
		return ErrPerPairLimitExceeded
	}

	total := newOnPair
	for p, n := range open {
		if p == pair {
			continue // already counted via newOnPair above
		}
		total = total.Add(n)
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}
