// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal: never float64 for money.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order or advertisement.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus of an exchange order or a P2P advertisement.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// StatusForFill derives an order status from its fill progress.
// Zero filled means open, partially filled means partial, fully filled means completed.
// Cancellation is not derivable from fill state and is set explicitly.
func StatusForFill(filled, amount decimal.Decimal) OrderStatus {
	switch {
	case filled.LessThanOrEqual(decimal.Zero):
		return OrderOpen
	case filled.GreaterThanOrEqual(amount):
		return OrderCompleted
	default:
		return OrderPartial
	}
}

// pairRegex matches {BASE}/{QUOTE}, e.g. BTC/USDT.
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

// ErrInvalidPairSymbol is returned for symbols not of the form BASE/QUOTE.
var ErrInvalidPairSymbol = errors.New("model: invalid pair symbol")

// ParsePairSymbol validates a trading pair symbol and splits it into base
// and quote asset codes.
func ParsePairSymbol(symbol string) (base, quote string, err error) {
	matches := pairRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return "", "", fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidPairSymbol, symbol)
	}
	return matches[1], matches[2], nil
}

// TradingPair is static per-pair configuration, seeded at startup and
// never mutated afterwards.
type TradingPair struct {
	Symbol          string          `json:"symbol"`
	BaseAsset       string          `json:"base_asset"`
	QuoteAsset      string          `json:"quote_asset"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MaxAmount       decimal.Decimal `json:"max_amount"`
	StepSize        decimal.Decimal `json:"step_size"`
	PricePrecision  int32           `json:"price_precision"`
	AmountPrecision int32           `json:"amount_precision"`

	// BasePrice seeds the synthetic 24h statistics and is the last-price
	// fallback before any trade has executed on the pair.
	BasePrice decimal.Decimal `json:"base_price"`
}

// Order is a limit order resting in (or filled out of) the order book.
// Mutated only by the matching engine.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"side"`
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Total     decimal.Decimal `json:"total"` // price times amount
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Remaining returns the unfilled amount of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Trade is an immutable record of one matched execution between two
// exchange orders. Once created, these are never modified or deleted.
type Trade struct {
	ID          string          `json:"id"`
	Pair        string          `json:"pair"`
	Price       decimal.Decimal `json:"price"` // maker price
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BookLevel is one price level of an order book snapshot.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
}

// Stats24h is the synthetic 24h statistics block of a book snapshot,
// derived deterministically from the pair's base price and the session
// trade tape.
type Stats24h struct {
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
}

// OrderBookSnapshot is a derived, ephemeral view of resting liquidity:
// top-N bids (price descending) and asks (price ascending). Recomputed on
// demand, never stored.
type OrderBookSnapshot struct {
	Pair      string          `json:"pair"`
	Bids      []BookLevel     `json:"bids"`
	Asks      []BookLevel     `json:"asks"`
	LastPrice decimal.Decimal `json:"last_price"`
	Stats     Stats24h        `json:"stats_24h"`
}
