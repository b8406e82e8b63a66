// Package exchange implements the in-memory order matching engine: one
// synthetic order book per trading pair, limit orders matched against the
// resting book with price-time priority, executions at the resting
// (maker) order's price.
//
// All state lives in process memory; every public method is atomic under
// the engine mutex. The engine itself raises no errors on the matching
// path: input validation is the caller's concern.
package exchange

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dsw/trade-engine/internal/model"
	"github.com/dsw/trade-engine/internal/pubsub"
)

// Event names published on pair-scoped topics, e.g. "BTC/USDT:newTrade".
const (
	EventOrderBookUpdate = "orderBookUpdate"
	EventNewTrade        = "newTrade"
)

// Defaults for snapshot and tape queries.
const (
	DefaultBookDepth  = 20
	DefaultTradeLimit = 50
)

var (
	// ErrOrderNotFound is returned by CancelOrder for an unknown order id
	// or an order owned by a different user.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrOrderClosed is returned when cancelling an order that has already
	// completed or been cancelled.
	ErrOrderClosed = errors.New("exchange: order already closed")
)

// defaultBasePrice is used for pairs without seeded configuration.
var defaultBasePrice = decimal.NewFromInt(100)

// PlaceOrderRequest describes a new limit order.
type PlaceOrderRequest struct {
	UserID string
	Pair   string
	Side   model.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Engine is the order matching service. Construct one per process with
// New; independent instances share no state.
type Engine struct {
	mu      sync.Mutex
	bus     *pubsub.Bus
	pairs   map[string]model.TradingPair
	books   map[string]*book
	orders  map[string]*model.Order
	resting map[string]entry // order id to live book entry
	log     []*model.Order   // arrival order, oldest first
	tapes   map[string][]model.Trade
	seq     uint64
}

// New creates an engine seeded with the given pair configuration.
func New(bus *pubsub.Bus, pairs []model.TradingPair) *Engine {
	e := &Engine{
		bus:     bus,
		pairs:   make(map[string]model.TradingPair, len(pairs)),
		books:   make(map[string]*book),
		orders:  make(map[string]*model.Order),
		resting: make(map[string]entry),
		tapes:   make(map[string][]model.Trade),
	}
	for _, p := range pairs {
		e.pairs[p.Symbol] = p
	}
	return e
}

// Pairs returns the seeded pair configuration, sorted by symbol.
func (e *Engine) Pairs() []model.TradingPair {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.TradingPair, 0, len(e.pairs))
	for _, p := range e.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PlaceOrder builds a new order, matches it immediately against the
// resting book, rests any unfilled remainder, and publishes one newTrade
// event per execution plus one orderBookUpdate for the pair. The returned
// order is a snapshot taken after matching.
func (e *Engine) PlaceOrder(req PlaceOrderRequest) model.Order {
	e.mu.Lock()

	o := &model.Order{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Side:      req.Side,
		Pair:      req.Pair,
		Price:     req.Price,
		Amount:    req.Amount,
		Total:     req.Price.Mul(req.Amount),
		Filled:    decimal.Zero,
		Status:    model.OrderOpen,
		CreatedAt: time.Now().UTC(),
	}
	e.orders[o.ID] = o
	e.log = append(e.log, o)

	bk, ok := e.books[req.Pair]
	if !ok {
		bk = newBook()
		e.books[req.Pair] = bk
	}

	trades := e.match(bk, o)

	if o.Remaining().GreaterThan(decimal.Zero) {
		e.seq++
		en := entry{price: o.Price, seq: e.seq, order: o}
		bk.insert(en)
		e.resting[o.ID] = en
	}

	snapshot := *o
	e.mu.Unlock()

	for _, tr := range trades {
		e.bus.Publish(pubsub.Topic(req.Pair, EventNewTrade), tr)
	}
	e.bus.Publish(pubsub.Topic(req.Pair, EventOrderBookUpdate), req.Pair)

	return snapshot
}

// match fills the taker against the opposite side of the book, best price
// first, FIFO within a price level, each step at the maker's price. Stops
// when the taker is filled or no resting order crosses.
func (e *Engine) match(bk *book, taker *model.Order) []model.Trade {
	var candidates []entry
	need := taker.Remaining()
	bk.walk(taker.Side.Opposite(), func(en entry) bool {
		if !crosses(taker, en.price) {
			return false
		}
		candidates = append(candidates, en)
		need = need.Sub(en.order.Remaining())
		return need.GreaterThan(decimal.Zero)
	})

	var trades []model.Trade
	now := time.Now().UTC()
	for _, en := range candidates {
		maker := en.order
		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		taker.Filled = taker.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)
		taker.Status = model.StatusForFill(taker.Filled, taker.Amount)
		maker.Status = model.StatusForFill(maker.Filled, maker.Amount)

		if maker.Status == model.OrderCompleted {
			bk.remove(en)
			delete(e.resting, maker.ID)
		}

		tr := model.Trade{
			ID:        uuid.New().String(),
			Pair:      taker.Pair,
			Price:     en.price,
			Amount:    qty,
			Total:     en.price.Mul(qty),
			Timestamp: now,
		}
		if taker.Side == model.SideBuy {
			tr.BuyerID, tr.SellerID = taker.UserID, maker.UserID
			tr.BuyOrderID, tr.SellOrderID = taker.ID, maker.ID
		} else {
			tr.BuyerID, tr.SellerID = maker.UserID, taker.UserID
			tr.BuyOrderID, tr.SellOrderID = maker.ID, taker.ID
		}
		trades = append(trades, tr)
		e.tapes[taker.Pair] = append(e.tapes[taker.Pair], tr)

		if taker.Status == model.OrderCompleted {
			break
		}
	}
	return trades
}

// crosses reports whether the taker's limit crosses a resting price:
// incoming buy price >= resting ask price, incoming sell price <= resting
// bid price.
func crosses(taker *model.Order, restingPrice decimal.Decimal) bool {
	if taker.Side == model.SideBuy {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

// CancelOrder removes an order's unfilled remainder from the book and
// marks it cancelled. Orders of other users are indistinguishable from
// unknown ids.
func (e *Engine) CancelOrder(orderID, userID string) (model.Order, error) {
	e.mu.Lock()

	o, ok := e.orders[orderID]
	if !ok || o.UserID != userID {
		e.mu.Unlock()
		return model.Order{}, ErrOrderNotFound
	}
	if o.Status == model.OrderCompleted || o.Status == model.OrderCancelled {
		e.mu.Unlock()
		return model.Order{}, ErrOrderClosed
	}

	if en, ok := e.resting[o.ID]; ok {
		e.books[o.Pair].remove(en)
		delete(e.resting, o.ID)
	}
	o.Status = model.OrderCancelled

	snapshot := *o
	pair := o.Pair
	e.mu.Unlock()

	e.bus.Publish(pubsub.Topic(pair, EventOrderBookUpdate), pair)
	return snapshot, nil
}

// OrderBook returns up to limit resting levels per side: bids sorted by
// price descending, asks ascending, plus the last price and synthetic
// 24h statistics. An unknown pair yields an empty book and the default
// base price; no error condition exists.
func (e *Engine) OrderBook(pair string, limit int) model.OrderBookSnapshot {
	if limit <= 0 {
		limit = DefaultBookDepth
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := model.OrderBookSnapshot{Pair: pair}
	if bk, ok := e.books[pair]; ok {
		snap.Bids = bookLevels(bk, model.SideBuy, limit)
		snap.Asks = bookLevels(bk, model.SideSell, limit)
	}

	base := defaultBasePrice
	if p, ok := e.pairs[pair]; ok && p.BasePrice.IsPositive() {
		base = p.BasePrice
	}
	snap.LastPrice = base
	tape := e.tapes[pair]
	if len(tape) > 0 {
		snap.LastPrice = tape[len(tape)-1].Price
	}
	snap.Stats = stats24h(base, snap.LastPrice, tape)
	return snap
}

// bookLevels aggregates one side into price levels, best price first.
func bookLevels(bk *book, side model.Side, limit int) []model.BookLevel {
	var levels []model.BookLevel
	bk.walk(side, func(en entry) bool {
		rem := en.order.Remaining()
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(en.price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(rem)
			levels[n-1].Total = levels[n-1].Total.Add(en.price.Mul(rem))
			return true
		}
		if len(levels) == limit {
			return false
		}
		levels = append(levels, model.BookLevel{
			Price:  en.price,
			Amount: rem,
			Total:  en.price.Mul(rem),
		})
		return true
	})
	return levels
}

// stats24h derives the synthetic statistics block from the base price and
// the session tape. Deterministic: identical state yields identical stats.
func stats24h(base, last decimal.Decimal, tape []model.Trade) model.Stats24h {
	st := model.Stats24h{
		Volume: decimal.Zero,
		High:   last,
		Low:    last,
	}
	for _, tr := range tape {
		st.Volume = st.Volume.Add(tr.Amount)
		if tr.Price.GreaterThan(st.High) {
			st.High = tr.Price
		}
		if tr.Price.LessThan(st.Low) {
			st.Low = tr.Price
		}
	}
	if base.IsPositive() {
		st.ChangePercent = last.Sub(base).Div(base).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return st
}

// UserOrders returns every order owned by the user, newest first,
// optionally filtered to one pair (empty pair = all pairs).
func (e *Engine) UserOrders(userID, pair string) []model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.Order
	for i := len(e.log) - 1; i >= 0; i-- {
		o := e.log[i]
		if o.UserID != userID {
			continue
		}
		if pair != "" && o.Pair != pair {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// RecentTrades returns the most recent executions for a pair, newest
// first.
func (e *Engine) RecentTrades(pair string, limit int) []model.Trade {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tape := e.tapes[pair]
	if len(tape) > limit {
		tape = tape[len(tape)-limit:]
	}
	out := make([]model.Trade, 0, len(tape))
	for i := len(tape) - 1; i >= 0; i-- {
		out = append(out, tape[i])
	}
	return out
}

// OpenNotional sums price x remaining of the user's resting orders per
// pair. Used by the API layer for pre-trade risk checks.
func (e *Engine) OpenNotional(userID string) map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal)
	for _, en := range e.resting {
		o := en.order
		if o.UserID != userID {
			continue
		}
		out[o.Pair] = out[o.Pair].Add(o.Price.Mul(o.Remaining()))
	}
	return out
}
