package exchange_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsw/trade-engine/internal/exchange"
	"github.com/dsw/trade-engine/internal/model"
	"github.com/dsw/trade-engine/internal/pubsub"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEngine() (*exchange.Engine, *pubsub.Bus) {
	bus := pubsub.New()
	pairs := []model.TradingPair{
		{
			Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
			MinAmount: d(0.0001), MaxAmount: d(100), StepSize: d(0.0001),
			PricePrecision: 2, AmountPrecision: 4, BasePrice: d(43250),
		},
		{
			Symbol: "ETH/USDT", BaseAsset: "ETH", QuoteAsset: "USDT",
			MinAmount: d(0.001), MaxAmount: d(1000), StepSize: d(0.001),
			PricePrecision: 2, AmountPrecision: 3, BasePrice: d(2280),
		},
	}
	return exchange.New(bus, pairs), bus
}

func place(e *exchange.Engine, user string, side model.Side, price, amount float64) model.Order {
	return e.PlaceOrder(exchange.PlaceOrderRequest{
		UserID: user,
		Pair:   "BTC/USDT",
		Side:   side,
		Price:  d(price),
		Amount: d(amount),
	})
}

func TestPlaceOrderRestsWithoutCross(t *testing.T) {
	e, _ := newTestEngine()

	o := place(e, "alice", model.SideBuy, 43000, 0.5)

	assert.Equal(t, model.OrderOpen, o.Status)
	assert.True(t, o.Filled.IsZero())
	assert.True(t, o.Total.Equal(d(43000).Mul(d(0.5))))

	book := e.OrderBook("BTC/USDT", 0)
	require.Len(t, book.Bids, 1)
	assert.Empty(t, book.Asks)
	assert.True(t, book.Bids[0].Price.Equal(d(43000)))
}

// Concrete scenario from the settlement flow: one resting ask 1.0 @ 43260,
// incoming buy 0.4 @ 43260. One trade of 0.4 at the maker price, the ask
// goes partial, the buy completes.
func TestMatchPartialFillAtMakerPrice(t *testing.T) {
	e, bus := newTestEngine()

	var published []model.Trade
	bus.Subscribe(pubsub.Topic("BTC/USDT", exchange.EventNewTrade), func(p any) {
		published = append(published, p.(model.Trade))
	})

	ask := place(e, "maker", model.SideSell, 43260, 1.0)
	buy := place(e, "taker", model.SideBuy, 43260, 0.4)

	assert.Equal(t, model.OrderCompleted, buy.Status)
	assert.True(t, buy.Filled.Equal(d(0.4)))

	require.Len(t, published, 1)
	tr := published[0]
	assert.True(t, tr.Price.Equal(d(43260)))
	assert.True(t, tr.Amount.Equal(d(0.4)))
	assert.Equal(t, "taker", tr.BuyerID)
	assert.Equal(t, "maker", tr.SellerID)
	assert.Equal(t, buy.ID, tr.BuyOrderID)
	assert.Equal(t, ask.ID, tr.SellOrderID)

	makerOrders := e.UserOrders("maker", "BTC/USDT")
	require.Len(t, makerOrders, 1)
	assert.Equal(t, model.OrderPartial, makerOrders[0].Status)
	assert.True(t, makerOrders[0].Filled.Equal(d(0.4)))
}

func TestMatchCrossesInAscendingPriceOrder(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "m1", model.SideSell, 43300, 0.3)
	place(e, "m2", model.SideSell, 43100, 0.3)
	place(e, "m3", model.SideSell, 43200, 0.3)
	place(e, "m4", model.SideSell, 43500, 0.3) // above the taker's limit

	buy := place(e, "taker", model.SideBuy, 43300, 1.0)

	// 0.9 crossed across three asks; the 43500 ask must not trade.
	assert.Equal(t, model.OrderPartial, buy.Status)
	assert.True(t, buy.Filled.Equal(d(0.9)), "filled %s", buy.Filled)

	trades := e.RecentTrades("BTC/USDT", 0)
	require.Len(t, trades, 3)
	// Newest first: executions happened at 43100, then 43200, then 43300.
	assert.True(t, trades[0].Price.Equal(d(43300)))
	assert.True(t, trades[1].Price.Equal(d(43200)))
	assert.True(t, trades[2].Price.Equal(d(43100)))
}

func TestTimePriorityWithinPriceLevel(t *testing.T) {
	e, _ := newTestEngine()

	first := place(e, "m1", model.SideSell, 43200, 0.5)
	second := place(e, "m2", model.SideSell, 43200, 0.5)

	place(e, "taker", model.SideBuy, 43200, 0.5)

	m1 := e.UserOrders("m1", "")
	m2 := e.UserOrders("m2", "")
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	assert.Equal(t, model.OrderCompleted, m1[0].Status, "older order %s fills first", first.ID)
	assert.Equal(t, model.OrderOpen, m2[0].Status, "younger order %s must not fill", second.ID)
}

func TestBookSortInvariant(t *testing.T) {
	e, _ := newTestEngine()

	for _, p := range []float64{43100, 43400, 43200, 43300} {
		place(e, "b", model.SideBuy, p-500, 0.1)
		place(e, "s", model.SideSell, p+500, 0.1)
	}

	book := e.OrderBook("BTC/USDT", 0)
	for i := 1; i < len(book.Bids); i++ {
		assert.True(t, book.Bids[i].Price.LessThan(book.Bids[i-1].Price),
			"bids must be strictly descending")
	}
	for i := 1; i < len(book.Asks); i++ {
		assert.True(t, book.Asks[i].Price.GreaterThan(book.Asks[i-1].Price),
			"asks must be strictly ascending")
	}
}

func TestFillConservation(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "m", model.SideSell, 43200, 1.0)
	place(e, "t1", model.SideBuy, 43200, 0.4)
	place(e, "t2", model.SideBuy, 43250, 0.6)

	for _, user := range []string{"m", "t1", "t2"} {
		for _, o := range e.UserOrders(user, "") {
			assert.False(t, o.Filled.IsNegative())
			assert.True(t, o.Filled.LessThanOrEqual(o.Amount))
			switch {
			case o.Filled.IsZero():
				assert.Equal(t, model.OrderOpen, o.Status)
			case o.Filled.Equal(o.Amount):
				assert.Equal(t, model.OrderCompleted, o.Status)
			default:
				assert.Equal(t, model.OrderPartial, o.Status)
			}
		}
	}
}

func TestTradeRecordsAreImmutable(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "m", model.SideSell, 43200, 0.5)
	place(e, "t", model.SideBuy, 43200, 0.5)

	before := e.RecentTrades("BTC/USDT", 0)
	require.Len(t, before, 1)

	// Mutating the returned slice must not leak into the tape.
	before[0].Price = d(1)
	after := e.RecentTrades("BTC/USDT", 0)
	assert.True(t, after[0].Price.Equal(d(43200)))
}

func TestOrderBookIdempotent(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "m", model.SideSell, 43260, 1.0)
	place(e, "t", model.SideBuy, 43260, 0.4)
	place(e, "b", model.SideBuy, 43000, 0.2)

	first := e.OrderBook("BTC/USDT", 0)
	second := e.OrderBook("BTC/USDT", 0)
	assert.Equal(t, first, second)
}

func TestOrderBookUnknownPairDefaults(t *testing.T) {
	e, _ := newTestEngine()

	book := e.OrderBook("DOGE/USDT", 0)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)
	assert.True(t, book.LastPrice.Equal(d(100)), "unknown pair defaults to base price 100")
}

func TestOrderBookStats(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "m", model.SideSell, 43260, 1.0)
	place(e, "t", model.SideBuy, 43260, 0.4)

	book := e.OrderBook("BTC/USDT", 0)
	assert.True(t, book.LastPrice.Equal(d(43260)))
	assert.True(t, book.Stats.Volume.Equal(d(0.4)))
	assert.True(t, book.Stats.High.Equal(d(43260)))
	assert.True(t, book.Stats.Low.Equal(d(43260)))
	// (43260-43250)/43250 ~ 0.02%
	assert.True(t, book.Stats.ChangePercent.Equal(d(0.02)), "change %s", book.Stats.ChangePercent)
}

func TestCancelOrderRemovesRestingRemainder(t *testing.T) {
	e, _ := newTestEngine()

	o := place(e, "alice", model.SideBuy, 43000, 0.5)

	cancelled, err := e.CancelOrder(o.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.Empty(t, e.OrderBook("BTC/USDT", 0).Bids)

	_, err = e.CancelOrder(o.ID, "alice")
	assert.ErrorIs(t, err, exchange.ErrOrderClosed)
}

func TestCancelOrderWrongUser(t *testing.T) {
	e, _ := newTestEngine()

	o := place(e, "alice", model.SideBuy, 43000, 0.5)

	_, err := e.CancelOrder(o.ID, "mallory")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)

	_, err = e.CancelOrder("no-such-order", "alice")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestUserOrdersNewestFirstAcrossPairs(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "alice", model.SideBuy, 43000, 0.5)
	e.PlaceOrder(exchange.PlaceOrderRequest{
		UserID: "alice", Pair: "ETH/USDT", Side: model.SideBuy, Price: d(2200), Amount: d(1),
	})
	place(e, "bob", model.SideSell, 44000, 0.1)

	all := e.UserOrders("alice", "")
	require.Len(t, all, 2)
	assert.Equal(t, "ETH/USDT", all[0].Pair, "newest first")
	assert.Equal(t, "BTC/USDT", all[1].Pair)

	btcOnly := e.UserOrders("alice", "BTC/USDT")
	require.Len(t, btcOnly, 1)
}

func TestOpenNotional(t *testing.T) {
	e, _ := newTestEngine()

	place(e, "alice", model.SideBuy, 43000, 0.5)
	place(e, "alice", model.SideBuy, 42000, 0.5)

	notional := e.OpenNotional("alice")
	require.Contains(t, notional, "BTC/USDT")
	want := d(43000).Mul(d(0.5)).Add(d(42000).Mul(d(0.5)))
	assert.True(t, notional["BTC/USDT"].Equal(want))
}

func TestOrderBookUpdateEventPerPlacement(t *testing.T) {
	e, bus := newTestEngine()

	updates := 0
	sub := bus.Subscribe(pubsub.Topic("BTC/USDT", exchange.EventOrderBookUpdate), func(any) { updates++ })
	defer sub.Cancel()

	place(e, "alice", model.SideBuy, 43000, 0.5)
	place(e, "bob", model.SideSell, 43500, 0.5)

	assert.Equal(t, 2, updates)
}
