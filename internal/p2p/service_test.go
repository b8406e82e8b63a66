package p2p_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsw/trade-engine/internal/model"
	"github.com/dsw/trade-engine/internal/p2p"
	"github.com/dsw/trade-engine/internal/pubsub"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func user(id string) model.UserRef {
	return model.UserRef{ID: id, Name: strings.ToUpper(id[:1]) + id[1:], Verified: true}
}

func newTestService() (*p2p.Service, *pubsub.Bus) {
	bus := pubsub.New()
	return p2p.New(bus), bus
}

// sellAdvert seeds an open sell advert: BTC at 43250, 200 available,
// per-trade limits 50 to 150, all in crypto units.
func sellAdvert(t *testing.T, svc *p2p.Service) model.Advert {
	t.Helper()
	return svc.CreateAdvert(p2p.CreateAdvertRequest{
		Advertiser:     user("seller"),
		Side:           model.SideSell,
		CryptoSymbol:   "BTC",
		FiatCurrency:   "USD",
		Price:          d(43250),
		Available:      d(200),
		MinLimit:       d(50),
		MaxLimit:       d(150),
		PaymentMethods: []string{"bank_transfer"},
		Terms:          "Payment within 30 minutes.",
	})
}

func TestStartTradeAgainstSellAdvert(t *testing.T) {
	svc, _ := newTestService()
	ad := sellAdvert(t, svc)

	trade, err := svc.StartTrade(p2p.StartTradeRequest{
		AdvertID:      ad.ID,
		Counterparty:  user("buyer"),
		Amount:        d(50),
		PaymentMethod: "bank_transfer",
	})
	require.NoError(t, err)

	assert.Equal(t, model.TradePending, trade.Status)
	assert.True(t, trade.FiatAmount.Equal(d(50).Mul(d(43250))), "fiat = amount x price")
	assert.Equal(t, "buyer", trade.Buyer.ID, "counterparty buys on a sell advert")
	assert.Equal(t, "seller", trade.Seller.ID)
	assert.NotEmpty(t, trade.ChatID)
	assert.NotEmpty(t, trade.EscrowID)
	assert.WithinDuration(t, trade.CreatedAt.Add(30*time.Minute), trade.ExpiresAt, time.Second)

	msgs, err := svc.ChatMessages(trade.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "chat thread starts empty")
}

func TestStartTradeBuyAdvertSwapsRoles(t *testing.T) {
	svc, _ := newTestService()
	ad := svc.CreateAdvert(p2p.CreateAdvertRequest{
		Advertiser:   user("advertiser"),
		Side:         model.SideBuy,
		CryptoSymbol: "BTC",
		FiatCurrency: "USD",
		Price:        d(43000),
		Available:    d(100),
		MinLimit:     d(10),
		MaxLimit:     d(100),
	})

	trade, err := svc.StartTrade(p2p.StartTradeRequest{
		AdvertID:     ad.ID,
		Counterparty: user("visitor"),
		Amount:       d(10),
	})
	require.NoError(t, err)
	assert.Equal(t, "advertiser", trade.Buyer.ID)
	assert.Equal(t, "visitor", trade.Seller.ID)
}

func TestStartTradeErrors(t *testing.T) {
	svc, _ := newTestService()
	ad := sellAdvert(t, svc)

	_, err := svc.StartTrade(p2p.StartTradeRequest{AdvertID: "missing", Counterparty: user("b"), Amount: d(50)})
	assert.ErrorIs(t, err, p2p.ErrAdvertNotFound)

	_, err = svc.StartTrade(p2p.StartTradeRequest{AdvertID: ad.ID, Counterparty: user("b"), Amount: d(10)})
	assert.ErrorIs(t, err, p2p.ErrAmountOutOfRange, "below min limit")

	_, err = svc.StartTrade(p2p.StartTradeRequest{AdvertID: ad.ID, Counterparty: user("b"), Amount: d(151)})
	assert.ErrorIs(t, err, p2p.ErrAmountOutOfRange, "above max limit")
}

func TestStartTradeDecrementsInventory(t *testing.T) {
	svc, _ := newTestService()
	ad := sellAdvert(t, svc) // 200 available

	_, err := svc.StartTrade(p2p.StartTradeRequest{AdvertID: ad.ID, Counterparty: user("b1"), Amount: d(150)})
	require.NoError(t, err)

	got, err := svc.Advert(ad.ID)
	require.NoError(t, err)
	assert.True(t, got.Available.Equal(d(50)))
	assert.Equal(t, model.OrderPartial, got.Status)

	// Only 50 left: a second 150 cannot double-book the liquidity.
	_, err = svc.StartTrade(p2p.StartTradeRequest{AdvertID: ad.ID, Counterparty: user("b2"), Amount: d(150)})
	assert.ErrorIs(t, err, p2p.ErrInsufficientInventory)

	_, err = svc.StartTrade(p2p.StartTradeRequest{AdvertID: ad.ID, Counterparty: user("b2"), Amount: d(50)})
	require.NoError(t, err)

	got, err = svc.Advert(ad.ID)
	require.NoError(t, err)
	assert.True(t, got.Available.IsZero())
	assert.Equal(t, model.OrderCompleted, got.Status)

	_, err = svc.StartTrade(p2p.StartTradeRequest{AdvertID: ad.ID, Counterparty: user("b3"), Amount: d(50)})
	assert.ErrorIs(t, err, p2p.ErrAdvertClosed)
}

func startTrade(t *testing.T, svc *p2p.Service) model.P2PTrade {
	t.Helper()
	ad := sellAdvert(t, svc)
	trade, err := svc.StartTrade(p2p.StartTradeRequest{
		AdvertID:      ad.ID,
		Counterparty:  user("buyer"),
		Amount:        d(50),
		PaymentMethod: "bank_transfer",
	})
	require.NoError(t, err)
	return trade
}

func TestHappyPathLifecycle(t *testing.T) {
	svc, bus := newTestService()
	trade := startTrade(t, svc)

	var updates []model.P2PTrade
	bus.Subscribe(pubsub.Topic(p2p.Scope, p2p.EventTradeUpdate), func(p any) {
		updates = append(updates, p.(model.P2PTrade))
	})

	paid, err := svc.TransitionTrade(trade.ID, model.TradePaid)
	require.NoError(t, err)
	require.NotNil(t, paid.PaidAt)

	confirmed, err := svc.TransitionTrade(trade.ID, model.TradeConfirmed)
	require.NoError(t, err)
	require.NotNil(t, confirmed.ConfirmedAt)

	done, err := svc.TransitionTrade(trade.ID, model.TradeCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, model.TradeCompleted, done.Status)

	require.Len(t, updates, 3)
	assert.Equal(t, model.TradePaid, updates[0].Status)
	assert.Equal(t, model.TradeCompleted, updates[2].Status)

	// One system message per transition, in order.
	msgs, err := svc.ChatMessages(trade.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, model.MessageSystem, m.Type)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	svc, _ := newTestService()

	cases := []struct {
		path []model.TradeStatus // applied first, all legal
		next model.TradeStatus   // then rejected
	}{
		{nil, model.TradeConfirmed},
		{nil, model.TradeCompleted},
		{[]model.TradeStatus{model.TradePaid}, model.TradeCancelled},
		{[]model.TradeStatus{model.TradePaid}, model.TradeCompleted},
		{[]model.TradeStatus{model.TradePaid, model.TradeConfirmed}, model.TradePaid},
		{[]model.TradeStatus{model.TradePaid, model.TradeConfirmed}, model.TradeCancelled},
		{[]model.TradeStatus{model.TradeCancelled}, model.TradePaid},
		{[]model.TradeStatus{model.TradePaid, model.TradeConfirmed, model.TradeCompleted}, model.TradeDisputed},
	}

	for _, tc := range cases {
		trade := startTrade(t, svc)
		for _, next := range tc.path {
			_, err := svc.TransitionTrade(trade.ID, next)
			require.NoError(t, err)
		}
		_, err := svc.TransitionTrade(trade.ID, tc.next)
		assert.ErrorIs(t, err, p2p.ErrInvalidTransition, "path %v then %s", tc.path, tc.next)
	}
}

func TestTransitionUnknownTrade(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.TransitionTrade("missing", model.TradePaid)
	assert.ErrorIs(t, err, p2p.ErrTradeNotFound)
}

func TestChatOrderingAndReadMarks(t *testing.T) {
	svc, bus := newTestService()
	trade := startTrade(t, svc)

	newMessages := 0
	bus.Subscribe(pubsub.Topic(p2p.Scope, p2p.EventNewMessage), func(any) { newMessages++ })

	_, err := svc.SendMessage(trade.ID, "buyer", "Buyer", "hello", model.MessageText, "")
	require.NoError(t, err)
	_, err = svc.SendMessage(trade.ID, "seller", "Seller", "receipt attached", model.MessageImage, "https://example.com/r.png")
	require.NoError(t, err)
	_, err = svc.SendMessage(trade.ID, "buyer", "Buyer", "paid", model.MessagePayment, "")
	require.NoError(t, err)

	msgs, err := svc.ChatMessages(trade.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "receipt attached", msgs[1].Text)
	assert.Equal(t, "paid", msgs[2].Text)
	assert.Equal(t, 3, newMessages)

	require.NoError(t, svc.MarkMessagesRead(trade.ID, "buyer"))
	msgs, _ = svc.ChatMessages(trade.ID)
	assert.False(t, msgs[0].Read, "own message untouched")
	assert.True(t, msgs[1].Read, "counterparty message marked read")
	assert.False(t, msgs[2].Read)
}

func TestSendMessageUnknownTrade(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.SendMessage("missing", "u", "U", "hi", model.MessageText, "")
	assert.ErrorIs(t, err, p2p.ErrTradeNotFound)
}

func TestCreateDispute(t *testing.T) {
	svc, _ := newTestService()
	trade := startTrade(t, svc)

	before, err := svc.ChatMessages(trade.ID)
	require.NoError(t, err)

	dispute, err := svc.CreateDispute(trade.ID, "seller", "no payment received", nil)
	require.NoError(t, err)
	assert.Equal(t, model.DisputeOpen, dispute.Status)
	assert.Equal(t, "seller", dispute.RaisedBy)

	got, err := svc.Trade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeDisputed, got.Status)

	after, err := svc.ChatMessages(trade.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	sys := after[len(after)-1]
	assert.Equal(t, model.MessageSystem, sys.Type)
	assert.Contains(t, sys.Text, "no payment received")

	// Disputed is terminal.
	_, err = svc.TransitionTrade(trade.ID, model.TradePaid)
	assert.ErrorIs(t, err, p2p.ErrInvalidTransition)
}

func TestAddRating(t *testing.T) {
	svc, _ := newTestService()
	trade := startTrade(t, svc)

	_, err := svc.AddRating(trade.ID, "buyer", "seller", d(5), "smooth trade")
	require.NoError(t, err)

	ratings := svc.Ratings("seller")
	require.Len(t, ratings, 1)
	assert.True(t, ratings[0].Score.Equal(d(5)))

	_, err = svc.AddRating("missing", "buyer", "seller", d(5), "")
	assert.ErrorIs(t, err, p2p.ErrTradeNotFound)
}

func TestExpireSweep(t *testing.T) {
	svc, _ := newTestService()
	trade := startTrade(t, svc)

	// Nothing expires at creation time.
	ads, trades := svc.ExpireSweep(time.Now())
	assert.Zero(t, ads)
	assert.Zero(t, trades)

	// 25 hours later both the advert and the pending trade are stale.
	ads, trades = svc.ExpireSweep(time.Now().Add(25 * time.Hour))
	assert.Equal(t, 1, ads)
	assert.Equal(t, 1, trades)

	got, err := svc.Trade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeCancelled, got.Status)

	msgs, _ := svc.ChatMessages(trade.ID)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Text, "expired")

	// Paid trades are not swept even when past expiry.
	trade2 := startTrade(t, svc)
	_, err = svc.TransitionTrade(trade2.ID, model.TradePaid)
	require.NoError(t, err)
	_, trades = svc.ExpireSweep(time.Now().Add(48 * time.Hour))
	got2, _ := svc.Trade(trade2.ID)
	assert.Equal(t, model.TradePaid, got2.Status)
	assert.Zero(t, trades)
}

func TestAdvertsSortedByPriceDescending(t *testing.T) {
	svc, _ := newTestService()
	for _, p := range []float64{43100, 43400, 43200} {
		svc.CreateAdvert(p2p.CreateAdvertRequest{
			Advertiser:   user("s"),
			Side:         model.SideSell,
			CryptoSymbol: "BTC",
			FiatCurrency: "USD",
			Price:        d(p),
			Available:    d(100),
			MinLimit:     d(1),
			MaxLimit:     d(100),
		})
	}

	ads := svc.Adverts("BTC", "")
	require.Len(t, ads, 3)
	assert.True(t, ads[0].Price.Equal(d(43400)))
	assert.True(t, ads[1].Price.Equal(d(43200)))
	assert.True(t, ads[2].Price.Equal(d(43100)))

	buys := svc.Adverts("BTC", model.SideBuy)
	assert.Empty(t, buys)
}
