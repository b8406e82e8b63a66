// Package p2p implements the peer-to-peer escrow simulator: buy/sell
// advertisements, trades settled manually through a validated lifecycle
// (pending to paid to confirmed to completed, or disputed/cancelled), and an
// append-only chat thread per trade.
//
// All state is in-process; a single mutex makes every public method
// atomic. Construct one Service per process with New: there is no hidden
// module-level state, so tests can run independent instances.
package p2p

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

// Event names published on the "p2p" topic scope.
const (
	EventNewTrade    = "newTrade"
	EventNewMessage  = "newMessage"
	EventTradeUpdate = "tradeUpdate"
)

// Scope is the pubsub topic scope for all P2P events.
const Scope = "p2p"

// Advertisement and trade lifetimes.
const (
	advertTTL = 24 * time.Hour
	tradeTTL  = 30 * time.Minute
)

var (
	// ErrAdvertNotFound is returned when no advertisement matches the id.
	ErrAdvertNotFound = errors.New("p2p: advert not found")

	// ErrAdvertClosed is returned when trading against a cancelled or
	// sold-out advertisement.
	ErrAdvertClosed = errors.New("p2p: advert closed")

	// ErrTradeNotFound is returned when no trade matches the id.
	ErrTradeNotFound = errors.New("p2p: trade not found")

	// ErrInvalidTransition rejects a status move not reachable from the
	// trade's current status.
	ErrInvalidTransition = errors.New("p2p: invalid status transition")

	// ErrAmountOutOfRange rejects trade amounts outside the advert's
	// per-trade limits.
	ErrAmountOutOfRange = errors.New("p2p: amount outside advert limits")

	// ErrInsufficientInventory rejects trade amounts above the advert's
	// remaining available inventory.
	ErrInsufficientInventory = errors.New("p2p: insufficient advert inventory")
)

// CreateAdvertRequest describes a new advertisement.
type CreateAdvertRequest struct {
	Advertiser     model.UserRef
	Side           model.Side
	CryptoSymbol   string
	FiatCurrency   string
	Price          decimal.Decimal
	Available      decimal.Decimal
	MinLimit       decimal.Decimal
	MaxLimit       decimal.Decimal
	PaymentMethods []string
	Terms          string
	Tags           []string
}

// StartTradeRequest opens a trade against an advertisement. Amount is in
// crypto units; the fiat amount is derived from the advert price.
type StartTradeRequest struct {
	AdvertID      string
	Counterparty  model.UserRef
	Amount        decimal.Decimal
	PaymentMethod string
}

// Service is the P2P escrow simulator.
type Service struct {
	mu       sync.Mutex
	bus      *pubsub.Bus
	adverts  map[string]*model.Advert
	bySymbol map[string][]*model.Advert // newest first per crypto symbol
	trades   map[string]*model.P2PTrade
	chats    map[string][]model.ChatMessage // keyed by trade id
	disputes map[string]*model.Dispute
	ratings  []model.Rating
	now      func() time.Time
}

// New creates an empty simulator publishing on bus.
func New(bus *pubsub.Bus) *Service {
	return &Service{
		bus:      bus,
		adverts:  make(map[string]*model.Advert),
		bySymbol: make(map[string][]*model.Advert),
		trades:   make(map[string]*model.P2PTrade),
		chats:    make(map[string][]model.ChatMessage),
		disputes: make(map[string]*model.Dispute),
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateAdvert publishes a new advertisement with a 24h expiry.
func (s *Service) CreateAdvert(req CreateAdvertRequest) model.Advert {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	ad := &model.Advert{
		ID:             uuid.New().String(),
		Advertiser:     req.Advertiser,
		Side:           req.Side,
		CryptoSymbol:   req.CryptoSymbol,
		FiatCurrency:   req.FiatCurrency,
		Price:          req.Price,
		Available:      req.Available,
		MinLimit:       req.MinLimit,
		MaxLimit:       req.MaxLimit,
		PaymentMethods: req.PaymentMethods,
		Terms:          req.Terms,
		Status:         model.OrderOpen,
		CreatedAt:      now,
		ExpiresAt:      now.Add(advertTTL),
		Tags:           req.Tags,
	}
	s.adverts[ad.ID] = ad
	s.bySymbol[ad.CryptoSymbol] = append([]*model.Advert{ad}, s.bySymbol[ad.CryptoSymbol]...)
	return *ad
}

// Adverts returns tradable advertisements (open or partially consumed)
// for a crypto symbol, optionally filtered by side, sorted by price
// descending.
func (s *Service) Adverts(cryptoSymbol string, side model.Side) []model.Advert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Advert
	for _, ad := range s.bySymbol[cryptoSymbol] {
		if ad.Status != model.OrderOpen && ad.Status != model.OrderPartial {
			continue
		}
		if side != "" && ad.Side != side {
			continue
		}
		out = append(out, *ad)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out
}

// Advert returns one advertisement by id.
func (s *Service) Advert(id string) (model.Advert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ad, ok := s.adverts[id]
	if !ok {
		return model.Advert{}, ErrAdvertNotFound
	}
	return *ad, nil
}

// StartTrade opens a pending trade against an advertisement. The advert's
// available inventory is compare-and-decremented in the same critical
// section, so two concurrent trades cannot double-book liquidity. Buyer
// and seller are assigned from the advert side: on a sell advert the
// advertiser sells and the counterparty buys, and vice versa.
func (s *Service) StartTrade(req StartTradeRequest) (model.P2PTrade, error) {
	s.mu.Lock()

	ad, ok := s.adverts[req.AdvertID]
	if !ok {
		s.mu.Unlock()
		return model.P2PTrade{}, ErrAdvertNotFound
	}
	if ad.Status != model.OrderOpen && ad.Status != model.OrderPartial {
		s.mu.Unlock()
		return model.P2PTrade{}, ErrAdvertClosed
	}
	if req.Amount.LessThan(ad.MinLimit) || req.Amount.GreaterThan(ad.MaxLimit) {
		s.mu.Unlock()
		return model.P2PTrade{}, ErrAmountOutOfRange
	}
	if req.Amount.GreaterThan(ad.Available) {
		s.mu.Unlock()
		return model.P2PTrade{}, ErrInsufficientInventory
	}

	ad.Available = ad.Available.Sub(req.Amount)
	if ad.Available.IsZero() {
		ad.Status = model.OrderCompleted
	} else {
		ad.Status = model.OrderPartial
	}

	buyer, seller := req.Counterparty, ad.Advertiser
	if ad.Side == model.SideBuy {
		buyer, seller = ad.Advertiser, req.Counterparty
	}

	now := s.now().UTC()
	trade := &model.P2PTrade{
		ID:            uuid.New().String(),
		AdvertID:      ad.ID,
		Buyer:         buyer,
		Seller:        seller,
		CryptoSymbol:  ad.CryptoSymbol,
		CryptoAmount:  req.Amount,
		FiatCurrency:  ad.FiatCurrency,
		FiatAmount:    req.Amount.Mul(ad.Price),
		Price:         ad.Price,
		PaymentMethod: req.PaymentMethod,
		Status:        model.TradePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(tradeTTL),
		ChatID:        uuid.New().String(),
		EscrowID:      uuid.New().String(),
	}
	s.trades[trade.ID] = trade
	s.chats[trade.ID] = nil

	snapshot := *trade
	s.mu.Unlock()

	s.bus.Publish(pubsub.Topic(Scope, EventNewTrade), snapshot)
	return snapshot, nil
}

// Trade returns one trade by id.
func (s *Service) Trade(id string) (model.P2PTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.trades[id]
	if !ok {
		return model.P2PTrade{}, ErrTradeNotFound
	}
	return *trade, nil
}

// TransitionTrade moves a trade to the next lifecycle status. Illegal
// moves (anything not reachable from the current status) are rejected
// with ErrInvalidTransition. Each applied transition stamps the relevant
// timestamp, appends a system chat message and publishes tradeUpdate.
func (s *Service) TransitionTrade(tradeID string, next model.TradeStatus) (model.P2PTrade, error) {
	return s.transition(tradeID, next, systemMessageFor(next))
}

func (s *Service) transition(tradeID string, next model.TradeStatus, sysMsg string) (model.P2PTrade, error) {
	s.mu.Lock()

	trade, ok := s.trades[tradeID]
	if !ok {
		s.mu.Unlock()
		return model.P2PTrade{}, ErrTradeNotFound
	}
	if !canTransition(trade.Status, next) {
		cur := trade.Status
		s.mu.Unlock()
		return model.P2PTrade{}, &TransitionError{From: cur, To: next}
	}

	now := s.now().UTC()
	trade.Status = next
	switch next {
	case model.TradePaid:
		trade.PaidAt = &now
	case model.TradeConfirmed:
		trade.ConfirmedAt = &now
	case model.TradeCompleted:
		trade.CompletedAt = &now
	}

	msg := s.appendMessageLocked(trade, "system", "System", sysMsg, model.MessageSystem, "")
	snapshot := *trade
	s.mu.Unlock()

	s.bus.Publish(pubsub.Topic(Scope, EventNewMessage), msg)
	s.bus.Publish(pubsub.Topic(Scope, EventTradeUpdate), snapshot)
	return snapshot, nil
}

// TransitionError wraps ErrInvalidTransition with the attempted move.
type TransitionError struct {
	From model.TradeStatus
	To   model.TradeStatus
}

func (e *TransitionError) Error() string {
	return "p2p: invalid status transition: " + string(e.From) + " -> " + string(e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// appendMessageLocked appends a chat message to the trade's thread.
// Caller holds the service mutex.
func (s *Service) appendMessageLocked(trade *model.P2PTrade, senderID, senderName, text string, typ model.MessageType, imageURL string) model.ChatMessage {
	msg := model.ChatMessage{
		ID:         uuid.New().String(),
		TradeID:    trade.ID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  s.now().UTC(),
		Type:       typ,
		ImageURL:   imageURL,
	}
	s.chats[trade.ID] = append(s.chats[trade.ID], msg)
	return msg
}

// SendMessage appends a chat message to a trade's thread and publishes
// newMessage.
func (s *Service) SendMessage(tradeID, userID, userName, text string, typ model.MessageType, imageURL string) (model.ChatMessage, error) {
	s.mu.Lock()

	trade, ok := s.trades[tradeID]
	if !ok {
		s.mu.Unlock()
		return model.ChatMessage{}, ErrTradeNotFound
	}
	if typ == "" {
		typ = model.MessageText
	}
	msg := s.appendMessageLocked(trade, userID, userName, text, typ, imageURL)
	s.mu.Unlock()

	s.bus.Publish(pubsub.Topic(Scope, EventNewMessage), msg)
	return msg, nil
}

// ChatMessages returns the trade's thread in exact append order.
func (s *Service) ChatMessages(tradeID string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[tradeID]; !ok {
		return nil, ErrTradeNotFound
	}
	out := make([]model.ChatMessage, len(s.chats[tradeID]))
	copy(out, s.chats[tradeID])
	return out, nil
}

// MarkMessagesRead marks every message not authored by userID as read.
func (s *Service) MarkMessagesRead(tradeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[tradeID]; !ok {
		return ErrTradeNotFound
	}
	msgs := s.chats[tradeID]
	for i := range msgs {
		if msgs[i].SenderID != userID {
			msgs[i].Read = true
		}
	}
	return nil
}

// CreateDispute raises a dispute, forces the trade to disputed (legal
// from pending, paid and confirmed) and records a system message
// containing the reason. No resolution workflow exists; disputed is
// terminal.
func (s *Service) CreateDispute(tradeID, userID, reason string, evidence []string) (model.Dispute, error) {
	trade, err := s.transition(tradeID, model.TradeDisputed,
		"Dispute opened: "+reason)
	if err != nil {
		return model.Dispute{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := &model.Dispute{
		ID:        uuid.New().String(),
		TradeID:   trade.ID,
		RaisedBy:  userID,
		Reason:    reason,
		Evidence:  evidence,
		Status:    model.DisputeOpen,
		CreatedAt: s.now().UTC(),
	}
	s.disputes[d.ID] = d
	return *d, nil
}

// AddRating appends a rating record. No aggregation into the rated
// user's displayed rating occurs.
func (s *Service) AddRating(tradeID, fromUserID, toUserID string, score decimal.Decimal, comment string) (model.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[tradeID]; !ok {
		return model.Rating{}, ErrTradeNotFound
	}
	r := model.Rating{
		TradeID:    tradeID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Score:      score,
		Comment:    comment,
		CreatedAt:  s.now().UTC(),
	}
	s.ratings = append(s.ratings, r)
	return r, nil
}

// Ratings returns all ratings recorded for a user, newest last.
func (s *Service) Ratings(userID string) []model.Rating {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Rating
	for _, r := range s.ratings {
		if r.ToUserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// ExpireSweep cancels advertisements past their expiry and pending trades
// past theirs, appending the usual system message per cancelled trade.
// Returns the number of adverts and trades cancelled.
func (s *Service) ExpireSweep(now time.Time) (adverts, trades int) {
	s.mu.Lock()

	for _, ad := range s.adverts {
		if (ad.Status == model.OrderOpen || ad.Status == model.OrderPartial) && now.After(ad.ExpiresAt) {
			ad.Status = model.OrderCancelled
			adverts++
		}
	}

	var expired []string
	for id, trade := range s.trades {
		if trade.Status == model.TradePending && now.After(trade.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if _, err := s.transition(id, model.TradeCancelled,
			"Trade expired without payment and was cancelled."); err == nil {
			trades++
		}
	}
	return adverts, trades
}
