package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserRef is read-only reference data about a participant, injected by
// callers. The simulator never persists or aggregates it.
type UserRef struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Verified       bool            `json:"verified"`
	Rating         decimal.Decimal `json:"rating"`
	TotalTrades    int             `json:"total_trades"`
	CompletionRate decimal.Decimal `json:"completion_rate"`
	JoinedAt       time.Time       `json:"joined_at"`
}

// Advert is a P2P advertisement to buy or sell crypto at a stated price,
// settled manually against a fiat payment method.
type Advert struct {
	ID             string          `json:"id"`
	Advertiser     UserRef         `json:"advertiser"`
	Side           Side            `json:"side"`
	CryptoSymbol   string          `json:"crypto_symbol"`
	FiatCurrency   string          `json:"fiat_currency"`
	Price          decimal.Decimal `json:"price"` // fiat per crypto unit
	Available      decimal.Decimal `json:"available"`
	MinLimit       decimal.Decimal `json:"min_limit"` // per-trade, crypto units
	MaxLimit       decimal.Decimal `json:"max_limit"`
	PaymentMethods []string        `json:"payment_methods"`
	Terms          string          `json:"terms"`
	Status         OrderStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Tags           []string        `json:"tags,omitempty"`
}

// TradeStatus is the lifecycle state of a P2P trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradePaid      TradeStatus = "paid"
	TradeConfirmed TradeStatus = "confirmed"
	TradeCompleted TradeStatus = "completed"
	TradeDisputed  TradeStatus = "disputed"
	TradeCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeDisputed || s == TradeCancelled
}

// P2PTrade is one counterparty-to-counterparty deal opened against an
// Advert, driven through the manual-settlement state machine.
type P2PTrade struct {
	ID            string          `json:"id"`
	AdvertID      string          `json:"advert_id"`
	Buyer         UserRef         `json:"buyer"`
	Seller        UserRef         `json:"seller"`
	CryptoSymbol  string          `json:"crypto_symbol"`
	CryptoAmount  decimal.Decimal `json:"crypto_amount"`
	FiatCurrency  string          `json:"fiat_currency"`
	FiatAmount    decimal.Decimal `json:"fiat_amount"` // crypto amount x advert price
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"payment_method"`
	Status        TradeStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ChatID        string          `json:"chat_id"`

	// EscrowID is allocated at trade creation but no custody logic acts
	// on it. Kept for wire compatibility with clients that display it.
	EscrowID string `json:"escrow_id"`
}

// MessageType of a chat message.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageSystem  MessageType = "system"
	MessagePayment MessageType = "payment"
)

// ChatMessage is one entry of a trade's append-only chat thread.
type ChatMessage struct {
	ID         string      `json:"id"`
	TradeID    string      `json:"trade_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Text       string      `json:"text"`
	Timestamp  time.Time   `json:"timestamp"`
	Read       bool        `json:"read"`
	Type       MessageType `json:"type"`
	ImageURL   string      `json:"image_url,omitempty"`
}

// DisputeStatus of a dispute record.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeCancelled DisputeStatus = "cancelled"
)

// Dispute is raised by either party of a trade. Terminal statuses are
// never transitioned back; no resolution workflow is implemented.
type Dispute struct {
	ID         string        `json:"id"`
	TradeID    string        `json:"trade_id"`
	RaisedBy   string        `json:"raised_by"`
	Reason     string        `json:"reason"`
	Evidence   []string      `json:"evidence"`
	Status     DisputeStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Rating is an append-only record of one user rating another after a
// trade. No aggregation into UserRef.Rating is performed.
type Rating struct {
	TradeID    string          `json:"trade_id"`
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Score      decimal.Decimal `json:"score"`
	Comment    string          `json:"comment"`
	CreatedAt  time.Time       `json:"created_at"`
}
