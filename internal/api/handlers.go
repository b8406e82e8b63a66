// Package api exposes the exchange engine and the P2P simulator over a
// JSON HTTP surface, plus the WebSocket event feed. The engines stay
// plain in-process libraries; this layer owns input validation, error
// mapping and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dsw/trade-engine/internal/exchange"
	"github.com/dsw/trade-engine/internal/limits"
	"github.com/dsw/trade-engine/internal/marketdata"
	"github.com/dsw/trade-engine/internal/metrics"
	"github.com/dsw/trade-engine/internal/model"
	"github.com/dsw/trade-engine/internal/p2p"
)

// Server holds the handler dependencies.
type Server struct {
	exchange *exchange.Engine
	p2p      *p2p.Service
	limiter  *limits.OrderLimiter
	market   *marketdata.Client // nil when no upstream is configured
}

// NewServer creates the API server. market may be nil.
func NewServer(ex *exchange.Engine, p2pSvc *p2p.Service, limiter *limits.OrderLimiter, market *marketdata.Client) *Server {
	return &Server{exchange: ex, p2p: p2pSvc, limiter: limiter, market: market}
}

// Routes returns the /api/v1 route tree (without the WebSocket endpoint,
// which the hub owns).
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/pairs", s.ListPairs)
	r.Get("/orderbook/{base}/{quote}", s.GetOrderBook)
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders", s.ListOrders)
	r.Delete("/orders/{orderID}", s.CancelOrder)
	r.Get("/trades/{base}/{quote}", s.ListTrades)

	r.Route("/p2p", func(r chi.Router) {
		r.Get("/adverts", s.ListAdverts)
		r.Post("/adverts", s.CreateAdvert)
		r.Get("/adverts/{advertID}", s.GetAdvert)
		r.Get("/users/{userID}/ratings", s.ListRatings)
		r.Post("/trades", s.StartTrade)
		r.Get("/trades/{tradeID}", s.GetTrade)
		r.Post("/trades/{tradeID}/transition", s.TransitionTrade)
		r.Get("/trades/{tradeID}/messages", s.ListMessages)
		r.Post("/trades/{tradeID}/messages", s.SendMessage)
		r.Post("/trades/{tradeID}/messages/read", s.MarkMessagesRead)
		r.Post("/trades/{tradeID}/disputes", s.CreateDispute)
		r.Post("/trades/{tradeID}/ratings", s.AddRating)
	})

	r.Get("/market/prices", s.MarketPrices)

	return r
}

// --- Exchange handlers ---

// ListPairs handles GET /api/v1/pairs
func (s *Server) ListPairs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exchange.Pairs())
}

// GetOrderBook handles GET /api/v1/orderbook/{base}/{quote}
func (s *Server) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
	if _, _, err := model.ParsePairSymbol(symbol); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.exchange.OrderBook(symbol, queryInt(r, "limit")))
}

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	UserID string          `json:"user_id"`
	Pair   string          `json:"pair"`
	Side   model.Side      `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// PlaceOrder handles POST /api/v1/orders
// Validates input, enforces open-notional limits, then hands the order to
// the matching engine.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if _, _, err := model.ParsePairSymbol(req.Pair); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	notional := req.Price.Mul(req.Amount)
	if err := s.limiter.Check(req.Pair, notional, s.exchange.OpenNotional(req.UserID)); err != nil {
		metrics.LimitRejections.Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	order := s.exchange.PlaceOrder(exchange.PlaceOrderRequest{
		UserID: req.UserID,
		Pair:   req.Pair,
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	metrics.OrdersPlaced.WithLabelValues(string(req.Side)).Inc()

	slog.Info("order placed",
		"order_id", order.ID,
		"user", order.UserID,
		"pair", order.Pair,
		"side", order.Side,
		"price", order.Price.String(),
		"amount", order.Amount.String(),
		"status", order.Status,
	)

	writeJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders?user_id=&pair=
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	orders := s.exchange.UserOrders(userID, r.URL.Query().Get("pair"))
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	order, err := s.exchange.CancelOrder(chi.URLParam(r, "orderID"), userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListTrades handles GET /api/v1/trades/{base}/{quote}
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
	trades := s.exchange.RecentTrades(symbol, queryInt(r, "limit"))
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- P2P handlers ---

// ListAdverts handles GET /api/v1/p2p/adverts?symbol=&side=
func (s *Server) ListAdverts(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	side := model.Side(r.URL.Query().Get("side"))
	if side != "" && !side.Valid() {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	ads := s.p2p.Adverts(strings.ToUpper(symbol), side)
	if ads == nil {
		ads = []model.Advert{}
	}
	writeJSON(w, http.StatusOK, ads)
}

// CreateAdvertRequest is the JSON body for POST /api/v1/p2p/adverts.
type CreateAdvertRequest struct {
	Advertiser     model.UserRef   `json:"advertiser"`
	Side           model.Side      `json:"side"`
	CryptoSymbol   string          `json:"crypto_symbol"`
	FiatCurrency   string          `json:"fiat_currency"`
	Price          decimal.Decimal `json:"price"`
	Available      decimal.Decimal `json:"available"`
	MinLimit       decimal.Decimal `json:"min_limit"`
	MaxLimit       decimal.Decimal `json:"max_limit"`
	PaymentMethods []string        `json:"payment_methods"`
	Terms          string          `json:"terms"`
	Tags           []string        `json:"tags"`
}

// CreateAdvert handles POST /api/v1/p2p/adverts
func (s *Server) CreateAdvert(w http.ResponseWriter, r *http.Request) {
	var req CreateAdvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch {
	case req.Advertiser.ID == "":
		writeError(w, "advertiser.id is required", http.StatusBadRequest)
	case !req.Side.Valid():
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
	case req.CryptoSymbol == "" || req.FiatCurrency == "":
		writeError(w, "crypto_symbol and fiat_currency are required", http.StatusBadRequest)
	case !req.Price.IsPositive() || !req.Available.IsPositive():
		writeError(w, "price and available must be positive", http.StatusBadRequest)
	case !req.MinLimit.IsPositive() || req.MaxLimit.LessThan(req.MinLimit):
		writeError(w, "limits must satisfy 0 < min_limit <= max_limit", http.StatusBadRequest)
	default:
		ad := s.p2p.CreateAdvert(p2p.CreateAdvertRequest{
			Advertiser:     req.Advertiser,
			Side:           req.Side,
			CryptoSymbol:   strings.ToUpper(req.CryptoSymbol),
			FiatCurrency:   strings.ToUpper(req.FiatCurrency),
			Price:          req.Price,
			Available:      req.Available,
			MinLimit:       req.MinLimit,
			MaxLimit:       req.MaxLimit,
			PaymentMethods: req.PaymentMethods,
			Terms:          req.Terms,
			Tags:           req.Tags,
		})
		writeJSON(w, http.StatusCreated, ad)
	}
}

// GetAdvert handles GET /api/v1/p2p/adverts/{advertID}
func (s *Server) GetAdvert(w http.ResponseWriter, r *http.Request) {
	ad, err := s.p2p.Advert(chi.URLParam(r, "advertID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, ad)
}

// ListRatings handles GET /api/v1/p2p/users/{userID}/ratings
func (s *Server) ListRatings(w http.ResponseWriter, r *http.Request) {
	ratings := s.p2p.Ratings(chi.URLParam(r, "userID"))
	if ratings == nil {
		ratings = []model.Rating{}
	}
	writeJSON(w, http.StatusOK, ratings)
}

// StartTradeRequest is the JSON body for POST /api/v1/p2p/trades.
type StartTradeRequest struct {
	AdvertID      string          `json:"advert_id"`
	Counterparty  model.UserRef   `json:"counterparty"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

// StartTrade handles POST /api/v1/p2p/trades
func (s *Server) StartTrade(w http.ResponseWriter, r *http.Request) {
	var req StartTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AdvertID == "" || req.Counterparty.ID == "" {
		writeError(w, "advert_id and counterparty.id are required", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	trade, err := s.p2p.StartTrade(p2p.StartTradeRequest{
		AdvertID:      req.AdvertID,
		Counterparty:  req.Counterparty,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.P2PTradesStarted.Inc()

	slog.Info("p2p trade started",
		"trade_id", trade.ID,
		"advert_id", trade.AdvertID,
		"buyer", trade.Buyer.ID,
		"seller", trade.Seller.ID,
		"amount", trade.CryptoAmount.String(),
	)

	writeJSON(w, http.StatusCreated, trade)
}

// GetTrade handles GET /api/v1/p2p/trades/{tradeID}
func (s *Server) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.p2p.Trade(chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// TransitionTradeRequest is the JSON body for the transition endpoint.
type TransitionTradeRequest struct {
	Status model.TradeStatus `json:"status"`
}

var transitionTargets = map[model.TradeStatus]bool{
	model.TradePaid:      true,
	model.TradeConfirmed: true,
	model.TradeCompleted: true,
	model.TradeCancelled: true,
	model.TradeDisputed:  true,
}

// TransitionTrade handles POST /api/v1/p2p/trades/{tradeID}/transition
func (s *Server) TransitionTrade(w http.ResponseWriter, r *http.Request) {
	var req TransitionTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !transitionTargets[req.Status] {
		writeError(w, "unknown target status", http.StatusBadRequest)
		return
	}

	trade, err := s.p2p.TransitionTrade(chi.URLParam(r, "tradeID"), req.Status)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.P2PTransitions.WithLabelValues(string(req.Status)).Inc()
	writeJSON(w, http.StatusOK, trade)
}

// ListMessages handles GET /api/v1/p2p/trades/{tradeID}/messages
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.p2p.ChatMessages(chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessageRequest is the JSON body for posting a chat message.
type SendMessageRequest struct {
	UserID   string            `json:"user_id"`
	UserName string            `json:"user_name"`
	Text     string            `json:"text"`
	Type     model.MessageType `json:"type"`
	ImageURL string            `json:"image_url"`
}

// SendMessage handles POST /api/v1/p2p/trades/{tradeID}/messages
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Text == "" {
		writeError(w, "user_id and text are required", http.StatusBadRequest)
		return
	}

	msg, err := s.p2p.SendMessage(chi.URLParam(r, "tradeID"), req.UserID, req.UserName, req.Text, req.Type, req.ImageURL)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkMessagesRead handles POST /api/v1/p2p/trades/{tradeID}/messages/read
func (s *Server) MarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := s.p2p.MarkMessagesRead(chi.URLParam(r, "tradeID"), req.UserID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateDisputeRequest is the JSON body for opening a dispute.
type CreateDisputeRequest struct {
	UserID   string   `json:"user_id"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

// CreateDispute handles POST /api/v1/p2p/trades/{tradeID}/disputes
func (s *Server) CreateDispute(w http.ResponseWriter, r *http.Request) {
	var req CreateDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Reason == "" {
		writeError(w, "user_id and reason are required", http.StatusBadRequest)
		return
	}

	dispute, err := s.p2p.CreateDispute(chi.URLParam(r, "tradeID"), req.UserID, req.Reason, req.Evidence)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.P2PTransitions.WithLabelValues(string(model.TradeDisputed)).Inc()
	writeJSON(w, http.StatusCreated, dispute)
}

// AddRatingRequest is the JSON body for rating a counterparty.
type AddRatingRequest struct {
	FromUserID string          `json:"from_user_id"`
	ToUserID   string          `json:"to_user_id"`
	Score      decimal.Decimal `json:"score"`
	Comment    string          `json:"comment"`
}

// AddRating handles POST /api/v1/p2p/trades/{tradeID}/ratings
func (s *Server) AddRating(w http.ResponseWriter, r *http.Request) {
	var req AddRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.FromUserID == "" || req.ToUserID == "" {
		writeError(w, "from_user_id and to_user_id are required", http.StatusBadRequest)
		return
	}
	if req.Score.LessThan(decimal.NewFromInt(1)) || req.Score.GreaterThan(decimal.NewFromInt(5)) {
		writeError(w, "score must be between 1 and 5", http.StatusBadRequest)
		return
	}

	rating, err := s.p2p.AddRating(chi.URLParam(r, "tradeID"), req.FromUserID, req.ToUserID, req.Score, req.Comment)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

// --- Market data ---

// MarketPrices handles GET /api/v1/market/prices?ids=bitcoin,ethereum
func (s *Server) MarketPrices(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeError(w, "market data is not configured", http.StatusServiceUnavailable)
		return
	}
	ids := strings.Split(r.URL.Query().Get("ids"), ",")
	if len(ids) == 1 && ids[0] == "" {
		writeError(w, "ids is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	quotes, err := s.market.Quotes(ctx, ids)
	if err != nil {
		slog.Error("market data fetch failed", "err", err)
		writeError(w, "failed to fetch market data", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// --- Helpers ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, p2p.ErrAdvertNotFound),
		errors.Is(err, p2p.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrOrderClosed),
		errors.Is(err, p2p.ErrAdvertClosed),
		errors.Is(err, p2p.ErrInvalidTransition),
		errors.Is(err, p2p.ErrInsufficientInventory):
		return http.StatusConflict
	case errors.Is(err, p2p.ErrAmountOutOfRange),
		errors.Is(err, model.ErrInvalidPairSymbol):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
