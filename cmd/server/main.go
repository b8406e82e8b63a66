package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dsw/trade-engine/internal/api"
	"github.com/dsw/trade-engine/internal/exchange"
	"github.com/dsw/trade-engine/internal/limits"
	"github.com/dsw/trade-engine/internal/marketdata"
	"github.com/dsw/trade-engine/internal/metrics"
	"github.com/dsw/trade-engine/internal/model"
	"github.com/dsw/trade-engine/internal/p2p"
	"github.com/dsw/trade-engine/internal/pubsub"
)

// seedPairs are the trading pairs available at startup. Base prices seed
// the synthetic 24h stats until real trades happen.
func seedPairs() []model.TradingPair {
	d := decimal.NewFromInt
	return []model.TradingPair{
		{Symbol: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT", BasePrice: d(43250)},
		{Symbol: "ETH/USDT", BaseAsset: "ETH", QuoteAsset: "USDT", BasePrice: d(2280)},
		{Symbol: "BNB/USDT", BaseAsset: "BNB", QuoteAsset: "USDT", BasePrice: d(315)},
		{Symbol: "SOL/USDT", BaseAsset: "SOL", QuoteAsset: "USDT", BasePrice: d(98)},
	}
}

func envDecimal(name string, fallback int64) decimal.Decimal {
	if v := os.Getenv(name); v != "" {
		if dec, err := decimal.NewFromString(v); err == nil && dec.IsPositive() {
			return dec
		}
		slog.Warn("ignoring invalid decimal env var", "name", name, "value", v)
	}
	return decimal.NewFromInt(fallback)
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
		slog.Warn("ignoring invalid duration env var", "name", name, "value", v)
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event bus and engines ---
	bus := pubsub.New()
	pairs := seedPairs()
	ex := exchange.New(bus, pairs)
	p2pSvc := p2p.New(bus)

	// --- Open-notional limits ---
	maxPerPair := envDecimal("MAX_NOTIONAL_PER_PAIR", 1_000_000)
	maxTotal := envDecimal("MAX_NOTIONAL_TOTAL", 5_000_000)
	limiter := limits.NewOrderLimiter(maxPerPair, maxTotal)

	// --- Market data client (optional) ---
	var market *marketdata.Client
	if upstream := os.Getenv("MARKET_DATA_URL"); upstream != "" {
		var cache marketdata.Cache
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cache = marketdata.NewRedisCache(rdb)
			slog.Info("Redis market data cache enabled")
		} else {
			cache = marketdata.NewMemoryCache()
		}
		market = marketdata.NewClient(upstream, cache, marketdata.DefaultTTL)
		slog.Info("market data enabled", "upstream", upstream)
	} else {
		slog.Warn("MARKET_DATA_URL not set, /market/prices will be unavailable")
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	for _, pair := range pairs {
		wsHub.BindBus(bus, pair.Symbol, exchange.EventOrderBookUpdate, exchange.EventNewTrade)
	}
	wsHub.BindBus(bus, p2p.Scope, p2p.EventNewTrade, p2p.EventNewMessage, p2p.EventTradeUpdate)

	// Execution counters ride the same bus as the WebSocket feed.
	for _, pair := range pairs {
		pair := pair
		bus.Subscribe(pubsub.Topic(pair.Symbol, exchange.EventNewTrade), func(payload any) {
			metrics.TradesMatched.WithLabelValues(pair.Symbol).Inc()
			if tr, ok := payload.(model.Trade); ok {
				metrics.MatchedVolume.WithLabelValues(pair.Symbol).Add(tr.Amount.InexactFloat64())
			}
		})
	}

	// --- Expiry sweeper ---
	sweepEvery := envDuration("SWEEP_INTERVAL_SECONDS", time.Minute)
	go func() {
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for range ticker.C {
			ads, trades := p2pSvc.ExpireSweep(time.Now())
			if ads > 0 || trades > 0 {
				slog.Info("expiry sweep", "adverts_closed", ads, "trades_cancelled", trades)
			}
		}
	}()

	// --- HTTP router ---
	srv := api.NewServer(ex, p2pSvc, limiter, market)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Get("/api/v1/ws", wsHub.HandleWS)
	r.Mount("/api/v1", srv.Routes())

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", port, "pairs", len(pairs))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}
