// Package marketdata is a read-only client for a public coin price API,
// cached for one minute per query. It feeds the app's price displays;
// nothing in the matching or P2P core depends on it.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTTL is how long a fetched snapshot stays valid.
const DefaultTTL = 60 * time.Second

// Quote is one coin's price snapshot.
type Quote struct {
	ID        string          `json:"id"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Change24h decimal.Decimal `json:"change_24h"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Client fetches quotes with a read-through cache in front of the remote
// API.
type Client struct {
	baseURL string
	httpc   *http.Client
	cache   Cache
	ttl     time.Duration
}

// NewClient creates a client for the given API base URL. ttl <= 0 falls
// back to DefaultTTL.
func NewClient(baseURL string, cache Cache, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		ttl:     ttl,
	}
}

// Quotes returns price snapshots for the given coin ids, served from
// cache when a snapshot for the same id set is fresh.
func (c *Client) Quotes(ctx context.Context, ids []string) ([]Quote, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	key := "marketdata:" + strings.Join(sorted, ",")

	if data, ok := c.cache.Get(ctx, key); ok {
		var quotes []Quote
		if json.Unmarshal(data, &quotes) == nil {
			return quotes, nil
		}
	}

	quotes, err := c.fetch(ctx, sorted)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(quotes); err == nil {
		c.cache.Set(ctx, key, data, c.ttl)
	}
	return quotes, nil
}

func (c *Client) fetch(ctx context.Context, ids []string) ([]Quote, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata: build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketdata: fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketdata: unexpected status %d", resp.StatusCode)
	}

	var body map[string]struct {
		USD       float64 `json:"usd"`
		Change24h float64 `json:"usd_24h_change"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("marketdata: decode response: %w", err)
	}

	now := time.Now().UTC()
	quotes := make([]Quote, 0, len(body))
	for _, id := range ids {
		entry, ok := body[id]
		if !ok {
			continue
		}
		quotes = append(quotes, Quote{
			ID:        id,
			PriceUSD:  decimal.NewFromFloat(entry.USD),
			Change24h: decimal.NewFromFloat(entry.Change24h).Round(4),
			FetchedAt: now,
		})
	}
	return quotes, nil
}
