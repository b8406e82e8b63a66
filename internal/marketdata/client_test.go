package marketdata_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsw/trade-engine/internal/marketdata"
)

func newUpstream(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"bitcoin":  {"usd": 43250.5, "usd_24h_change": 1.23},
			"ethereum": {"usd": 2280.0,  "usd_24h_change": -0.5}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestQuotesFetchAndParse(t *testing.T) {
	hits := 0
	srv := newUpstream(t, &hits)
	c := marketdata.NewClient(srv.URL, marketdata.NewMemoryCache(), 0)

	quotes, err := c.Quotes(context.Background(), []string{"ethereum", "bitcoin"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	// Ids are normalized to sorted order.
	assert.Equal(t, "bitcoin", quotes[0].ID)
	assert.True(t, quotes[0].PriceUSD.InexactFloat64() == 43250.5)
	assert.Equal(t, "ethereum", quotes[1].ID)
	assert.True(t, quotes[1].Change24h.IsNegative())
}

func TestQuotesServedFromCache(t *testing.T) {
	hits := 0
	srv := newUpstream(t, &hits)
	c := marketdata.NewClient(srv.URL, marketdata.NewMemoryCache(), time.Minute)

	_, err := c.Quotes(context.Background(), []string{"bitcoin", "ethereum"})
	require.NoError(t, err)
	_, err = c.Quotes(context.Background(), []string{"ethereum", "bitcoin"})
	require.NoError(t, err)

	assert.Equal(t, 1, hits, "second call must be a cache hit")
}

func TestQuotesCacheExpiry(t *testing.T) {
	hits := 0
	srv := newUpstream(t, &hits)
	c := marketdata.NewClient(srv.URL, marketdata.NewMemoryCache(), time.Millisecond)

	_, err := c.Quotes(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.Quotes(context.Background(), []string{"bitcoin"})
	require.NoError(t, err)

	assert.Equal(t, 2, hits, "expired snapshot must be refetched")
}

func TestQuotesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := marketdata.NewClient(srv.URL, marketdata.NewMemoryCache(), 0)
	_, err := c.Quotes(context.Background(), []string{"bitcoin"})
	assert.Error(t, err)
}
