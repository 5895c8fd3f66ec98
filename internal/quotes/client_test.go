package quotes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a Client configured to use it.
func setupTestServer(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)

	c := &Client{
		client:   resty.New().SetBaseURL(server.URL),
		apiToken: "test_token",
		logger:   zap.NewNop(),
		limiter:  rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
	}

	return c, server
}

func TestLookup(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/stock/NFLX/quote", r.URL.Path)
			assert.Equal(t, "test_token", r.URL.Query().Get("token"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"symbol":"NFLX","companyName":"Netflix, Inc.","latestPrice":485.31}`))
		})

		c, server := setupTestServer(handler)
		defer server.Close()

		quote, err := c.Lookup(context.Background(), "nflx")

		assert.NoError(t, err)
		assert.Equal(t, "NFLX", quote.Symbol)
		assert.Equal(t, "Netflix, Inc.", quote.Name)
		assert.True(t, quote.Price.Equal(decimal.NewFromFloat(485.31)))
	})

	t.Run("UnknownSymbol", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		c, server := setupTestServer(handler)
		defer server.Close()

		_, err := c.Lookup(context.Background(), "NOPE")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("EmptySymbol", func(t *testing.T) {
		c, server := setupTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request should be made for an empty symbol")
		}))
		defer server.Close()

		_, err := c.Lookup(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("APIError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})

		c, server := setupTestServer(handler)
		defer server.Close()

		_, err := c.Lookup(context.Background(), "AAPL")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}
