package quotes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"stock-trading-sim-go/internal/config"
)

// ErrNotFound is returned when the market data API does not recognise a symbol.
var ErrNotFound = errors.New("symbol not found")

// Quote is the current market state for a single symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"companyName"`
	Price  decimal.Decimal `json:"latestPrice"`
}

// ClientInterface defines the interface for the market data client.
// Lookup must hit the API fresh on every call; prices are never cached
// because every trade executes at the price current at that moment.
type ClientInterface interface {
	Lookup(ctx context.Context, symbol string) (*Quote, error)
}

// Client is a client for the market data REST API.
// It implements ClientInterface.
type Client struct {
	client   *resty.Client
	apiToken string
	logger   *zap.Logger
	limiter  *rate.Limiter
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new market data API client.
func NewClient(cfg *config.Quotes, logger *zap.Logger) *Client {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// Initialize the rate limiter
	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:   client,
		apiToken: cfg.ApiToken,
		logger:   logger,
		limiter:  limiter,
	}
}

// Lookup fetches the current quote for a symbol.
// Unknown symbols are reported as ErrNotFound; any other failure means the
// market data source was unreachable and the caller should abort.
func (c *Client) Lookup(ctx context.Context, symbol string) (*Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrNotFound
	}

	var quote Quote
	req := c.client.R().
		SetContext(ctx).
		SetResult(&quote).
		SetQueryParam("token", c.apiToken).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, "GET", "/stock/"+symbol+"/quote", req)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up quote for %s: %w", symbol, err)
	}

	result := resp.Result().(*Quote)
	result.Symbol = symbol
	return result, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusNotFound {
				// The API answers 404 for symbols it does not track.
				return nil, ErrNotFound
			}
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
