package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"paneltrader/internal/core"
)

// RESTSource polls a ticker endpoint. A token-bucket limiter caps the
// request rate so trigger watching cannot hammer the venue.
type RESTSource struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  core.ILogger
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewRESTSource creates the polled fallback source
func NewRESTSource(baseURL string, requestsPerSecond float64, logger core.ILogger) *RESTSource {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &RESTSource{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger.WithField("component", "rest_feed"),
	}
}

// GetPrice fetches the current ticker price for the symbol
func (s *RESTSource) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker request failed: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("ticker request failed: status=%d body=%s", resp.StatusCode(), resp.String())
	}

	var ticker tickerResponse
	if err := json.Unmarshal(resp.Body(), &ticker); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker response: %w", err)
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid ticker price %q", ticker.Price)
	}
	return price, nil
}

var _ core.PriceFeed = (*RESTSource)(nil)
