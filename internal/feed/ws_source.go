// Package feed provides the tiered price feed: a streaming primary source,
// a polled REST fallback and a last-known-good value behind both.
package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
	"paneltrader/pkg/websocket"
)

type tickedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// wsTick covers the common ticker payload shapes: trade streams carry the
// price under "p", mini-ticker streams under "c".
type wsTick struct {
	Price string `json:"p"`
	Close string `json:"c"`
}

// WSSource holds the most recent streamed price. It never blocks a caller:
// reads are a single atomic load and staleness is decided at read time.
type WSSource struct {
	client     *websocket.Client
	staleAfter time.Duration
	logger     core.ILogger

	last atomic.Value // holds tickedPrice
}

// NewWSSource creates the streaming source for one symbol stream URL
func NewWSSource(url string, staleAfter time.Duration, logger core.ILogger) *WSSource {
	s := &WSSource{
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "ws_feed"),
	}
	s.client = websocket.NewClient(url, s.handleMessage, s.logger)
	return s
}

// Start begins streaming
func (s *WSSource) Start() {
	s.client.Start()
}

// Stop tears the stream down
func (s *WSSource) Stop() {
	s.client.Stop()
}

func (s *WSSource) handleMessage(message []byte) {
	var tick wsTick
	if err := json.Unmarshal(message, &tick); err != nil {
		s.logger.Debug("Dropping unparseable tick", "error", err)
		return
	}
	raw := tick.Price
	if raw == "" {
		raw = tick.Close
	}
	if raw == "" {
		return
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		s.logger.Debug("Dropping invalid tick price", "raw", raw)
		return
	}
	s.last.Store(tickedPrice{price: price, at: time.Now()})
}

// GetPrice returns the last streamed price when it is fresh enough
func (s *WSSource) GetPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	v := s.last.Load()
	if v == nil {
		return decimal.Zero, apperrors.ErrPriceUnavailable
	}
	tick := v.(tickedPrice)
	if s.staleAfter > 0 && time.Since(tick.at) > s.staleAfter {
		return decimal.Zero, apperrors.ErrPriceUnavailable
	}
	return tick.price, nil
}

var _ core.PriceFeed = (*WSSource)(nil)
