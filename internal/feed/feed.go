package feed

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
)

const anomalyWindowSize = 12

// TieredConfig bounds the anomaly filter
type TieredConfig struct {
	MaxJumpPercent decimal.Decimal // reject prices this far from the recent average
}

// Tiered tries the streaming source first, the REST source second, and the
// last accepted price as the final fallback. Every candidate passes the
// anomaly filter before callers see it; an anomalous price is an error, not
// a silently substituted value.
type Tiered struct {
	cfg     TieredConfig
	primary core.PriceFeed
	backup  core.PriceFeed
	logger  core.ILogger

	mu       sync.Mutex
	window   []decimal.Decimal
	lastGood decimal.Decimal
	lastAt   time.Time
}

// NewTiered composes the tiered feed. Either source may be nil.
func NewTiered(cfg TieredConfig, primary, backup core.PriceFeed, logger core.ILogger) *Tiered {
	return &Tiered{
		cfg:     cfg,
		primary: primary,
		backup:  backup,
		logger:  logger.WithField("component", "price_feed"),
	}
}

// GetPrice returns the current vetted price for the symbol
func (t *Tiered) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if t.primary != nil {
		if price, err := t.primary.GetPrice(ctx, symbol); err == nil {
			return t.vet(price)
		}
	}
	if t.backup != nil {
		price, err := t.backup.GetPrice(ctx, symbol)
		if err == nil {
			t.logger.Debug("Streamed price unavailable, used REST fallback", "symbol", symbol)
			return t.vet(price)
		}
		t.logger.Warn("REST price fallback failed", "symbol", symbol, "error", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastGood.IsPositive() {
		t.logger.Warn("All price sources failed, using last known good price",
			"symbol", symbol, "price", t.lastGood, "age", time.Since(t.lastAt))
		return t.lastGood, nil
	}
	return decimal.Zero, apperrors.ErrPriceUnavailable
}

// vet applies the anomaly filter and records accepted prices
func (t *Tiered) vet(price decimal.Decimal) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if avg := t.windowAverage(); avg.IsPositive() && t.cfg.MaxJumpPercent.IsPositive() {
		jump := price.Sub(avg).Abs().Div(avg).Mul(decimal.NewFromInt(100))
		if jump.GreaterThan(t.cfg.MaxJumpPercent) {
			t.logger.Warn("Rejecting anomalous price",
				"price", price, "recent_avg", avg, "jump_percent", jump.StringFixed(2))
			return decimal.Zero, apperrors.ErrPriceAnomaly
		}
	}

	t.window = append(t.window, price)
	if len(t.window) > anomalyWindowSize {
		t.window = t.window[1:]
	}
	t.lastGood = price
	t.lastAt = time.Now()
	return price, nil
}

func (t *Tiered) windowAverage() decimal.Decimal {
	if len(t.window) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range t.window {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(len(t.window))))
}

var _ core.PriceFeed = (*Tiered)(nil)
