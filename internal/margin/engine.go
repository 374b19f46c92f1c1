// Package margin implements the paper-trading margin engine: one account
// ledger, at most one open position, liquidation/TP/SL arithmetic.
package margin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
	"paneltrader/pkg/telemetry"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Config holds engine parameters. All values are validated upstream.
type Config struct {
	Symbol               string
	InitialBalance       decimal.Decimal
	MaxLeverage          decimal.Decimal
	LiquidationThreshold decimal.Decimal // fraction of margin lost at liquidation
	DefaultTPPercent     decimal.Decimal // vs entry, when no TP requested
	DefaultSLPercent     decimal.Decimal // vs entry, when no SL requested
	MaxLossPercent       decimal.Decimal // cap for auto-tightened stops, fraction of margin
	SafetyBuffer         decimal.Decimal // SL distance inside liquidation, fraction of entry-liq gap
	TradeHistoryLimit    int
	EquityHistoryLimit   int
}

// Engine owns the account ledger and the single open position. Open, Close,
// AddMargin, Reduce and CheckTriggers serialize through one mutex: position
// state has exactly one writer.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	feed   core.PriceFeed
	store  core.StateStore
	logger core.ILogger

	account  core.Account
	position *core.Position
	trades   []core.TradeRecord
	equity   []core.EquityPoint

	onClose func(pnl decimal.Decimal)
}

// NewEngine creates a margin engine with a fresh account
func NewEngine(cfg Config, feed core.PriceFeed, store core.StateStore, logger core.ILogger) *Engine {
	if cfg.SafetyBuffer.IsZero() {
		cfg.SafetyBuffer = decimal.NewFromFloat(0.05)
	}
	return &Engine{
		cfg:    cfg,
		feed:   feed,
		store:  store,
		logger: logger.WithField("component", "margin_engine"),
		account: core.Account{
			InitialBalance: cfg.InitialBalance,
			Balance:        cfg.InitialBalance,
			UsedMargin:     decimal.Zero,
			RealizedPnL:    decimal.Zero,
		},
	}
}

// SetMaxLeverage adjusts the leverage bound for subsequent opens
func (e *Engine) SetMaxLeverage(max decimal.Decimal) {
	if !max.IsPositive() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.MaxLeverage = max
}

// SetCloseCallback registers the close-outcome observer (circuit breaker)
func (e *Engine) SetCloseCallback(fn func(pnl decimal.Decimal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// RestoreState reloads account, position and history from the state store
func (e *Engine) RestoreState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.account = snap.Account
	e.position = snap.Position
	e.trades = snap.Trades
	e.equity = snap.Equity
	e.logger.Info("Restored state from store",
		"balance", e.account.Balance, "has_position", e.position != nil, "trades", len(e.trades))
	return nil
}

// OpenLong opens a long position
func (e *Engine) OpenLong(ctx context.Context, leverage, marginAmount, takeProfit, stopLoss decimal.Decimal) (*core.Position, error) {
	return e.open(ctx, core.DirectionLong, leverage, marginAmount, takeProfit, stopLoss)
}

// OpenShort opens a short position
func (e *Engine) OpenShort(ctx context.Context, leverage, marginAmount, takeProfit, stopLoss decimal.Decimal) (*core.Position, error) {
	return e.open(ctx, core.DirectionShort, leverage, marginAmount, takeProfit, stopLoss)
}

func (e *Engine) open(ctx context.Context, dir core.Direction, leverage, marginAmount, takeProfit, stopLoss decimal.Decimal) (*core.Position, error) {
	if !marginAmount.IsPositive() {
		return nil, fmt.Errorf("margin amount must be positive, got %s", marginAmount)
	}

	price, err := e.feed.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch entry price: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if leverage.LessThan(one) || leverage.GreaterThan(e.cfg.MaxLeverage) {
		return nil, fmt.Errorf("%w: requested %s, max %s", apperrors.ErrLeverageExceeded, leverage, e.cfg.MaxLeverage)
	}
	if e.position != nil {
		return nil, apperrors.ErrPositionExists
	}
	available := e.account.TrueAvailableMargin(decimal.Zero)
	if marginAmount.GreaterThan(available) {
		return nil, fmt.Errorf("%w: need %s, available %s", apperrors.ErrInsufficientMargin, marginAmount, available)
	}

	size := marginAmount.Mul(leverage).Div(price)
	liq := e.liquidationPrice(dir, price, size, marginAmount)
	tp := e.resolveTakeProfit(dir, price, takeProfit)
	sl, err := e.resolveStopLoss(dir, price, size, marginAmount, liq, stopLoss)
	if err != nil {
		return nil, err
	}

	e.account.Balance = e.account.Balance.Sub(marginAmount)
	e.account.UsedMargin = e.account.UsedMargin.Add(marginAmount)

	e.position = &core.Position{
		ID:               uuid.NewString(),
		Symbol:           e.cfg.Symbol,
		Direction:        dir,
		Size:             size,
		EntryPrice:       price,
		Leverage:         leverage,
		Margin:           marginAmount,
		TakeProfit:       tp,
		StopLoss:         sl,
		LiquidationPrice: liq,
		OpenedAt:         time.Now(),
	}

	e.appendEquityLocked(price)
	e.persistLocked(ctx)

	e.logger.Info("Opened position",
		"direction", dir, "entry", price, "size", size,
		"margin", marginAmount, "leverage", leverage,
		"tp", tp, "sl", sl, "liquidation", liq)
	return e.position, nil
}

// AddMargin increases the open position by committing additional margin at
// the current price and leverage, re-averaging the entry price.
func (e *Engine) AddMargin(ctx context.Context, amount decimal.Decimal) (*core.Position, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("add amount must be positive, got %s", amount)
	}

	price, err := e.feed.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch price: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.position == nil {
		return nil, apperrors.ErrNoPosition
	}
	pos := e.position
	available := e.account.TrueAvailableMargin(pos.UnrealizedPnL(price))
	if amount.GreaterThan(available) {
		return nil, fmt.Errorf("%w: need %s, available %s", apperrors.ErrInsufficientMargin, amount, available)
	}

	addSize := amount.Mul(pos.Leverage).Div(price)
	newSize := pos.Size.Add(addSize)
	newEntry := pos.EntryPrice.Mul(pos.Size).Add(price.Mul(addSize)).Div(newSize)
	newMargin := pos.Margin.Add(amount)

	pos.Size = newSize
	pos.EntryPrice = newEntry
	pos.Margin = newMargin
	pos.LiquidationPrice = e.liquidationPrice(pos.Direction, newEntry, newSize, newMargin)
	pos.TakeProfit = e.resolveTakeProfit(pos.Direction, newEntry, decimal.Zero)
	sl, err := e.resolveStopLoss(pos.Direction, newEntry, newSize, newMargin, pos.LiquidationPrice, pos.StopLoss)
	if err != nil {
		return nil, err
	}
	pos.StopLoss = sl

	e.account.Balance = e.account.Balance.Sub(amount)
	e.account.UsedMargin = e.account.UsedMargin.Add(amount)

	e.appendEquityLocked(price)
	e.persistLocked(ctx)

	e.logger.Info("Added to position",
		"amount", amount, "new_margin", newMargin, "new_entry", newEntry,
		"new_size", newSize, "liquidation", pos.LiquidationPrice)
	return pos, nil
}

// Close closes the full position at the current price
func (e *Engine) Close(ctx context.Context, reason string) (*core.CloseResult, error) {
	price, err := e.feed.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch exit price: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return nil, apperrors.ErrNoPosition
	}
	return e.closeLocked(ctx, price, one, reason), nil
}

// Reduce closes the given fraction of the position, realizing proportional
// PnL. A fraction of 1 or more is a full close.
func (e *Engine) Reduce(ctx context.Context, fraction decimal.Decimal, reason string) (*core.CloseResult, error) {
	if !fraction.IsPositive() {
		return nil, fmt.Errorf("reduce fraction must be positive, got %s", fraction)
	}
	if fraction.GreaterThan(one) {
		fraction = one
	}

	price, err := e.feed.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch exit price: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return nil, apperrors.ErrNoPosition
	}
	return e.closeLocked(ctx, price, fraction, reason), nil
}

// CheckTriggers compares the current anomaly-filtered price against TP, SL
// and liquidation thresholds and closes the position on any hit. The exit
// is booked at the threshold price, not the observed price.
func (e *Engine) CheckTriggers(ctx context.Context) (core.TriggerKind, *core.CloseResult, error) {
	e.mu.Lock()
	if e.position == nil {
		e.mu.Unlock()
		return core.TriggerNone, nil, nil
	}
	e.mu.Unlock()

	price, err := e.feed.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return core.TriggerNone, nil, fmt.Errorf("fetch trigger price: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position
	if pos == nil {
		return core.TriggerNone, nil, nil
	}

	kind, exit := triggerAt(pos, price)
	if kind == core.TriggerNone {
		e.appendEquityLocked(price)
		return core.TriggerNone, nil, nil
	}

	e.logger.Warn("Protective trigger hit",
		"kind", kind, "price", price, "threshold", exit, "direction", pos.Direction)
	res := e.closeLocked(ctx, exit, one, string(kind))
	return kind, res, nil
}

// triggerAt reports which threshold the price crossed and the booked exit
func triggerAt(pos *core.Position, price decimal.Decimal) (core.TriggerKind, decimal.Decimal) {
	if pos.Direction == core.DirectionLong {
		switch {
		case price.LessThanOrEqual(pos.LiquidationPrice):
			return core.TriggerLiquidation, pos.LiquidationPrice
		case !pos.StopLoss.IsZero() && price.LessThanOrEqual(pos.StopLoss):
			return core.TriggerStopLoss, pos.StopLoss
		case !pos.TakeProfit.IsZero() && price.GreaterThanOrEqual(pos.TakeProfit):
			return core.TriggerTakeProfit, pos.TakeProfit
		}
		return core.TriggerNone, decimal.Zero
	}
	switch {
	case price.GreaterThanOrEqual(pos.LiquidationPrice):
		return core.TriggerLiquidation, pos.LiquidationPrice
	case !pos.StopLoss.IsZero() && price.GreaterThanOrEqual(pos.StopLoss):
		return core.TriggerStopLoss, pos.StopLoss
	case !pos.TakeProfit.IsZero() && price.LessThanOrEqual(pos.TakeProfit):
		return core.TriggerTakeProfit, pos.TakeProfit
	}
	return core.TriggerNone, decimal.Zero
}

// closeLocked books a (partial) close at the given exit price. Caller holds
// the mutex and has verified a position exists.
func (e *Engine) closeLocked(ctx context.Context, exit, fraction decimal.Decimal, reason string) *core.CloseResult {
	pos := e.position

	closedSize := pos.Size.Mul(fraction)
	closedMargin := pos.Margin.Mul(fraction)

	var pnl decimal.Decimal
	if pos.Direction == core.DirectionLong {
		pnl = exit.Sub(pos.EntryPrice).Mul(closedSize)
	} else {
		pnl = pos.EntryPrice.Sub(exit).Mul(closedSize)
	}
	// A liquidation cannot take more than the committed margin
	if pnl.Neg().GreaterThan(closedMargin) {
		pnl = closedMargin.Neg()
	}

	e.account.Balance = e.account.Balance.Add(closedMargin).Add(pnl)
	e.account.UsedMargin = e.account.UsedMargin.Sub(closedMargin)
	e.account.RealizedPnL = e.account.RealizedPnL.Add(pnl)

	trade := core.TradeRecord{
		ID:         uuid.NewString(),
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Size:       closedSize,
		Margin:     closedMargin,
		Leverage:   pos.Leverage,
		PnL:        pnl,
		Reason:     reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   time.Now(),
	}
	e.trades = append(e.trades, trade)
	if len(e.trades) > e.cfg.TradeHistoryLimit {
		e.trades = e.trades[len(e.trades)-e.cfg.TradeHistoryLimit:]
	}

	if fraction.Equal(one) {
		e.position = nil
	} else {
		pos.Size = pos.Size.Sub(closedSize)
		pos.Margin = pos.Margin.Sub(closedMargin)
	}

	e.appendEquityLocked(exit)
	e.persistLocked(ctx)

	e.logger.Info("Closed position",
		"reason", reason, "exit", exit, "fraction", fraction, "pnl", pnl,
		"realized_total", e.account.RealizedPnL)

	if e.onClose != nil && fraction.Equal(one) {
		e.onClose(pnl)
	}
	return &core.CloseResult{Trade: trade, PnL: pnl}
}

// GetAccount returns a copy of the account ledger
func (e *Engine) GetAccount() core.Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// GetPosition returns a copy of the open position, or nil when flat
func (e *Engine) GetPosition() *core.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return nil
	}
	cp := *e.position
	return &cp
}

// GetTrades returns the bounded trade history, most recent last
func (e *Engine) GetTrades(limit int) []core.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.TradeRecord, n)
	copy(out, e.trades[len(e.trades)-n:])
	return out
}

// GetEquityHistory returns the bounded equity log, most recent last
func (e *Engine) GetEquityHistory(limit int) []core.EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.equity)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.EquityPoint, n)
	copy(out, e.equity[len(e.equity)-n:])
	return out
}

// liquidationPrice computes the price where losses consume the configured
// fraction of margin: entry -/+ (margin * threshold) / size.
func (e *Engine) liquidationPrice(dir core.Direction, entry, size, marginAmount decimal.Decimal) decimal.Decimal {
	liqLoss := marginAmount.Mul(e.cfg.LiquidationThreshold)
	if dir == core.DirectionLong {
		return entry.Sub(liqLoss.Div(size))
	}
	return entry.Add(liqLoss.Div(size))
}

func (e *Engine) resolveTakeProfit(dir core.Direction, entry, requested decimal.Decimal) decimal.Decimal {
	if !requested.IsZero() {
		return requested
	}
	if dir == core.DirectionLong {
		return entry.Mul(one.Add(e.cfg.DefaultTPPercent))
	}
	return entry.Mul(one.Sub(e.cfg.DefaultTPPercent))
}

// resolveStopLoss enforces the invariant that the stop loss triggers
// strictly before liquidation. A stop that would fire after liquidation is
// tightened to sit a safety buffer inside the liquidation price, capped so
// the realized loss cannot exceed MaxLossPercent of margin.
func (e *Engine) resolveStopLoss(dir core.Direction, entry, size, marginAmount, liq, requested decimal.Decimal) (decimal.Decimal, error) {
	if requested.IsZero() {
		if dir == core.DirectionLong {
			requested = entry.Mul(one.Sub(e.cfg.DefaultSLPercent))
		} else {
			requested = entry.Mul(one.Add(e.cfg.DefaultSLPercent))
		}
	}

	gap := entry.Sub(liq).Abs()
	buffer := gap.Mul(e.cfg.SafetyBuffer)
	maxLoss := marginAmount.Mul(e.cfg.MaxLossPercent)

	if dir == core.DirectionLong {
		floor := liq.Add(buffer)
		capped := entry.Sub(maxLoss.Div(size))
		tightened := decimal.Max(floor, capped)
		if requested.LessThanOrEqual(liq) {
			e.logger.Warn("Stop loss beyond liquidation, tightening",
				"requested", requested, "liquidation", liq, "tightened", tightened)
			return tightened, nil
		}
		if requested.LessThan(floor) {
			return tightened, nil
		}
		if requested.GreaterThanOrEqual(entry) {
			return decimal.Zero, fmt.Errorf("%w: stop %s at or above entry %s", apperrors.ErrInvalidStopLoss, requested, entry)
		}
		return requested, nil
	}

	ceil := liq.Sub(buffer)
	capped := entry.Add(maxLoss.Div(size))
	tightened := decimal.Min(ceil, capped)
	if requested.GreaterThanOrEqual(liq) {
		e.logger.Warn("Stop loss beyond liquidation, tightening",
			"requested", requested, "liquidation", liq, "tightened", tightened)
		return tightened, nil
	}
	if requested.GreaterThan(ceil) {
		return tightened, nil
	}
	if requested.LessThanOrEqual(entry) {
		return decimal.Zero, fmt.Errorf("%w: stop %s at or below entry %s", apperrors.ErrInvalidStopLoss, requested, entry)
	}
	return requested, nil
}

func (e *Engine) appendEquityLocked(price decimal.Decimal) {
	unrealized := e.position.UnrealizedPnL(price)
	eq := e.account.TotalEquity(unrealized)
	e.equity = append(e.equity, core.EquityPoint{Time: time.Now(), Equity: eq})
	if len(e.equity) > e.cfg.EquityHistoryLimit {
		e.equity = e.equity[len(e.equity)-e.cfg.EquityHistoryLimit:]
	}

	m := telemetry.GetGlobalMetrics()
	eqf, _ := eq.Float64()
	m.SetTotalEquity(e.cfg.Symbol, eqf)
	uf, _ := unrealized.Float64()
	m.SetUnrealizedPnL(e.cfg.Symbol, uf)
	var size float64
	if e.position != nil {
		size, _ = e.position.Size.Float64()
	}
	m.SetPositionSize(e.cfg.Symbol, size)
}

// persistLocked snapshots state to the store. Persistence failures are
// logged, not propagated: the in-memory ledger remains the source of truth.
func (e *Engine) persistLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap := &core.Snapshot{
		Account:  e.account,
		Position: e.position,
		Trades:   e.trades,
		Equity:   e.equity,
		SavedAt:  time.Now(),
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Error("Failed to persist snapshot", "error", err)
	}
}
