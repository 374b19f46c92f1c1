// Package trading validates consensus signals against position state and
// executes the resulting action through the backend.
package trading

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
)

var one = decimal.NewFromInt(1)

// ExecutorConfig holds sizing bounds for signal execution
type ExecutorConfig struct {
	MaxLeverage        decimal.Decimal
	MinPositionPercent decimal.Decimal
	MaxPositionPercent decimal.Decimal
	DefaultSizePercent decimal.Decimal
	MinAddAmount       decimal.Decimal
	ReduceFraction     decimal.Decimal // fraction closed by a reduce action
}

// Executor turns a validated signal into backend calls. All consistency
// checks run before any side effect; sizing always uses true available
// margin, never the raw cash balance.
type Executor struct {
	mu      sync.RWMutex
	cfg     ExecutorConfig
	backend core.Backend
	logger  core.ILogger
}

// NewExecutor creates a signal executor
func NewExecutor(cfg ExecutorConfig, backend core.Backend, logger core.ILogger) *Executor {
	if cfg.ReduceFraction.IsZero() {
		cfg.ReduceFraction = decimal.NewFromFloat(0.5)
	}
	return &Executor{
		cfg:     cfg,
		backend: backend,
		logger:  logger.WithField("component", "executor"),
	}
}

// SetLimits adjusts sizing bounds for subsequent executions. Zero values
// leave the corresponding bound unchanged.
func (x *Executor) SetLimits(maxLeverage, minPositionPct, maxPositionPct, defaultSizePct decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if maxLeverage.IsPositive() {
		x.cfg.MaxLeverage = maxLeverage
	}
	if minPositionPct.IsPositive() {
		x.cfg.MinPositionPercent = minPositionPct
	}
	if maxPositionPct.IsPositive() {
		x.cfg.MaxPositionPercent = maxPositionPct
	}
	if defaultSizePct.IsPositive() {
		x.cfg.DefaultSizePercent = defaultSizePct
	}
}

func (x *Executor) limits() ExecutorConfig {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cfg
}

// Execute validates and applies one signal. Rejections happen before any
// mutation; partial completions (reverse) are reported, never swallowed.
func (x *Executor) Execute(ctx context.Context, sig *core.TradingSignal, pc core.PositionContext) core.ExecutionResult {
	if reason := validate(sig.Direction, pc); reason != "" {
		x.logger.Warn("Signal rejected", "direction", sig.Direction, "reason", reason)
		return core.ExecutionResult{Status: core.ExecRejected, Action: string(sig.Direction), Details: reason}
	}

	switch sig.Direction {
	case core.SignalHold:
		return core.ExecutionResult{Status: core.ExecSuccess, Action: "hold", Details: sig.Rationale}
	case core.SignalLong:
		return x.open(ctx, core.DirectionLong, sig, pc)
	case core.SignalShort:
		return x.open(ctx, core.DirectionShort, sig, pc)
	case core.SignalAddLong, core.SignalAddShort:
		return x.add(ctx, sig, pc)
	case core.SignalReverseToLong:
		return x.reverse(ctx, core.DirectionLong, sig, pc)
	case core.SignalReverseToShort:
		return x.reverse(ctx, core.DirectionShort, sig, pc)
	case core.SignalClose:
		return x.close(ctx, "signal_close")
	case core.SignalReduceLong, core.SignalReduceShort:
		return x.reduce(ctx)
	default:
		return core.ExecutionResult{Status: core.ExecRejected, Action: string(sig.Direction), Details: "unknown signal direction"}
	}
}

// validate returns a human-readable rejection reason, or "" when the
// signal is consistent with the current position state.
func validate(dir core.SignalDirection, pc core.PositionContext) string {
	switch dir {
	case core.SignalLong, core.SignalShort:
		if pc.HasPosition {
			return fmt.Sprintf("open requires no position, currently %s", pc.Direction)
		}
	case core.SignalAddLong:
		if !pc.HasPosition || pc.Direction != core.DirectionLong {
			return fmt.Sprintf("%v: add_long requires an existing long position", apperrors.ErrDirectionMismatch)
		}
		if !pc.CanAdd {
			return "position has no room to add"
		}
	case core.SignalAddShort:
		if !pc.HasPosition || pc.Direction != core.DirectionShort {
			return fmt.Sprintf("%v: add_short requires an existing short position", apperrors.ErrDirectionMismatch)
		}
		if !pc.CanAdd {
			return "position has no room to add"
		}
	case core.SignalReverseToLong:
		if !pc.HasPosition || pc.Direction != core.DirectionShort {
			return fmt.Sprintf("%v: reverse_to_long requires an existing short position", apperrors.ErrDirectionMismatch)
		}
	case core.SignalReverseToShort:
		if !pc.HasPosition || pc.Direction != core.DirectionLong {
			return fmt.Sprintf("%v: reverse_to_short requires an existing long position", apperrors.ErrDirectionMismatch)
		}
	case core.SignalClose, core.SignalReduceLong, core.SignalReduceShort:
		if !pc.HasPosition {
			return "close requires an existing position"
		}
	}
	return ""
}

func (x *Executor) open(ctx context.Context, dir core.Direction, sig *core.TradingSignal, pc core.PositionContext) core.ExecutionResult {
	amount, err := x.openAmount(sig, pc)
	if err != nil {
		return core.ExecutionResult{Status: core.ExecRejected, Action: "open_" + string(dir), Details: err.Error()}
	}
	leverage := x.clampLeverage(sig.Leverage)

	var pos *core.Position
	if dir == core.DirectionLong {
		pos, err = x.backend.OpenLong(ctx, leverage, amount, sig.TakeProfit, sig.StopLoss)
	} else {
		pos, err = x.backend.OpenShort(ctx, leverage, amount, sig.TakeProfit, sig.StopLoss)
	}
	if err != nil {
		return core.ExecutionResult{Status: core.ExecError, Action: "open_" + string(dir), Details: err.Error()}
	}
	return core.ExecutionResult{
		Status: core.ExecSuccess,
		Action: "open_" + string(dir),
		Details: fmt.Sprintf("opened %s size=%s entry=%s margin=%s leverage=%s",
			dir, pos.Size, pos.EntryPrice, pos.Margin, pos.Leverage),
	}
}

func (x *Executor) add(ctx context.Context, sig *core.TradingSignal, pc core.PositionContext) core.ExecutionResult {
	minAdd := x.limits().MinAddAmount
	amount := pc.TotalEquity.Mul(x.sizePercent(sig))
	if amount.GreaterThan(pc.MaxAdditionalAmount) {
		amount = pc.MaxAdditionalAmount
	}
	if amount.LessThan(minAdd) {
		return core.ExecutionResult{
			Status:  core.ExecRejected,
			Action:  string(sig.Direction),
			Details: fmt.Sprintf("add amount %s below minimum %s", amount, minAdd),
		}
	}

	pos, err := x.backend.AddMargin(ctx, amount)
	if err != nil {
		return core.ExecutionResult{Status: core.ExecError, Action: string(sig.Direction), Details: err.Error()}
	}
	return core.ExecutionResult{
		Status: core.ExecSuccess,
		Action: string(sig.Direction),
		Details: fmt.Sprintf("added %s margin, position now size=%s margin=%s entry=%s",
			amount, pos.Size, pos.Margin, pos.EntryPrice),
	}
}

// reverse closes the current position and opens the opposite direction as
// two sequential steps. The close PnL is surfaced even when the reopen
// fails: partial completion is an explicit outcome, not an error to hide.
func (x *Executor) reverse(ctx context.Context, to core.Direction, sig *core.TradingSignal, pc core.PositionContext) core.ExecutionResult {
	action := "reverse_to_" + string(to)

	closed, err := x.backend.Close(ctx, "reverse")
	if err != nil {
		return core.ExecutionResult{Status: core.ExecError, Action: action, Details: fmt.Sprintf("close step failed: %v", err)}
	}
	pnl := closed.PnL

	// Sizing is recomputed from the post-close account: the released
	// margin is available again.
	account := x.backend.GetAccount()
	available := account.TrueAvailableMargin(decimal.Zero)
	amount := account.TotalEquity(decimal.Zero).Mul(x.sizePercent(sig))
	if amount.GreaterThan(available) {
		amount = available
	}
	leverage := x.clampLeverage(sig.Leverage)

	var pos *core.Position
	if to == core.DirectionLong {
		pos, err = x.backend.OpenLong(ctx, leverage, amount, sig.TakeProfit, sig.StopLoss)
	} else {
		pos, err = x.backend.OpenShort(ctx, leverage, amount, sig.TakeProfit, sig.StopLoss)
	}
	if err != nil {
		x.logger.Error("Reverse completed close but reopen failed", "close_pnl", pnl, "error", err)
		return core.ExecutionResult{
			Status:   core.ExecError,
			Action:   action,
			Details:  fmt.Sprintf("closed with pnl=%s but reopen failed: %v", pnl, err),
			ClosePnL: &pnl,
		}
	}
	return core.ExecutionResult{
		Status:   core.ExecSuccess,
		Action:   action,
		Details:  fmt.Sprintf("closed with pnl=%s, opened %s size=%s entry=%s", pnl, to, pos.Size, pos.EntryPrice),
		ClosePnL: &pnl,
	}
}

func (x *Executor) close(ctx context.Context, reason string) core.ExecutionResult {
	res, err := x.backend.Close(ctx, reason)
	if err != nil {
		return core.ExecutionResult{Status: core.ExecError, Action: "close", Details: err.Error()}
	}
	return core.ExecutionResult{
		Status:   core.ExecSuccess,
		Action:   "close",
		Details:  fmt.Sprintf("closed with pnl=%s", res.PnL),
		ClosePnL: &res.PnL,
	}
}

func (x *Executor) reduce(ctx context.Context) core.ExecutionResult {
	fraction := x.limits().ReduceFraction
	res, err := x.backend.Reduce(ctx, fraction, "signal_reduce")
	if err != nil {
		return core.ExecutionResult{Status: core.ExecError, Action: "reduce", Details: err.Error()}
	}
	return core.ExecutionResult{
		Status:   core.ExecSuccess,
		Action:   "reduce",
		Details:  fmt.Sprintf("reduced by %s, realized pnl=%s", fraction, res.PnL),
		ClosePnL: &res.PnL,
	}
}

// openAmount sizes a new position from true available margin
func (x *Executor) openAmount(sig *core.TradingSignal, pc core.PositionContext) (decimal.Decimal, error) {
	pct := x.sizePercent(sig)
	amount := pc.TotalEquity.Mul(pct)
	if amount.GreaterThan(pc.TrueAvailableMargin) {
		amount = pc.TrueAvailableMargin
	}
	minAmount := pc.TotalEquity.Mul(x.limits().MinPositionPercent)
	if amount.LessThan(minAmount) {
		return decimal.Zero, fmt.Errorf("sized amount %s below minimum position %s", amount, minAmount)
	}
	return amount, nil
}

func (x *Executor) sizePercent(sig *core.TradingSignal) decimal.Decimal {
	cfg := x.limits()
	pct := sig.SizePercent
	if pct.IsZero() {
		pct = cfg.DefaultSizePercent
	}
	if pct.GreaterThan(cfg.MaxPositionPercent) {
		pct = cfg.MaxPositionPercent
	}
	return pct
}

func (x *Executor) clampLeverage(lev decimal.Decimal) decimal.Decimal {
	max := x.limits().MaxLeverage
	if lev.LessThan(one) {
		return one
	}
	if lev.GreaterThan(max) {
		return max
	}
	return lev
}
