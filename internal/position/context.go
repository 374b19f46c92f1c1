// Package position derives the read-only per-cycle view of account and
// position state consumed by every meeting phase.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
)

var hundred = decimal.NewFromInt(100)

// BuilderConfig holds the sizing bounds the context is derived against
type BuilderConfig struct {
	MaxPositionPercent decimal.Decimal
	MinAddAmount       decimal.Decimal
}

// Build is a pure function of account + position + price. It performs no
// I/O and caches nothing; callers rebuild it every cycle.
func Build(cfg BuilderConfig, account core.Account, pos *core.Position, price decimal.Decimal, now time.Time) core.PositionContext {
	unrealized := pos.UnrealizedPnL(price)
	equity := account.TotalEquity(unrealized)
	available := account.TrueAvailableMargin(unrealized)

	pc := core.PositionContext{
		CurrentPrice:        price,
		MaxPositionPercent:  cfg.MaxPositionPercent,
		TotalEquity:         equity,
		TrueAvailableMargin: available,
	}

	if equity.IsPositive() {
		pc.CurrentPositionPercent = account.UsedMargin.Div(equity)
	}

	maxMargin := equity.Mul(cfg.MaxPositionPercent)
	room := maxMargin.Sub(account.UsedMargin)
	pc.MaxAdditionalAmount = decimal.Min(room, available)
	if pc.MaxAdditionalAmount.IsNegative() {
		pc.MaxAdditionalAmount = decimal.Zero
	}

	if pos == nil {
		pc.CanAdd = available.GreaterThanOrEqual(cfg.MinAddAmount)
		return pc
	}

	pc.HasPosition = true
	pc.Direction = pos.Direction
	pc.EntryPrice = pos.EntryPrice
	pc.HoldingDuration = now.Sub(pos.OpenedAt)
	pc.CanAdd = available.GreaterThanOrEqual(cfg.MinAddAmount) &&
		pc.CurrentPositionPercent.LessThan(cfg.MaxPositionPercent)

	if pos.Margin.IsPositive() {
		pc.PnLPercent = unrealized.Div(pos.Margin).Mul(hundred)
	}
	pc.DistanceToTPPercent = signedDistance(price, pos.TakeProfit)
	pc.DistanceToSLPercent = signedDistance(price, pos.StopLoss)
	pc.DistanceToLiqPercent = signedDistance(price, pos.LiquidationPrice)

	return pc
}

// signedDistance is (target - price) / price as a percentage; positive when
// the target sits above the current price.
func signedDistance(price, target decimal.Decimal) decimal.Decimal {
	if price.IsZero() || target.IsZero() {
		return decimal.Zero
	}
	return target.Sub(price).Div(price).Mul(hundred)
}
