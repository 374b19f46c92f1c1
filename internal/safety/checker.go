// Package safety validates restored state before trading resumes
package safety

import (
	"fmt"

	"paneltrader/internal/core"
)

// Checker verifies ledger invariants on a snapshot. It runs once at startup
// so a corrupted or hand-edited state file fails loudly instead of trading.
type Checker struct {
	logger core.ILogger
}

func NewChecker(logger core.ILogger) *Checker {
	return &Checker{logger: logger.WithField("component", "safety_checker")}
}

// CheckSnapshot validates account and position consistency
func (c *Checker) CheckSnapshot(account core.Account, pos *core.Position) error {
	if account.Balance.IsNegative() {
		return fmt.Errorf("account balance is negative: %s", account.Balance)
	}
	if account.UsedMargin.IsNegative() {
		return fmt.Errorf("used margin is negative: %s", account.UsedMargin)
	}

	if pos == nil {
		if !account.UsedMargin.IsZero() {
			return fmt.Errorf("no position but used margin is %s", account.UsedMargin)
		}
		c.logger.Info("Snapshot check passed", "has_position", false, "balance", account.Balance)
		return nil
	}

	if !pos.Size.IsPositive() || !pos.Margin.IsPositive() {
		return fmt.Errorf("position has non-positive size (%s) or margin (%s)", pos.Size, pos.Margin)
	}
	if !account.UsedMargin.Equal(pos.Margin) {
		return fmt.Errorf("used margin %s does not match position margin %s", account.UsedMargin, pos.Margin)
	}

	// The stop must fire strictly before liquidation
	if !pos.StopLoss.IsZero() {
		if pos.Direction == core.DirectionLong && pos.StopLoss.LessThanOrEqual(pos.LiquidationPrice) {
			return fmt.Errorf("long stop %s at or beyond liquidation %s", pos.StopLoss, pos.LiquidationPrice)
		}
		if pos.Direction == core.DirectionShort && pos.StopLoss.GreaterThanOrEqual(pos.LiquidationPrice) {
			return fmt.Errorf("short stop %s at or beyond liquidation %s", pos.StopLoss, pos.LiquidationPrice)
		}
	}

	c.logger.Info("Snapshot check passed",
		"has_position", true, "direction", pos.Direction,
		"entry", pos.EntryPrice, "margin", pos.Margin)
	return nil
}
