// Package tradingutils holds decimal performance math shared by the control
// surface and reports.
package tradingutils

import (
	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
)

var hundred = decimal.NewFromInt(100)

// Performance summarizes a trade history
type Performance struct {
	Trades       int             `json:"trades"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      decimal.Decimal `json:"win_rate"` // percent
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	ProfitFactor decimal.Decimal `json:"profit_factor"` // gross profit / gross loss
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`  // percent, from equity peaks
}

// Summarize computes performance over closed trades and the equity log.
// Breakeven trades count as wins for the win rate.
func Summarize(trades []core.TradeRecord, equity []core.EquityPoint) Performance {
	p := Performance{Trades: len(trades)}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range trades {
		p.TotalPnL = p.TotalPnL.Add(t.PnL)
		if t.PnL.IsNegative() {
			p.Losses++
			grossLoss = grossLoss.Add(t.PnL.Neg())
		} else {
			p.Wins++
			grossProfit = grossProfit.Add(t.PnL)
		}
	}
	if p.Trades > 0 {
		p.WinRate = decimal.NewFromInt(int64(p.Wins)).Div(decimal.NewFromInt(int64(p.Trades))).Mul(hundred)
	}
	if grossLoss.IsPositive() {
		p.ProfitFactor = grossProfit.Div(grossLoss)
	}
	p.MaxDrawdown = MaxDrawdown(equity)
	return p
}

// MaxDrawdown is the largest peak-to-trough equity decline, as a percent of
// the peak.
func MaxDrawdown(equity []core.EquityPoint) decimal.Decimal {
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, pt := range equity {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(pt.Equity).Div(peak).Mul(hundred)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}
