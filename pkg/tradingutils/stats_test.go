package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"paneltrader/internal/core"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func trade(pnl string) core.TradeRecord {
	return core.TradeRecord{PnL: dec(pnl)}
}

func equity(values ...string) []core.EquityPoint {
	out := make([]core.EquityPoint, 0, len(values))
	for _, v := range values {
		out = append(out, core.EquityPoint{Equity: dec(v)})
	}
	return out
}

func TestSummarize(t *testing.T) {
	trades := []core.TradeRecord{trade("100"), trade("-50"), trade("0")}

	p := Summarize(trades, nil)

	assert.Equal(t, 3, p.Trades)
	assert.Equal(t, 2, p.Wins, "breakeven counts as a win")
	assert.Equal(t, 1, p.Losses)
	assert.True(t, p.TotalPnL.Equal(dec("50")))
	assert.True(t, p.ProfitFactor.Equal(dec("2")), "got %s", p.ProfitFactor)
	// 2/3 as a percent
	assert.True(t, p.WinRate.Sub(dec("66.66")).Abs().LessThan(dec("0.01")), "got %s", p.WinRate)
}

func TestSummarizeEmpty(t *testing.T) {
	p := Summarize(nil, nil)
	assert.Equal(t, 0, p.Trades)
	assert.True(t, p.WinRate.IsZero())
	assert.True(t, p.ProfitFactor.IsZero())
	assert.True(t, p.MaxDrawdown.IsZero())
}

func TestSummarizeAllWins(t *testing.T) {
	p := Summarize([]core.TradeRecord{trade("100"), trade("200")}, nil)
	assert.True(t, p.WinRate.Equal(dec("100")))
	assert.True(t, p.ProfitFactor.IsZero(), "no losses means no defined profit factor")
}

func TestMaxDrawdown(t *testing.T) {
	t.Run("peak to trough", func(t *testing.T) {
		// Peak 120, trough 90: 25% drawdown
		dd := MaxDrawdown(equity("100", "120", "90", "110"))
		assert.True(t, dd.Equal(dec("25")), "got %s", dd)
	})

	t.Run("monotonic rise has no drawdown", func(t *testing.T) {
		assert.True(t, MaxDrawdown(equity("100", "110", "120")).IsZero())
	})

	t.Run("empty history", func(t *testing.T) {
		assert.True(t, MaxDrawdown(nil).IsZero())
	})
}
