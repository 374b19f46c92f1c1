package trading

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paneltrader/internal/core"
	"paneltrader/internal/logging"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubBackend records calls and replays scripted results
type stubBackend struct {
	account  core.Account
	position *core.Position

	openErr  error
	closeErr error
	addErr   error

	openCalls  []decimal.Decimal // margin amounts
	closeCalls []string
	addCalls   []decimal.Decimal
	reduceFrac []decimal.Decimal
}

func (b *stubBackend) OpenLong(_ context.Context, leverage, marginAmount, _, _ decimal.Decimal) (*core.Position, error) {
	return b.open(core.DirectionLong, leverage, marginAmount)
}

func (b *stubBackend) OpenShort(_ context.Context, leverage, marginAmount, _, _ decimal.Decimal) (*core.Position, error) {
	return b.open(core.DirectionShort, leverage, marginAmount)
}

func (b *stubBackend) open(dir core.Direction, leverage, marginAmount decimal.Decimal) (*core.Position, error) {
	b.openCalls = append(b.openCalls, marginAmount)
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.position = &core.Position{
		Direction:  dir,
		EntryPrice: dec("92000"),
		Size:       marginAmount.Mul(leverage).Div(dec("92000")),
		Margin:     marginAmount,
		Leverage:   leverage,
	}
	return b.position, nil
}

func (b *stubBackend) AddMargin(_ context.Context, amount decimal.Decimal) (*core.Position, error) {
	b.addCalls = append(b.addCalls, amount)
	if b.addErr != nil {
		return nil, b.addErr
	}
	b.position.Margin = b.position.Margin.Add(amount)
	return b.position, nil
}

func (b *stubBackend) Reduce(_ context.Context, fraction decimal.Decimal, _ string) (*core.CloseResult, error) {
	b.reduceFrac = append(b.reduceFrac, fraction)
	return &core.CloseResult{PnL: dec("100")}, nil
}

func (b *stubBackend) Close(_ context.Context, reason string) (*core.CloseResult, error) {
	b.closeCalls = append(b.closeCalls, reason)
	if b.closeErr != nil {
		return nil, b.closeErr
	}
	b.position = nil
	return &core.CloseResult{PnL: dec("250")}, nil
}

func (b *stubBackend) GetAccount() core.Account    { return b.account }
func (b *stubBackend) GetPosition() *core.Position { return b.position }

func testExecutor(backend *stubBackend) *Executor {
	return NewExecutor(ExecutorConfig{
		MaxLeverage:        dec("20"),
		MinPositionPercent: dec("0.05"),
		MaxPositionPercent: dec("0.5"),
		DefaultSizePercent: dec("0.2"),
		MinAddAmount:       dec("100"),
	}, backend, logging.NewNop())
}

func flatContext() core.PositionContext {
	return core.PositionContext{
		CurrentPrice:        dec("92000"),
		TotalEquity:         dec("10000"),
		TrueAvailableMargin: dec("10000"),
		MaxAdditionalAmount: dec("5000"),
	}
}

func positionContext(dir core.Direction, canAdd bool) core.PositionContext {
	pc := flatContext()
	pc.HasPosition = true
	pc.Direction = dir
	pc.CanAdd = canAdd
	pc.TrueAvailableMargin = dec("5000")
	return pc
}

func TestExecuteOpenLong(t *testing.T) {
	backend := &stubBackend{}
	x := testExecutor(backend)

	res := x.Execute(context.Background(), &core.TradingSignal{
		Direction: core.SignalLong,
		Leverage:  dec("10"),
	}, flatContext())

	assert.Equal(t, core.ExecSuccess, res.Status)
	require.Len(t, backend.openCalls, 1)
	// Default 20% of equity
	assert.True(t, backend.openCalls[0].Equal(dec("2000")), "got %s", backend.openCalls[0])
}

func TestExecuteOpenSizing(t *testing.T) {
	t.Run("size percent capped at max", func(t *testing.T) {
		backend := &stubBackend{}
		x := testExecutor(backend)
		res := x.Execute(context.Background(), &core.TradingSignal{
			Direction:   core.SignalLong,
			Leverage:    dec("5"),
			SizePercent: dec("0.9"),
		}, flatContext())

		assert.Equal(t, core.ExecSuccess, res.Status)
		assert.True(t, backend.openCalls[0].Equal(dec("5000")))
	})

	t.Run("amount clamped to true available margin", func(t *testing.T) {
		backend := &stubBackend{}
		x := testExecutor(backend)
		pc := flatContext()
		pc.TrueAvailableMargin = dec("1500")

		res := x.Execute(context.Background(), &core.TradingSignal{
			Direction: core.SignalLong,
			Leverage:  dec("5"),
		}, pc)

		assert.Equal(t, core.ExecSuccess, res.Status)
		assert.True(t, backend.openCalls[0].Equal(dec("1500")))
	})

	t.Run("below minimum position is rejected before any call", func(t *testing.T) {
		backend := &stubBackend{}
		x := testExecutor(backend)
		pc := flatContext()
		pc.TrueAvailableMargin = dec("300") // under 5% of 10000

		res := x.Execute(context.Background(), &core.TradingSignal{
			Direction: core.SignalLong,
			Leverage:  dec("5"),
		}, pc)

		assert.Equal(t, core.ExecRejected, res.Status)
		assert.Empty(t, backend.openCalls)
	})
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name string
		dir  core.SignalDirection
		pc   core.PositionContext
	}{
		{"open long over existing position", core.SignalLong, positionContext(core.DirectionLong, true)},
		{"open short over existing position", core.SignalShort, positionContext(core.DirectionShort, true)},
		{"add long without position", core.SignalAddLong, flatContext()},
		{"add long against short", core.SignalAddLong, positionContext(core.DirectionShort, true)},
		{"add long without room", core.SignalAddLong, positionContext(core.DirectionLong, false)},
		{"add short against long", core.SignalAddShort, positionContext(core.DirectionLong, true)},
		{"reverse to long from long", core.SignalReverseToLong, positionContext(core.DirectionLong, true)},
		{"reverse to short from short", core.SignalReverseToShort, positionContext(core.DirectionShort, true)},
		{"reverse without position", core.SignalReverseToLong, flatContext()},
		{"close without position", core.SignalClose, flatContext()},
		{"reduce without position", core.SignalReduceLong, flatContext()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{}
			x := testExecutor(backend)

			res := x.Execute(context.Background(), &core.TradingSignal{Direction: tt.dir, Leverage: dec("5")}, tt.pc)

			assert.Equal(t, core.ExecRejected, res.Status)
			assert.Empty(t, backend.openCalls)
			assert.Empty(t, backend.closeCalls)
			assert.Empty(t, backend.addCalls)
		})
	}
}

func TestExecuteValidationNamesDirectionMismatch(t *testing.T) {
	tests := []struct {
		name string
		dir  core.SignalDirection
		pc   core.PositionContext
	}{
		{"add long against short", core.SignalAddLong, positionContext(core.DirectionShort, true)},
		{"add short against long", core.SignalAddShort, positionContext(core.DirectionLong, true)},
		{"reverse to long from long", core.SignalReverseToLong, positionContext(core.DirectionLong, true)},
		{"reverse to short from short", core.SignalReverseToShort, positionContext(core.DirectionShort, true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := testExecutor(&stubBackend{})

			res := x.Execute(context.Background(), &core.TradingSignal{Direction: tt.dir}, tt.pc)

			assert.Equal(t, core.ExecRejected, res.Status)
			assert.Contains(t, res.Details, "position direction mismatch")
		})
	}
}

func TestSetLimits(t *testing.T) {
	backend := &stubBackend{}
	x := testExecutor(backend)

	x.SetLimits(dec("5"), dec("0.05"), dec("0.5"), dec("0.3"))

	assert.True(t, x.clampLeverage(dec("10")).Equal(dec("5")), "new leverage cap applies")

	res := x.Execute(context.Background(), &core.TradingSignal{
		Direction: core.SignalLong,
		Leverage:  dec("3"),
	}, flatContext())

	assert.Equal(t, core.ExecSuccess, res.Status)
	require.Len(t, backend.openCalls, 1)
	assert.True(t, backend.openCalls[0].Equal(dec("3000")), "new default size percent applies")

	// Non-positive values leave the current limits alone
	x.SetLimits(decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	assert.True(t, x.clampLeverage(dec("10")).Equal(dec("5")))
}

func TestExecuteHold(t *testing.T) {
	backend := &stubBackend{}
	x := testExecutor(backend)

	res := x.Execute(context.Background(), &core.TradingSignal{
		Direction: core.SignalHold,
		Rationale: "inconclusive",
	}, flatContext())

	assert.Equal(t, core.ExecSuccess, res.Status)
	assert.Equal(t, "hold", res.Action)
	assert.Empty(t, backend.openCalls)
}

func TestExecuteAdd(t *testing.T) {
	t.Run("capped at max additional amount", func(t *testing.T) {
		backend := &stubBackend{position: &core.Position{Direction: core.DirectionLong, Margin: dec("2000")}}
		x := testExecutor(backend)
		pc := positionContext(core.DirectionLong, true)
		pc.MaxAdditionalAmount = dec("800")

		res := x.Execute(context.Background(), &core.TradingSignal{Direction: core.SignalAddLong}, pc)

		assert.Equal(t, core.ExecSuccess, res.Status)
		require.Len(t, backend.addCalls, 1)
		assert.True(t, backend.addCalls[0].Equal(dec("800")))
	})

	t.Run("below minimum add amount is rejected", func(t *testing.T) {
		backend := &stubBackend{position: &core.Position{Direction: core.DirectionLong, Margin: dec("2000")}}
		x := testExecutor(backend)
		pc := positionContext(core.DirectionLong, true)
		pc.MaxAdditionalAmount = dec("50")

		res := x.Execute(context.Background(), &core.TradingSignal{Direction: core.SignalAddLong}, pc)

		assert.Equal(t, core.ExecRejected, res.Status)
		assert.Empty(t, backend.addCalls)
	})
}

func TestExecuteClose(t *testing.T) {
	backend := &stubBackend{position: &core.Position{Direction: core.DirectionLong}}
	x := testExecutor(backend)

	res := x.Execute(context.Background(), &core.TradingSignal{Direction: core.SignalClose},
		positionContext(core.DirectionLong, false))

	assert.Equal(t, core.ExecSuccess, res.Status)
	assert.Equal(t, []string{"signal_close"}, backend.closeCalls)
	require.NotNil(t, res.ClosePnL)
	assert.True(t, res.ClosePnL.Equal(dec("250")))
}

func TestExecuteReduce(t *testing.T) {
	backend := &stubBackend{position: &core.Position{Direction: core.DirectionShort}}
	x := testExecutor(backend)

	res := x.Execute(context.Background(), &core.TradingSignal{Direction: core.SignalReduceShort},
		positionContext(core.DirectionShort, false))

	assert.Equal(t, core.ExecSuccess, res.Status)
	require.Len(t, backend.reduceFrac, 1)
	assert.True(t, backend.reduceFrac[0].Equal(dec("0.5")), "default reduce fraction")
}

func TestExecuteReverse(t *testing.T) {
	t.Run("close then reopen opposite", func(t *testing.T) {
		backend := &stubBackend{
			position: &core.Position{Direction: core.DirectionShort},
			account:  core.Account{Balance: dec("10000")},
		}
		x := testExecutor(backend)

		res := x.Execute(context.Background(), &core.TradingSignal{
			Direction: core.SignalReverseToLong,
			Leverage:  dec("10"),
		}, positionContext(core.DirectionShort, false))

		assert.Equal(t, core.ExecSuccess, res.Status)
		assert.Equal(t, []string{"reverse"}, backend.closeCalls)
		require.Len(t, backend.openCalls, 1)
		assert.True(t, backend.openCalls[0].Equal(dec("2000")), "sized from the post-close account")
		require.NotNil(t, res.ClosePnL)
		assert.Equal(t, core.DirectionLong, backend.position.Direction)
	})

	t.Run("reopen failure surfaces the close pnl", func(t *testing.T) {
		backend := &stubBackend{
			position: &core.Position{Direction: core.DirectionShort},
			account:  core.Account{Balance: dec("10000")},
			openErr:  errors.New("feed down"),
		}
		x := testExecutor(backend)

		res := x.Execute(context.Background(), &core.TradingSignal{
			Direction: core.SignalReverseToLong,
			Leverage:  dec("10"),
		}, positionContext(core.DirectionShort, false))

		assert.Equal(t, core.ExecError, res.Status)
		require.NotNil(t, res.ClosePnL, "partial completion must not be hidden")
		assert.True(t, res.ClosePnL.Equal(dec("250")))
	})

	t.Run("close failure aborts before reopen", func(t *testing.T) {
		backend := &stubBackend{
			position: &core.Position{Direction: core.DirectionShort},
			closeErr: errors.New("engine busy"),
		}
		x := testExecutor(backend)

		res := x.Execute(context.Background(), &core.TradingSignal{
			Direction: core.SignalReverseToLong,
		}, positionContext(core.DirectionShort, false))

		assert.Equal(t, core.ExecError, res.Status)
		assert.Empty(t, backend.openCalls)
		assert.Nil(t, res.ClosePnL)
	})
}

func TestClampLeverage(t *testing.T) {
	x := testExecutor(&stubBackend{})

	assert.True(t, x.clampLeverage(dec("0.2")).Equal(dec("1")))
	assert.True(t, x.clampLeverage(dec("10")).Equal(dec("10")))
	assert.True(t, x.clampLeverage(dec("50")).Equal(dec("20")))
}
