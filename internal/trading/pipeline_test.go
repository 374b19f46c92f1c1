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
	"paneltrader/internal/position"
)

type fixedFeed struct {
	price decimal.Decimal
	err   error
}

func (f *fixedFeed) GetPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.price, f.err
}

type stubMeeting struct {
	sig *core.TradingSignal
	err error
}

func (m *stubMeeting) Run(_ context.Context, _ core.PositionContext) (*core.TradingSignal, error) {
	return m.sig, m.err
}

func testPipeline(backend *stubBackend, mt Meeting, feed core.PriceFeed) *Pipeline {
	return NewPipeline(PipelineConfig{
		Symbol: "BTCUSDT",
		Builder: position.BuilderConfig{
			MaxPositionPercent: dec("0.5"),
			MinAddAmount:       dec("100"),
		},
	}, feed, backend, mt, testExecutor(backend), logging.NewNop())
}

func TestRunCycleExecutes(t *testing.T) {
	backend := &stubBackend{account: core.Account{Balance: dec("10000")}}
	mt := &stubMeeting{sig: &core.TradingSignal{Direction: core.SignalLong, Leverage: dec("10")}}
	p := testPipeline(backend, mt, &fixedFeed{price: dec("92000")})

	rec, err := p.RunCycle(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, core.CycleExecuted, rec.Outcome)
	assert.Equal(t, "scheduled", rec.Reason)
	assert.NotEmpty(t, rec.ID)
	require.Len(t, backend.openCalls, 1)
}

func TestRunCycleHold(t *testing.T) {
	backend := &stubBackend{account: core.Account{Balance: dec("10000")}}
	mt := &stubMeeting{sig: &core.TradingSignal{Direction: core.SignalHold, Rationale: "no consensus"}}
	p := testPipeline(backend, mt, &fixedFeed{price: dec("92000")})

	rec, err := p.RunCycle(context.Background(), "scheduled")
	require.NoError(t, err)

	assert.Equal(t, core.CycleHold, rec.Outcome)
	assert.Equal(t, "no consensus", rec.Detail)
	assert.Empty(t, backend.openCalls)
}

func TestRunCycleRejected(t *testing.T) {
	// Meeting asks to close, but the position is already gone by execution time
	backend := &stubBackend{account: core.Account{Balance: dec("10000")}}
	mt := &stubMeeting{sig: &core.TradingSignal{Direction: core.SignalClose}}
	p := testPipeline(backend, mt, &fixedFeed{price: dec("92000")})

	rec, err := p.RunCycle(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, core.CycleRejected, rec.Outcome)
}

func TestRunCycleErrors(t *testing.T) {
	t.Run("price unavailable", func(t *testing.T) {
		backend := &stubBackend{}
		mt := &stubMeeting{sig: &core.TradingSignal{Direction: core.SignalHold}}
		p := testPipeline(backend, mt, &fixedFeed{err: errors.New("all sources down")})

		rec, err := p.RunCycle(context.Background(), "scheduled")
		assert.Error(t, err)
		assert.Equal(t, core.CycleError, rec.Outcome)
	})

	t.Run("meeting failure", func(t *testing.T) {
		backend := &stubBackend{}
		mt := &stubMeeting{err: errors.New("chair unavailable")}
		p := testPipeline(backend, mt, &fixedFeed{price: dec("92000")})

		rec, err := p.RunCycle(context.Background(), "scheduled")
		assert.Error(t, err)
		assert.Equal(t, core.CycleError, rec.Outcome)
	})
}

func TestCycleHistoryAndObserver(t *testing.T) {
	backend := &stubBackend{account: core.Account{Balance: dec("10000")}}
	mt := &stubMeeting{sig: &core.TradingSignal{Direction: core.SignalHold, Rationale: "wait"}}
	p := testPipeline(backend, mt, &fixedFeed{price: dec("92000")})

	var observed []core.CycleRecord
	p.SetObserver(func(rec core.CycleRecord) {
		observed = append(observed, rec)
	})

	for i := 0; i < 3; i++ {
		_, err := p.RunCycle(context.Background(), "scheduled")
		require.NoError(t, err)
	}

	assert.Len(t, p.History(0), 3)
	assert.Len(t, p.History(2), 2)
	assert.Len(t, observed, 3)
}
