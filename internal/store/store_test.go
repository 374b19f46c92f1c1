package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paneltrader/internal/core"
)

func sampleSnapshot() *core.Snapshot {
	return &core.Snapshot{
		Account: core.Account{
			InitialBalance: decimal.NewFromInt(10000),
			Balance:        decimal.NewFromInt(5000),
			UsedMargin:     decimal.NewFromInt(5000),
			RealizedPnL:    decimal.NewFromInt(250),
		},
		Position: &core.Position{
			ID:         "pos-1",
			Symbol:     "BTCUSDT",
			Direction:  core.DirectionLong,
			Size:       decimal.RequireFromString("0.54"),
			EntryPrice: decimal.NewFromInt(92000),
			Leverage:   decimal.NewFromInt(10),
			Margin:     decimal.NewFromInt(5000),
			OpenedAt:   time.Now().UTC(),
		},
		Trades: []core.TradeRecord{
			{ID: "t-1", Symbol: "BTCUSDT", PnL: decimal.NewFromInt(250)},
		},
		Equity: []core.EquityPoint{
			{Time: time.Now().UTC(), Equity: decimal.NewFromInt(10250)},
		},
		SavedAt: time.Now().UTC(),
	}
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()

	snap := sampleSnapshot()
	require.NoError(t, st.SaveSnapshot(ctx, snap))

	loaded, err := st.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.True(t, loaded.Account.Balance.Equal(snap.Account.Balance))
	require.NotNil(t, loaded.Position)
	assert.Equal(t, "pos-1", loaded.Position.ID)
	assert.True(t, loaded.Position.EntryPrice.Equal(snap.Position.EntryPrice))
	assert.Len(t, loaded.Trades, 1)
	assert.Len(t, loaded.Equity, 1)
}

func TestSQLiteStoreOverwrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()

	first := sampleSnapshot()
	require.NoError(t, st.SaveSnapshot(ctx, first))

	second := sampleSnapshot()
	second.Position = nil
	second.Account.UsedMargin = decimal.Zero
	require.NoError(t, st.SaveSnapshot(ctx, second))

	loaded, err := st.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded.Position, "latest snapshot wins")
	assert.True(t, loaded.Account.UsedMargin.IsZero())
}

func TestSQLiteStoreEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer st.Close()

	loaded, err := st.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded, "no snapshot is not an error")
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, st.SaveSnapshot(ctx, sampleSnapshot()))
	require.NoError(t, st.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Account.RealizedPnL.Equal(decimal.NewFromInt(250)))
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	loaded, err := st.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	snap := sampleSnapshot()
	require.NoError(t, st.SaveSnapshot(ctx, snap))

	loaded, err = st.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	// Mutating the loaded copy must not leak back into the store
	loaded.Trades[0].PnL = decimal.NewFromInt(-999)
	again, err := st.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, again.Trades[0].PnL.Equal(decimal.NewFromInt(250)))
}
