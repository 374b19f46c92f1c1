package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// PriceFeed provides the current price for a symbol. Implementations own
// tiering and staleness; the anomaly filter sits above them.
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Backend abstracts the venue the executor trades against. It is satisfied
// by the in-process margin engine or by a live-exchange adapter.
type Backend interface {
	OpenLong(ctx context.Context, leverage, marginAmount, takeProfit, stopLoss decimal.Decimal) (*Position, error)
	OpenShort(ctx context.Context, leverage, marginAmount, takeProfit, stopLoss decimal.Decimal) (*Position, error)
	AddMargin(ctx context.Context, amount decimal.Decimal) (*Position, error)
	Reduce(ctx context.Context, fraction decimal.Decimal, reason string) (*CloseResult, error)
	Close(ctx context.Context, reason string) (*CloseResult, error)
	GetAccount() Account
	GetPosition() *Position
}

// TriggerChecker polls protective thresholds against a live price. On a
// trigger the close has already been performed when the call returns.
type TriggerChecker interface {
	CheckTriggers(ctx context.Context) (TriggerKind, *CloseResult, error)
}

// AgentRunner executes one agent turn: prompt in, free text out. The text
// may carry a structured call, a legacy bracketed call, or plain prose.
type AgentRunner interface {
	RunTurn(ctx context.Context, req TurnRequest) (string, error)
}

// StateStore persists account/position/history snapshots under stable keys
type StateStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	Close() error
}

// CycleRunner runs one full orchestration cycle from trigger to execution
type CycleRunner interface {
	RunCycle(ctx context.Context, reason string) (*CycleRecord, error)
}

// ICircuitBreaker gates new cycles after losing streaks
type ICircuitBreaker interface {
	RecordTrade(pnl decimal.Decimal)
	IsTripped() bool
	Reset()
	Status() CooldownStatus
}
