// Package core defines the shared interfaces and domain types for the trading system
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an open position
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the reversed direction
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// VoteDirection is the stance expressed by a single panel participant
type VoteDirection string

const (
	VoteLong     VoteDirection = "long"
	VoteShort    VoteDirection = "short"
	VoteHold     VoteDirection = "hold"
	VoteClose    VoteDirection = "close"
	VoteAddLong  VoteDirection = "add_long"
	VoteAddShort VoteDirection = "add_short"
)

// SignalDirection is the action a completed meeting asks the executor to take
type SignalDirection string

const (
	SignalLong           SignalDirection = "long"
	SignalShort          SignalDirection = "short"
	SignalHold           SignalDirection = "hold"
	SignalClose          SignalDirection = "close"
	SignalAddLong        SignalDirection = "add_long"
	SignalAddShort       SignalDirection = "add_short"
	SignalReverseToLong  SignalDirection = "reverse_to_long"
	SignalReverseToShort SignalDirection = "reverse_to_short"
	SignalReduceLong     SignalDirection = "reduce_long"
	SignalReduceShort    SignalDirection = "reduce_short"
)

// Account is the margin account ledger. Unrealized PnL is derived from the
// open position and never stored here.
type Account struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Balance        decimal.Decimal `json:"balance"` // free cash, excludes committed margin
	UsedMargin     decimal.Decimal `json:"used_margin"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
}

// TotalEquity is balance + used margin + unrealized PnL.
func (a Account) TotalEquity(unrealized decimal.Decimal) decimal.Decimal {
	return a.Balance.Add(a.UsedMargin).Add(unrealized)
}

// TrueAvailableMargin is total equity minus used margin. All sizing decisions
// must use this figure; the raw cash balance under-counts committed margin.
func (a Account) TrueAvailableMargin(unrealized decimal.Decimal) decimal.Decimal {
	return a.TotalEquity(unrealized).Sub(a.UsedMargin)
}

// Position is the single open leveraged position for the traded symbol
type Position struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Direction        Direction       `json:"direction"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Leverage         decimal.Decimal `json:"leverage"`
	Margin           decimal.Decimal `json:"margin"`
	TakeProfit       decimal.Decimal `json:"take_profit"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OpenedAt         time.Time       `json:"opened_at"`
}

// UnrealizedPnL computes the mark-to-market PnL at the given price
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p == nil || price.IsZero() {
		return decimal.Zero
	}
	if p.Direction == DirectionLong {
		return price.Sub(p.EntryPrice).Mul(p.Size)
	}
	return p.EntryPrice.Sub(price).Mul(p.Size)
}

// TriggerKind identifies which protective threshold fired during a check
type TriggerKind string

const (
	TriggerNone        TriggerKind = ""
	TriggerTakeProfit  TriggerKind = "tp"
	TriggerStopLoss    TriggerKind = "sl"
	TriggerLiquidation TriggerKind = "liquidation"
)

// PositionContext is a read-only derived view of the account and position,
// rebuilt fresh for every cycle and shared by all meeting phases.
type PositionContext struct {
	HasPosition            bool            `json:"has_position"`
	Direction              Direction       `json:"direction,omitempty"`
	CurrentPrice           decimal.Decimal `json:"current_price"`
	EntryPrice             decimal.Decimal `json:"entry_price"`
	PnLPercent             decimal.Decimal `json:"pnl_percent"`
	DistanceToTPPercent    decimal.Decimal `json:"distance_to_tp_percent"`
	DistanceToSLPercent    decimal.Decimal `json:"distance_to_sl_percent"`
	DistanceToLiqPercent   decimal.Decimal `json:"distance_to_liq_percent"`
	CurrentPositionPercent decimal.Decimal `json:"current_position_percent"`
	MaxPositionPercent     decimal.Decimal `json:"max_position_percent"`
	CanAdd                 bool            `json:"can_add"`
	MaxAdditionalAmount    decimal.Decimal `json:"max_additional_amount"`
	TotalEquity            decimal.Decimal `json:"total_equity"`
	TrueAvailableMargin    decimal.Decimal `json:"true_available_margin"`
	HoldingDuration        time.Duration   `json:"holding_duration"`
}

// AgentVote is one participant's parsed vote. A response that could not be
// parsed is represented as an absent vote (nil), never as a defaulted one.
type AgentVote struct {
	ParticipantID     string          `json:"participant_id"`
	Direction         VoteDirection   `json:"direction"`
	Confidence        int             `json:"confidence"` // 0-100
	SuggestedLeverage decimal.Decimal `json:"suggested_leverage"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
	Reasoning         string          `json:"reasoning"`
}

// VoteTally is the aggregate outcome of a voting phase
type VoteTally struct {
	Long          int             `json:"long"`
	Short         int             `json:"short"`
	Hold          int             `json:"hold"`
	Total         int             `json:"total"`
	AvgConfidence decimal.Decimal `json:"avg_confidence"`
}

// TradingSignal is the product of one completed meeting
type TradingSignal struct {
	Direction   SignalDirection `json:"direction"`
	Leverage    decimal.Decimal `json:"leverage"`
	SizePercent decimal.Decimal `json:"size_percent"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	Confidence  decimal.Decimal `json:"confidence"`
	Tally       VoteTally       `json:"tally"`
	Rationale   string          `json:"rationale"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ActionKind discriminates the shape an agent response arrived in
type ActionKind int

const (
	ActionStructured ActionKind = iota // machine-structured JSON call
	ActionLegacyText                   // bracketed textual call pattern
	ActionInferred                     // directional inference from free prose
)

// ParsedAction is the normalized intermediate representation of an agent
// response. Downstream logic never branches on the original response shape.
type ParsedAction struct {
	Kind      ActionKind
	Name      string
	Args      map[string]string
	Direction VoteDirection
}

// TradeRecord is one closed trade appended to the bounded history log
type TradeRecord struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Size       decimal.Decimal `json:"size"`
	Margin     decimal.Decimal `json:"margin"`
	Leverage   decimal.Decimal `json:"leverage"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     string          `json:"reason"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// CloseResult reports a completed (full or partial) close
type CloseResult struct {
	Trade TradeRecord     `json:"trade"`
	PnL   decimal.Decimal `json:"pnl"`
}

// EquityPoint is one sample of the bounded equity history log
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// CycleOutcome classifies how a cycle ended
type CycleOutcome string

const (
	CycleExecuted CycleOutcome = "executed"
	CycleHold     CycleOutcome = "hold"
	CycleRejected CycleOutcome = "rejected"
	CycleError    CycleOutcome = "error"
	CycleSkipped  CycleOutcome = "skipped"
)

// CycleRecord captures the outcome of one orchestration cycle. Every cycle
// is recorded with its reason; nothing is silently dropped.
type CycleRecord struct {
	ID        string        `json:"id"`
	Reason    string        `json:"reason"`
	Outcome   CycleOutcome  `json:"outcome"`
	Detail    string        `json:"detail"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ExecutionStatus is the outcome class of a validator/executor run
type ExecutionStatus string

const (
	ExecSuccess  ExecutionStatus = "success"
	ExecRejected ExecutionStatus = "rejected"
	ExecError    ExecutionStatus = "error"
)

// ExecutionResult reports what the executor did with a signal. For two-step
// actions (reverse) ClosePnL is populated even when the subsequent open
// failed, so partial completion is never hidden.
type ExecutionResult struct {
	Status   ExecutionStatus  `json:"status"`
	Action   string           `json:"action"`
	Details  string           `json:"details"`
	ClosePnL *decimal.Decimal `json:"close_pnl,omitempty"`
}

// Snapshot is the persisted state written after every mutation so the
// process can restart without losing position/account truth.
type Snapshot struct {
	Account  Account       `json:"account"`
	Position *Position     `json:"position,omitempty"`
	Trades   []TradeRecord `json:"trades"`
	Equity   []EquityPoint `json:"equity"`
	SavedAt  time.Time     `json:"saved_at"`
}

// SchedulerState is the top-level control loop state
type SchedulerState string

const (
	SchedulerIdle      SchedulerState = "idle"
	SchedulerRunning   SchedulerState = "running"
	SchedulerAnalyzing SchedulerState = "analyzing"
	SchedulerPaused    SchedulerState = "paused"
	SchedulerStopped   SchedulerState = "stopped"
)

// SchedulerStats is the loop-progress snapshot exposed on the status surface
type SchedulerStats struct {
	State      SchedulerState `json:"state"`
	LastRun    time.Time      `json:"last_run,omitempty"`
	NextRun    time.Time      `json:"next_run,omitempty"`
	CycleCount int            `json:"cycle_count"`
}

// CooldownStatus describes the loss-streak circuit breaker state
type CooldownStatus struct {
	Active            bool      `json:"active"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
}

// TurnRequest is one prompt handed to a panel participant
type TurnRequest struct {
	ParticipantID string
	SystemPrompt  string
	Prompt        string
}
