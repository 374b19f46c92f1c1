package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
)

// Phase identifies one step of the fixed meeting sequence
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAnalysis  Phase = "analysis_collection"
	PhaseVoting    Phase = "signal_voting"
	PhaseRisk      Phase = "risk_review"
	PhaseConsensus Phase = "consensus_decision"
)

// TurnResult is the outcome of one participant turn
type TurnResult struct {
	ParticipantID string
	Response      string
	Err           error
}

// Panel runs agent turns. Analysis and voting turns fan out in parallel;
// the chair turn runs alone.
type Panel interface {
	RunAll(ctx context.Context, reqs []core.TurnRequest) []TurnResult
	Chair(ctx context.Context, req core.TurnRequest) (string, error)
}

// Config holds orchestrator parameters
type Config struct {
	Participants       []string
	MaxLeverage        decimal.Decimal
	DefaultSizePercent decimal.Decimal
	MinConfidence      int
	HighConfidence     int
	DefaultTPPercent   decimal.Decimal
	DefaultSLPercent   decimal.Decimal
	InferredConfidence int // confidence assigned to keyword-inferred votes
	Keywords           KeywordPolicy
}

// Orchestrator drives the four-phase meeting that produces one trading
// signal. Every phase shows every participant the same position context
// with the same option ordering.
type Orchestrator struct {
	cfg    Config
	panel  Panel
	logger core.ILogger

	phase atomic.Value // holds Phase; read by the status surface mid-meeting
}

// NewOrchestrator creates a meeting orchestrator
func NewOrchestrator(cfg Config, panel Panel, logger core.ILogger) *Orchestrator {
	if cfg.InferredConfidence == 0 {
		cfg.InferredConfidence = 50
	}
	o := &Orchestrator{
		cfg:    cfg,
		panel:  panel,
		logger: logger.WithField("component", "meeting"),
	}
	o.phase.Store(PhaseIdle)
	return o
}

// CurrentPhase reports the phase in progress, for status surfaces
func (o *Orchestrator) CurrentPhase() Phase {
	return o.phase.Load().(Phase)
}

// Run convenes one meeting against the given position context and returns
// the consensus signal. A meeting always returns a signal; inconclusive
// outcomes surface as an explicit hold with a reason.
func (o *Orchestrator) Run(ctx context.Context, pc core.PositionContext) (*core.TradingSignal, error) {
	defer o.phase.Store(PhaseIdle)

	// Phase 1: independent analysis, in parallel
	o.phase.Store(PhaseAnalysis)
	analyses := o.collectAnalyses(ctx, pc)

	// Phase 2: one vote per participant
	o.phase.Store(PhaseVoting)
	agg := NewAggregator(o.cfg.Keywords, o.cfg.InferredConfidence, o.cfg.DefaultTPPercent, o.cfg.DefaultSLPercent, o.logger)
	o.collectVotes(ctx, pc, analyses, agg)

	tally := agg.Tally()
	o.logger.Info("Voting phase complete",
		"long", tally.Long, "short", tally.Short, "hold", tally.Hold,
		"absent", agg.AbsentCount(), "avg_confidence", tally.AvgConfidence)
	if tally.Total == 0 {
		return o.holdSignal(tally, "no votes recorded"), nil
	}

	// Phase 3: risk review
	o.phase.Store(PhaseRisk)
	riskNotes := o.riskReview(ctx, pc, tally)

	// Phase 4: consensus decision by the chair
	o.phase.Store(PhaseConsensus)
	stance, reason, err := o.consensusDecision(ctx, pc, tally, riskNotes)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return o.holdSignal(tally, reason), nil
	}

	return o.buildSignal(pc, tally, stance), nil
}

func (o *Orchestrator) collectAnalyses(ctx context.Context, pc core.PositionContext) map[string]string {
	reqs := make([]core.TurnRequest, 0, len(o.cfg.Participants))
	for _, p := range o.cfg.Participants {
		reqs = append(reqs, core.TurnRequest{
			ParticipantID: p,
			SystemPrompt:  systemPrompt(p),
			Prompt:        analysisPrompt(pc),
		})
	}

	analyses := make(map[string]string, len(reqs))
	for _, res := range o.panel.RunAll(ctx, reqs) {
		if res.Err != nil {
			o.logger.Warn("Analysis turn failed", "participant", res.ParticipantID, "error", res.Err)
			continue
		}
		analyses[res.ParticipantID] = res.Response
	}
	return analyses
}

func (o *Orchestrator) collectVotes(ctx context.Context, pc core.PositionContext, analyses map[string]string, agg *Aggregator) {
	digest := analysisDigest(o.cfg.Participants, analyses)

	reqs := make([]core.TurnRequest, 0, len(o.cfg.Participants))
	for _, p := range o.cfg.Participants {
		reqs = append(reqs, core.TurnRequest{
			ParticipantID: p,
			SystemPrompt:  systemPrompt(p),
			Prompt:        votePrompt(pc, digest),
		})
	}

	for _, res := range o.panel.RunAll(ctx, reqs) {
		if res.Err != nil {
			agg.RecordAbsent(res.ParticipantID, res.Err.Error())
			continue
		}
		agg.RecordVote(res.ParticipantID, res.Response)
	}
}

func (o *Orchestrator) riskReview(ctx context.Context, pc core.PositionContext, tally core.VoteTally) string {
	notes, err := o.panel.Chair(ctx, core.TurnRequest{
		ParticipantID: "risk_review",
		SystemPrompt:  chairSystemPrompt,
		Prompt:        riskPrompt(pc, tally),
	})
	if err != nil {
		o.logger.Warn("Risk review turn failed, continuing without notes", "error", err)
		return "(risk review unavailable)"
	}
	return notes
}

// consensusDecision returns either a stance or a hold reason. Only text
// inside the final decision markers is eligible; anything else is
// discussion and resolves to hold.
func (o *Orchestrator) consensusDecision(ctx context.Context, pc core.PositionContext, tally core.VoteTally, riskNotes string) (Stance, string, error) {
	resp, err := o.panel.Chair(ctx, core.TurnRequest{
		ParticipantID: "consensus",
		SystemPrompt:  chairSystemPrompt,
		Prompt:        consensusPrompt(pc, tally, riskNotes),
	})
	if err != nil {
		return Stance{}, "", fmt.Errorf("consensus turn: %w", err)
	}

	block, err := extractFinalDecision(resp)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoDecisionMarker) {
			o.logger.Warn("Consensus response missing final decision marker", "raw", excerpt(resp, 500))
			return Stance{}, "no final decision marker found", nil
		}
		return Stance{}, "", err
	}

	stance, err := parseStance(block, o.cfg.Keywords, o.cfg.InferredConfidence)
	if err != nil {
		o.logger.Warn("Final decision block unparseable", "error", err, "block", excerpt(block, 500))
		return Stance{}, "final decision block unparseable", nil
	}
	return stance, "", nil
}

// decideDirection maps outlook and position state to an executable action.
// The table is symmetric: swapping long and short everywhere mirrors the
// decision.
func decideDirection(stance Stance, pc core.PositionContext, highConfidence int) core.SignalDirection {
	if !pc.HasPosition {
		switch stance.Outlook {
		case OutlookBullish:
			return core.SignalLong
		case OutlookBearish:
			return core.SignalShort
		default:
			return core.SignalHold
		}
	}

	aligned := OutlookBullish
	opposed := OutlookBearish
	addSame, reverse := core.SignalAddLong, core.SignalReverseToShort
	if pc.Direction == core.DirectionShort {
		aligned, opposed = OutlookBearish, OutlookBullish
		addSame, reverse = core.SignalAddShort, core.SignalReverseToLong
	}

	switch stance.Outlook {
	case aligned:
		if pc.CanAdd {
			return addSame
		}
		return core.SignalHold
	case opposed:
		if stance.Confidence >= highConfidence {
			return reverse
		}
		return core.SignalClose
	default:
		return core.SignalHold
	}
}

func (o *Orchestrator) buildSignal(pc core.PositionContext, tally core.VoteTally, stance Stance) *core.TradingSignal {
	direction := decideDirection(stance, pc, o.cfg.HighConfidence)

	if isEntry(direction) && stance.Confidence < o.cfg.MinConfidence {
		o.logger.Info("Confidence below actionable threshold, holding",
			"confidence", stance.Confidence, "min", o.cfg.MinConfidence, "wanted", direction)
		return o.holdSignal(tally, fmt.Sprintf("confidence %d below minimum %d", stance.Confidence, o.cfg.MinConfidence))
	}

	sig := &core.TradingSignal{
		Direction:  direction,
		Confidence: decimal.NewFromInt(int64(stance.Confidence)),
		Tally:      tally,
		Rationale:  stance.Rationale,
		CreatedAt:  time.Now(),
	}
	if direction != core.SignalHold {
		sig.Leverage = RecommendLeverage(o.cfg.MaxLeverage, tally)
		sig.SizePercent = o.cfg.DefaultSizePercent
	}
	return sig
}

// isEntry reports whether the action commits new margin
func isEntry(d core.SignalDirection) bool {
	switch d {
	case core.SignalLong, core.SignalShort, core.SignalAddLong, core.SignalAddShort,
		core.SignalReverseToLong, core.SignalReverseToShort:
		return true
	}
	return false
}

// holdSignal builds the explicit hold produced by inconclusive meetings.
// A hold always carries size_percent zero and states its reason.
func (o *Orchestrator) holdSignal(tally core.VoteTally, reason string) *core.TradingSignal {
	return &core.TradingSignal{
		Direction:   core.SignalHold,
		SizePercent: decimal.Zero,
		Tally:       tally,
		Rationale:   reason,
		CreatedAt:   time.Now(),
	}
}

func analysisDigest(participants []string, analyses map[string]string) string {
	var b strings.Builder
	for _, p := range participants {
		text, ok := analyses[p]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", p, excerpt(text, 400))
	}
	if b.Len() == 0 {
		return "(no analyses available)"
	}
	return b.String()
}
