package meeting

import (
	"context"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	"paneltrader/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// Aggregator collects one vote per participant per meeting. Parse failures
// are recorded as absent and excluded from every tally; "none" and "hold"
// are distinct outcomes and never collapsed into each other.
type Aggregator struct {
	logger   core.ILogger
	policy   KeywordPolicy
	defaults voteDefaults

	votes  []core.AgentVote
	absent []string
}

// NewAggregator creates an aggregator for a single meeting
func NewAggregator(policy KeywordPolicy, defaultConfidence int, tpPercent, slPercent decimal.Decimal, logger core.ILogger) *Aggregator {
	return &Aggregator{
		logger: logger.WithField("component", "vote_aggregator"),
		policy: policy,
		defaults: voteDefaults{
			Confidence: defaultConfidence,
			TPPercent:  tpPercent,
			SLPercent:  slPercent,
		},
	}
}

// RecordVote parses a raw response into a vote. On failure it logs the raw
// response for diagnosis and returns nil; the participant simply does not
// vote this round.
func (a *Aggregator) RecordVote(participantID, raw string) *core.AgentVote {
	vote, err := parseVote(participantID, raw, a.policy, a.defaults)
	if err != nil {
		a.logger.Warn("Discarding unparseable vote",
			"participant", participantID, "error", err, "raw", excerpt(raw, 500))
		a.absent = append(a.absent, participantID)
		telemetry.GetGlobalMetrics().RecordAbsentVote(context.Background(), participantID)
		return nil
	}
	a.votes = append(a.votes, *vote)
	return vote
}

// RecordAbsent marks a participant whose turn failed outright
func (a *Aggregator) RecordAbsent(participantID, reason string) {
	a.logger.Warn("Participant absent from vote", "participant", participantID, "reason", reason)
	a.absent = append(a.absent, participantID)
	telemetry.GetGlobalMetrics().RecordAbsentVote(context.Background(), participantID)
}

// Votes returns the recorded votes
func (a *Aggregator) Votes() []core.AgentVote {
	return a.votes
}

// AbsentCount returns how many participants failed to vote
func (a *Aggregator) AbsentCount() int {
	return len(a.absent)
}

// Tally counts directional stances and averages confidence over recorded
// votes. Add votes count toward their side; close counts as non-directional.
func (a *Aggregator) Tally() core.VoteTally {
	t := core.VoteTally{Total: len(a.votes)}
	confSum := 0
	for _, v := range a.votes {
		switch v.Direction {
		case core.VoteLong, core.VoteAddLong:
			t.Long++
		case core.VoteShort, core.VoteAddShort:
			t.Short++
		default:
			t.Hold++
		}
		confSum += v.Confidence
	}
	if t.Total > 0 {
		t.AvgConfidence = decimal.NewFromInt(int64(confSum)).Div(decimal.NewFromInt(int64(t.Total)))
	}
	return t
}

// ConsensusStrength is the fraction of votes aligned with the majority
// direction. Long and short are treated symmetrically; a tie carries the
// strength of either side without favoring one.
func ConsensusStrength(t core.VoteTally) decimal.Decimal {
	if t.Total == 0 {
		return decimal.Zero
	}
	major := t.Long
	if t.Short > major {
		major = t.Short
	}
	return decimal.NewFromInt(int64(major)).Div(decimal.NewFromInt(int64(t.Total)))
}

// RecommendLeverage scales the configured maximum by consensus strength and
// average confidence: max * strength * confidence/100.
func RecommendLeverage(maxLeverage decimal.Decimal, t core.VoteTally) decimal.Decimal {
	if t.Total == 0 {
		return decimal.Zero
	}
	lev := maxLeverage.Mul(ConsensusStrength(t)).Mul(t.AvgConfidence.Div(hundred))
	if lev.LessThan(decimal.NewFromInt(1)) && lev.IsPositive() {
		lev = decimal.NewFromInt(1)
	}
	return lev
}
