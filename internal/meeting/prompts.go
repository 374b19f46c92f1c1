package meeting

import (
	"fmt"
	"strings"

	"paneltrader/internal/core"
)

// voteOptions is the single option set shown to every participant. The
// ordering is fixed for all of them regardless of position bias: no
// participant ever sees "short" promoted ahead of "long" or vice versa.
const voteOptions = "long, short, hold, close, add_long, add_short"

func describeContext(pc core.PositionContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "price=%s equity=%s available_margin=%s", pc.CurrentPrice, pc.TotalEquity, pc.TrueAvailableMargin)
	if !pc.HasPosition {
		b.WriteString(" position=none")
		return b.String()
	}
	fmt.Fprintf(&b, " position=%s entry=%s pnl_pct=%s", pc.Direction, pc.EntryPrice, pc.PnLPercent.StringFixed(2))
	fmt.Fprintf(&b, " dist_tp_pct=%s dist_sl_pct=%s dist_liq_pct=%s",
		pc.DistanceToTPPercent.StringFixed(2), pc.DistanceToSLPercent.StringFixed(2), pc.DistanceToLiqPercent.StringFixed(2))
	fmt.Fprintf(&b, " position_pct=%s can_add=%t max_add=%s held=%s",
		pc.CurrentPositionPercent.StringFixed(4), pc.CanAdd, pc.MaxAdditionalAmount, pc.HoldingDuration.Round(0))
	return b.String()
}

func analysisPrompt(pc core.PositionContext) string {
	return fmt.Sprintf(
		"Current state: %s\n\nGive your independent market analysis. Cover trend, momentum and risk. Do not vote yet.",
		describeContext(pc))
}

func votePrompt(pc core.PositionContext, analysisDigest string) string {
	return fmt.Sprintf(
		"Current state: %s\n\nPanel analysis so far:\n%s\n\n"+
			"Cast exactly one vote. Options (fixed order): %s.\n"+
			"Respond with a call in the form {\"action\":\"vote\",\"args\":{\"direction\":\"...\",\"confidence\":\"0-100\",\"leverage\":\"...\",\"reasoning\":\"...\"}} "+
			"or [vote(direction=..., confidence=...)].",
		describeContext(pc), analysisDigest, voteOptions)
}

func riskPrompt(pc core.PositionContext, tally core.VoteTally) string {
	return fmt.Sprintf(
		"Current state: %s\n\nVote tally: long=%d short=%d hold=%d avg_confidence=%s.\n\n"+
			"Review the tally against position risk. Flag anything that should temper the final decision.",
		describeContext(pc), tally.Long, tally.Short, tally.Hold, tally.AvgConfidence.StringFixed(1))
}

func consensusPrompt(pc core.PositionContext, tally core.VoteTally, riskNotes string) string {
	return fmt.Sprintf(
		"Current state: %s\n\nVote tally: long=%d short=%d hold=%d avg_confidence=%s.\nRisk review:\n%s\n\n"+
			"State the panel's final market outlook. Your decision is only valid inside the markers:\n"+
			"%s\n{\"action\":\"decide\",\"args\":{\"outlook\":\"bullish|bearish|neutral\",\"confidence\":\"0-100\",\"rationale\":\"...\"}}\n%s\n"+
			"Text outside the markers is discussion and will not be executed.",
		describeContext(pc), tally.Long, tally.Short, tally.Hold, tally.AvgConfidence.StringFixed(1),
		riskNotes, finalDecisionOpen, finalDecisionClose)
}

func systemPrompt(participantID string) string {
	return fmt.Sprintf(
		"You are %q, one independent analyst on a trading panel for a single leveraged position. "+
			"Be specific and commit to a view; unclear answers are discarded.", participantID)
}

const chairSystemPrompt = "You chair the panel's consensus phase. Weigh the votes and the risk review, then " +
	"deliver one final decision inside the required markers."
