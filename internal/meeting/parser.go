// Package meeting runs the multi-phase panel that turns participant votes
// into a single trading signal.
package meeting

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"paneltrader/internal/core"
	apperrors "paneltrader/pkg/errors"
)

const (
	finalDecisionOpen  = "<final_decision>"
	finalDecisionClose = "</final_decision>"
)

// KeywordPolicy configures the free-text directional inference fallback.
// The lists are a policy choice, not hard-coded: both sides must be
// populated so inference stays symmetric.
type KeywordPolicy struct {
	Bullish []string
	Bearish []string
}

// structuredCall is the machine-readable call shape some providers emit
type structuredCall struct {
	Action string            `json:"action"`
	Args   map[string]string `json:"args"`
}

// ParseAction normalizes an agent response into a ParsedAction. It tries
// the three supported shapes in order of reliability: structured JSON call,
// legacy bracketed call, keyword inference. Callers never see the raw shape.
func ParseAction(text string, policy KeywordPolicy) core.ParsedAction {
	if call, ok := parseStructured(text); ok {
		return core.ParsedAction{Kind: core.ActionStructured, Name: call.Action, Args: call.Args}
	}
	if name, args, ok := parseLegacyCall(text); ok {
		return core.ParsedAction{Kind: core.ActionLegacyText, Name: name, Args: args}
	}
	return core.ParsedAction{Kind: core.ActionInferred, Direction: inferDirection(text, policy)}
}

// parseStructured scans for a balanced JSON object carrying an "action" key
func parseStructured(text string) (structuredCall, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end < 0 {
			break
		}
		candidate := text[start : end+1]
		var call structuredCall
		if err := json.Unmarshal([]byte(candidate), &call); err == nil && call.Action != "" {
			if call.Args == nil {
				call.Args = map[string]string{}
			}
			return call, true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return structuredCall{}, false
}

// matchBrace returns the index of the brace closing the one at start
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseLegacyCall handles the bracketed textual pattern some providers
// still emit: [name(key=value, key=value)]. A small hand parser keeps the
// grammar explicit instead of burying it in a regex.
func parseLegacyCall(text string) (string, map[string]string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		end := strings.IndexByte(text[i:], ']')
		if end < 0 {
			return "", nil, false
		}
		body := text[i+1 : i+end]
		name, args, ok := parseCallBody(body)
		if ok {
			return name, args, true
		}
		i += end
	}
	return "", nil, false
}

func parseCallBody(body string) (string, map[string]string, bool) {
	open := strings.IndexByte(body, '(')
	if open <= 0 || !strings.HasSuffix(body, ")") {
		return "", nil, false
	}
	name := strings.TrimSpace(body[:open])
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return "", nil, false
	}

	args := make(map[string]string)
	inner := body[open+1 : len(body)-1]
	if strings.TrimSpace(inner) == "" {
		return name, args, true
	}
	for _, pair := range strings.Split(inner, ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			return "", nil, false
		}
		key := strings.TrimSpace(k)
		if key == "" {
			return "", nil, false
		}
		args[key] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return name, args, true
}

// inferDirection counts bullish and bearish keyword occurrences in free
// prose. Ties and empty matches resolve to hold, never to a side.
func inferDirection(text string, policy KeywordPolicy) core.VoteDirection {
	lower := strings.ToLower(text)
	bulls := countOccurrences(lower, policy.Bullish)
	bears := countOccurrences(lower, policy.Bearish)
	switch {
	case bulls > bears:
		return core.VoteLong
	case bears > bulls:
		return core.VoteShort
	default:
		return core.VoteHold
	}
}

func countOccurrences(lower string, keywords []string) int {
	total := 0
	for _, kw := range keywords {
		total += strings.Count(lower, strings.ToLower(kw))
	}
	return total
}

// voteDefaults supplies values for fields a vote omits
type voteDefaults struct {
	Confidence int
	TPPercent  decimal.Decimal
	SLPercent  decimal.Decimal
}

// parseVote turns one raw response into a vote. An unparseable response
// yields an error and the vote stays absent; it is never defaulted to hold.
func parseVote(participantID, raw string, policy KeywordPolicy, defaults voteDefaults) (*core.AgentVote, error) {
	action := ParseAction(raw, policy)

	vote := &core.AgentVote{
		ParticipantID:     participantID,
		Confidence:        defaults.Confidence,
		TakeProfitPercent: defaults.TPPercent,
		StopLossPercent:   defaults.SLPercent,
	}

	switch action.Kind {
	case core.ActionStructured, core.ActionLegacyText:
		if action.Name != "vote" {
			return nil, fmt.Errorf("%w: unexpected call %q", apperrors.ErrUnparseableResponse, action.Name)
		}
		dir, err := coerceVoteDirection(action.Args["direction"])
		if err != nil {
			return nil, err
		}
		vote.Direction = dir
		if err := applyVoteArgs(vote, action.Args); err != nil {
			return nil, err
		}
	case core.ActionInferred:
		vote.Direction = action.Direction
		vote.Reasoning = excerpt(raw, 240)
	}
	return vote, nil
}

// applyVoteArgs coerces optional argument strings against the vote schema
func applyVoteArgs(vote *core.AgentVote, args map[string]string) error {
	if v, ok := args["confidence"]; ok {
		c, err := strconv.Atoi(v)
		if err != nil || c < 0 || c > 100 {
			return fmt.Errorf("%w: confidence %q", apperrors.ErrUnparseableResponse, v)
		}
		vote.Confidence = c
	}
	if v, ok := args["leverage"]; ok {
		lev, err := decimal.NewFromString(v)
		if err != nil || lev.IsNegative() {
			return fmt.Errorf("%w: leverage %q", apperrors.ErrUnparseableResponse, v)
		}
		vote.SuggestedLeverage = lev
	}
	if v, ok := args["tp_percent"]; ok {
		tp, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: tp_percent %q", apperrors.ErrUnparseableResponse, v)
		}
		vote.TakeProfitPercent = tp
	}
	if v, ok := args["sl_percent"]; ok {
		sl, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: sl_percent %q", apperrors.ErrUnparseableResponse, v)
		}
		vote.StopLossPercent = sl
	}
	if v, ok := args["reasoning"]; ok {
		vote.Reasoning = v
	}
	return nil
}

func coerceVoteDirection(raw string) (core.VoteDirection, error) {
	switch core.VoteDirection(strings.ToLower(strings.TrimSpace(raw))) {
	case core.VoteLong:
		return core.VoteLong, nil
	case core.VoteShort:
		return core.VoteShort, nil
	case core.VoteHold:
		return core.VoteHold, nil
	case core.VoteClose:
		return core.VoteClose, nil
	case core.VoteAddLong:
		return core.VoteAddLong, nil
	case core.VoteAddShort:
		return core.VoteAddShort, nil
	default:
		return "", fmt.Errorf("%w: direction %q", apperrors.ErrUnparseableResponse, raw)
	}
}

// Outlook is the chair's market stance inside the final decision block
type Outlook string

const (
	OutlookBullish Outlook = "bullish"
	OutlookBearish Outlook = "bearish"
	OutlookNeutral Outlook = "neutral"
)

// Stance is the parsed content of a final decision block
type Stance struct {
	Outlook    Outlook
	Confidence int
	Rationale  string
}

// extractFinalDecision returns the explicitly delimited final decision
// block. A response without the marker is not a decision: the caller must
// resolve it to hold, never to a best-effort parse of the whole text. This
// keeps a mid-discussion remark from being misread as executable.
func extractFinalDecision(text string) (string, error) {
	start := strings.Index(text, finalDecisionOpen)
	if start < 0 {
		return "", apperrors.ErrNoDecisionMarker
	}
	rest := text[start+len(finalDecisionOpen):]
	end := strings.Index(rest, finalDecisionClose)
	if end < 0 {
		return "", apperrors.ErrNoDecisionMarker
	}
	block := strings.TrimSpace(rest[:end])
	if block == "" {
		return "", apperrors.ErrNoDecisionMarker
	}
	return block, nil
}

// parseStance parses the decision block through the same dispatcher used
// for votes, so the chair may answer in any supported shape.
func parseStance(block string, policy KeywordPolicy, defaultConfidence int) (Stance, error) {
	action := ParseAction(block, policy)

	switch action.Kind {
	case core.ActionStructured, core.ActionLegacyText:
		if action.Name != "decide" {
			return Stance{}, fmt.Errorf("%w: unexpected call %q", apperrors.ErrUnparseableResponse, action.Name)
		}
		outlook, err := coerceOutlook(action.Args["outlook"])
		if err != nil {
			return Stance{}, err
		}
		st := Stance{Outlook: outlook, Confidence: defaultConfidence, Rationale: action.Args["rationale"]}
		if v, ok := action.Args["confidence"]; ok {
			c, err := strconv.Atoi(v)
			if err != nil || c < 0 || c > 100 {
				return Stance{}, fmt.Errorf("%w: confidence %q", apperrors.ErrUnparseableResponse, v)
			}
			st.Confidence = c
		}
		return st, nil
	default:
		st := Stance{Confidence: defaultConfidence, Rationale: excerpt(block, 240)}
		switch action.Direction {
		case core.VoteLong:
			st.Outlook = OutlookBullish
		case core.VoteShort:
			st.Outlook = OutlookBearish
		default:
			st.Outlook = OutlookNeutral
		}
		return st, nil
	}
}

func coerceOutlook(raw string) (Outlook, error) {
	switch Outlook(strings.ToLower(strings.TrimSpace(raw))) {
	case OutlookBullish:
		return OutlookBullish, nil
	case OutlookBearish:
		return OutlookBearish, nil
	case OutlookNeutral:
		return OutlookNeutral, nil
	default:
		return "", fmt.Errorf("%w: outlook %q", apperrors.ErrUnparseableResponse, raw)
	}
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
