// Package agent defines the decision-function contract and its transports.
package agent

import (
	"context"
	"strings"
)

// Action is one of buy, sell or hold.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

const (
	// DefaultConfidence applies when the agent omits a confidence.
	DefaultConfidence = 75.0

	// StrictPrefix is prepended to the context when a reply could not be parsed.
	StrictPrefix = "Return ONLY the JSON object per the schema. No markdown, no explanation.\n\n"

	FallbackRationale   = "API error - defaulting to HOLD"
	ParseErrorRationale = "Parse error - defaulting to HOLD"
)

// Agent maps assets plus a serialized context onto trade decisions.
type Agent interface {
	Decide(ctx context.Context, assets []string, prompt string) (Response, error)
}

// Decision is the validated form of one trade decision: Buy, Sell or Hold.
type Decision interface {
	Asset() string
	Action() Action
	Rationale() string
	Confidence() float64
}

// Trade carries the fields shared by Buy and Sell.
type Trade struct {
	Symbol        string   `json:"asset"`
	AllocationUSD float64  `json:"allocation_usd"`
	TPPrice       *float64 `json:"tp_price,omitempty"`
	SLPrice       *float64 `json:"sl_price,omitempty"`
	ExitPlan      string   `json:"exit_plan"`
	Why           string   `json:"rationale"`
	Conf          float64  `json:"confidence"`
}

func (t Trade) Asset() string       { return t.Symbol }
func (t Trade) Rationale() string   { return t.Why }
func (t Trade) Confidence() float64 { return t.Conf }

// Buy opens or adds to a long.
type Buy struct{ Trade }

func (Buy) Action() Action { return ActionBuy }

// Sell opens or adds to a short.
type Sell struct{ Trade }

func (Sell) Action() Action { return ActionSell }

// Hold takes no exchange action.
type Hold struct {
	Symbol string  `json:"asset"`
	Why    string  `json:"rationale"`
	Conf   float64 `json:"confidence"`
}

func (h Hold) Asset() string       { return h.Symbol }
func (Hold) Action() Action        { return ActionHold }
func (h Hold) Rationale() string   { return h.Why }
func (h Hold) Confidence() float64 { return h.Conf }

// TradeOf unwraps the shared trade fields of a Buy or Sell.
func TradeOf(d Decision) (Trade, bool) {
	switch v := d.(type) {
	case Buy:
		return v.Trade, true
	case Sell:
		return v.Trade, true
	}
	return Trade{}, false
}

// Response is a validated agent reply.
type Response struct {
	Reasoning string     `json:"reasoning"`
	Decisions []Decision `json:"trade_decisions"`
}

// ParseFailed reports a reply made only of holds explaining a parse failure,
// which some agents return instead of an error.
func (r Response) ParseFailed() bool {
	if len(r.Decisions) == 0 {
		return false
	}
	for _, d := range r.Decisions {
		if d.Action() != ActionHold || !strings.Contains(strings.ToLower(d.Rationale()), "parse error") {
			return false
		}
	}
	return true
}

// Fallback holds every asset with the given rationale.
func Fallback(assets []string, rationale string) Response {
	if rationale == "" {
		rationale = FallbackRationale
	}
	out := Response{Reasoning: rationale, Decisions: make([]Decision, 0, len(assets))}
	for _, a := range assets {
		out.Decisions = append(out.Decisions, Hold{Symbol: a, Why: rationale, Conf: 0})
	}
	return out
}
