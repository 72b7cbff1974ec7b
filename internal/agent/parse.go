package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"perp-agent/pkg/config"
)

// ErrMalformedDecision marks replies that do not match the decision schema.
var ErrMalformedDecision = errors.New("malformed decision payload")

// number accepts JSON numbers, numeric strings, empty strings and null.
type number struct {
	Value float64
	Valid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = number{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = number{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = number{Value: v, Valid: true}
	return nil
}

type rawDecision struct {
	Asset         string `json:"asset"`
	Action        string `json:"action"`
	AllocationUSD number `json:"allocation_usd"`
	TPPrice       number `json:"tp_price"`
	SLPrice       number `json:"sl_price"`
	ExitPlan      string `json:"exit_plan"`
	Rationale     string `json:"rationale"`
	Confidence    number `json:"confidence"`
}

type rawResponse struct {
	Reasoning      string         `json:"reasoning"`
	TradeDecisions *[]rawDecision `json:"trade_decisions"`
}

// Parse validates a reply body and converts it into typed decisions.
func Parse(body []byte) (Response, error) {
	body = stripFences(body)
	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if raw.TradeDecisions == nil {
		return Response{}, fmt.Errorf("%w: trade_decisions missing", ErrMalformedDecision)
	}

	out := Response{Reasoning: raw.Reasoning, Decisions: make([]Decision, 0, len(*raw.TradeDecisions))}
	for i, rd := range *raw.TradeDecisions {
		d, err := rd.decision()
		if err != nil {
			return Response{}, fmt.Errorf("%w: decision %d: %v", ErrMalformedDecision, i, err)
		}
		out.Decisions = append(out.Decisions, d)
	}
	return out, nil
}

func (rd rawDecision) decision() (Decision, error) {
	asset := strings.ToUpper(strings.TrimSpace(rd.Asset))
	if asset == "" {
		return nil, errors.New("asset is empty")
	}
	conf := DefaultConfidence
	if rd.Confidence.Valid {
		conf = config.NormalizeConfidence(rd.Confidence.Value)
	}

	action := Action(strings.ToLower(strings.TrimSpace(rd.Action)))
	if action == ActionHold {
		return Hold{Symbol: asset, Why: rd.Rationale, Conf: conf}, nil
	}
	t := Trade{
		Symbol:        asset,
		AllocationUSD: rd.AllocationUSD.Value,
		TPPrice:       positive(rd.TPPrice),
		SLPrice:       positive(rd.SLPrice),
		ExitPlan:      rd.ExitPlan,
		Why:           rd.Rationale,
		Conf:          conf,
	}
	switch action {
	case ActionBuy:
		return Buy{t}, nil
	case ActionSell:
		return Sell{t}, nil
	}
	return nil, fmt.Errorf("unknown action %q", rd.Action)
}

func positive(n number) *float64 {
	if !n.Valid || n.Value <= 0 {
		return nil
	}
	v := n.Value
	return &v
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(body []byte) []byte {
	s := strings.TrimSpace(string(body))
	if !strings.HasPrefix(s, "```") {
		return []byte(s)
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
