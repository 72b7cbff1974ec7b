// Package diary is the append-only audit log of engine decisions and actions.
// Every record has a kind and a fixed schema for that kind.
package diary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perp-agent/internal/exchange"
)

// Kind names an event schema.
type Kind string

const (
	KindTrade            Kind = "trade"
	KindHold             Kind = "hold"
	KindReconcile        Kind = "reconcile"
	KindProposalRejected Kind = "proposal_rejected"
	KindManualClose      Kind = "manual_close"
)

// Event is implemented by every typed diary payload.
type Event interface {
	Kind() Kind
	AssetName() string
	ActionName() string
}

// Log is an append-only sink that can replay its tail.
type Log interface {
	Append(ctx context.Context, ev Event) error
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// Trade records an order placed by the engine, automatically or from an approved proposal.
type Trade struct {
	Asset            string               `json:"asset"`
	Action           string               `json:"action"`
	AllocationUSD    float64              `json:"allocation_usd"`
	Amount           float64              `json:"amount"`
	EntryPrice       float64              `json:"entry_price"`
	TPPrice          *float64             `json:"tp_price"`
	TPOID            string               `json:"tp_oid,omitempty"`
	SLPrice          *float64             `json:"sl_price"`
	SLOID            string               `json:"sl_oid,omitempty"`
	ExitPlan         string               `json:"exit_plan"`
	Rationale        string               `json:"rationale"`
	OrderResult      exchange.OrderResult `json:"order_result"`
	Filled           bool                 `json:"filled"`
	FromProposal     bool                 `json:"from_proposal,omitempty"`
	ProposalID       string               `json:"proposal_id,omitempty"`
	ApprovedManually bool                 `json:"approved_manually,omitempty"`
}

func (Trade) Kind() Kind           { return KindTrade }
func (t Trade) AssetName() string  { return t.Asset }
func (t Trade) ActionName() string { return t.Action }

// Hold records a decision to do nothing.
type Hold struct {
	Asset      string  `json:"asset"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

func (Hold) Kind() Kind          { return KindHold }
func (h Hold) AssetName() string { return h.Asset }
func (Hold) ActionName() string  { return "hold" }

// Reconcile records active trades dropped because the venue no longer reports them.
type Reconcile struct {
	RemovedAssets []string `json:"removed_assets"`
	Note          string   `json:"note"`
}

func (Reconcile) Kind() Kind         { return KindReconcile }
func (Reconcile) AssetName() string  { return "" }
func (Reconcile) ActionName() string { return "reconcile" }

// ProposalRejected records a human rejection.
type ProposalRejected struct {
	Asset      string `json:"asset"`
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
	Rationale  string `json:"rationale"`
}

func (ProposalRejected) Kind() Kind          { return KindProposalRejected }
func (p ProposalRejected) AssetName() string { return p.Asset }
func (ProposalRejected) ActionName() string  { return "proposal_rejected" }

// ManualClose records an operator-initiated close.
type ManualClose struct {
	Asset    string  `json:"asset"`
	Quantity float64 `json:"quantity"`
	Note     string  `json:"note"`
}

func (ManualClose) Kind() Kind          { return KindManualClose }
func (m ManualClose) AssetName() string { return m.Asset }
func (ManualClose) ActionName() string  { return "manual_close" }

// Entry is the stored envelope: common fields plus the kind-specific detail.
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Kind       Kind            `json:"kind"`
	Asset      string          `json:"asset"`
	Action     string          `json:"action"`
	InstanceID string          `json:"instance_id,omitempty"`
	Detail     json.RawMessage `json:"detail"`
}

// NewEntry wraps ev in an envelope.
func NewEntry(ev Event, now time.Time, instanceID string) (Entry, error) {
	detail, err := json.Marshal(ev)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s entry: %w", ev.Kind(), err)
	}
	return Entry{
		Timestamp:  now.UTC(),
		Kind:       ev.Kind(),
		Asset:      ev.AssetName(),
		Action:     ev.ActionName(),
		InstanceID: instanceID,
		Detail:     detail,
	}, nil
}

// Event decodes the detail back into its typed form.
func (e Entry) Event() (Event, error) {
	var ev Event
	switch e.Kind {
	case KindTrade:
		var v Trade
		if err := json.Unmarshal(e.Detail, &v); err != nil {
			return nil, err
		}
		ev = v
	case KindHold:
		var v Hold
		if err := json.Unmarshal(e.Detail, &v); err != nil {
			return nil, err
		}
		ev = v
	case KindReconcile:
		var v Reconcile
		if err := json.Unmarshal(e.Detail, &v); err != nil {
			return nil, err
		}
		ev = v
	case KindProposalRejected:
		var v ProposalRejected
		if err := json.Unmarshal(e.Detail, &v); err != nil {
			return nil, err
		}
		ev = v
	case KindManualClose:
		var v ManualClose
		if err := json.Unmarshal(e.Detail, &v); err != nil {
			return nil, err
		}
		ev = v
	default:
		return nil, fmt.Errorf("unknown diary kind %q", e.Kind)
	}
	return ev, nil
}
