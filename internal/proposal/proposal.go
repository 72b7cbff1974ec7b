// Package proposal models trades that wait for a human decision.
package proposal

import (
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-agent/pkg/db"
)

// Status of a proposal. Transitions only move forward:
// pending → approved → executed|failed, or pending → rejected.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

var (
	ErrNotFound   = errors.New("proposal not found")
	ErrNotPending = errors.New("proposal is not pending")
)

// MarketConditions is the context captured when the proposal was made.
type MarketConditions struct {
	CurrentPrice float64 `json:"current_price"`
	ExitPlan     string  `json:"exit_plan"`
}

// Proposal is an agent trade held for approval.
type Proposal struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	Asset            string           `json:"asset"`
	Action           string           `json:"action"`
	Confidence       float64          `json:"confidence"`
	RiskReward       *float64         `json:"risk_reward"`
	EntryPrice       float64          `json:"entry_price"`
	TPPrice          *float64         `json:"tp_price"`
	SLPrice          *float64         `json:"sl_price"`
	Size             float64          `json:"size"`
	Allocation       float64          `json:"allocation"`
	Rationale        string           `json:"rationale"`
	MarketConditions MarketConditions `json:"market_conditions"`
	Status           Status           `json:"status"`
	ApprovedAt       *time.Time       `json:"approved_at"`
	RejectedAt       *time.Time       `json:"rejected_at"`
	ExecutedAt       *time.Time       `json:"executed_at"`
	ExecutionPrice   *float64         `json:"execution_price"`
	ExecutionError   string           `json:"execution_error,omitempty"`
}

// Params are the inputs for New.
type Params struct {
	Asset      string
	Action     string
	Confidence float64
	Price      float64
	TPPrice    *float64
	SLPrice    *float64
	Allocation float64
	Rationale  string
	ExitPlan   string
}

// New snapshots the entry price and derives size and risk/reward.
func New(p Params, now time.Time) *Proposal {
	size := 0.0
	if p.Price > 0 {
		size = p.Allocation / p.Price
	}
	return &Proposal{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Asset:      p.Asset,
		Action:     p.Action,
		Confidence: p.Confidence,
		RiskReward: RiskReward(p.Price, p.TPPrice, p.SLPrice),
		EntryPrice: p.Price,
		TPPrice:    p.TPPrice,
		SLPrice:    p.SLPrice,
		Size:       size,
		Allocation: p.Allocation,
		Rationale:  p.Rationale,
		MarketConditions: MarketConditions{
			CurrentPrice: p.Price,
			ExitPlan:     p.ExitPlan,
		},
		Status: StatusPending,
	}
}

// RiskReward is the target distance over the stop distance, nil when undefined.
func RiskReward(price float64, tp, sl *float64) *float64 {
	if price <= 0 || tp == nil || sl == nil {
		return nil
	}
	risk := math.Abs(*sl-price) / price
	if risk == 0 {
		return nil
	}
	rr := (math.Abs(*tp-price) / price) / risk
	return &rr
}

// PotentialGain is the % move to the target, 0 without one.
func (p *Proposal) PotentialGain() float64 {
	if p.TPPrice == nil || p.EntryPrice <= 0 {
		return 0
	}
	return math.Abs(*p.TPPrice-p.EntryPrice) / p.EntryPrice * 100
}

// PotentialLoss is the % move to the stop, 0 without one.
func (p *Proposal) PotentialLoss() float64 {
	if p.SLPrice == nil || p.EntryPrice <= 0 {
		return 0
	}
	return math.Abs(*p.SLPrice-p.EntryPrice) / p.EntryPrice * 100
}

// IsLong reports whether executing the proposal buys.
func (p *Proposal) IsLong() bool { return p.Action == "buy" }

// Approve moves a pending proposal to approved.
func (p *Proposal) Approve(now time.Time) bool {
	if p.Status != StatusPending {
		return false
	}
	p.Status = StatusApproved
	p.ApprovedAt = &now
	return true
}

// Reject moves a pending proposal to rejected and keeps the reason.
func (p *Proposal) Reject(reason string, now time.Time) bool {
	if p.Status != StatusPending {
		return false
	}
	p.Status = StatusRejected
	p.RejectedAt = &now
	p.ExecutionError = reason
	return true
}

// MarkExecuted records a successful execution of an approved proposal.
func (p *Proposal) MarkExecuted(price float64, now time.Time) bool {
	if p.Status != StatusApproved {
		return false
	}
	p.Status = StatusExecuted
	p.ExecutedAt = &now
	p.ExecutionPrice = &price
	return true
}

// MarkFailed records a failed execution of an approved proposal.
func (p *Proposal) MarkFailed(msg string, now time.Time) bool {
	if p.Status != StatusApproved {
		return false
	}
	p.Status = StatusFailed
	p.ExecutedAt = &now
	p.ExecutionError = msg
	return true
}

// Row converts the proposal for the audit table.
func (p *Proposal) Row() db.ProposalRow {
	return db.ProposalRow{
		ID:             p.ID,
		Asset:          p.Asset,
		Action:         p.Action,
		Confidence:     p.Confidence,
		Size:           p.Size,
		Allocation:     p.Allocation,
		EntryPrice:     p.EntryPrice,
		TPPrice:        nullFloat(p.TPPrice),
		SLPrice:        nullFloat(p.SLPrice),
		Status:         string(p.Status),
		Rationale:      p.Rationale,
		ExitPlan:       p.MarketConditions.ExitPlan,
		ExecutionPrice: nullFloat(p.ExecutionPrice),
		ExecutionError: p.ExecutionError,
		CreatedAt:      p.Timestamp,
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Book keeps every proposal ever made, in creation order.
type Book struct {
	mu    sync.Mutex
	items []*Proposal
	index map[string]*Proposal
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{index: make(map[string]*Proposal)}
}

// Add appends a proposal.
func (b *Book) Add(p *Proposal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, p)
	b.index[p.ID] = p
}

// Get returns a copy of the proposal.
func (b *Book) Get(id string) (Proposal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.index[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// Pending returns copies of proposals still waiting for a decision.
func (b *Book) Pending() []Proposal {
	return b.filter(func(p *Proposal) bool { return p.Status == StatusPending })
}

// All returns copies of every proposal.
func (b *Book) All() []Proposal {
	return b.filter(func(*Proposal) bool { return true })
}

func (b *Book) filter(keep func(*Proposal) bool) []Proposal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Proposal, 0, len(b.items))
	for _, p := range b.items {
		if keep(p) {
			out = append(out, *p)
		}
	}
	return out
}

// Update applies fn to the stored proposal under the book lock and returns
// the resulting copy. ok is the value returned by fn.
func (b *Book) Update(id string, fn func(*Proposal) bool) (Proposal, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.index[id]
	if !found {
		return Proposal{}, false, ErrNotFound
	}
	ok := fn(p)
	return *p, ok, nil
}
