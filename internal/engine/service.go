// Package engine runs the observe, decide and act cycle: it pulls account and
// market state from an exchange adapter, asks the decision agent for trades
// and either executes them or queues them as proposals.
package engine

import (
	"context"

	"perp-agent/internal/diary"
	"perp-agent/internal/events"
	"perp-agent/internal/exchange"
	"perp-agent/internal/proposal"
)

// Service is what the control surface may call. The API and notifiers only
// talk to the engine through it.
type Service interface {
	// Lifecycle
	Start() bool
	Stop()
	IsRunning() bool

	// Queries
	State() EngineState
	RecentEvents() []events.TradeExecuted
	RecentDiary(ctx context.Context, n int) ([]diary.Entry, error)
	RecentFills(ctx context.Context, n int) ([]exchange.Fill, error)

	// Positions
	ClosePosition(ctx context.Context, asset string) (bool, error)

	// Proposals
	PendingProposals() []proposal.Proposal
	Proposals() []proposal.Proposal
	ApproveProposal(id string) (proposal.Proposal, error)
	RejectProposal(ctx context.Context, id, reason string) (proposal.Proposal, error)
}

var _ Service = (*Scheduler)(nil)
