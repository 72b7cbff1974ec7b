package events

import "time"

// Event enumerates the observer topics published by the engine.
type Event string

const (
	EventStateUpdate      Event = "engine.state_update"
	EventCycleCompleted   Event = "engine.cycle_completed"
	EventTradeExecuted    Event = "engine.trade_executed"
	EventEngineError      Event = "engine.error"
	EventProposalCreated  Event = "proposal.created"
	EventProposalResolved Event = "proposal.resolved"
)

// TradeExecuted is published after an order is placed and recorded.
type TradeExecuted struct {
	Asset     string    `json:"asset"`
	Action    string    `json:"action"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// CycleCompleted is published once per decision cycle, failed or not.
type CycleCompleted struct {
	Invocation int64     `json:"invocation"`
	Failed     bool      `json:"failed"`
	Timestamp  time.Time `json:"timestamp"`
}

// EngineError is published for iteration and execution failures.
type EngineError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
