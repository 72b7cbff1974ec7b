package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-agent/internal/events"
)

// Monitor folds engine events into metrics and forwards engine errors as alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	AlertFn func(string)
	Log     *zap.Logger
}

// Start subscribes to the bus until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		if m.Log != nil {
			m.Log.Warn("monitor not fully configured; skipping")
		}
		return
	}
	topics := []events.Event{
		events.EventCycleCompleted,
		events.EventTradeExecuted,
		events.EventProposalCreated,
		events.EventProposalResolved,
		events.EventEngineError,
	}
	for _, topic := range topics {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go m.consume(ctx, topic, stream, unsub)
	}
}

func (m *Monitor) consume(ctx context.Context, topic events.Event, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			m.handle(topic, msg)
		}
	}
}

func (m *Monitor) handle(topic events.Event, msg any) {
	switch topic {
	case events.EventCycleCompleted:
		m.Metrics.IncrementCycles()
	case events.EventTradeExecuted:
		m.Metrics.IncrementTrades()
	case events.EventProposalCreated:
		m.Metrics.IncrementProposals()
	case events.EventProposalResolved:
		m.Metrics.IncrementProposalsResolved()
	case events.EventEngineError:
		m.Metrics.IncrementErrors()
		if m.AlertFn != nil {
			m.AlertFn(formatAlert(msg))
		}
	}
}

func formatAlert(msg any) string {
	switch t := msg.(type) {
	case events.EngineError:
		return fmt.Sprintf("[%s] %s", t.Timestamp.Format(time.RFC3339), t.Message)
	case string:
		return "[" + time.Now().Format(time.RFC3339) + "] " + t
	default:
		return "[" + time.Now().Format(time.RFC3339) + "] engine error"
	}
}
