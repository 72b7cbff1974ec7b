package reconciliation

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"perp-agent/internal/diary"
	"perp-agent/internal/exchange"
)

// Note recorded with every reconcile diary entry.
const RemovedNote = "Position no longer exists on exchange"

// Ledger is the local active-trade book being reconciled.
type Ledger interface {
	Assets() []string
	Remove(asset string) bool
}

// Service drops active trades the venue no longer knows about.
type Service struct {
	diary diary.Log
	log   *zap.Logger
	now   func() time.Time
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Tracked   []string  `json:"tracked"`
	Removed   []string  `json:"removed"`
}

// HasDiffs reports whether anything was removed.
func (r Report) HasDiffs() bool { return len(r.Removed) > 0 }

// NewService creates a reconciliation service writing to d.
func NewService(d diary.Log, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{diary: d, log: log, now: time.Now}
}

// TrackedAssets is the set of assets with a non-flat position or a resting order.
func TrackedAssets(positions []exchange.Position, orders []exchange.OpenOrder) map[string]struct{} {
	set := make(map[string]struct{}, len(positions)+len(orders))
	for _, p := range positions {
		if math.Abs(p.Quantity) > 0 {
			set[p.Symbol] = struct{}{}
		}
	}
	for _, o := range orders {
		set[o.Coin] = struct{}{}
	}
	return set
}

// Reconcile removes every ledger entry whose asset is absent from the venue's
// positions and open orders, and records one diary entry naming them.
// Vanished trades are informational; only a diary write failure is returned.
func (s *Service) Reconcile(ctx context.Context, ledger Ledger, positions []exchange.Position, orders []exchange.OpenOrder) (Report, error) {
	tracked := TrackedAssets(positions, orders)
	report := Report{Timestamp: s.now()}
	for asset := range tracked {
		report.Tracked = append(report.Tracked, asset)
	}
	sort.Strings(report.Tracked)

	for _, asset := range ledger.Assets() {
		if _, ok := tracked[asset]; ok {
			continue
		}
		if ledger.Remove(asset) {
			report.Removed = append(report.Removed, asset)
		}
	}
	if !report.HasDiffs() {
		return report, nil
	}

	sort.Strings(report.Removed)
	s.log.Info("🔄 reconciliation removed stale active trades", zap.Strings("assets", report.Removed))
	if s.diary == nil {
		return report, nil
	}
	err := s.diary.Append(ctx, diary.Reconcile{RemovedAssets: report.Removed, Note: RemovedNote})
	if err != nil {
		s.log.Error("❌ reconcile diary write failed", zap.Error(err))
	}
	return report, err
}
