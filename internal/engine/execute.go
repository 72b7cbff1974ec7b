package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"perp-agent/internal/agent"
	"perp-agent/internal/diary"
	"perp-agent/internal/events"
	"perp-agent/internal/exchange"
	"perp-agent/internal/proposal"
)

const (
	defaultRejectReason = "Rejected by user"
	fillScanDepth       = 5
	approvalTimeout     = 2 * time.Minute
	manualCloseNote     = "Closed manually by operator"
)

// ErrUnknownAsset is returned for assets outside the configured set.
var ErrUnknownAsset = errors.New("asset is not configured")

// tradeRequest is one order the engine is about to place.
type tradeRequest struct {
	Asset            string
	IsLong           bool
	AllocationUSD    float64
	TPPrice          *float64
	SLPrice          *float64
	ExitPlan         string
	Rationale        string
	ProposalID       string
	ApprovedManually bool
}

func (r tradeRequest) action() string {
	if r.IsLong {
		return string(agent.ActionBuy)
	}
	return string(agent.ActionSell)
}

// tradeOutcome is what executeTrade observed.
type tradeOutcome struct {
	Amount float64
	Price  float64
	Filled bool
}

func (s *Scheduler) processDecision(ctx context.Context, d agent.Decision) {
	asset := d.Asset()
	if _, ok := s.assets[asset]; !ok {
		s.log.Warn("⚠️ decision for unconfigured asset ignored", zap.String("asset", asset))
		return
	}

	trade, ok := agent.TradeOf(d)
	if !ok {
		s.appendDiary(ctx, diary.Hold{Asset: asset, Rationale: d.Rationale(), Confidence: d.Confidence()})
		return
	}

	alloc := trade.AllocationUSD
	if s.cfg.MaxPositionSize > 0 && alloc > s.cfg.MaxPositionSize {
		s.log.Info("allocation capped",
			zap.String("asset", asset),
			zap.Float64("requested", alloc),
			zap.Float64("cap", s.cfg.MaxPositionSize))
		alloc = s.cfg.MaxPositionSize
	}
	if alloc <= 0 {
		s.log.Warn("⚠️ decision without allocation skipped", zap.String("asset", asset), zap.String("action", string(d.Action())))
		return
	}

	req := tradeRequest{
		Asset:         asset,
		IsLong:        d.Action() == agent.ActionBuy,
		AllocationUSD: alloc,
		TPPrice:       trade.TPPrice,
		SLPrice:       trade.SLPrice,
		ExitPlan:      trade.ExitPlan,
		Rationale:     trade.Why,
	}

	if s.cfg.TradingMode == "auto" || d.Confidence() >= s.cfg.AutoTradeThreshold {
		if _, err := s.executeTrade(ctx, req); err != nil {
			s.log.Error("❌ trade execution failed", zap.String("asset", asset), zap.Error(err))
			s.reportError(fmt.Sprintf("execute %s %s: %v", req.action(), asset, err))
		}
		return
	}
	s.createProposal(ctx, req, d.Confidence())
}

func (s *Scheduler) createProposal(ctx context.Context, req tradeRequest, confidence float64) {
	price, err := s.ex.GetCurrentPrice(ctx, req.Asset)
	if err != nil {
		s.log.Error("❌ proposal price lookup failed", zap.String("asset", req.Asset), zap.Error(err))
		return
	}
	p := proposal.New(proposal.Params{
		Asset:      req.Asset,
		Action:     req.action(),
		Confidence: confidence,
		Price:      price,
		TPPrice:    req.TPPrice,
		SLPrice:    req.SLPrice,
		Allocation: req.AllocationUSD,
		Rationale:  req.Rationale,
		ExitPlan:   req.ExitPlan,
	}, s.now().UTC())
	snapshot := *p
	s.proposals.Add(p)

	s.log.Info("📝 proposal created",
		zap.String("id", snapshot.ID),
		zap.String("asset", snapshot.Asset),
		zap.String("action", snapshot.Action),
		zap.Float64("confidence", confidence))
	s.auditProposal(snapshot)

	s.stateMu.RLock()
	cb := s.observers.ProposalCreated
	s.stateMu.RUnlock()
	if cb != nil {
		cb(snapshot)
	}
	s.bus.Publish(events.EventProposalCreated, snapshot)
}

// executeTrade places a market order plus optional TP/SL triggers and records
// the result. Calls are serialised.
func (s *Scheduler) executeTrade(ctx context.Context, req tradeRequest) (tradeOutcome, error) {
	s.tradeMu.Lock()
	defer s.tradeMu.Unlock()

	price, err := s.ex.GetCurrentPrice(ctx, req.Asset)
	if err != nil {
		return tradeOutcome{}, fmt.Errorf("current price: %w", err)
	}
	if price <= 0 {
		return tradeOutcome{}, fmt.Errorf("invalid price %v for %s", price, req.Asset)
	}
	amount := req.AllocationUSD / price

	var res exchange.OrderResult
	if req.IsLong {
		res, err = s.ex.PlaceBuyOrder(ctx, req.Asset, amount)
	} else {
		res, err = s.ex.PlaceSellOrder(ctx, req.Asset, amount)
	}
	if err != nil {
		return tradeOutcome{}, fmt.Errorf("place %s order: %w", req.action(), err)
	}
	if err := res.Err(); err != nil {
		return tradeOutcome{}, err
	}

	// The order is on the venue. Cancellation only cuts the settle wait short;
	// protective orders, the ledger and the diary are always written.
	stopped := ctx.Done()
	ctx = context.WithoutCancel(ctx)

	out := tradeOutcome{Amount: amount, Price: price}
	for _, st := range res.Statuses {
		if st.Filled != nil && st.Filled.TotalSz > 0 {
			out.Amount = st.Filled.TotalSz
			if st.Filled.AvgPx > 0 {
				out.Price = st.Filled.AvgPx
			}
			break
		}
	}

	if s.cfg.SettleDelay > 0 {
		select {
		case <-stopped:
			s.log.Warn("⚠️ settle wait interrupted, recording trade", zap.String("asset", req.Asset))
		case <-time.After(s.cfg.SettleDelay):
		}
	}
	out.Filled = s.verifyFill(ctx, req.Asset, out.Amount)

	trade := ActiveTrade{
		Asset:      req.Asset,
		IsLong:     req.IsLong,
		Amount:     out.Amount,
		EntryPrice: out.Price,
		TPPrice:    req.TPPrice,
		SLPrice:    req.SLPrice,
		ExitPlan:   req.ExitPlan,
		OpenedAt:   s.now().UTC(),
	}
	if req.TPPrice != nil {
		tp, err := s.ex.PlaceTakeProfit(ctx, req.Asset, req.IsLong, out.Amount, *req.TPPrice)
		if err == nil {
			err = tp.Err()
		}
		if err != nil {
			s.log.Warn("⚠️ take-profit placement failed", zap.String("asset", req.Asset), zap.Error(err))
		} else {
			trade.TPOID = exchange.FirstOrderID(tp)
		}
	}
	if req.SLPrice != nil {
		sl, err := s.ex.PlaceStopLoss(ctx, req.Asset, req.IsLong, out.Amount, *req.SLPrice)
		if err == nil {
			err = sl.Err()
		}
		if err != nil {
			s.log.Warn("⚠️ stop-loss placement failed", zap.String("asset", req.Asset), zap.Error(err))
		} else {
			trade.SLOID = exchange.FirstOrderID(sl)
		}
	}
	s.ledger.Upsert(trade)

	s.appendDiary(ctx, diary.Trade{
		Asset:            req.Asset,
		Action:           req.action(),
		AllocationUSD:    req.AllocationUSD,
		Amount:           out.Amount,
		EntryPrice:       out.Price,
		TPPrice:          req.TPPrice,
		TPOID:            trade.TPOID,
		SLPrice:          req.SLPrice,
		SLOID:            trade.SLOID,
		ExitPlan:         req.ExitPlan,
		Rationale:        req.Rationale,
		OrderResult:      res,
		Filled:           out.Filled,
		FromProposal:     req.ProposalID != "",
		ProposalID:       req.ProposalID,
		ApprovedManually: req.ApprovedManually,
	})

	s.log.Info("✅ trade executed",
		zap.String("asset", req.Asset),
		zap.String("action", req.action()),
		zap.Float64("amount", out.Amount),
		zap.Float64("price", out.Price),
		zap.Bool("filled", out.Filled))
	s.notifyTrade(events.TradeExecuted{
		Asset:     req.Asset,
		Action:    req.action(),
		Amount:    out.Amount,
		Price:     out.Price,
		Timestamp: s.now().UTC(),
	})
	return out, nil
}

// verifyFill looks for a recent fill on the asset matching the requested size.
func (s *Scheduler) verifyFill(ctx context.Context, asset string, amount float64) bool {
	fills, err := s.ex.GetRecentFills(ctx, fillScanDepth)
	if err != nil {
		s.log.Warn("⚠️ fill verification failed", zap.String("asset", asset), zap.Error(err))
		return false
	}
	for _, f := range fills {
		if f.Coin == asset && math.Abs(f.Sz-amount) < fillTolerance {
			return true
		}
	}
	s.log.Warn("⚠️ order not found in recent fills", zap.String("asset", asset), zap.Float64("amount", amount))
	return false
}

func (s *Scheduler) notifyTrade(ev events.TradeExecuted) {
	s.stateMu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > recentEventsLimit {
		s.events = s.events[len(s.events)-recentEventsLimit:]
	}
	cb := s.observers.TradeExecuted
	s.stateMu.Unlock()
	if cb != nil {
		cb(ev)
	}
	s.bus.Publish(events.EventTradeExecuted, ev)
}

func (s *Scheduler) appendDiary(ctx context.Context, ev diary.Event) {
	if s.diary == nil {
		return
	}
	if err := s.diary.Append(ctx, ev); err != nil {
		s.log.Warn("⚠️ diary append failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
	}
}

func (s *Scheduler) auditProposal(p proposal.Proposal) {
	if s.audit != nil {
		s.audit.RecordProposal(p.Row())
	}
}

// PendingProposals lists proposals awaiting a decision.
func (s *Scheduler) PendingProposals() []proposal.Proposal {
	return s.proposals.Pending()
}

// Proposals lists every proposal ever made.
func (s *Scheduler) Proposals() []proposal.Proposal {
	return s.proposals.All()
}

// ApproveProposal marks a pending proposal approved and executes it in the
// background. The returned copy reflects the approved state.
func (s *Scheduler) ApproveProposal(id string) (proposal.Proposal, error) {
	p, ok, err := s.proposals.Update(id, func(p *proposal.Proposal) bool {
		return p.Approve(s.now().UTC())
	})
	if err != nil {
		return proposal.Proposal{}, err
	}
	if !ok {
		return p, proposal.ErrNotPending
	}
	s.log.Info("👍 proposal approved", zap.String("id", id), zap.String("asset", p.Asset))
	s.auditProposal(p)

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runApproved(p)
	}()
	return p, nil
}

func (s *Scheduler) runApproved(p proposal.Proposal) {
	ctx, cancel := context.WithTimeout(context.Background(), approvalTimeout)
	defer cancel()

	out, err := s.executeTrade(ctx, tradeRequest{
		Asset:            p.Asset,
		IsLong:           p.IsLong(),
		AllocationUSD:    p.Allocation,
		TPPrice:          p.TPPrice,
		SLPrice:          p.SLPrice,
		ExitPlan:         p.MarketConditions.ExitPlan,
		Rationale:        p.Rationale,
		ProposalID:       p.ID,
		ApprovedManually: true,
	})

	now := s.now().UTC()
	updated, _, _ := s.proposals.Update(p.ID, func(q *proposal.Proposal) bool {
		if err != nil {
			return q.MarkFailed(err.Error(), now)
		}
		return q.MarkExecuted(out.Price, now)
	})
	if err != nil {
		s.log.Error("❌ approved proposal failed", zap.String("id", p.ID), zap.Error(err))
		s.reportError(fmt.Sprintf("proposal %s: %v", p.ID, err))
	}
	s.auditProposal(updated)
	s.bus.Publish(events.EventProposalResolved, updated)
	s.publishState()
}

// RejectProposal marks a pending proposal rejected and records the reason.
func (s *Scheduler) RejectProposal(ctx context.Context, id, reason string) (proposal.Proposal, error) {
	if reason == "" {
		reason = defaultRejectReason
	}
	p, ok, err := s.proposals.Update(id, func(p *proposal.Proposal) bool {
		return p.Reject(reason, s.now().UTC())
	})
	if err != nil {
		return proposal.Proposal{}, err
	}
	if !ok {
		return p, proposal.ErrNotPending
	}
	s.log.Info("👎 proposal rejected", zap.String("id", id), zap.String("reason", reason))
	s.auditProposal(p)
	s.appendDiary(ctx, diary.ProposalRejected{
		Asset:      p.Asset,
		ProposalID: p.ID,
		Reason:     reason,
		Rationale:  p.Rationale,
	})
	s.bus.Publish(events.EventProposalResolved, p)
	return p, nil
}

// ClosePosition flattens the venue position for asset. It returns false
// when there is nothing to close.
func (s *Scheduler) ClosePosition(ctx context.Context, asset string) (bool, error) {
	if _, ok := s.assets[asset]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}

	s.tradeMu.Lock()
	closed, qty, err := s.closeLocked(ctx, asset)
	s.tradeMu.Unlock()
	if err != nil || !closed {
		return closed, err
	}

	s.ledger.Remove(asset)
	s.appendDiary(ctx, diary.ManualClose{Asset: asset, Quantity: qty, Note: manualCloseNote})
	s.log.Info("🔒 position closed manually", zap.String("asset", asset), zap.Float64("quantity", qty))

	if _, err := s.collectAccount(ctx, false); err != nil {
		s.log.Warn("⚠️ account refresh after close failed", zap.Error(err))
	}
	s.publishState()
	return true, nil
}

func (s *Scheduler) closeLocked(ctx context.Context, asset string) (bool, float64, error) {
	us, err := s.ex.GetUserState(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("get user state: %w", err)
	}
	var pos *exchange.Position
	for i := range us.Positions {
		if us.Positions[i].Symbol == asset && us.Positions[i].Quantity != 0 {
			pos = &us.Positions[i]
			break
		}
	}
	if pos == nil {
		return false, 0, nil
	}

	if n, err := s.ex.CancelAllOrders(ctx, asset); err != nil {
		s.log.Warn("⚠️ cancel orders before close failed", zap.String("asset", asset), zap.Error(err))
	} else if n > 0 {
		s.log.Info("cancelled resting orders", zap.String("asset", asset), zap.Int("count", n))
	}

	size := math.Abs(pos.Quantity)
	var res exchange.OrderResult
	if pos.IsLong() {
		res, err = s.ex.PlaceSellOrder(ctx, asset, size)
	} else {
		res, err = s.ex.PlaceBuyOrder(ctx, asset, size)
	}
	if err != nil {
		return false, 0, fmt.Errorf("close %s: %w", asset, err)
	}
	if err := res.Err(); err != nil {
		return false, 0, fmt.Errorf("close %s: %w", asset, err)
	}
	return true, pos.Quantity, nil
}
