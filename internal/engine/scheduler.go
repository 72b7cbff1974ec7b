package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-agent/internal/agent"
	"perp-agent/internal/diary"
	"perp-agent/internal/events"
	"perp-agent/internal/exchange"
	"perp-agent/internal/monitor"
	"perp-agent/internal/proposal"
	"perp-agent/internal/reconciliation"
	"perp-agent/pkg/config"
	"perp-agent/pkg/db"
	market "perp-agent/pkg/market/binance"
)

const (
	diaryContextSize  = 10
	fillsFetchSize    = 50
	fillsContextSize  = 20
	sharpeWindow      = 100
	recentEventsLimit = 200
	fillTolerance     = 1e-4
)

// ProposalAuditor receives every proposal transition.
type ProposalAuditor interface {
	RecordProposal(row db.ProposalRow)
}

// KlineSource streams closed candles for the price history buffer.
type KlineSource interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan market.Kline, func(), error)
}

// Deps are the collaborators of the scheduler.
type Deps struct {
	Config     *config.Config
	Exchange   exchange.Adapter
	Agent      agent.Agent
	Diary      diary.Log
	Bus        *events.Bus
	Audit      ProposalAuditor
	Stream     KlineSource
	Metrics    *monitor.SystemMetrics
	InstanceID string
	Log        *zap.Logger
}

// Scheduler drives one decision cycle per interval.
type Scheduler struct {
	cfg       config.Config
	interval  time.Duration
	assets    map[string]struct{}
	ex        exchange.Adapter
	agent     agent.Agent
	diary     diary.Log
	bus       *events.Bus
	audit     ProposalAuditor
	stream    KlineSource
	metrics   *monitor.SystemMetrics
	reconcile *reconciliation.Service
	ledger    *tradeLedger
	history   *priceHistory
	proposals *proposal.Book
	log       *zap.Logger
	now       func() time.Time

	observers Observers

	// run lifecycle
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// serialises order placement between ticks, approvals and manual closes
	tradeMu sync.Mutex
	tasks   sync.WaitGroup

	stateMu    sync.RWMutex
	state      EngineState
	returns    []float64
	prevEquity float64
	events     []events.TradeExecuted
}

// New validates dependencies and builds a stopped scheduler.
func New(d Deps) (*Scheduler, error) {
	if d.Config == nil {
		return nil, &config.ConfigurationError{Field: "config", Reason: "missing"}
	}
	if d.Exchange == nil {
		return nil, &config.ConfigurationError{Field: "TRADING_BACKEND", Reason: "no exchange adapter"}
	}
	if d.Agent == nil {
		return nil, &config.ConfigurationError{Field: "AGENT_KIND", Reason: "no decision agent"}
	}
	if len(d.Config.Assets) == 0 {
		return nil, &config.ConfigurationError{Field: "ASSETS", Reason: "at least one asset is required"}
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	cfg := *d.Config
	assets := make(map[string]struct{}, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[a] = struct{}{}
	}
	s := &Scheduler{
		cfg:       cfg,
		interval:  ParseInterval(cfg.Interval),
		assets:    assets,
		ex:        d.Exchange,
		agent:     d.Agent,
		diary:     d.Diary,
		bus:       d.Bus,
		audit:     d.Audit,
		stream:    d.Stream,
		metrics:   d.Metrics,
		reconcile: reconciliation.NewService(d.Diary, log.Named("reconcile")),
		ledger:    newTradeLedger(),
		history:   newPriceHistory(historyCapacity),
		proposals: proposal.NewBook(),
		log:       log,
		now:       time.Now,
	}
	s.state = EngineState{
		InstanceID: d.InstanceID,
		Mode:       cfg.TradingMode,
		Balance:    cfg.StartingBalance,
		TotalValue: cfg.StartingBalance,
		MarketData: make(map[string]MarketData),
	}
	return s, nil
}

// SetObservers registers callbacks. Call before Start.
func (s *Scheduler) SetObservers(o Observers) {
	s.stateMu.Lock()
	s.observers = o
	s.stateMu.Unlock()
}

// Interval returns the parsed cycle length.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start spawns the loop. It returns false when the loop is already running.
func (s *Scheduler) Start() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.setRunning(true)

	if s.stream != nil {
		s.startStreams(ctx)
	}
	go s.loop(ctx, done)
	s.log.Info("✓ scheduler started",
		zap.Strings("assets", s.cfg.Assets),
		zap.Duration("interval", s.interval),
		zap.String("mode", s.cfg.TradingMode))
	return true
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
// runMu is held until the loop has exited so a concurrent Start cannot slip
// a new loop in before Running is cleared.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.setRunning(false)
	s.log.Info("🛑 scheduler stopped")
}

// Wait blocks until background proposal executions have finished.
func (s *Scheduler) Wait() {
	s.tasks.Wait()
}

// IsRunning reports the loop state.
func (s *Scheduler) IsRunning() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.Running
}

func (s *Scheduler) setRunning(v bool) {
	s.stateMu.Lock()
	s.state.Running = v
	s.stateMu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		var timer *monitor.Timer
		if s.metrics != nil {
			timer = monitor.NewTimer(s.metrics.CycleLatency)
		}
		err := s.Tick(ctx)
		if timer != nil {
			timer.Stop()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.recordError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// Tick runs one full iteration. Panics are converted into errors so a bad
// cycle never takes the loop down.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("❌ panic in decision cycle", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("decision cycle panic: %v", r)
		}
		s.stateMu.RLock()
		invocation := s.state.InvocationCount
		s.stateMu.RUnlock()
		s.bus.Publish(events.EventCycleCompleted, events.CycleCompleted{
			Invocation: invocation,
			Failed:     err != nil,
			Timestamp:  s.now().UTC(),
		})
	}()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) error {
	s.stateMu.Lock()
	s.state.InvocationCount++
	invocation := s.state.InvocationCount
	s.stateMu.Unlock()

	if te, ok := s.ex.(exchange.TriggerEvaluator); ok {
		fired, err := te.EvaluateTriggers(ctx)
		if err != nil {
			s.log.Warn("⚠️ trigger evaluation failed", zap.Error(err))
		} else if len(fired) > 0 {
			s.log.Info("🔔 triggers fired", zap.Strings("oids", fired))
		}
	}

	// Phases 1-7: account, positions, diary, orders, reconciliation, fills.
	acct, err := s.collectAccount(ctx, true)
	if err != nil {
		return err
	}

	// Phases 8-9: market data per asset; failures keep the previous record.
	fresh := make(map[string]MarketData, len(s.cfg.Assets))
	for _, asset := range s.cfg.Assets {
		md, err := s.buildMarketData(ctx, asset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("⚠️ market data failed", zap.String("asset", asset), zap.Error(err))
			continue
		}
		fresh[asset] = md
	}
	s.stateMu.Lock()
	for asset, md := range fresh {
		s.state.MarketData[asset] = md
	}
	marketList := make([]MarketData, 0, len(s.cfg.Assets))
	for _, asset := range s.cfg.Assets {
		if md, ok := s.state.MarketData[asset]; ok {
			marketList = append(marketList, md)
		}
	}
	s.stateMu.Unlock()

	// Phases 10-11: decision context and agent call.
	payload, err := s.buildContext(invocation, acct, marketList)
	if err != nil {
		return fmt.Errorf("encode decision context: %w", err)
	}
	resp := s.decide(ctx, payload)

	s.stateMu.Lock()
	s.state.LastReasoning = resp.Reasoning
	s.state.LastDecisions = viewDecisions(resp)
	s.stateMu.Unlock()

	// Phase 12.
	for _, d := range resp.Decisions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processDecision(ctx, d)
	}

	s.stateMu.Lock()
	s.state.LastError = ""
	s.stateMu.Unlock()
	s.publishState()
	return nil
}

// account is what one collection pass produced.
type account struct {
	state     exchange.UserState
	total     float64
	returnPct float64
	sharpe    float64
	positions []EnrichedPosition
	trades    []ActiveTrade
	orders    []OpenOrderView
	diary     []diary.Entry
	fills     []FillView
}

// collectAccount refreshes account-derived state. Only the tick feeds the
// return series used for the Sharpe ratio and reconciles the ledger; it holds
// tradeMu from the venue snapshot through reconciliation so an order placed
// concurrently cannot be checked against a stale position list.
func (s *Scheduler) collectAccount(ctx context.Context, sample bool) (account, error) {
	if sample {
		s.tradeMu.Lock()
		defer s.tradeMu.Unlock()
	}
	us, err := s.ex.GetUserState(ctx)
	if err != nil {
		return account{}, fmt.Errorf("get user state: %w", err)
	}
	acct := account{state: us, total: us.TotalValue}
	if acct.total == 0 {
		acct.total = us.Balance
	}
	if acct.total == 0 {
		acct.total = s.cfg.StartingBalance
	}
	if base := s.cfg.StartingBalance; base > 0 {
		acct.returnPct = (acct.total - base) / base * 100
	}

	s.stateMu.Lock()
	if sample {
		if s.prevEquity > 0 {
			s.returns = append(s.returns, (acct.total-s.prevEquity)/s.prevEquity)
			if len(s.returns) > sharpeWindow {
				s.returns = s.returns[len(s.returns)-sharpeWindow:]
			}
		}
		s.prevEquity = acct.total
	}
	acct.sharpe = Sharpe(s.returns)
	s.stateMu.Unlock()

	for _, p := range us.Positions {
		cur := p.CurrentPrice
		if cur == 0 {
			if px, err := s.ex.GetCurrentPrice(ctx, p.Symbol); err == nil {
				cur = px
			}
		}
		ep := EnrichedPosition{
			Symbol:           p.Symbol,
			Quantity:         p.Quantity,
			EntryPrice:       p.EntryPrice,
			CurrentPrice:     cur,
			LiquidationPrice: p.LiquidationPrice,
			UnrealizedPnL:    p.UnrealizedPnL,
			Leverage:         p.Leverage,
		}
		if t, ok := s.ledger.Get(p.Symbol); ok {
			ep.TPPrice, ep.SLPrice = t.TPPrice, t.SLPrice
		}
		acct.positions = append(acct.positions, ep)
	}

	if s.diary != nil {
		entries, err := s.diary.Recent(ctx, diaryContextSize)
		if err != nil {
			s.log.Warn("⚠️ diary read failed", zap.Error(err))
		}
		acct.diary = entries
	}

	orders, err := s.ex.GetOpenOrders(ctx)
	if err != nil {
		return account{}, fmt.Errorf("get open orders: %w", err)
	}
	acct.orders = normalizeOrders(orders)

	if sample {
		if _, err := s.reconcile.Reconcile(ctx, s.ledger, us.Positions, orders); err != nil {
			s.log.Warn("⚠️ reconciliation diary write failed", zap.Error(err))
		}
	}
	acct.trades = s.ledger.List()

	fills, err := s.ex.GetRecentFills(ctx, fillsFetchSize)
	if err != nil {
		s.log.Warn("⚠️ fills fetch failed", zap.Error(err))
	}
	acct.fills = normalizeFills(fills, fillsContextSize)

	s.stateMu.Lock()
	s.state.Balance = us.Balance
	s.state.TotalValue = acct.total
	s.state.TotalReturnPct = acct.returnPct
	s.state.SharpeRatio = acct.sharpe
	s.state.Positions = acct.positions
	s.state.ActiveTrades = acct.trades
	s.state.OpenOrders = acct.orders
	s.state.RecentFills = acct.fills
	s.state.PendingProposals = s.proposals.Pending()
	s.state.LastUpdated = s.now().UTC()
	s.stateMu.Unlock()
	return acct, nil
}

func normalizeOrders(orders []exchange.OpenOrder) []OpenOrderView {
	out := make([]OpenOrderView, 0, len(orders))
	for _, o := range orders {
		v := OpenOrderView{
			Coin:      o.Coin,
			OID:       o.OID,
			IsBuy:     o.Side == exchange.SideBuy,
			Size:      o.Size,
			Price:     o.LimitPx,
			OrderType: "limit",
		}
		if o.OrderType.Trigger != nil {
			px := o.OrderType.Trigger.TriggerPx
			v.TriggerPrice = &px
			v.OrderType = "trigger"
		}
		out = append(out, v)
	}
	return out
}

func normalizeFills(fills []exchange.Fill, keep int) []FillView {
	if keep > 0 && len(fills) > keep {
		fills = fills[len(fills)-keep:]
	}
	out := make([]FillView, 0, len(fills))
	for _, f := range fills {
		ts := f.Time
		if t, ok := exchange.ParseFillTime(f.Time); ok {
			ts = t.Format(time.RFC3339)
		}
		out = append(out, FillView{
			Coin:  f.Coin,
			OID:   f.OID,
			IsBuy: f.Side == exchange.SideBuy,
			Price: f.Px,
			Size:  f.Sz,
			Fee:   f.Fee,
			Time:  ts,
		})
	}
	return out
}

// decide calls the agent. A malformed reply is retried once with the strict
// prefix; a reply of parse-failure holds is retried once with the original
// context. At most two calls are made before falling back to all-hold.
func (s *Scheduler) decide(ctx context.Context, payload string) agent.Response {
	assets := s.cfg.Assets
	resp, err := s.agent.Decide(ctx, assets, payload)
	switch {
	case errors.Is(err, agent.ErrMalformedDecision):
		s.log.Warn("⚠️ malformed decision, retrying with strict prefix", zap.Error(err))
		resp, err = s.agent.Decide(ctx, assets, agent.StrictPrefix+payload)
	case err == nil && resp.ParseFailed():
		s.log.Warn("⚠️ agent reported a parse failure, retrying")
		resp, err = s.agent.Decide(ctx, assets, payload)
	}
	if err == nil && resp.ParseFailed() {
		err = agent.ErrMalformedDecision
	}
	if err != nil {
		rationale := agent.FallbackRationale
		if errors.Is(err, agent.ErrMalformedDecision) {
			rationale = agent.ParseErrorRationale
		}
		s.log.Error("❌ decision agent failed, holding", zap.Error(err))
		s.reportError(fmt.Sprintf("decision agent: %v", err))
		return agent.Fallback(assets, rationale)
	}
	return resp
}

func (s *Scheduler) recordError(err error) {
	s.log.Error("❌ decision cycle failed", zap.Error(err))
	s.stateMu.Lock()
	s.state.LastError = err.Error()
	s.stateMu.Unlock()
	s.reportError(err.Error())
	s.publishState()
}

func (s *Scheduler) reportError(msg string) {
	s.stateMu.RLock()
	cb := s.observers.Error
	s.stateMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
	s.bus.Publish(events.EventEngineError, events.EngineError{Message: msg, Timestamp: s.now().UTC()})
}

func (s *Scheduler) publishState() {
	st := s.State()
	s.stateMu.RLock()
	cb := s.observers.StateUpdate
	s.stateMu.RUnlock()
	if cb != nil {
		cb(st)
	}
	s.bus.Publish(events.EventStateUpdate, st)
}

// State returns a copy of the current engine state.
func (s *Scheduler) State() EngineState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st := s.state.clone()
	st.PendingProposals = s.proposals.Pending()
	return st
}

// RecentEvents returns the newest trade-executed notifications, oldest first.
func (s *Scheduler) RecentEvents() []events.TradeExecuted {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return append([]events.TradeExecuted(nil), s.events...)
}

// RecentDiary returns the newest diary entries.
func (s *Scheduler) RecentDiary(ctx context.Context, n int) ([]diary.Entry, error) {
	if s.diary == nil {
		return nil, nil
	}
	return s.diary.Recent(ctx, n)
}

// RecentFills proxies the venue's fill history.
func (s *Scheduler) RecentFills(ctx context.Context, n int) ([]exchange.Fill, error) {
	return s.ex.GetRecentFills(ctx, n)
}

func (s *Scheduler) startStreams(ctx context.Context) {
	for _, asset := range s.cfg.Assets {
		ch, unsub, err := s.stream.SubscribeKlines(ctx, market.Symbol(asset), intradayInterval)
		if err != nil {
			s.log.Warn("⚠️ kline stream unavailable, using synthetic points", zap.String("asset", asset), zap.Error(err))
			continue
		}
		go func(asset string) {
			defer unsub()
			for k := range ch {
				if !k.Closed {
					continue
				}
				s.history.SetStreamed(asset, PricePoint{T: k.OpenTime, O: k.Open, H: k.High, L: k.Low, C: k.Close})
			}
		}(asset)
	}
}
