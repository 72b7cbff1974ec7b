package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"perp-agent/internal/agent"
	"perp-agent/internal/diary"
	"perp-agent/internal/events"
	"perp-agent/internal/exchange"
	"perp-agent/internal/paper"
	"perp-agent/internal/proposal"
	"perp-agent/pkg/config"
	"perp-agent/pkg/db"
	market "perp-agent/pkg/market/binance"
)

type stubMarket struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *stubMarket) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	px, ok := m.prices[strings.TrimSuffix(symbol, "USDT")]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return px, nil
}

func (m *stubMarket) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	m.mu.Lock()
	px := m.prices[strings.TrimSuffix(symbol, "USDT")]
	m.mu.Unlock()
	out := make([]market.Kline, 0, limit)
	for i := 0; i < limit; i++ {
		c := px * (1 + 0.001*math.Sin(float64(i)))
		out = append(out, market.Kline{
			Symbol: symbol, Interval: interval, OpenTime: int64(i) * 60000,
			Open: c, High: c * 1.002, Low: c * 0.998, Close: c, Volume: 5, Closed: true,
		})
	}
	return out, nil
}

// scriptedAgent replays queued replies and records every prompt.
type scriptedAgent struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

type reply struct {
	resp  agent.Response
	err   error
	panic bool
}

func (a *scriptedAgent) queue(r ...reply) {
	a.mu.Lock()
	a.replies = append(a.replies, r...)
	a.mu.Unlock()
}

func (a *scriptedAgent) Decide(ctx context.Context, assets []string, prompt string) (agent.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	if len(a.replies) == 0 {
		return agent.Fallback(assets, "nothing to do"), nil
	}
	r := a.replies[0]
	a.replies = a.replies[1:]
	if r.panic {
		panic("agent exploded")
	}
	return r.resp, r.err
}

func (a *scriptedAgent) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

type memDiary struct {
	mu      sync.Mutex
	entries []diary.Entry
}

func (d *memDiary) Append(ctx context.Context, ev diary.Event) error {
	e, err := diary.NewEntry(ev, time.Now(), "test")
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.mu.Unlock()
	return nil
}

func (d *memDiary) Recent(ctx context.Context, n int) ([]diary.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.entries
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return append([]diary.Entry(nil), out...), nil
}

func (d *memDiary) kinds() []diary.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []diary.Kind
	for _, e := range d.entries {
		out = append(out, e.Kind)
	}
	return out
}

func (d *memDiary) last(kind diary.Kind) (diary.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.entries) - 1; i >= 0; i-- {
		if d.entries[i].Kind == kind {
			return d.entries[i], true
		}
	}
	return diary.Entry{}, false
}

type auditLog struct {
	mu   sync.Mutex
	rows []db.ProposalRow
}

func (a *auditLog) RecordProposal(row db.ProposalRow) {
	a.mu.Lock()
	a.rows = append(a.rows, row)
	a.mu.Unlock()
}

func (a *auditLog) statuses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.rows {
		out = append(out, r.Status)
	}
	return out
}

type harness struct {
	sched *Scheduler
	venue *paper.Engine
	agent *scriptedAgent
	diary *memDiary
	audit *auditLog
	bus   *events.Bus
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Assets = []string{"BTC", "ETH"}
	cfg.Interval = "1d"
	cfg.SettleDelay = 0
	cfg.Slippage = 0
	cfg.AgentURL = "http://agent.invalid"
	if mutate != nil {
		mutate(&cfg)
	}

	md := &stubMarket{prices: map[string]float64{"BTC": 50000, "ETH": 2500}}
	venue, err := paper.New(paper.Config{StartingBalance: cfg.StartingBalance}, md, nil)
	if err != nil {
		t.Fatalf("paper.New: %v", err)
	}
	h := &harness{venue: venue, agent: &scriptedAgent{}, diary: &memDiary{}, audit: &auditLog{}, bus: events.NewBus()}
	h.sched, err = New(Deps{
		Config:     &cfg,
		Exchange:   venue,
		Agent:      h.agent,
		Diary:      h.diary,
		Bus:        h.bus,
		Audit:      h.audit,
		InstanceID: "test-instance",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func ptr(v float64) *float64 { return &v }

func buy(asset string, alloc, conf float64, tp, sl *float64) agent.Response {
	return agent.Response{
		Reasoning: "momentum",
		Decisions: []agent.Decision{agent.Buy{Trade: agent.Trade{
			Symbol: asset, AllocationUSD: alloc, TPPrice: tp, SLPrice: sl,
			ExitPlan: "trail", Why: "breakout", Conf: conf,
		}}},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5m", 300 * time.Second},
		{"1h", 3600 * time.Second},
		{"2d", 172800 * time.Second},
		{"xyz", 300 * time.Second},
		{"10s", 300 * time.Second},
		{"", 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseInterval(tt.in); got != tt.want {
				t.Fatalf("ParseInterval(%q)=%v, expected %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSharpe(t *testing.T) {
	if got := Sharpe([]float64{0.1}); got != 0 {
		t.Fatalf("single sample sharpe=%v, expected 0", got)
	}
	if got := Sharpe([]float64{0.02, 0.02, 0.02}); got != 0 {
		t.Fatalf("flat series sharpe=%v, expected 0", got)
	}
	// mean 0.02, sample stdev 0.01
	if got := Sharpe([]float64{0.01, 0.02, 0.03}); !approx(got, 2) {
		t.Fatalf("sharpe=%v, expected 2", got)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	cfg := config.Defaults()
	venue, err := paper.New(paper.Config{}, &stubMarket{}, nil)
	if err != nil {
		t.Fatalf("paper.New: %v", err)
	}
	noAssets := cfg
	noAssets.Assets = nil

	tests := []struct {
		name      string
		deps      Deps
		wantField string
	}{
		{name: "no exchange", deps: Deps{Config: &cfg, Agent: &scriptedAgent{}}, wantField: "TRADING_BACKEND"},
		{name: "no agent", deps: Deps{Config: &cfg, Exchange: venue}, wantField: "AGENT_KIND"},
		{name: "no assets", deps: Deps{Config: &noAssets, Exchange: venue, Agent: &scriptedAgent{}}, wantField: "ASSETS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps)
			var cfgErr *config.ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.wantField {
				t.Fatalf("err=%v, expected ConfigurationError on %s", err, tt.wantField)
			}
		})
	}
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	if !h.sched.Start() {
		t.Fatalf("first Start should report true")
	}
	if h.sched.Start() {
		t.Fatalf("second Start should be a no-op")
	}
	if !h.sched.IsRunning() {
		t.Fatalf("expected running")
	}
	h.sched.Stop()
	h.sched.Stop()
	if h.sched.IsRunning() {
		t.Fatalf("expected stopped")
	}
	if !h.sched.Start() {
		t.Fatalf("restart after stop should succeed")
	}
	h.sched.Stop()
}

func TestTickAutoExecutesTrade(t *testing.T) {
	h := newHarness(t, nil)
	var observed []events.TradeExecuted
	h.sched.SetObservers(Observers{TradeExecuted: func(ev events.TradeExecuted) { observed = append(observed, ev) }})
	h.agent.queue(reply{resp: buy("BTC", 1000, 60, ptr(55000), ptr(45000))})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if !approx(h.venue.Balance(), 9000) {
		t.Fatalf("balance=%v, expected 9000", h.venue.Balance())
	}
	st := h.sched.State()
	if st.InvocationCount != 1 {
		t.Fatalf("invocation=%d, expected 1", st.InvocationCount)
	}
	trade, ok := h.sched.ledger.Get("BTC")
	if !ok {
		t.Fatalf("expected active trade for BTC")
	}
	if !trade.IsLong || !approx(trade.Amount, 0.02) || trade.EntryPrice != 50000 {
		t.Fatalf("unexpected trade %+v", trade)
	}
	if trade.TPOID == "" || trade.SLOID == "" {
		t.Fatalf("expected TP and SL order ids, got %+v", trade)
	}
	orders, _ := h.venue.GetOpenOrders(context.Background())
	if len(orders) != 2 {
		t.Fatalf("open orders=%d, expected 2", len(orders))
	}

	entry, ok := h.diary.last(diary.KindTrade)
	if !ok {
		t.Fatalf("expected trade diary entry, got %v", h.diary.kinds())
	}
	ev, err := entry.Event()
	if err != nil {
		t.Fatalf("decode diary: %v", err)
	}
	if tr := ev.(diary.Trade); !tr.Filled || tr.Action != "buy" || tr.AllocationUSD != 1000 {
		t.Fatalf("unexpected diary trade %+v", tr)
	}
	if len(observed) != 1 || len(h.sched.RecentEvents()) != 1 {
		t.Fatalf("expected one trade notification, observer=%d ring=%d", len(observed), len(h.sched.RecentEvents()))
	}
	if md, ok := st.MarketData["BTC"]; !ok || md.CurrentPrice != 50000 {
		t.Fatalf("market data missing or wrong: %+v", md)
	}
	if st.LastReasoning != "momentum" || len(st.LastDecisions) != 1 {
		t.Fatalf("decisions not recorded: %q %v", st.LastReasoning, st.LastDecisions)
	}
}

func TestAllocationCappedToMaxPosition(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxPositionSize = 1000 })
	h.agent.queue(reply{resp: buy("BTC", 5000, 90, nil, nil)})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !approx(h.venue.Balance(), 9000) {
		t.Fatalf("balance=%v, allocation should be capped at 1000", h.venue.Balance())
	}
}

func TestHoldAndUnknownAsset(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.queue(reply{resp: agent.Response{Decisions: []agent.Decision{
		agent.Hold{Symbol: "BTC", Why: "chop", Conf: 50},
		agent.Buy{Trade: agent.Trade{Symbol: "DOGE", AllocationUSD: 100, Conf: 99}},
	}}})

	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := h.diary.kinds(); len(got) != 1 || got[0] != diary.KindHold {
		t.Fatalf("diary kinds=%v, expected one hold", got)
	}
	if h.venue.Balance() != 10000 {
		t.Fatalf("unconfigured asset must not trade, balance=%v", h.venue.Balance())
	}
}

func TestManualModeProposalLifecycle(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.TradingMode = "manual"
		c.AutoTradeThreshold = 80
	})
	created := make(chan proposal.Proposal, 1)
	h.sched.SetObservers(Observers{ProposalCreated: func(p proposal.Proposal) { created <- p }})
	resolved, unsub := h.bus.Subscribe(events.EventProposalResolved, 4)
	defer unsub()

	h.agent.queue(reply{resp: buy("ETH", 500, 60, ptr(2750), ptr(2375))})
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.venue.Balance() != 10000 {
		t.Fatalf("manual mode must not trade below threshold")
	}

	var p proposal.Proposal
	select {
	case p = <-created:
	default:
		t.Fatalf("proposal observer not called")
	}
	if p.Status != proposal.StatusPending || !approx(p.Size, 0.2) || p.RiskReward == nil || !approx(*p.RiskReward, 0.1/0.05) {
		t.Fatalf("unexpected proposal %+v", p)
	}
	if len(h.sched.PendingProposals()) != 1 {
		t.Fatalf("expected one pending proposal")
	}

	approved, err := h.sched.ApproveProposal(p.ID)
	if err != nil {
		t.Fatalf("ApproveProposal: %v", err)
	}
	if approved.Status != proposal.StatusApproved {
		t.Fatalf("status=%s, expected approved", approved.Status)
	}
	if _, err := h.sched.ApproveProposal(p.ID); !errors.Is(err, proposal.ErrNotPending) {
		t.Fatalf("second approve err=%v, expected ErrNotPending", err)
	}
	h.sched.Wait()

	all := h.sched.Proposals()
	if len(all) != 1 || all[0].Status != proposal.StatusExecuted || all[0].ExecutionPrice == nil {
		t.Fatalf("proposal after execution: %+v", all)
	}
	if len(h.sched.PendingProposals()) != 0 {
		t.Fatalf("executed proposal still pending")
	}
	if !approx(h.venue.Balance(), 9500) {
		t.Fatalf("balance=%v, expected 9500", h.venue.Balance())
	}
	entry, ok := h.diary.last(diary.KindTrade)
	if !ok {
		t.Fatalf("expected trade diary entry")
	}
	ev, _ := entry.Event()
	if tr := ev.(diary.Trade); !tr.FromProposal || tr.ProposalID != p.ID || !tr.ApprovedManually {
		t.Fatalf("diary trade missing proposal linkage: %+v", tr)
	}
	if got := h.audit.statuses(); strings.Join(got, ",") != "pending,approved,executed" {
		t.Fatalf("audit trail=%v", got)
	}
	select {
	case <-resolved:
	default:
		t.Fatalf("expected a proposal.resolved event")
	}
}

func TestManualModeHighConfidenceExecutes(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.TradingMode = "manual"
		c.AutoTradeThreshold = 80
	})
	h.agent.queue(reply{resp: buy("ETH", 500, 85, nil, nil)})
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(h.sched.Proposals()) != 0 {
		t.Fatalf("confidence above threshold should bypass proposals")
	}
	if !approx(h.venue.Balance(), 9500) {
		t.Fatalf("balance=%v, expected 9500", h.venue.Balance())
	}
}

func TestRejectProposal(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.TradingMode = "manual" })
	h.agent.queue(reply{resp: buy("BTC", 1000, 10, nil, nil)})
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	pending := h.sched.PendingProposals()
	if len(pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d", len(pending))
	}
	id := pending[0].ID

	p, err := h.sched.RejectProposal(context.Background(), id, "")
	if err != nil {
		t.Fatalf("RejectProposal: %v", err)
	}
	if p.Status != proposal.StatusRejected || p.ExecutionError != defaultRejectReason || p.RejectedAt == nil {
		t.Fatalf("unexpected rejected proposal %+v", p)
	}
	if _, err := h.sched.RejectProposal(context.Background(), id, "again"); !errors.Is(err, proposal.ErrNotPending) {
		t.Fatalf("err=%v, expected ErrNotPending", err)
	}
	if _, err := h.sched.ApproveProposal(id); !errors.Is(err, proposal.ErrNotPending) {
		t.Fatalf("approve after reject err=%v, expected ErrNotPending", err)
	}
	if _, err := h.sched.RejectProposal(context.Background(), "missing", ""); !errors.Is(err, proposal.ErrNotFound) {
		t.Fatalf("err=%v, expected ErrNotFound", err)
	}
	if _, ok := h.diary.last(diary.KindProposalRejected); !ok {
		t.Fatalf("expected proposal_rejected diary entry")
	}
}

func TestDecideRetries(t *testing.T) {
	good := buy("BTC", 100, 90, nil, nil)
	parseHolds := agent.Fallback([]string{"BTC", "ETH"}, agent.ParseErrorRationale)

	tests := []struct {
		name       string
		replies    []reply
		wantCalls  int
		strict     bool
		wantAction agent.Action
		wantWhy    string
	}{
		{name: "first reply ok", replies: []reply{{resp: good}}, wantCalls: 1, wantAction: agent.ActionBuy},
		{name: "malformed then ok", replies: []reply{{err: agent.ErrMalformedDecision}, {resp: good}}, wantCalls: 2, strict: true, wantAction: agent.ActionBuy},
		{name: "malformed twice", replies: []reply{{err: agent.ErrMalformedDecision}, {err: agent.ErrMalformedDecision}}, wantCalls: 2, strict: true, wantAction: agent.ActionHold, wantWhy: agent.ParseErrorRationale},
		{name: "parse-failure holds then ok", replies: []reply{{resp: parseHolds}, {resp: good}}, wantCalls: 2, wantAction: agent.ActionBuy},
		{name: "transport error", replies: []reply{{err: errors.New("connection refused")}}, wantCalls: 1, wantAction: agent.ActionHold, wantWhy: agent.FallbackRationale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.agent.queue(tt.replies...)

			resp := h.sched.decide(context.Background(), "{}")
			calls := h.agent.calls()
			if len(calls) != tt.wantCalls {
				t.Fatalf("calls=%d, expected %d", len(calls), tt.wantCalls)
			}
			if tt.wantCalls == 2 && strings.HasPrefix(calls[1], agent.StrictPrefix) != tt.strict {
				t.Fatalf("strict prefix on retry=%v, expected %v", !tt.strict, tt.strict)
			}
			if len(resp.Decisions) == 0 || resp.Decisions[0].Action() != tt.wantAction {
				t.Fatalf("unexpected decisions %+v", resp.Decisions)
			}
			if tt.wantWhy != "" && resp.Decisions[0].Rationale() != tt.wantWhy {
				t.Fatalf("rationale=%q, expected %q", resp.Decisions[0].Rationale(), tt.wantWhy)
			}
		})
	}
}

func TestTickBuildsDecisionContext(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxPositionSize = 750 })
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	calls := h.agent.calls()
	if len(calls) != 1 {
		t.Fatalf("calls=%d, expected 1", len(calls))
	}

	var payload struct {
		Invocation struct {
			Count int64 `json:"count"`
		} `json:"invocation"`
		Account struct {
			Balance     float64 `json:"balance"`
			RecentFills []any   `json:"recent_fills"`
		} `json:"account"`
		MarketData []struct {
			Asset        string    `json:"asset"`
			PriceHistory []any     `json:"price_history"`
			RecentMids   []float64 `json:"recent_mid_prices"`
			Funding      *float64  `json:"funding_annualized_pct"`
			Intraday     struct {
				RSI14 *float64 `json:"rsi14"`
			} `json:"intraday"`
			LongTerm struct {
				EMA50 *float64 `json:"ema50"`
			} `json:"long_term"`
		} `json:"market_data"`
		Instructions struct {
			Assets          []string `json:"assets"`
			MaxPositionSize float64  `json:"max_position_size"`
		} `json:"instructions"`
	}
	if err := json.Unmarshal([]byte(calls[0]), &payload); err != nil {
		t.Fatalf("context is not JSON: %v", err)
	}
	if payload.Invocation.Count != 1 || payload.Account.Balance != 10000 {
		t.Fatalf("unexpected header %+v %+v", payload.Invocation, payload.Account)
	}
	if payload.Account.RecentFills == nil {
		t.Fatalf("empty fills should encode as []")
	}
	if len(payload.MarketData) != 2 || payload.MarketData[0].Asset != "BTC" {
		t.Fatalf("market data=%+v", payload.MarketData)
	}
	btc := payload.MarketData[0]
	// 100 seeded candles capped at 60, plus one synthetic point, tail of 50.
	if len(btc.PriceHistory) != priceHistoryTail || len(btc.RecentMids) != midPriceTail {
		t.Fatalf("history=%d mids=%d", len(btc.PriceHistory), len(btc.RecentMids))
	}
	if btc.RecentMids[len(btc.RecentMids)-1] != 50000 {
		t.Fatalf("newest mid=%v, expected synthetic point at current price", btc.RecentMids[len(btc.RecentMids)-1])
	}
	if btc.Funding == nil || btc.Intraday.RSI14 == nil || btc.LongTerm.EMA50 == nil {
		t.Fatalf("indicators missing: %+v", btc)
	}
	if payload.Instructions.MaxPositionSize != 750 || len(payload.Instructions.Assets) != 2 {
		t.Fatalf("instructions=%+v", payload.Instructions)
	}
}

func TestReconcileDropsVanishedTrade(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.queue(reply{resp: buy("BTC", 1000, 90, nil, nil)})
	ctx := context.Background()
	if err := h.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := h.sched.ledger.Get("BTC"); !ok {
		t.Fatalf("expected active trade after buy")
	}

	// Flatten behind the engine's back.
	if _, err := h.venue.PlaceSellOrder(ctx, "BTC", 0.02); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if err := h.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := h.sched.ledger.Get("BTC"); ok {
		t.Fatalf("vanished trade should be reconciled away")
	}
	entry, ok := h.diary.last(diary.KindReconcile)
	if !ok {
		t.Fatalf("expected reconcile diary entry, got %v", h.diary.kinds())
	}
	ev, _ := entry.Event()
	if rec := ev.(diary.Reconcile); len(rec.RemovedAssets) != 1 || rec.RemovedAssets[0] != "BTC" {
		t.Fatalf("unexpected reconcile entry %+v", rec)
	}
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.agent.queue(reply{resp: buy("BTC", 1000, 90, ptr(55000), ptr(45000))})
	if err := h.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	closed, err := h.sched.ClosePosition(ctx, "BTC")
	if err != nil || !closed {
		t.Fatalf("ClosePosition=%v,%v, expected true", closed, err)
	}
	us, _ := h.venue.GetUserState(ctx)
	if len(us.Positions) != 0 {
		t.Fatalf("positions after close=%+v", us.Positions)
	}
	if orders, _ := h.venue.GetOpenOrders(ctx); len(orders) != 0 {
		t.Fatalf("resting orders should be cancelled, got %d", len(orders))
	}
	if _, ok := h.sched.ledger.Get("BTC"); ok {
		t.Fatalf("active trade should be dropped")
	}
	if _, ok := h.diary.last(diary.KindManualClose); !ok {
		t.Fatalf("expected manual_close diary entry")
	}
	if !approx(h.venue.Balance(), 10000) {
		t.Fatalf("balance=%v, expected round trip back to 10000", h.venue.Balance())
	}

	closed, err = h.sched.ClosePosition(ctx, "BTC")
	if err != nil || closed {
		t.Fatalf("second close=%v,%v, expected false,nil", closed, err)
	}
	if _, err := h.sched.ClosePosition(ctx, "DOGE"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("err=%v, expected ErrUnknownAsset", err)
	}
}

func TestTickRecoversFromPanic(t *testing.T) {
	h := newHarness(t, nil)
	h.agent.queue(reply{panic: true})
	if err := h.sched.Tick(context.Background()); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err=%v, expected recovered panic", err)
	}
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("next Tick should succeed: %v", err)
	}
}

func TestLoopRecordsIterationErrors(t *testing.T) {
	h := newHarness(t, nil)
	var mu sync.Mutex
	var msgs []string
	h.sched.SetObservers(Observers{Error: func(m string) {
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	}})
	h.agent.queue(reply{panic: true})
	errs, unsub := h.bus.Subscribe(events.EventEngineError, 4)
	defer unsub()

	h.sched.Start()
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected engine error event")
	}
	h.sched.Stop()

	if st := h.sched.State(); !strings.Contains(st.LastError, "panic") {
		t.Fatalf("LastError=%q", st.LastError)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(msgs) == 0 {
		t.Fatalf("error observer not called")
	}
}

func TestSharpeTracksEquityAcrossTicks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := h.sched.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	h.sched.stateMu.RLock()
	n := len(h.sched.returns)
	h.sched.stateMu.RUnlock()
	if n != 2 {
		t.Fatalf("returns=%d, expected one per tick after the first", n)
	}
	if st := h.sched.State(); st.SharpeRatio != 0 || st.TotalReturnPct != 0 {
		t.Fatalf("flat equity should yield zero metrics, got %+v", st)
	}
}

// hookedVenue runs afterRead once, right after GetOpenOrders has read the book.
type hookedVenue struct {
	*paper.Engine
	once      sync.Once
	afterRead func()
}

func (v *hookedVenue) GetOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error) {
	orders, err := v.Engine.GetOpenOrders(ctx)
	if v.afterRead != nil {
		v.once.Do(v.afterRead)
	}
	return orders, err
}

// cancelOnFill cancels the caller's context as soon as a buy has filled.
type cancelOnFill struct {
	*paper.Engine
	cancel context.CancelFunc
}

func (v *cancelOnFill) PlaceBuyOrder(ctx context.Context, asset string, amount float64) (exchange.OrderResult, error) {
	res, err := v.Engine.PlaceBuyOrder(ctx, asset, amount)
	v.cancel()
	return res, err
}

func TestApprovalDuringReconcileKeepsTrade(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.TradingMode = "manual" })
	ctx := context.Background()
	h.agent.queue(reply{resp: buy("ETH", 500, 10, nil, nil)})
	if err := h.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	pending := h.sched.PendingProposals()
	if len(pending) != 1 {
		t.Fatalf("expected one pending proposal, got %d", len(pending))
	}

	venue := &hookedVenue{Engine: h.venue}
	venue.afterRead = func() {
		if _, err := h.sched.ApproveProposal(pending[0].ID); err != nil {
			t.Errorf("ApproveProposal: %v", err)
			return
		}
		// Give the approval a chance to land between the snapshot and reconciliation.
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			if _, ok := h.sched.ledger.Get("ETH"); ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	h.sched.ex = venue

	if err := h.sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	h.sched.Wait()

	us, _ := h.venue.GetUserState(ctx)
	if len(us.Positions) != 1 || us.Positions[0].Symbol != "ETH" {
		t.Fatalf("venue positions=%+v, expected ETH", us.Positions)
	}
	if _, ok := h.sched.ledger.Get("ETH"); !ok {
		t.Fatalf("approved trade missing from ledger, diary kinds=%v", h.diary.kinds())
	}
	if _, ok := h.diary.last(diary.KindReconcile); ok {
		t.Fatalf("no reconcile entry expected, diary kinds=%v", h.diary.kinds())
	}
}

func TestCancelDuringSettleStillRecordsTrade(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.SettleDelay = 5 * time.Second })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sched.ex = &cancelOnFill{Engine: h.venue, cancel: cancel}
	h.agent.queue(reply{resp: buy("BTC", 1000, 90, ptr(55000), ptr(45000))})

	start := time.Now()
	_ = h.sched.Tick(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation should cut the settle wait short, took %v", elapsed)
	}

	trade, ok := h.sched.ledger.Get("BTC")
	if !ok {
		t.Fatalf("filled trade missing from ledger, diary kinds=%v", h.diary.kinds())
	}
	if trade.TPOID == "" || trade.SLOID == "" {
		t.Fatalf("protective orders missing: %+v", trade)
	}
	if orders, _ := h.venue.GetOpenOrders(context.Background()); len(orders) != 2 {
		t.Fatalf("open orders=%d, expected TP and SL", len(orders))
	}
	if _, ok := h.diary.last(diary.KindTrade); !ok {
		t.Fatalf("expected trade diary entry, got %v", h.diary.kinds())
	}
	if len(h.sched.RecentEvents()) != 1 {
		t.Fatalf("expected one trade notification")
	}
}

func TestConcurrentStartStop(t *testing.T) {
	h := newHarness(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.sched.Start()
		}()
		go func() {
			defer wg.Done()
			h.sched.Stop()
		}()
	}
	wg.Wait()

	h.sched.runMu.Lock()
	looping := h.sched.cancel != nil
	h.sched.runMu.Unlock()
	if looping != h.sched.IsRunning() {
		t.Fatalf("IsRunning=%v but loop active=%v", h.sched.IsRunning(), looping)
	}
	h.sched.Stop()
	if h.sched.IsRunning() {
		t.Fatalf("expected stopped")
	}
}

func TestTickPublishesCycleCompleted(t *testing.T) {
	h := newHarness(t, nil)
	cycles, unsub := h.bus.Subscribe(events.EventCycleCompleted, 4)
	defer unsub()

	h.agent.queue(reply{panic: true})
	_ = h.sched.Tick(context.Background())
	if err := h.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	var got []events.CycleCompleted
	for len(got) < 2 {
		select {
		case msg := <-cycles:
			got = append(got, msg.(events.CycleCompleted))
		case <-time.After(time.Second):
			t.Fatalf("cycle events=%+v, expected 2", got)
		}
	}
	if !got[0].Failed || got[1].Failed || got[1].Invocation != 2 {
		t.Fatalf("unexpected cycle events %+v", got)
	}
}
