package paper

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"perp-agent/internal/exchange"
	market "perp-agent/pkg/market/binance"
)

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int
}

func newFakeMarket(prices map[string]float64) *fakeMarket {
	return &fakeMarket{prices: prices}
}

func (f *fakeMarket) set(asset string, px float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[asset] = px
}

func (f *fakeMarket) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeMarket) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	px, ok := f.prices[strings.TrimSuffix(symbol, "USDT")]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return px, nil
}

func (f *fakeMarket) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	return []market.Kline{
		{Symbol: symbol, OpenTime: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Symbol: symbol, OpenTime: 2, Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 12},
	}, nil
}

func newTestEngine(t *testing.T, cfg Config, md *fakeMarket) *Engine {
	t.Helper()
	e, err := New(cfg, md, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Every quote goes to the fake so tests can move prices freely.
	e.prices.ttl = 0
	return e
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func positionOf(t *testing.T, e *Engine, asset string) (exchange.Position, bool) {
	t.Helper()
	state, err := e.GetUserState(context.Background())
	if err != nil {
		t.Fatalf("GetUserState: %v", err)
	}
	for _, p := range state.Positions {
		if p.Symbol == asset {
			return p, true
		}
	}
	return exchange.Position{}, false
}

func TestBuyEndToEnd(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"BTC": 50000})
	e := newTestEngine(t, Config{StartingBalance: 10000, Slippage: 0.01, FeeRate: 0.0002}, md)

	res, err := e.PlaceBuyOrder(ctx, "BTC", 0.1)
	if err != nil {
		t.Fatalf("PlaceBuyOrder: %v", err)
	}
	if !res.OK() || len(res.Statuses) != 1 || res.Statuses[0].Filled == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if px := res.Statuses[0].Filled.AvgPx; !near(px, 50500) {
		t.Fatalf("fill price=%v, expected 50500", px)
	}
	if !near(e.Balance(), 4950) {
		t.Fatalf("balance=%v, expected 4950", e.Balance())
	}

	pos, ok := positionOf(t, e, "BTC")
	if !ok {
		t.Fatalf("position missing")
	}
	if !near(pos.Quantity, 0.1) || !near(pos.EntryPrice, 50500) || pos.Side != "LONG" {
		t.Fatalf("unexpected position %+v", pos)
	}
	if !near(pos.UnrealizedPnL, -50) {
		t.Fatalf("pnl=%v, expected -50", pos.UnrealizedPnL)
	}

	fills, _ := e.GetRecentFills(ctx, 10)
	if len(fills) != 1 || fills[0].Side != exchange.SideBuy || !near(fills[0].Fee, 5050*0.0002) {
		t.Fatalf("unexpected fills %+v", fills)
	}
	if !strings.HasPrefix(fills[0].OID, "paper_1_") {
		t.Fatalf("oid=%s, expected paper_1_ prefix", fills[0].OID)
	}
}

func TestPositionAveraging(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"ETH": 100})
	e := newTestEngine(t, Config{StartingBalance: 10000}, md)

	e.PlaceBuyOrder(ctx, "ETH", 0.1)
	md.set("ETH", 200)
	e.PlaceBuyOrder(ctx, "ETH", 0.1)

	pos, ok := positionOf(t, e, "ETH")
	if !ok || !near(pos.Quantity, 0.2) || !near(pos.EntryPrice, 150) {
		t.Fatalf("unexpected position %+v (ok=%v)", pos, ok)
	}
}

func TestPartialReduceKeepsSignedEntry(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"ETH": 100})
	e := newTestEngine(t, Config{StartingBalance: 10000}, md)

	e.PlaceBuyOrder(ctx, "ETH", 1)
	md.set("ETH", 150)
	e.PlaceSellOrder(ctx, "ETH", 0.5)

	pos, ok := positionOf(t, e, "ETH")
	// (100·1 + 150·(−0.5)) / 0.5 = 50
	if !ok || !near(pos.Quantity, 0.5) || !near(pos.EntryPrice, 50) {
		t.Fatalf("unexpected position %+v (ok=%v)", pos, ok)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, charge := range []bool{false, true} {
		name := "fees recorded only"
		if charge {
			name = "fees charged"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			md := newFakeMarket(map[string]float64{"ETH": 3000})
			e := newTestEngine(t, Config{StartingBalance: 10000, Slippage: 0.01, FeeRate: 0.0002, ChargeFees: charge}, md)

			buy, _ := e.PlaceBuyOrder(ctx, "ETH", 0.5)
			sell, _ := e.PlaceSellOrder(ctx, "ETH", 0.5)
			if !buy.OK() || !sell.OK() {
				t.Fatalf("orders rejected: %+v %+v", buy, sell)
			}
			if _, ok := positionOf(t, e, "ETH"); ok {
				t.Fatalf("position should be closed")
			}

			cost := 0.5 * 3030.0
			proceeds := 0.5 * 2970.0
			fees := 0.0
			if charge {
				fees = (cost + proceeds) * 0.0002
			}
			if delta := e.Balance() - 10000; !near(delta, proceeds-cost-fees) {
				t.Fatalf("delta=%v, expected %v", delta, proceeds-cost-fees)
			}
		})
	}
}

func TestInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"BTC": 50000})
	e := newTestEngine(t, Config{StartingBalance: 1000}, md)

	res, err := e.PlaceBuyOrder(ctx, "BTC", 1)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if res.Status != exchange.StatusError || res.Message != "Insufficient balance" {
		t.Fatalf("unexpected result %+v", res)
	}
	if e.Balance() != 1000 {
		t.Fatalf("balance changed to %v", e.Balance())
	}
	if fills, _ := e.GetRecentFills(ctx, 0); len(fills) != 0 {
		t.Fatalf("rejected order produced fills")
	}
}

func TestShortMarkToMarket(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"SOL": 100})
	e := newTestEngine(t, Config{StartingBalance: 10000}, md)

	e.PlaceSellOrder(ctx, "SOL", 1)
	md.set("SOL", 90)

	state, _ := e.GetUserState(ctx)
	if !near(state.Balance, 10100) || !near(state.TotalValue, 10010) {
		t.Fatalf("unexpected state %+v", state)
	}
	pos := state.Positions[0]
	if pos.Side != "SHORT" || !near(pos.UnrealizedPnL, 10) || !near(pos.PnLPct, 10) {
		t.Fatalf("unexpected position %+v", pos)
	}
}

func TestTriggers(t *testing.T) {
	tests := []struct {
		name     string
		long     bool
		tp, sl   float64
		moves    []float64
		wantKind string // kind that should fire on the final move
	}{
		{name: "long take profit", long: true, tp: 110, sl: 90, moves: []float64{105, 110}, wantKind: exchange.TPSLTakeProfit},
		{name: "long stop loss", long: true, tp: 110, sl: 90, moves: []float64{95, 90}, wantKind: exchange.TPSLStopLoss},
		{name: "short take profit", long: false, tp: 90, sl: 110, moves: []float64{95, 90}, wantKind: exchange.TPSLTakeProfit},
		{name: "short stop loss", long: false, tp: 90, sl: 110, moves: []float64{105, 110}, wantKind: exchange.TPSLStopLoss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			md := newFakeMarket(map[string]float64{"ETH": 100})
			e := newTestEngine(t, Config{StartingBalance: 10000, TriggerSlippage: 0.005}, md)

			if tt.long {
				e.PlaceBuyOrder(ctx, "ETH", 1)
			} else {
				e.PlaceSellOrder(ctx, "ETH", 1)
			}
			tpRes, _ := e.PlaceTakeProfit(ctx, "ETH", tt.long, 1, tt.tp)
			slRes, _ := e.PlaceStopLoss(ctx, "ETH", tt.long, 1, tt.sl)
			want := exchange.FirstOrderID(tpRes)
			if tt.wantKind == exchange.TPSLStopLoss {
				want = exchange.FirstOrderID(slRes)
			}

			for i, px := range tt.moves {
				md.set("ETH", px)
				fired, err := e.EvaluateTriggers(ctx)
				if err != nil {
					t.Fatalf("EvaluateTriggers: %v", err)
				}
				last := i == len(tt.moves)-1
				if !last && len(fired) != 0 {
					t.Fatalf("fired early at %v: %v", px, fired)
				}
				if last && (len(fired) != 1 || fired[0] != want) {
					t.Fatalf("fired=%v, expected [%s]", fired, want)
				}
			}

			if _, ok := positionOf(t, e, "ETH"); ok {
				t.Fatalf("position should be closed by the trigger")
			}
			orders, _ := e.GetOpenOrders(ctx)
			if len(orders) != 1 {
				t.Fatalf("sibling trigger should still rest, got %d orders", len(orders))
			}

			fills, _ := e.GetRecentFills(ctx, 1)
			exit := tt.moves[len(tt.moves)-1]
			wantPx := exit * 0.995
			if !tt.long {
				wantPx = exit * 1.005
			}
			if !near(fills[0].Px, wantPx) {
				t.Fatalf("exit px=%v, expected %v", fills[0].Px, wantPx)
			}
		})
	}
}

func TestReduceOnlyTriggerWithoutPositionDoesNotFill(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"ETH": 100})
	e := newTestEngine(t, Config{StartingBalance: 10000}, md)

	e.PlaceStopLoss(ctx, "ETH", true, 1, 95)
	md.set("ETH", 90)

	fired, _ := e.EvaluateTriggers(ctx)
	if len(fired) != 1 {
		t.Fatalf("fired=%v, expected the stop to be consumed", fired)
	}
	if _, ok := positionOf(t, e, "ETH"); ok {
		t.Fatalf("reduce-only stop opened a position")
	}
	if fills, _ := e.GetRecentFills(ctx, 0); len(fills) != 0 {
		t.Fatalf("unexpected fills %+v", fills)
	}
}

func TestCancelAllOrders(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{}, newFakeMarket(map[string]float64{}))

	e.PlaceTakeProfit(ctx, "BTC", true, 0.1, 100000)
	e.PlaceStopLoss(ctx, "BTC", true, 0.1, 90000)
	res, _ := e.PlaceStopLoss(ctx, "ETH", true, 1, 3000)

	n, _ := e.CancelAllOrders(ctx, "BTC")
	if n != 2 {
		t.Fatalf("cancelled=%d, expected 2", n)
	}
	if ok, _ := e.CancelOrder(ctx, "ETH", exchange.FirstOrderID(res)); !ok {
		t.Fatalf("CancelOrder should find the ETH stop")
	}
	if ok, _ := e.CancelOrder(ctx, "ETH", "missing"); ok {
		t.Fatalf("CancelOrder reported a missing order")
	}
	if orders, _ := e.GetOpenOrders(ctx); len(orders) != 0 {
		t.Fatalf("orders left: %+v", orders)
	}
}

func TestSnapshotReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "paper_trading_state.json")
	md := newFakeMarket(map[string]float64{"BTC": 50000})
	cfg := Config{StartingBalance: 10000, Slippage: 0.01, StatePath: path}

	e := newTestEngine(t, cfg, md)
	e.PlaceBuyOrder(ctx, "BTC", 0.1)
	e.PlaceTakeProfit(ctx, "BTC", true, 0.1, 60000)

	restored := newTestEngine(t, cfg, md)
	if !near(restored.Balance(), 4950) {
		t.Fatalf("balance=%v, expected 4950", restored.Balance())
	}
	if pos, ok := positionOf(t, restored, "BTC"); !ok || !near(pos.EntryPrice, 50500) {
		t.Fatalf("position not restored: %+v", pos)
	}
	orders, _ := restored.GetOpenOrders(ctx)
	fills, _ := restored.GetRecentFills(ctx, 0)
	if len(orders) != 1 || len(fills) != 1 {
		t.Fatalf("orders=%d fills=%d, expected 1 and 1", len(orders), len(fills))
	}

	res, _ := restored.PlaceSellOrder(ctx, "BTC", 0.1)
	if oid := exchange.FirstOrderID(res); !strings.HasPrefix(oid, "paper_3_") {
		t.Fatalf("oid=%s, counter should continue from the snapshot", oid)
	}
}

func TestPriceFallbackChain(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"ETH": 3500})
	e := newTestEngine(t, Config{}, md)

	if px, _ := e.GetCurrentPrice(ctx, "ETH"); px != 3500 {
		t.Fatalf("price=%v, expected live 3500", px)
	}

	md.fail(errors.New("boom"))
	if px, _ := e.GetCurrentPrice(ctx, "ETH"); px != 3500 {
		t.Fatalf("price=%v, expected cached 3500", px)
	}
	if px, _ := e.GetCurrentPrice(ctx, "BTC"); px != 98000 {
		t.Fatalf("price=%v, expected table 98000", px)
	}
	if px, _ := e.GetCurrentPrice(ctx, "PEPE"); px != 100 {
		t.Fatalf("price=%v, expected default 100", px)
	}
}

func TestPriceCacheServesFreshQuotes(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"ETH": 3500})
	e, err := New(Config{}, md, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.GetCurrentPrice(ctx, "ETH")
	e.GetCurrentPrice(ctx, "ETH")
	if md.calls != 1 {
		t.Fatalf("calls=%d, second quote should come from cache", md.calls)
	}
}

func TestHistoricalCandlesAndMocks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Config{}, newFakeMarket(map[string]float64{}))

	candles, err := e.GetHistoricalCandles(ctx, "BTC", "5m", 2)
	if err != nil || len(candles) != 2 || candles[1].C != 2.5 {
		t.Fatalf("candles=%+v err=%v", candles, err)
	}
	if fr, _ := e.GetFundingRate(ctx, "SOL"); fr != -0.0002 {
		t.Fatalf("funding=%v", fr)
	}
	if oi, _ := e.GetOpenInterest(ctx, "DOGE"); oi != 500000 {
		t.Fatalf("oi=%v", oi)
	}
}

type recordingSink struct{ fills []exchange.Fill }

func (r *recordingSink) RecordFill(f exchange.Fill) { r.fills = append(r.fills, f) }

func TestStatisticsAndSink(t *testing.T) {
	ctx := context.Background()
	md := newFakeMarket(map[string]float64{"ETH": 1000})
	e := newTestEngine(t, Config{StartingBalance: 10000, FeeRate: 0.001}, md)
	sink := &recordingSink{}
	e.SetFillSink(sink)

	e.PlaceBuyOrder(ctx, "ETH", 2)
	md.set("ETH", 1100)

	st := e.Statistics(ctx)
	if !near(st.Equity, 10200) || !near(st.ReturnPct, 2) {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.OpenPositions != 1 || st.TotalFills != 1 || !near(st.TotalFees, 2) {
		t.Fatalf("unexpected stats %+v", st)
	}
	if len(sink.fills) != 1 {
		t.Fatalf("sink saw %d fills, expected 1", len(sink.fills))
	}
}

func TestRoundSize(t *testing.T) {
	cases := []struct {
		asset string
		in    float64
		want  float64
	}{
		{"BTC", 0.123456, 0.1235},
		{"ETH", 1.23456, 1.235},
		{"DOGE", 10.6, 11},
		{"SUI", 3.14, 3.1},
		{"XYZ", 1.234, 1.23},
	}
	for _, c := range cases {
		if got := roundSize(c.asset, c.in); !near(got, c.want) {
			t.Errorf("roundSize(%s, %v)=%v, expected %v", c.asset, c.in, got, c.want)
		}
	}
}
