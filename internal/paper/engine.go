// Package paper is a self-contained simulated perp venue: cash ledger,
// signed positions, a resting trigger book and an append-only fill log,
// snapshotted to disk after every mutation.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-agent/internal/exchange"
	market "perp-agent/pkg/market/binance"
)

// Epsilon below which a position is considered flat.
const Epsilon = 1e-4

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSize         = errors.New("invalid order size")
)

// Config controls the simulation.
type Config struct {
	StartingBalance float64
	Slippage        float64 // applied to engine-initiated market orders
	TriggerSlippage float64 // applied when a TP/SL fires
	FeeRate         float64
	ChargeFees      bool
	StatePath       string // empty disables snapshots
	PriceTTL        time.Duration
}

// FillSink receives every fill after it has been booked.
type FillSink interface {
	RecordFill(f exchange.Fill)
}

type position struct {
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

type triggerOrder struct {
	OID          string  `json:"oid"`
	Asset        string  `json:"asset"`
	Side         string  `json:"side"`
	Size         float64 `json:"size"`
	TriggerPrice float64 `json:"trigger_price"`
	Kind         string  `json:"kind"`
	ReduceOnly   bool    `json:"reduce_only"`
	CreatedAt    int64   `json:"created_at"`
}

// Engine implements exchange.Adapter and exchange.TriggerEvaluator.
type Engine struct {
	cfg    Config
	md     MarketData
	prices *priceFeed
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	balance   float64
	positions map[string]*position
	orders    []triggerOrder
	fills     []exchange.Fill
	counter   int64
	sink      FillSink
}

var (
	_ exchange.Adapter          = (*Engine)(nil)
	_ exchange.TriggerEvaluator = (*Engine)(nil)
)

// New builds the engine and resumes from the snapshot at cfg.StatePath when present.
func New(cfg Config, md MarketData, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StartingBalance <= 0 {
		cfg.StartingBalance = 10000
	}
	e := &Engine{
		cfg:       cfg,
		md:        md,
		prices:    newPriceFeed(md, cfg.PriceTTL, log),
		log:       log,
		now:       time.Now,
		balance:   cfg.StartingBalance,
		positions: make(map[string]*position),
	}
	resumed, err := e.load()
	if err != nil {
		return nil, err
	}
	if resumed {
		log.Info("📂 paper state restored",
			zap.Float64("balance", e.balance),
			zap.Int("positions", len(e.positions)),
			zap.Int("orders", len(e.orders)),
			zap.Int("fills", len(e.fills)))
	} else {
		log.Info("📝 paper engine initialised", zap.Float64("balance", e.balance))
	}
	return e, nil
}

// SetFillSink wires an audit sink for fills.
func (e *Engine) SetFillSink(s FillSink) {
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// SetClock swaps the time source.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Balance returns current cash.
func (e *Engine) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

// GetCurrentPrice never fails; see priceFeed.
func (e *Engine) GetCurrentPrice(ctx context.Context, asset string) (float64, error) {
	return e.prices.price(ctx, asset), nil
}

// GetUserState marks every position to market.
func (e *Engine) GetUserState(ctx context.Context) (exchange.UserState, error) {
	e.mu.Lock()
	balance := e.balance
	held := make([]position, 0, len(e.positions))
	for _, p := range e.positions {
		held = append(held, *p)
	}
	e.mu.Unlock()

	state := exchange.UserState{Balance: balance, TotalValue: balance}
	for _, p := range held {
		cur := e.prices.price(ctx, p.Asset)
		state.TotalValue += p.Size * cur
		state.Positions = append(state.Positions, markPosition(p, cur))
	}
	return state, nil
}

func markPosition(p position, cur float64) exchange.Position {
	abs := math.Abs(p.Size)
	pnl := (cur - p.EntryPrice) * p.Size
	side := "LONG"
	if p.Size < 0 {
		pnl = (p.EntryPrice - cur) * abs
		side = "SHORT"
	}
	notional := p.EntryPrice * abs
	pct := 0.0
	if notional > 0 {
		pct = pnl / notional * 100
	}
	return exchange.Position{
		Symbol:        p.Asset,
		Quantity:      p.Size,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  cur,
		UnrealizedPnL: pnl,
		PnLPct:        pct,
		Side:          side,
		Leverage:      1,
		NotionalEntry: notional,
	}
}

// GetHistoricalCandles proxies public klines for <ASSET>USDT.
func (e *Engine) GetHistoricalCandles(ctx context.Context, asset, interval string, limit int) ([]exchange.Candle, error) {
	if e.md == nil {
		return nil, errors.New("paper: no market data source")
	}
	klines, err := e.md.GetKlines(ctx, market.Symbol(asset), interval, limit)
	if err != nil {
		return nil, fmt.Errorf("candles %s %s: %w", asset, interval, err)
	}
	out := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, exchange.Candle{T: k.OpenTime, O: k.Open, H: k.High, L: k.Low, C: k.Close, V: k.Volume})
	}
	return out, nil
}

// GetOpenOrders lists the trigger book.
func (e *Engine) GetOpenOrders(ctx context.Context) ([]exchange.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]exchange.OpenOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, exchange.OpenOrder{
			Coin:    o.Asset,
			Side:    o.Side,
			Size:    o.Size,
			LimitPx: o.TriggerPrice,
			OID:     o.OID,
			OrderType: exchange.OrderType{Trigger: &exchange.Trigger{
				TriggerPx: o.TriggerPrice,
				IsMarket:  true,
				TPSL:      o.Kind,
			}},
			ReduceOnly: o.ReduceOnly,
			Timestamp:  o.CreatedAt,
		})
	}
	return out, nil
}

// GetRecentFills returns up to limit fills, oldest first.
func (e *Engine) GetRecentFills(ctx context.Context, limit int) ([]exchange.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := 0
	if limit > 0 && len(e.fills) > limit {
		start = len(e.fills) - limit
	}
	out := make([]exchange.Fill, len(e.fills)-start)
	copy(out, e.fills[start:])
	return out, nil
}

// PlaceBuyOrder fills a market buy at quote × (1+slippage).
func (e *Engine) PlaceBuyOrder(ctx context.Context, asset string, amount float64) (exchange.OrderResult, error) {
	return e.marketOrder(ctx, asset, true, amount, e.cfg.Slippage)
}

// PlaceSellOrder fills a market sell at quote × (1−slippage).
func (e *Engine) PlaceSellOrder(ctx context.Context, asset string, amount float64) (exchange.OrderResult, error) {
	return e.marketOrder(ctx, asset, false, amount, e.cfg.Slippage)
}

func (e *Engine) marketOrder(ctx context.Context, asset string, isBuy bool, amount, slippage float64) (exchange.OrderResult, error) {
	quote := e.prices.price(ctx, asset)

	e.mu.Lock()
	fill, err := e.fillLocked(asset, isBuy, amount, quote, slippage)
	if err == nil {
		e.persistLocked()
	}
	sink := e.sink
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("❌ paper order rejected",
			zap.String("asset", asset), zap.Bool("buy", isBuy), zap.Float64("amount", amount), zap.Error(err))
		return errorResult(err), nil
	}
	if sink != nil {
		sink.RecordFill(fill)
	}
	e.log.Info("✓ paper fill",
		zap.String("asset", asset), zap.String("side", fill.Side),
		zap.Float64("size", fill.Sz), zap.Float64("price", fill.Px), zap.String("oid", fill.OID))
	return exchange.OrderResult{
		Status: exchange.StatusOK,
		Statuses: []exchange.OrderStatus{{
			Filled: &exchange.FilledStatus{OID: fill.OID, TotalSz: fill.Sz, AvgPx: fill.Px},
		}},
	}, nil
}

func errorResult(err error) exchange.OrderResult {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		msg = "Insufficient balance"
	case errors.Is(err, ErrInvalidSize):
		msg = "Invalid size"
	}
	return exchange.OrderResult{Status: exchange.StatusError, Message: msg}
}

// fillLocked books a market fill. Caller holds e.mu.
func (e *Engine) fillLocked(asset string, isBuy bool, amount, quote, slippage float64) (exchange.Fill, error) {
	size := roundSize(asset, math.Abs(amount))
	if size <= 0 || quote <= 0 {
		return exchange.Fill{}, ErrInvalidSize
	}

	px := quote * (1 - slippage)
	side := exchange.SideSell
	if isBuy {
		px = quote * (1 + slippage)
		side = exchange.SideBuy
	}
	notional := size * px
	fee := notional * e.cfg.FeeRate
	charged := 0.0
	if e.cfg.ChargeFees {
		charged = fee
	}

	if isBuy {
		if notional+charged > e.balance {
			return exchange.Fill{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, notional+charged, e.balance)
		}
		e.balance -= notional + charged
		e.applyLocked(asset, size, px)
	} else {
		e.balance += notional - charged
		e.applyLocked(asset, -size, px)
	}

	fill := exchange.Fill{
		OID:  e.nextOIDLocked(),
		Coin: asset,
		Side: side,
		Px:   px,
		Sz:   size,
		Time: e.now().UTC().Format(time.RFC3339),
		Fee:  fee,
	}
	e.fills = append(e.fills, fill)
	return fill, nil
}

// applyLocked moves a position by a signed delta. The entry price follows the
// signed-size weighting (entry·size + px·delta)/(size+delta), which is the
// plain volume-weighted average when both legs point the same way.
func (e *Engine) applyLocked(asset string, delta, px float64) {
	p, ok := e.positions[asset]
	if !ok {
		e.positions[asset] = &position{Asset: asset, Size: delta, EntryPrice: px}
		return
	}
	newSize := p.Size + delta
	if math.Abs(newSize) < Epsilon {
		delete(e.positions, asset)
		return
	}
	p.EntryPrice = (p.EntryPrice*p.Size + px*delta) / newSize
	p.Size = newSize
}

func (e *Engine) nextOIDLocked() string {
	e.counter++
	return fmt.Sprintf("paper_%d_%d", e.counter, e.now().Unix())
}

// PlaceTakeProfit rests a reduce-only trigger that closes on a favourable move.
func (e *Engine) PlaceTakeProfit(ctx context.Context, asset string, isLong bool, amount, triggerPrice float64) (exchange.OrderResult, error) {
	return e.placeTrigger(asset, isLong, amount, triggerPrice, exchange.TPSLTakeProfit)
}

// PlaceStopLoss rests a reduce-only trigger that closes on an adverse move.
func (e *Engine) PlaceStopLoss(ctx context.Context, asset string, isLong bool, amount, triggerPrice float64) (exchange.OrderResult, error) {
	return e.placeTrigger(asset, isLong, amount, triggerPrice, exchange.TPSLStopLoss)
}

func (e *Engine) placeTrigger(asset string, isLong bool, amount, triggerPrice float64, kind string) (exchange.OrderResult, error) {
	size := roundSize(asset, math.Abs(amount))
	if size <= 0 || triggerPrice <= 0 {
		return errorResult(ErrInvalidSize), nil
	}
	side := exchange.SideBuy
	if isLong {
		side = exchange.SideSell
	}

	e.mu.Lock()
	o := triggerOrder{
		OID:          e.nextOIDLocked(),
		Asset:        asset,
		Side:         side,
		Size:         size,
		TriggerPrice: triggerPrice,
		Kind:         kind,
		ReduceOnly:   true,
		CreatedAt:    e.now().UnixMilli(),
	}
	e.orders = append(e.orders, o)
	e.persistLocked()
	e.mu.Unlock()

	e.log.Info("🎯 trigger placed",
		zap.String("asset", asset), zap.String("kind", kind),
		zap.Float64("trigger", triggerPrice), zap.Float64("size", size), zap.String("oid", o.OID))
	return exchange.OrderResult{
		Status:   exchange.StatusOK,
		Statuses: []exchange.OrderStatus{{Resting: &exchange.RestingStatus{OID: o.OID}}},
	}, nil
}

// CancelAllOrders drops every resting order for asset and returns how many were removed.
func (e *Engine) CancelAllOrders(ctx context.Context, asset string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.orders[:0]
	cancelled := 0
	for _, o := range e.orders {
		if o.Asset == asset {
			cancelled++
			continue
		}
		kept = append(kept, o)
	}
	e.orders = kept
	if cancelled > 0 {
		e.persistLocked()
	}
	return cancelled, nil
}

// CancelOrder removes one resting order; false when it does not exist.
func (e *Engine) CancelOrder(ctx context.Context, asset, oid string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removeOrderLocked(asset, oid) {
		return false, nil
	}
	e.persistLocked()
	return true, nil
}

func (e *Engine) removeOrderLocked(asset, oid string) bool {
	for i, o := range e.orders {
		if o.OID == oid && o.Asset == asset {
			e.orders = append(e.orders[:i], e.orders[i+1:]...)
			return true
		}
	}
	return false
}

// GetFundingRate returns a mocked hourly funding rate.
func (e *Engine) GetFundingRate(ctx context.Context, asset string) (float64, error) {
	return lookup(fundingRates, asset, 0.0001), nil
}

// GetOpenInterest returns a mocked open interest in USD.
func (e *Engine) GetOpenInterest(ctx context.Context, asset string) (float64, error) {
	return lookup(openInterest, asset, 500_000), nil
}

// shouldFire: closing sells protect longs, closing buys protect shorts.
func shouldFire(o triggerOrder, px float64) bool {
	closesLong := o.Side == exchange.SideSell
	switch o.Kind {
	case exchange.TPSLTakeProfit:
		if closesLong {
			return px >= o.TriggerPrice
		}
		return px <= o.TriggerPrice
	case exchange.TPSLStopLoss:
		if closesLong {
			return px <= o.TriggerPrice
		}
		return px >= o.TriggerPrice
	}
	return false
}

// EvaluateTriggers fires every resting order whose condition holds at the
// current price and returns the oids that fired.
func (e *Engine) EvaluateTriggers(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	book := make([]triggerOrder, len(e.orders))
	copy(book, e.orders)
	e.mu.Unlock()
	if len(book) == 0 {
		return nil, nil
	}

	quotes := make(map[string]float64)
	for _, o := range book {
		if _, ok := quotes[o.Asset]; !ok {
			quotes[o.Asset] = e.prices.price(ctx, o.Asset)
		}
	}

	var fired []string
	var booked []exchange.Fill
	e.mu.Lock()
	for _, o := range book {
		px := quotes[o.Asset]
		if !shouldFire(o, px) {
			continue
		}
		// A sibling may already have closed the position this tick.
		if !e.removeOrderLocked(o.Asset, o.OID) {
			continue
		}
		fired = append(fired, o.OID)

		size := o.Size
		if o.ReduceOnly {
			size = e.reducibleLocked(o.Asset, o.Side, size)
			if size <= 0 {
				e.log.Info("trigger dropped, nothing to reduce", zap.String("asset", o.Asset), zap.String("oid", o.OID))
				continue
			}
		}
		fill, err := e.fillLocked(o.Asset, o.Side == exchange.SideBuy, size, px, e.cfg.TriggerSlippage)
		if err != nil {
			e.log.Warn("❌ trigger fill failed", zap.String("asset", o.Asset), zap.String("oid", o.OID), zap.Error(err))
			continue
		}
		booked = append(booked, fill)
		e.log.Info("🔔 trigger fired",
			zap.String("asset", o.Asset), zap.String("kind", o.Kind),
			zap.Float64("trigger", o.TriggerPrice), zap.Float64("price", px), zap.String("oid", o.OID))
	}
	if len(fired) > 0 {
		e.persistLocked()
	}
	sink := e.sink
	e.mu.Unlock()

	if sink != nil {
		for _, f := range booked {
			sink.RecordFill(f)
		}
	}
	return fired, nil
}

// reducibleLocked caps a reduce-only order at the size of the position it closes.
func (e *Engine) reducibleLocked(asset, side string, size float64) float64 {
	p, ok := e.positions[asset]
	if !ok {
		return 0
	}
	if (side == exchange.SideSell && p.Size <= 0) || (side == exchange.SideBuy && p.Size >= 0) {
		return 0
	}
	return math.Min(size, math.Abs(p.Size))
}

// Statistics summarises the simulated account.
type Statistics struct {
	Balance         float64 `json:"balance"`
	Equity          float64 `json:"equity"`
	StartingBalance float64 `json:"starting_balance"`
	ReturnPct       float64 `json:"return_pct"`
	OpenPositions   int     `json:"open_positions"`
	OpenOrders      int     `json:"open_orders"`
	TotalFills      int     `json:"total_fills"`
	TotalFees       float64 `json:"total_fees"`
}

// Statistics computes the summary using the canonical equity formula.
func (e *Engine) Statistics(ctx context.Context) Statistics {
	state, _ := e.GetUserState(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	fees := 0.0
	for _, f := range e.fills {
		fees += f.Fee
	}
	return Statistics{
		Balance:         state.Balance,
		Equity:          state.TotalValue,
		StartingBalance: e.cfg.StartingBalance,
		ReturnPct:       (state.TotalValue - e.cfg.StartingBalance) / e.cfg.StartingBalance * 100,
		OpenPositions:   len(state.Positions),
		OpenOrders:      len(e.orders),
		TotalFills:      len(e.fills),
		TotalFees:       fees,
	}
}
