package engine

import (
	"time"

	"perp-agent/internal/agent"
	"perp-agent/internal/events"
	"perp-agent/internal/indicators"
	"perp-agent/internal/proposal"
)

// ActiveTrade is the engine's record of a position it opened. One per asset.
type ActiveTrade struct {
	Asset      string    `json:"asset"`
	IsLong     bool      `json:"is_long"`
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	TPOID      string    `json:"tp_oid,omitempty"`
	SLOID      string    `json:"sl_oid,omitempty"`
	TPPrice    *float64  `json:"tp_price"`
	SLPrice    *float64  `json:"sl_price"`
	ExitPlan   string    `json:"exit_plan"`
	OpenedAt   time.Time `json:"opened_at"`
}

// EnrichedPosition is a venue position joined with local TP/SL metadata.
type EnrichedPosition struct {
	Symbol           string   `json:"symbol"`
	Quantity         float64  `json:"quantity"`
	EntryPrice       float64  `json:"entry_price"`
	CurrentPrice     float64  `json:"current_price"`
	LiquidationPrice float64  `json:"liquidation_price"`
	UnrealizedPnL    float64  `json:"unrealized_pnl"`
	Leverage         float64  `json:"leverage"`
	TPPrice          *float64 `json:"tp_price"`
	SLPrice          *float64 `json:"sl_price"`
}

// OpenOrderView is the normalized form of a resting order.
type OpenOrderView struct {
	Coin         string   `json:"coin"`
	OID          string   `json:"oid"`
	IsBuy        bool     `json:"is_buy"`
	Size         float64  `json:"size"`
	Price        float64  `json:"price"`
	TriggerPrice *float64 `json:"trigger_price"`
	OrderType    string   `json:"order_type"`
}

// FillView is the normalized form of a fill with an RFC3339 timestamp.
type FillView struct {
	Coin  string  `json:"coin"`
	OID   string  `json:"oid"`
	IsBuy bool    `json:"is_buy"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Fee   float64 `json:"fee"`
	Time  string  `json:"time"`
}

// PricePoint is one OHLC entry of the price history buffer; T is epoch millis.
type PricePoint struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
}

// IntradaySeries holds the recent tail of each intraday indicator.
type IntradaySeries struct {
	EMA20 []float64              `json:"ema20"`
	MACD  []indicators.MACDPoint `json:"macd"`
	RSI7  []float64              `json:"rsi7"`
	RSI14 []float64              `json:"rsi14"`
}

// IntradaySnapshot is computed from 5m candles.
type IntradaySnapshot struct {
	EMA20  *float64              `json:"ema20"`
	MACD   *indicators.MACDPoint `json:"macd"`
	RSI7   *float64              `json:"rsi7"`
	RSI14  *float64              `json:"rsi14"`
	Series IntradaySeries        `json:"series"`
}

// LongTermSnapshot is computed from 4h candles.
type LongTermSnapshot struct {
	EMA20      *float64               `json:"ema20"`
	EMA50      *float64               `json:"ema50"`
	ATR3       *float64               `json:"atr3"`
	ATR14      *float64               `json:"atr14"`
	MACDSeries []indicators.MACDPoint `json:"macd_series"`
	RSISeries  []float64              `json:"rsi_series"`
}

// MarketData is the per-asset record handed to the agent and the dashboard.
type MarketData struct {
	Asset                string           `json:"asset"`
	CurrentPrice         float64          `json:"current_price"`
	Change24h            *float64         `json:"change_24h"`
	Volume24h            *float64         `json:"volume_24h"`
	Intraday             IntradaySnapshot `json:"intraday"`
	LongTerm             LongTermSnapshot `json:"long_term"`
	OpenInterest         *float64         `json:"open_interest"`
	FundingRate          *float64         `json:"funding_rate"`
	FundingAnnualizedPct *float64         `json:"funding_annualized_pct"`
	RecentMidPrices      []float64        `json:"recent_mid_prices"`
	PriceHistory         []PricePoint     `json:"price_history"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// DecisionView is a flattened agent decision for display.
type DecisionView struct {
	Asset         string   `json:"asset"`
	Action        string   `json:"action"`
	AllocationUSD float64  `json:"allocation_usd"`
	TPPrice       *float64 `json:"tp_price"`
	SLPrice       *float64 `json:"sl_price"`
	ExitPlan      string   `json:"exit_plan"`
	Rationale     string   `json:"rationale"`
	Confidence    float64  `json:"confidence"`
}

func viewDecisions(resp agent.Response) []DecisionView {
	out := make([]DecisionView, 0, len(resp.Decisions))
	for _, d := range resp.Decisions {
		v := DecisionView{
			Asset:      d.Asset(),
			Action:     string(d.Action()),
			Rationale:  d.Rationale(),
			Confidence: d.Confidence(),
		}
		if t, ok := agent.TradeOf(d); ok {
			v.AllocationUSD = t.AllocationUSD
			v.TPPrice = t.TPPrice
			v.SLPrice = t.SLPrice
			v.ExitPlan = t.ExitPlan
		}
		out = append(out, v)
	}
	return out
}

// EngineState is the snapshot exposed to observers. The scheduler is its only writer.
type EngineState struct {
	Running          bool                  `json:"is_running"`
	InstanceID       string                `json:"instance_id"`
	Mode             string                `json:"trading_mode"`
	Balance          float64               `json:"balance"`
	TotalValue       float64               `json:"total_value"`
	TotalReturnPct   float64               `json:"total_return_pct"`
	SharpeRatio      float64               `json:"sharpe_ratio"`
	Positions        []EnrichedPosition    `json:"positions"`
	ActiveTrades     []ActiveTrade         `json:"active_trades"`
	OpenOrders       []OpenOrderView       `json:"open_orders"`
	RecentFills      []FillView            `json:"recent_fills"`
	MarketData       map[string]MarketData `json:"market_data"`
	PendingProposals []proposal.Proposal   `json:"pending_proposals"`
	LastReasoning    string                `json:"last_reasoning"`
	LastDecisions    []DecisionView        `json:"last_decisions"`
	LastError        string                `json:"last_error"`
	InvocationCount  int64                 `json:"invocation_count"`
	LastUpdated      time.Time             `json:"last_updated"`
}

func (s EngineState) clone() EngineState {
	out := s
	out.Positions = append([]EnrichedPosition(nil), s.Positions...)
	out.ActiveTrades = append([]ActiveTrade(nil), s.ActiveTrades...)
	out.OpenOrders = append([]OpenOrderView(nil), s.OpenOrders...)
	out.RecentFills = append([]FillView(nil), s.RecentFills...)
	out.PendingProposals = append([]proposal.Proposal(nil), s.PendingProposals...)
	out.LastDecisions = append([]DecisionView(nil), s.LastDecisions...)
	out.MarketData = make(map[string]MarketData, len(s.MarketData))
	for k, v := range s.MarketData {
		out.MarketData[k] = v
	}
	return out
}

// Observers are optional callbacks fired alongside bus events.
type Observers struct {
	StateUpdate     func(EngineState)
	TradeExecuted   func(events.TradeExecuted)
	Error           func(message string)
	ProposalCreated func(proposal.Proposal)
}
