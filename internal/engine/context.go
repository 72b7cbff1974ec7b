package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"perp-agent/internal/diary"
)

type invocationInfo struct {
	Count       int64  `json:"count"`
	CurrentTime string `json:"current_time"`
}

type accountDashboard struct {
	TotalReturnPct float64            `json:"total_return_pct"`
	Balance        float64            `json:"balance"`
	AccountValue   float64            `json:"account_value"`
	SharpeRatio    float64            `json:"sharpe_ratio"`
	Positions      []EnrichedPosition `json:"positions"`
	ActiveTrades   []ActiveTrade      `json:"active_trades"`
	OpenOrders     []OpenOrderView    `json:"open_orders"`
	RecentDiary    []diary.Entry      `json:"recent_diary"`
	RecentFills    []FillView         `json:"recent_fills"`
}

type instructionBlock struct {
	Assets          []string `json:"assets"`
	MaxPositionSize float64  `json:"max_position_size"`
	Note            string   `json:"note"`
}

// decisionContext is the document sent to the agent on every tick.
type decisionContext struct {
	Invocation   invocationInfo   `json:"invocation"`
	Account      accountDashboard `json:"account"`
	MarketData   []MarketData     `json:"market_data"`
	Instructions instructionBlock `json:"instructions"`
}

func (s *Scheduler) buildContext(invocation int64, acct account, markets []MarketData) (string, error) {
	dc := decisionContext{
		Invocation: invocationInfo{
			Count:       invocation,
			CurrentTime: s.now().UTC().Format(time.RFC3339),
		},
		Account: accountDashboard{
			TotalReturnPct: acct.returnPct,
			Balance:        acct.state.Balance,
			AccountValue:   acct.total,
			SharpeRatio:    acct.sharpe,
			Positions:      nonNil(acct.positions),
			ActiveTrades:   nonNil(acct.trades),
			OpenOrders:     nonNil(acct.orders),
			RecentDiary:    nonNil(acct.diary),
			RecentFills:    nonNil(acct.fills),
		},
		MarketData: nonNil(markets),
		Instructions: instructionBlock{
			Assets:          s.cfg.Assets,
			MaxPositionSize: s.cfg.MaxPositionSize,
			Note: fmt.Sprintf("Return one decision per asset. allocation_usd is capped at %.2f per trade. "+
				"Set tp_price and sl_price for every buy or sell.", s.cfg.MaxPositionSize),
		},
	}
	body, err := json.Marshal(dc)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// nonNil keeps empty lists as [] rather than null in the payload.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
