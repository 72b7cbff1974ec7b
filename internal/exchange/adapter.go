package exchange

import (
	"context"
)

// Adapter is the capability set the scheduler depends on. Both the paper
// engine and any live venue satisfy it identically.
type Adapter interface {
	GetUserState(ctx context.Context) (UserState, error)
	GetCurrentPrice(ctx context.Context, asset string) (float64, error)
	GetHistoricalCandles(ctx context.Context, asset, interval string, limit int) ([]Candle, error)
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	GetRecentFills(ctx context.Context, limit int) ([]Fill, error)

	PlaceBuyOrder(ctx context.Context, asset string, amount float64) (OrderResult, error)
	PlaceSellOrder(ctx context.Context, asset string, amount float64) (OrderResult, error)
	PlaceTakeProfit(ctx context.Context, asset string, isLong bool, amount, triggerPrice float64) (OrderResult, error)
	PlaceStopLoss(ctx context.Context, asset string, isLong bool, amount, triggerPrice float64) (OrderResult, error)
	CancelAllOrders(ctx context.Context, asset string) (int, error)

	// Funding and open interest are best-effort; callers treat errors as missing data.
	GetFundingRate(ctx context.Context, asset string) (float64, error)
	GetOpenInterest(ctx context.Context, asset string) (float64, error)
}

// TriggerEvaluator is implemented by venues that hold trigger orders locally
// and need to be driven on each tick.
type TriggerEvaluator interface {
	EvaluateTriggers(ctx context.Context) ([]string, error)
}
