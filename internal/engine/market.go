package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"perp-agent/internal/exchange"
	"perp-agent/internal/indicators"
)

const (
	intradayInterval  = "5m"
	longTermInterval  = "4h"
	statsInterval     = "1h"
	intradayLimit     = 100
	longTermLimit     = 100
	statsLimit        = 24
	seriesTail        = 10
	midPriceTail      = 10
	priceHistoryTail  = 50
	fundingAnnualizer = 24 * 365 * 100
)

// buildMarketData assembles the per-asset record. Only a failed price fetch
// fails the asset; every other source degrades to empty or nil fields.
func (s *Scheduler) buildMarketData(ctx context.Context, asset string) (MarketData, error) {
	if s.history.Len(asset) == 0 {
		s.seedHistory(ctx, asset)
	}

	price, err := s.ex.GetCurrentPrice(ctx, asset)
	if err != nil {
		return MarketData{}, fmt.Errorf("current price: %w", err)
	}
	now := s.now()
	if p, ok := s.history.TakeStreamed(asset); ok {
		s.history.Append(asset, p)
	} else {
		s.history.Append(asset, PricePoint{T: now.UnixMilli(), O: price, H: price, L: price, C: price})
	}

	md := MarketData{
		Asset:        asset,
		CurrentPrice: price,
		UpdatedAt:    now.UTC(),
	}

	if rate, err := s.ex.GetFundingRate(ctx, asset); err == nil {
		annual := rate * fundingAnnualizer
		md.FundingRate = &rate
		md.FundingAnnualizedPct = &annual
	} else {
		s.log.Debug("funding rate unavailable", zap.String("asset", asset), zap.Error(err))
	}
	if oi, err := s.ex.GetOpenInterest(ctx, asset); err == nil {
		md.OpenInterest = &oi
	} else {
		s.log.Debug("open interest unavailable", zap.String("asset", asset), zap.Error(err))
	}

	intraday, err := s.ex.GetHistoricalCandles(ctx, asset, intradayInterval, intradayLimit)
	if err != nil || len(intraday) == 0 {
		s.log.Warn("⚠️ intraday candles unavailable, using price history", zap.String("asset", asset), zap.Error(err))
		intraday = pointsToCandles(s.history.Tail(asset, 0))
	}
	md.Intraday = intradaySnapshot(toIndicatorCandles(intraday))

	if long, err := s.ex.GetHistoricalCandles(ctx, asset, longTermInterval, longTermLimit); err == nil {
		md.LongTerm = longTermSnapshot(toIndicatorCandles(long))
	} else {
		s.log.Warn("⚠️ long-term candles unavailable", zap.String("asset", asset), zap.Error(err))
	}

	if hourly, err := s.ex.GetHistoricalCandles(ctx, asset, statsInterval, statsLimit); err == nil {
		if change, volume, ok := indicators.Stats24h(toIndicatorCandles(hourly)); ok {
			md.Change24h, md.Volume24h = &change, &volume
		}
	} else {
		s.log.Warn("⚠️ 24h stats unavailable", zap.String("asset", asset), zap.Error(err))
	}

	history := s.history.Tail(asset, priceHistoryTail)
	md.PriceHistory = history
	mids := history
	if len(mids) > midPriceTail {
		mids = mids[len(mids)-midPriceTail:]
	}
	md.RecentMidPrices = make([]float64, 0, len(mids))
	for _, p := range mids {
		md.RecentMidPrices = append(md.RecentMidPrices, p.C)
	}
	return md, nil
}

func (s *Scheduler) seedHistory(ctx context.Context, asset string) {
	candles, err := s.ex.GetHistoricalCandles(ctx, asset, intradayInterval, historySeed)
	if err != nil {
		s.log.Warn("⚠️ price history seed failed", zap.String("asset", asset), zap.Error(err))
		return
	}
	pts := make([]PricePoint, 0, len(candles))
	for _, c := range candles {
		pts = append(pts, PricePoint{T: c.T, O: c.O, H: c.H, L: c.L, C: c.C})
	}
	s.history.Seed(asset, pts)
}

func intradaySnapshot(candles []indicators.Candle) IntradaySnapshot {
	set := indicators.Compute(candles)
	return IntradaySnapshot{
		EMA20: indicators.Last(set.EMA20),
		MACD:  indicators.LastMACD(set.MACD),
		RSI7:  indicators.Last(set.RSI7),
		RSI14: indicators.Last(set.RSI14),
		Series: IntradaySeries{
			EMA20: tail(set.EMA20, seriesTail),
			MACD:  tail(set.MACD, seriesTail),
			RSI7:  tail(set.RSI7, seriesTail),
			RSI14: tail(set.RSI14, seriesTail),
		},
	}
}

func longTermSnapshot(candles []indicators.Candle) LongTermSnapshot {
	set := indicators.Compute(candles)
	return LongTermSnapshot{
		EMA20:      indicators.Last(set.EMA20),
		EMA50:      indicators.Last(set.EMA50),
		ATR3:       indicators.Last(set.ATR3),
		ATR14:      indicators.Last(set.ATR14),
		MACDSeries: tail(set.MACD, seriesTail),
		RSISeries:  tail(set.RSI14, seriesTail),
	}
}

func tail[T any](series []T, n int) []T {
	if len(series) > n {
		series = series[len(series)-n:]
	}
	return append([]T{}, series...)
}

func toIndicatorCandles(in []exchange.Candle) []indicators.Candle {
	out := make([]indicators.Candle, len(in))
	for i, c := range in {
		out[i] = indicators.Candle{Open: c.O, High: c.H, Low: c.L, Close: c.C, Volume: c.V}
	}
	return out
}

func pointsToCandles(pts []PricePoint) []exchange.Candle {
	out := make([]exchange.Candle, len(pts))
	for i, p := range pts {
		out[i] = exchange.Candle{T: p.T, O: p.O, H: p.H, L: p.L, C: p.C}
	}
	return out
}
