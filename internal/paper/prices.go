package paper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"perp-agent/pkg/cache"
	market "perp-agent/pkg/market/binance"
)

// fallbackPrices is used when the feed has never produced a quote for an asset.
var fallbackPrices = map[string]float64{
	"BTC":  98000,
	"ETH":  3400,
	"SOL":  180,
	"AVAX": 35,
}

const defaultFallbackPrice = 100.0

// MarketData is the public quote source backing the paper venue.
type MarketData interface {
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
}

// priceFeed serves quotes from a short-lived cache in front of MarketData and
// never fails: stale cache, then the fallback table, then a flat default.
type priceFeed struct {
	md    MarketData
	cache *cache.ShardedPriceCache
	ttl   time.Duration
	log   *zap.Logger
}

func newPriceFeed(md MarketData, ttl time.Duration, log *zap.Logger) *priceFeed {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &priceFeed{md: md, cache: cache.NewShardedPriceCache(), ttl: ttl, log: log}
}

func (f *priceFeed) price(ctx context.Context, asset string) float64 {
	if px, ok := f.cache.Fresh(asset, f.ttl); ok {
		return px
	}
	if f.md != nil {
		px, err := f.md.TickerPrice(ctx, market.Symbol(asset))
		if err == nil && px > 0 {
			f.cache.Set(asset, px)
			return px
		}
		f.log.Warn("⚠️ price fetch failed, using fallback", zap.String("asset", asset), zap.Error(err))
	}
	if px, ok := f.cache.Get(asset); ok {
		return px
	}
	if px, ok := fallbackPrices[asset]; ok {
		return px
	}
	return defaultFallbackPrice
}
