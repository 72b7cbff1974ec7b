package indicators

// Set bundles the indicator series computed for one timeframe.
type Set struct {
	EMA20 []float64   `json:"ema20"`
	EMA50 []float64   `json:"ema50"`
	RSI7  []float64   `json:"rsi7"`
	RSI14 []float64   `json:"rsi14"`
	MACD  []MACDPoint `json:"macd"`
	ATR3  []float64   `json:"atr3"`
	ATR14 []float64   `json:"atr14"`
}

// Compute derives the standard indicator set from chronologically ordered candles.
func Compute(candles []Candle) Set {
	closes := Closes(candles)
	return Set{
		EMA20: EMA(closes, 20),
		EMA50: EMA(closes, 50),
		RSI7:  RSI(closes, 7),
		RSI14: RSI(closes, 14),
		MACD:  DefaultMACD(closes),
		ATR3:  ATR(candles, 3),
		ATR14: ATR(candles, 14),
	}
}

// Closes extracts close prices.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Last returns the newest value of a series, or nil when it is empty.
func Last(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	return &v
}

// LastMACD returns the newest MACD point, or nil when the series is empty.
func LastMACD(series []MACDPoint) *MACDPoint {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	return &v
}

// Stats24h summarises the last 24 hourly candles: percent change from the open
// 24 bars ago to the latest close, and summed volume. Shorter histories use
// the first candle as the reference. ok is false when nothing can be computed.
func Stats24h(hourly []Candle) (change, volume float64, ok bool) {
	if len(hourly) == 0 {
		return 0, 0, false
	}
	start := 0
	if len(hourly) >= 24 {
		start = len(hourly) - 24
	}
	ref := hourly[start].Open
	if ref == 0 {
		return 0, 0, false
	}
	for _, c := range hourly[start:] {
		volume += c.Volume
	}
	change = (hourly[len(hourly)-1].Close - ref) / ref * 100
	return change, volume, true
}
