package indicators

// Candle is the OHLCV input for range-based indicators.
type Candle struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// TrueRanges returns one true range per candle; the first uses high-low only.
func TrueRanges(candles []Candle) []float64 {
	if len(candles) == 0 {
		return []float64{}
	}
	tr := make([]float64, len(candles))
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr[i] = max(c.High-c.Low, abs(c.High-prevClose), abs(c.Low-prevClose))
	}
	return tr
}

// ATR computes the Average True Range with Wilder smoothing, seeded by the SMA
// of the first period true ranges. It needs period+1 candles.
func ATR(candles []Candle, period int) []float64 {
	if period <= 0 || len(candles) < period+1 {
		return []float64{}
	}
	tr := TrueRanges(candles)

	seed := 0.0
	for _, v := range tr[:period] {
		seed += v
	}
	out := make([]float64, 0, len(tr)-period+1)
	out = append(out, seed/float64(period))

	p := float64(period)
	for _, v := range tr[period:] {
		prev := out[len(out)-1]
		out = append(out, (prev*(p-1)+v)/p)
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
