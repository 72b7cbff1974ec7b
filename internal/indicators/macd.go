package indicators

// MACDPoint is one aligned MACD/signal/histogram sample.
type MACDPoint struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// MACD computes the MACD line (fast EMA minus slow EMA, aligned to the slow
// series), its signal EMA, and the histogram. Inputs shorter than slow+signal
// yield an empty series.
func MACD(prices []float64, fast, slow, signal int) []MACDPoint {
	if fast <= 0 || slow <= 0 || signal <= 0 || len(prices) < slow+signal {
		return []MACDPoint{}
	}

	emaFast := EMA(prices, fast)
	emaSlow := EMA(prices, slow)
	n := len(emaSlow)
	if len(emaFast) < n {
		n = len(emaFast)
	}
	emaFast = emaFast[len(emaFast)-n:]
	emaSlow = emaSlow[len(emaSlow)-n:]

	line := make([]float64, n)
	for i := range line {
		line[i] = emaFast[i] - emaSlow[i]
	}

	sig := EMA(line, signal)
	line = line[len(line)-len(sig):]

	out := make([]MACDPoint, len(sig))
	for i := range sig {
		out[i] = MACDPoint{MACD: line[i], Signal: sig[i], Histogram: line[i] - sig[i]}
	}
	return out
}

// DefaultMACD uses the conventional 12/26/9 periods.
func DefaultMACD(prices []float64) []MACDPoint {
	return MACD(prices, 12, 26, 9)
}
