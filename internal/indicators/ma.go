package indicators

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average series seeded with the SMA of the
// first period prices. The output has len(prices)-period+1 points, or none when
// the history is shorter than period.
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return []float64{}
	}

	seed := 0.0
	for _, p := range prices[:period] {
		seed += p
	}
	out := make([]float64, 0, len(prices)-period+1)
	out = append(out, seed/float64(period))

	k := 2.0 / float64(period+1)
	for _, p := range prices[period:] {
		prev := out[len(out)-1]
		out = append(out, (p-prev)*k+prev)
	}
	return out
}
