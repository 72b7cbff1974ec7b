package indicators

// RSI computes the Relative Strength Index series with Wilder smoothing.
// The first value uses the mean of the first period deltas; it needs at least
// period+1 prices and returns an empty series otherwise.
func RSI(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period+1 {
		return []float64{}
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		gain, loss := delta(values[i-1], values[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	out := make([]float64, 0, len(values)-period)
	out = append(out, rsiValue(avgGain, avgLoss))

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		gain, loss := delta(values[i-1], values[i])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func delta(prev, cur float64) (gain, loss float64) {
	change := cur - prev
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
