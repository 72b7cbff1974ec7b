package engine

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const defaultInterval = 300 * time.Second

// ParseInterval reads "<n>m", "<n>h" or "<n>d". Anything else is 300s.
func ParseInterval(s string) time.Duration {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return defaultInterval
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return defaultInterval
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	}
	return defaultInterval
}

// Sharpe is mean over sample standard deviation of the return series,
// 0 with fewer than two samples or no variance.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}
