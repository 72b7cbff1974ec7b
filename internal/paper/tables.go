package paper

import "math"

var sizeDecimals = map[string]int{
	"BTC":  4,
	"ETH":  3,
	"SOL":  2,
	"AVAX": 2,
	"SUI":  1,
	"DOGE": 0,
}

// roundSize truncates noise below the asset's lot precision.
func roundSize(asset string, size float64) float64 {
	d, ok := sizeDecimals[asset]
	if !ok {
		d = 2
	}
	p := math.Pow(10, float64(d))
	return math.Round(size*p) / p
}

// Mocked derivatives data; the spot feed has no funding or open interest.
var fundingRates = map[string]float64{
	"BTC": 0.0001,
	"ETH": 0.0005,
	"SOL": -0.0002,
}

var openInterest = map[string]float64{
	"BTC": 12_500_000,
	"ETH": 8_700_000,
	"SOL": 4_500_000,
}

func lookup(table map[string]float64, asset string, def float64) float64 {
	if v, ok := table[asset]; ok {
		return v
	}
	return def
}
