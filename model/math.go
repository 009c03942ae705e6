package model

import "math"

func isInvalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// roundTo rounds half away from zero at the given number of decimals.
func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
