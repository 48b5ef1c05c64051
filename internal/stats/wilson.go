package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// WilsonInterval calculates the Wilson score confidence interval
// for a variant's conversion rate. It's more accurate for small samples
// than the normal approximation. Repeat conversions can push successes
// past trials, so the observed proportion is capped at 1.
func WilsonInterval(successes, trials int64, confidence float64) (lower, upper float64) {
	if trials == 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	p := math.Min(1, float64(successes)/float64(trials))
	n := float64(trials)

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore returns the two-sided z-score for a confidence level,
// e.g. 0.95 -> 1.96.
func ZScore(confidence float64) float64 {
	if confidence <= 0 || confidence >= 1 {
		return 0
	}
	return distuv.UnitNormal.Quantile((1 + confidence) / 2)
}
