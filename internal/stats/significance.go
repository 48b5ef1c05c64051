package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pagecraft/abtest/internal/store"
)

// DefaultCriticalValue is the 95% chi-square critical value for one degree
// of freedom.
const DefaultCriticalValue = 3.841

// SignificantConfidence is reported once the chi-square statistic clears
// the critical value.
const SignificantConfidence = 0.95

type CriticalValueMode string

const (
	// CriticalValueFixed uses DefaultCriticalValue whatever the variant count.
	CriticalValueFixed CriticalValueMode = "fixed"
	// CriticalValueDOF uses the 95th percentile of chi-square with
	// (active variants - 1) degrees of freedom.
	CriticalValueDOF CriticalValueMode = "dof"
)

func ParseCriticalValueMode(s string) (CriticalValueMode, error) {
	switch CriticalValueMode(s) {
	case "", CriticalValueFixed:
		return CriticalValueFixed, nil
	case CriticalValueDOF:
		return CriticalValueDOF, nil
	}
	return "", fmt.Errorf("unknown critical value mode %q (want fixed or dof)", s)
}

type Options struct {
	CriticalValueMode CriticalValueMode
	MinSampleSize     int64
}

func DefaultOptions() Options {
	return Options{
		CriticalValueMode: CriticalValueFixed,
		MinSampleSize:     100,
	}
}

// Results is the per-test analysis. Statistical significance is a heuristic
// score in [0, 0.95], not a p-value.
type Results struct {
	TotalVisitors           int64              `json:"totalVisitors"`
	TotalConversions        int64              `json:"totalConversions"`
	Conversions             map[string]int64   `json:"conversions"`
	ConversionRates         map[string]float64 `json:"conversionRates"`
	StatisticalSignificance float64            `json:"statisticalSignificance"`
	Winner                  string             `json:"winner,omitempty"`
	Confidence              float64            `json:"confidence"` // Significance as a percentage
	ChiSquare               float64            `json:"chiSquare"`
	CriticalValue           float64            `json:"criticalValue"`
}

// ComputeResults derives conversion rates, the chi-square heuristic and the
// informational winner. Variants are visited in test.Variants order so ties
// resolve deterministically to the earlier variant.
func ComputeResults(test *store.Test, metrics []store.VariantMetrics, opts Options) Results {
	byVariant := indexMetrics(metrics)

	res := Results{
		Conversions:     make(map[string]int64, len(test.Variants)),
		ConversionRates: make(map[string]float64, len(test.Variants)),
	}

	active := 0
	maxRate := 0.0
	for _, v := range test.Variants {
		m := byVariant[v.ID]
		rate := Rate(m.Conversions, m.Visitors)

		res.Conversions[v.ID] = m.Conversions
		res.ConversionRates[v.ID] = rate
		res.TotalVisitors += m.Visitors
		res.TotalConversions += m.Conversions

		if m.Visitors == 0 {
			continue
		}
		active++
		if rate > maxRate {
			maxRate = rate
			res.Winner = v.ID
		}
	}

	res.CriticalValue = CriticalValue(opts.CriticalValueMode, active)

	if active < 2 {
		res.Winner = ""
		return res
	}

	if res.TotalVisitors == 0 || res.TotalConversions == 0 {
		return res
	}

	expectedRate := float64(res.TotalConversions) / float64(res.TotalVisitors)
	for _, v := range test.Variants {
		m := byVariant[v.ID]
		if m.Visitors == 0 {
			continue
		}
		expected := float64(m.Visitors) * expectedRate
		if expected > 0 {
			diff := float64(m.Conversions) - expected
			res.ChiSquare += diff * diff / expected
		}
	}

	res.StatisticalSignificance = Significance(res.ChiSquare, res.CriticalValue)
	res.Confidence = res.StatisticalSignificance * 100

	return res
}

// Significance maps a chi-square statistic to the heuristic score:
// SignificantConfidence above the critical value, otherwise the ratio of
// the statistic to the critical value.
func Significance(chiSquare, criticalValue float64) float64 {
	if criticalValue <= 0 {
		return 0
	}
	if chiSquare > criticalValue {
		return SignificantConfidence
	}
	return math.Max(0, chiSquare/criticalValue)
}

// CriticalValue returns the threshold for the given mode and number of
// variants that received traffic.
func CriticalValue(mode CriticalValueMode, activeVariants int) float64 {
	if mode != CriticalValueDOF || activeVariants <= 2 {
		return DefaultCriticalValue
	}
	dist := distuv.ChiSquared{K: float64(activeVariants - 1)}
	return dist.Quantile(SignificantConfidence)
}

// Rate returns conversions/visitors, or 0 when there are no visitors.
func Rate(conversions, visitors int64) float64 {
	if visitors == 0 {
		return 0
	}
	return float64(conversions) / float64(visitors)
}

func indexMetrics(metrics []store.VariantMetrics) map[string]store.VariantMetrics {
	out := make(map[string]store.VariantMetrics, len(metrics))
	for _, m := range metrics {
		out[m.VariantID] = m
	}
	return out
}
