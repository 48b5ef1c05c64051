package stats

import (
	"sort"

	"github.com/pagecraft/abtest/internal/store"
)

// VariantPerformance is one row of the per-variant breakdown.
type VariantPerformance struct {
	VariantID         string   `json:"variantId"`
	Name              string   `json:"name"`
	IsControl         bool     `json:"isControl"`
	TrafficPercentage float64  `json:"trafficPercentage"`
	Visitors          int64    `json:"visitors"`
	Conversions       int64    `json:"conversions"`
	ConversionRate    float64  `json:"conversionRate"`
	ConversionValue   float64  `json:"conversionValue"`
	AverageValue      float64  `json:"averageValue"`
	CILower           float64  `json:"ciLower"`
	CIUpper           float64  `json:"ciUpper"`
	Lift              *float64 `json:"lift,omitempty"` // Relative to control; nil for control or zero control rate
}

type TimelineVariant struct {
	Visitors        int64   `json:"visitors"`
	Conversions     int64   `json:"conversions"`
	ConversionRate  float64 `json:"conversionRate"`
	ConversionValue float64 `json:"conversionValue"`
}

// TimelinePoint aggregates one UTC day.
type TimelinePoint struct {
	Date            string                     `json:"date"`
	Visitors        int64                      `json:"visitors"`
	Conversions     int64                      `json:"conversions"`
	ConversionValue float64                    `json:"conversionValue"`
	Variants        map[string]TimelineVariant `json:"variants"`
}

type DetailedAnalytics struct {
	TestID   string               `json:"testId"`
	Name     string               `json:"name"`
	Status   store.Status         `json:"status"`
	Results  Results              `json:"results"`
	Variants []VariantPerformance `json:"variants"`
	Timeline []TimelinePoint      `json:"timeline"`
}

func Analyze(test *store.Test, metrics []store.VariantMetrics, buckets []store.DailyBucket, opts Options) *DetailedAnalytics {
	return &DetailedAnalytics{
		TestID:   test.ID,
		Name:     test.Name,
		Status:   test.Status,
		Results:  ComputeResults(test, metrics, opts),
		Variants: Performance(test, metrics),
		Timeline: BuildTimeline(buckets),
	}
}

// Performance builds the per-variant breakdown in test.Variants order.
func Performance(test *store.Test, metrics []store.VariantMetrics) []VariantPerformance {
	byVariant := indexMetrics(metrics)

	controlRate := 0.0
	if control, ok := test.Control(); ok {
		m := byVariant[control.ID]
		controlRate = Rate(m.Conversions, m.Visitors)
	}

	out := make([]VariantPerformance, len(test.Variants))
	for i, v := range test.Variants {
		m := byVariant[v.ID]
		rate := Rate(m.Conversions, m.Visitors)
		lower, upper := WilsonInterval(m.Conversions, m.Visitors, 0.95)

		p := VariantPerformance{
			VariantID:         v.ID,
			Name:              v.Name,
			IsControl:         v.IsControl,
			TrafficPercentage: test.TrafficSplit[v.ID],
			Visitors:          m.Visitors,
			Conversions:       m.Conversions,
			ConversionRate:    rate,
			ConversionValue:   m.ConversionValue,
			CILower:           lower,
			CIUpper:           upper,
		}
		if m.Conversions > 0 {
			p.AverageValue = m.ConversionValue / float64(m.Conversions)
		}
		if !v.IsControl && controlRate > 0 {
			lift := Improvement(rate, controlRate)
			p.Lift = &lift
		}
		out[i] = p
	}
	return out
}

// BuildTimeline folds per-variant day buckets into one point per day,
// ordered by date.
func BuildTimeline(buckets []store.DailyBucket) []TimelinePoint {
	byDay := make(map[string]*TimelinePoint)
	for _, b := range buckets {
		p, ok := byDay[b.Day]
		if !ok {
			p = &TimelinePoint{Date: b.Day, Variants: make(map[string]TimelineVariant)}
			byDay[b.Day] = p
		}
		p.Visitors += b.Visitors
		p.Conversions += b.Conversions
		p.ConversionValue += b.ConversionValue

		tv := p.Variants[b.VariantID]
		tv.Visitors += b.Visitors
		tv.Conversions += b.Conversions
		tv.ConversionValue += b.ConversionValue
		tv.ConversionRate = Rate(tv.Conversions, tv.Visitors)
		p.Variants[b.VariantID] = tv
	}

	out := make([]TimelinePoint, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Improvement is the relative lift of rate over base; 0 when base is 0.
func Improvement(rate, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (rate - base) / base
}
