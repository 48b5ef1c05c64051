package stats_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/pagecraft/abtest/internal/stats"
	"github.com/pagecraft/abtest/internal/store"
	"github.com/pagecraft/abtest/internal/testutil"
)

func hasRecommendation(recs []string, substr string) bool {
	for _, r := range recs {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestSummarize_SignificantWinner(t *testing.T) {
	test := testutil.TwoWayTest("hero")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	test.Status = store.StatusRunning
	test.StartDate = &start
	now := start.Add(36 * time.Hour)

	metrics := metricsFor("hero", [3]int64{1000, 50, 0}, [3]int64{1000, 100, 0})
	s := stats.Summarize(test, metrics, now, stats.DefaultOptions())

	if s.Winner != "v1" {
		t.Errorf("got winner %q, want v1", s.Winner)
	}
	if !s.IsSignificant {
		t.Error("expected significant result")
	}
	if s.DurationSeconds != 36*3600 {
		t.Errorf("got duration %d seconds, want %d", s.DurationSeconds, 36*3600)
	}
	if math.Abs(s.DurationDays-1.5) > 1e-9 {
		t.Errorf("got duration %f days, want 1.5", s.DurationDays)
	}
	if s.Improvement == nil || math.Abs(*s.Improvement-1.0) > 1e-9 {
		t.Errorf("got improvement %v, want 1.0", s.Improvement)
	}
	if s.OverallConversionRate != 0.075 {
		t.Errorf("got overall rate %f, want 0.075", s.OverallConversionRate)
	}
	if !hasRecommendation(s.Recommendations, `Variant "v1" is performing best`) {
		t.Errorf("missing rollout recommendation: %v", s.Recommendations)
	}
}

func TestSummarize_SmallSample(t *testing.T) {
	test := testutil.TwoWayTest("hero")
	test.Status = store.StatusRunning

	metrics := metricsFor("hero", [3]int64{20, 2, 0}, [3]int64{30, 3, 0})
	s := stats.Summarize(test, metrics, time.Now(), stats.DefaultOptions())

	if !hasRecommendation(s.Recommendations, "Insufficient sample size") {
		t.Errorf("missing sample size recommendation: %v", s.Recommendations)
	}
	if s.DurationSeconds != 0 {
		t.Errorf("got duration %d without a start date, want 0", s.DurationSeconds)
	}
}

func TestSummarize_Draft(t *testing.T) {
	test := testutil.TwoWayTest("hero")

	s := stats.Summarize(test, nil, time.Now(), stats.DefaultOptions())

	if len(s.Recommendations) != 1 || !hasRecommendation(s.Recommendations, "has not started") {
		t.Errorf("got recommendations %v, want a single not-started note", s.Recommendations)
	}
}

func TestSummarize_UsesEndDate(t *testing.T) {
	test := testutil.TwoWayTest("hero")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	test.Status = store.StatusCompleted
	test.StartDate = &start
	test.EndDate = &end

	s := stats.Summarize(test, nil, end.Add(240*time.Hour), stats.DefaultOptions())

	if s.DurationDays != 2 {
		t.Errorf("got %f days, want 2", s.DurationDays)
	}
	if !hasRecommendation(s.Recommendations, "results are final") {
		t.Errorf("missing final-results note: %v", s.Recommendations)
	}
}

func TestPerformance_Lift(t *testing.T) {
	test := testutil.TwoWayTest("hero")
	metrics := []store.VariantMetrics{
		{TestID: "hero", VariantID: "control", Visitors: 100, Conversions: 10, ConversionValue: 50},
		{TestID: "hero", VariantID: "v1", Visitors: 100, Conversions: 15, ConversionValue: 90},
	}

	perf := stats.Performance(test, metrics)

	if len(perf) != 2 {
		t.Fatalf("got %d rows, want 2", len(perf))
	}
	if perf[0].VariantID != "control" || perf[0].Lift != nil {
		t.Errorf("control row: got %+v", perf[0])
	}
	if perf[1].Lift == nil || math.Abs(*perf[1].Lift-0.5) > 1e-9 {
		t.Errorf("got v1 lift %v, want 0.5", perf[1].Lift)
	}
	if perf[1].AverageValue != 6 {
		t.Errorf("got v1 average value %f, want 6", perf[1].AverageValue)
	}
	if perf[1].CILower >= perf[1].ConversionRate || perf[1].CIUpper <= perf[1].ConversionRate {
		t.Errorf("rate %f outside interval [%f, %f]", perf[1].ConversionRate, perf[1].CILower, perf[1].CIUpper)
	}
}

func TestBuildTimeline(t *testing.T) {
	buckets := []store.DailyBucket{
		{Day: "2026-03-02", VariantID: "control", Visitors: 4, Conversions: 1},
		{Day: "2026-03-01", VariantID: "control", Visitors: 10, Conversions: 2, ConversionValue: 5},
		{Day: "2026-03-01", VariantID: "v1", Visitors: 10, Conversions: 5, ConversionValue: 7.5},
	}

	points := stats.BuildTimeline(buckets)

	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0].Date != "2026-03-01" || points[1].Date != "2026-03-02" {
		t.Errorf("points out of order: %s, %s", points[0].Date, points[1].Date)
	}
	if points[0].Visitors != 20 || points[0].Conversions != 7 || points[0].ConversionValue != 12.5 {
		t.Errorf("got day one totals %+v", points[0])
	}
	if points[0].Variants["v1"].ConversionRate != 0.5 {
		t.Errorf("got v1 rate %f, want 0.5", points[0].Variants["v1"].ConversionRate)
	}
}
