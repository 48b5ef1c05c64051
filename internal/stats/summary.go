package stats

import (
	"fmt"
	"time"

	"github.com/pagecraft/abtest/internal/store"
)

type Summary struct {
	TestID                  string       `json:"testId"`
	Name                    string       `json:"name"`
	Status                  store.Status `json:"status"`
	ConversionGoal          string       `json:"conversionGoal,omitempty"`
	StartDate               *time.Time   `json:"startDate,omitempty"`
	EndDate                 *time.Time   `json:"endDate,omitempty"`
	DurationSeconds         int64        `json:"durationSeconds"`
	DurationDays            float64      `json:"durationDays"`
	TotalVisitors           int64        `json:"totalVisitors"`
	TotalConversions        int64        `json:"totalConversions"`
	OverallConversionRate   float64      `json:"overallConversionRate"`
	Winner                  string       `json:"winner,omitempty"`
	WinnerConversionRate    float64      `json:"winnerConversionRate"`
	Control                 string       `json:"control,omitempty"`
	ControlConversionRate   float64      `json:"controlConversionRate"`
	Improvement             *float64     `json:"improvement,omitempty"` // (winner-control)/control
	StatisticalSignificance float64      `json:"statisticalSignificance"`
	IsSignificant           bool         `json:"isSignificant"`
	Recommendations         []string     `json:"recommendations"`
}

// Summarize builds the convenience view. now is used as the end of the
// duration while the test has no end date.
func Summarize(test *store.Test, metrics []store.VariantMetrics, now time.Time, opts Options) *Summary {
	res := ComputeResults(test, metrics, opts)

	s := &Summary{
		TestID:                  test.ID,
		Name:                    test.Name,
		Status:                  test.Status,
		ConversionGoal:          test.ConversionGoal,
		StartDate:               test.StartDate,
		EndDate:                 test.EndDate,
		TotalVisitors:           res.TotalVisitors,
		TotalConversions:        res.TotalConversions,
		OverallConversionRate:   Rate(res.TotalConversions, res.TotalVisitors),
		Winner:                  res.Winner,
		StatisticalSignificance: res.StatisticalSignificance,
		IsSignificant:           res.StatisticalSignificance >= SignificantConfidence,
	}

	d := Duration(test, now)
	s.DurationSeconds = int64(d / time.Second)
	s.DurationDays = d.Hours() / 24

	if res.Winner != "" {
		s.WinnerConversionRate = res.ConversionRates[res.Winner]
	}
	if control, ok := test.Control(); ok {
		s.Control = control.ID
		s.ControlConversionRate = res.ConversionRates[control.ID]
		if res.Winner != "" && s.ControlConversionRate > 0 {
			imp := Improvement(s.WinnerConversionRate, s.ControlConversionRate)
			s.Improvement = &imp
		}
	}

	s.Recommendations = recommend(test, metrics, s, opts)
	return s
}

// Duration is endDate-startDate, or now-startDate while the test has no end.
func Duration(test *store.Test, now time.Time) time.Duration {
	if test.StartDate == nil {
		return 0
	}
	end := now
	if test.EndDate != nil {
		end = *test.EndDate
	}
	if end.Before(*test.StartDate) {
		return 0
	}
	return end.Sub(*test.StartDate)
}

func recommend(test *store.Test, metrics []store.VariantMetrics, s *Summary, opts Options) []string {
	recs := []string{}

	switch test.Status {
	case store.StatusDraft:
		return append(recs, "Test has not started yet; start it to begin collecting data.")
	case store.StatusPaused:
		recs = append(recs, "Test is paused; no new visitors are being assigned.")
	case store.StatusCompleted, store.StatusArchived:
		recs = append(recs, fmt.Sprintf("Test is %s; results are final.", test.Status))
	}

	if s.TotalVisitors == 0 {
		return append(recs, "No visitors yet; make sure the test page is receiving traffic.")
	}

	if opts.MinSampleSize > 0 && s.TotalVisitors < opts.MinSampleSize {
		recs = append(recs, fmt.Sprintf(
			"Insufficient sample size: %d visitors collected, at least %d recommended before drawing conclusions.",
			s.TotalVisitors, opts.MinSampleSize))
	}

	if opts.MinSampleSize > 0 && len(test.Variants) > 0 {
		perVariant := opts.MinSampleSize / int64(len(test.Variants))
		byVariant := indexMetrics(metrics)
		for _, v := range test.Variants {
			if n := byVariant[v.ID].Visitors; n < perVariant {
				recs = append(recs, fmt.Sprintf("Variant %q has only %d visitors; wait for at least %d.", v.ID, n, perVariant))
			}
		}
	}

	switch {
	case s.IsSignificant && s.Winner != "" && s.Winner == s.Control:
		recs = append(recs, "Control is performing best with statistical significance; keep the current version.")
	case s.IsSignificant && s.Winner != "":
		msg := fmt.Sprintf("Variant %q is performing best with statistical significance", s.Winner)
		if s.Improvement != nil {
			msg += fmt.Sprintf(" (%.1f%% over control)", *s.Improvement*100)
		}
		recs = append(recs, msg+"; consider completing the test and rolling it out.")
	case opts.MinSampleSize == 0 || s.TotalVisitors >= opts.MinSampleSize:
		recs = append(recs, "Results are not statistically significant yet; keep the test running.")
	}

	return recs
}
