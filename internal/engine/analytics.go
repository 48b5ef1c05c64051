package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/pagecraft/abtest/internal/export"
	"github.com/pagecraft/abtest/internal/stats"
	"github.com/pagecraft/abtest/internal/store"
)

// GetResults computes rates, significance and the informational winner.
func (s *Service) GetResults(ctx context.Context, testID string) (_ *stats.Results, err error) {
	ctx, span := s.startSpan(ctx, "GetResults", testID)
	defer func() { endSpan(span, err) }()

	test, metrics, err := s.loadMetrics(ctx, testID)
	if err != nil {
		return nil, err
	}
	res := stats.ComputeResults(test, metrics, s.statsOpts)
	return &res, nil
}

// GetDetailedAnalytics adds the per-variant breakdown and the daily
// timeline to the results.
func (s *Service) GetDetailedAnalytics(ctx context.Context, testID string) (_ *stats.DetailedAnalytics, err error) {
	ctx, span := s.startSpan(ctx, "GetDetailedAnalytics", testID)
	defer func() { endSpan(span, err) }()

	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, translate(err, "get analytics")
	}

	var (
		metrics  []store.VariantMetrics
		timeline []store.DailyBucket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.store.GetVariantMetrics(gctx, testID)
		metrics = m
		return err
	})
	g.Go(func() error {
		b, err := s.store.GetTimeline(gctx, testID)
		timeline = b
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, translate(err, "get analytics")
	}

	span.SetAttributes(attribute.Int("abtest.timeline_days", len(timeline)))
	return stats.Analyze(test, metrics, timeline, s.statsOpts), nil
}

func (s *Service) GetSummary(ctx context.Context, testID string) (_ *stats.Summary, err error) {
	ctx, span := s.startSpan(ctx, "GetSummary", testID)
	defer func() { endSpan(span, err) }()

	test, metrics, err := s.loadMetrics(ctx, testID)
	if err != nil {
		return nil, err
	}
	return stats.Summarize(test, metrics, s.now(), s.statsOpts), nil
}

// ExportResults renders the detailed analytics as json, csv or xlsx.
func (s *Service) ExportResults(ctx context.Context, testID string, format export.Format) (*export.Result, error) {
	format, err := export.ParseFormat(string(format))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	analytics, err := s.GetDetailedAnalytics(ctx, testID)
	if err != nil {
		return nil, err
	}
	return export.Render(analytics, format, s.now())
}

func (s *Service) loadMetrics(ctx context.Context, testID string) (*store.Test, []store.VariantMetrics, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, nil, translate(err, "get results")
	}
	metrics, err := s.store.GetVariantMetrics(ctx, testID)
	if err != nil {
		return nil, nil, translate(err, "get results")
	}
	return test, metrics, nil
}
