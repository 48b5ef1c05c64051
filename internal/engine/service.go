// Package engine implements variant assignment, conversion recording,
// test lifecycle and the analytics views on top of a store.Store.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/stats"
	"github.com/pagecraft/abtest/internal/store"
)

const tracerName = "github.com/pagecraft/abtest/engine"

// PageResolver reports whether a page exists. It is consulted when a test
// is created or re-targeted; without one, pageId is stored unchecked.
type PageResolver interface {
	PageExists(ctx context.Context, pageID string) (bool, error)
}

// Recorder receives engine events for metrics.
type Recorder interface {
	AssignmentRecorded(testID, variantID string, created bool)
	ConversionRecorded(testID, variantID string, value float64)
	TransitionRecorded(from, to store.Status)
}

type nopRecorder struct{}

func (nopRecorder) AssignmentRecorded(string, string, bool) {}
func (nopRecorder) ConversionRecorded(string, string, float64) {}
func (nopRecorder) TransitionRecorded(store.Status, store.Status) {}

// Service is the boundary consumed by the HTTP server and the CLI.
// It is safe for concurrent use.
type Service struct {
	store     store.Store
	random    RandomSource
	now       func() time.Time
	logger    *zap.Logger
	metrics   Recorder
	pages     PageResolver
	statsOpts stats.Options
	tracer    trace.Tracer
}

type Option func(*Service)

// WithRandom replaces the random source used for new assignments.
func WithRandom(r RandomSource) Option {
	return func(s *Service) { s.random = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

func WithPageResolver(p PageResolver) Option {
	return func(s *Service) { s.pages = p }
}

func WithStatsOptions(opts stats.Options) Option {
	return func(s *Service) { s.statsOpts = opts }
}

func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		random:    defaultRandomSource(),
		now:       time.Now,
		logger:    zap.NewNop(),
		metrics:   nopRecorder{},
		statsOpts: stats.DefaultOptions(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "engine"))
	return s
}

// StatsOptions returns the analysis options in effect.
func (s *Service) StatsOptions() stats.Options {
	return s.statsOpts
}

func (s *Service) startSpan(ctx context.Context, name, testID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("abtest.test_id", testID))
	return s.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on the span before ending it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Ping checks the storage backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
