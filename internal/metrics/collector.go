// Package metrics exposes engine and HTTP activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/store"
)

// Collector implements engine.Recorder and records HTTP traffic.
type Collector struct {
	assignmentsTotal    *prometheus.CounterVec
	conversionsTotal    *prometheus.CounterVec
	conversionValue     *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the collector's metrics with reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.assignmentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Variant assignment requests by outcome",
		},
		[]string{"test_id", "variant_id", "outcome"}, // outcome: new, existing
	)

	c.conversionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Recorded conversion events",
		},
		[]string{"test_id", "variant_id"},
	)

	c.conversionValue = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_value_total",
			Help:      "Sum of conversion values",
		},
		[]string{"test_id", "variant_id"},
	)

	c.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Test lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

func (c *Collector) AssignmentRecorded(testID, variantID string, created bool) {
	outcome := "existing"
	if created {
		outcome = "new"
	}
	c.assignmentsTotal.WithLabelValues(testID, variantID, outcome).Inc()
}

func (c *Collector) ConversionRecorded(testID, variantID string, value float64) {
	c.conversionsTotal.WithLabelValues(testID, variantID).Inc()
	if value > 0 {
		c.conversionValue.WithLabelValues(testID, variantID).Add(value)
	}
}

func (c *Collector) TransitionRecorded(from, to store.Status) {
	c.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordHTTPRequest records one request. route is the route template, not
// the raw path, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
