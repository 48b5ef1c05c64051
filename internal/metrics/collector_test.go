package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/store"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector() *Collector {
	return NewCollector(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())
}

func TestCollector_AssignmentRecorded(t *testing.T) {
	c := newTestCollector()

	c.AssignmentRecorded("hero", "v1", true)
	c.AssignmentRecorded("hero", "v1", false)
	c.AssignmentRecorded("hero", "v1", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.assignmentsTotal.WithLabelValues("hero", "v1", "new")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.assignmentsTotal.WithLabelValues("hero", "v1", "existing")))
}

func TestCollector_ConversionRecorded(t *testing.T) {
	c := newTestCollector()

	c.ConversionRecorded("hero", "control", 12.5)
	c.ConversionRecorded("hero", "control", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.conversionsTotal.WithLabelValues("hero", "control")))
	assert.Equal(t, 12.5, testutil.ToFloat64(c.conversionValue.WithLabelValues("hero", "control")))
}

func TestCollector_TransitionRecorded(t *testing.T) {
	c := newTestCollector()

	c.TransitionRecorded(store.StatusDraft, store.StatusRunning)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("draft", "running")))
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := newTestCollector()

	c.RecordHTTPRequest("POST", "/api/tests/{id}/assign", 200, 20*time.Millisecond)
	c.RecordHTTPRequest("POST", "/api/tests/{id}/assign", 404, 5*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(c.httpRequestDuration))
}

func TestNewCollector_SharedRegistryPanicsOnDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	NewCollector(ns, reg, nil)

	assert.Panics(t, func() { NewCollector(ns, reg, nil) })
}
