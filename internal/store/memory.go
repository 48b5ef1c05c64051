package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryMetrics struct {
	visitors    int64
	conversions int64
	value       decimal.Decimal
}

type memoryBucketKey struct {
	day     string
	variant string
}

type memoryBucket struct {
	visitors    int64
	conversions int64
	value       decimal.Decimal
}

// MemoryStore is an in-process Store. A single mutex serialises writers,
// which gives AssignIfAbsent and RecordConversion their atomicity.
type MemoryStore struct {
	mu          sync.RWMutex
	tests       map[string]*Test
	assignments map[string]map[string]Assignment             // testID -> sessionID -> assignment
	metrics     map[string]map[string]*memoryMetrics         // testID -> variantID -> counters
	timeline    map[string]map[memoryBucketKey]*memoryBucket // testID -> day/variant -> bucket
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*Test),
		assignments: make(map[string]map[string]Assignment),
		metrics:     make(map[string]map[string]*memoryMetrics),
		timeline:    make(map[string]map[memoryBucketKey]*memoryBucket),
		now:         time.Now,
	}
}

// SetClock overrides the clock used to stamp assignments and day buckets.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) CreateTest(ctx context.Context, test *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[test.ID]; ok {
		return ErrDuplicate
	}
	s.tests[test.ID] = test.Clone()
	return nil
}

func (s *MemoryStore) GetTest(ctx context.Context, id string) (*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	test, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return test.Clone(), nil
}

func (s *MemoryStore) ListTests(ctx context.Context, opts ListOptions) ([]*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tests := make([]*Test, 0, len(s.tests))
	for _, test := range s.tests {
		if !opts.IncludeArchived && test.Status == StatusArchived {
			continue
		}
		if opts.Status != "" && test.Status != opts.Status {
			continue
		}
		tests = append(tests, test.Clone())
	}

	sort.Slice(tests, func(i, j int) bool {
		if !tests[i].CreatedAt.Equal(tests[j].CreatedAt) {
			return tests[i].CreatedAt.After(tests[j].CreatedAt)
		}
		return tests[i].ID < tests[j].ID
	})

	return tests, nil
}

func (s *MemoryStore) UpdateTest(ctx context.Context, test *Test, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tests[test.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrConflict
	}
	s.tests[test.ID] = test.Clone()
	return nil
}

func (s *MemoryStore) DeleteTest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[id]; !ok {
		return ErrNotFound
	}
	delete(s.tests, id)
	delete(s.assignments, id)
	delete(s.metrics, id)
	delete(s.timeline, id)
	return nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[testID][sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) AssignIfAbsent(ctx context.Context, testID, sessionID, variantID string) (*Assignment, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.assignments[testID][sessionID]; ok {
		return &existing, false, nil
	}

	now := s.now()
	a := Assignment{TestID: testID, SessionID: sessionID, VariantID: variantID, AssignedAt: now}

	if s.assignments[testID] == nil {
		s.assignments[testID] = make(map[string]Assignment)
	}
	s.assignments[testID][sessionID] = a

	s.variantMetrics(testID, variantID).visitors++
	s.bucket(testID, dayOf(now), variantID).visitors++

	return &a, true, nil
}

func (s *MemoryStore) RecordConversion(ctx context.Context, c Conversion) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[c.TestID][c.SessionID]
	if !ok {
		return "", ErrAssignmentNotFound
	}

	m := s.variantMetrics(c.TestID, a.VariantID)
	b := s.bucket(c.TestID, dayOf(s.now()), a.VariantID)
	m.conversions++
	b.conversions++
	if c.Value != nil {
		v := decimal.NewFromFloat(*c.Value)
		m.value = m.value.Add(v)
		b.value = b.value.Add(v)
	}

	return a.VariantID, nil
}

func (s *MemoryStore) GetVariantMetrics(ctx context.Context, testID string) ([]VariantMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VariantMetrics, 0, len(s.metrics[testID]))
	for variantID, m := range s.metrics[testID] {
		out = append(out, VariantMetrics{
			TestID:          testID,
			VariantID:       variantID,
			Visitors:        m.visitors,
			Conversions:     m.conversions,
			ConversionValue: m.value.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

func (s *MemoryStore) GetTimeline(ctx context.Context, testID string) ([]DailyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DailyBucket, 0, len(s.timeline[testID]))
	for key, b := range s.timeline[testID] {
		out = append(out, DailyBucket{
			Day:             key.day,
			VariantID:       key.variant,
			Visitors:        b.visitors,
			Conversions:     b.conversions,
			ConversionValue: b.value.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out, nil
}

// AssignmentCounts returns how many sessions hold each variant.
func (s *MemoryStore) AssignmentCounts(testID string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, a := range s.assignments[testID] {
		counts[a.VariantID]++
	}
	return counts
}

// caller holds s.mu
func (s *MemoryStore) variantMetrics(testID, variantID string) *memoryMetrics {
	if s.metrics[testID] == nil {
		s.metrics[testID] = make(map[string]*memoryMetrics)
	}
	m, ok := s.metrics[testID][variantID]
	if !ok {
		m = &memoryMetrics{}
		s.metrics[testID][variantID] = m
	}
	return m
}

// caller holds s.mu
func (s *MemoryStore) bucket(testID, day, variantID string) *memoryBucket {
	if s.timeline[testID] == nil {
		s.timeline[testID] = make(map[memoryBucketKey]*memoryBucket)
	}
	key := memoryBucketKey{day: day, variant: variantID}
	b, ok := s.timeline[testID][key]
	if !ok {
		b = &memoryBucket{}
		s.timeline[testID][key] = b
	}
	return b
}
