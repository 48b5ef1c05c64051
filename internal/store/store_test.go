package store_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pagecraft/abtest/internal/store"
	"github.com/pagecraft/abtest/internal/testutil"
)

// backends runs fn once per Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, testutil.SetupSQLiteStore(t))
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := testutil.SetupRedisStore(t)
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryStore())
	})
}

func createTest(t *testing.T, s store.Store, id string) *store.Test {
	t.Helper()
	test := testutil.TwoWayTest(id)
	if err := s.CreateTest(context.Background(), test); err != nil {
		t.Fatalf("failed to create test: %v", err)
	}
	return test
}

func TestCreateAndGetTest(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		created := createTest(t, s, "hero")

		got, err := s.GetTest(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get test: %v", err)
		}

		if got.Name != created.Name {
			t.Errorf("got Name %s, want %s", got.Name, created.Name)
		}
		if len(got.Variants) != 2 {
			t.Fatalf("got %d variants, want 2", len(got.Variants))
		}
		if got.Variants[0].ID != "control" || !got.Variants[0].IsControl {
			t.Errorf("variant order or control flag lost: %+v", got.Variants[0])
		}
		if got.TrafficSplit["v1"] != 50 {
			t.Errorf("got v1 split %f, want 50", got.TrafficSplit["v1"])
		}
		if got.Status != store.StatusDraft {
			t.Errorf("got Status %s, want draft", got.Status)
		}
		if got.StartDate != nil {
			t.Error("expected nil StartDate")
		}
	})
}

func TestCreateTest_Duplicate(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		createTest(t, s, "hero")

		err := s.CreateTest(context.Background(), testutil.TwoWayTest("hero"))
		if !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("got %v, want ErrDuplicate", err)
		}
	})
}

func TestGetTest_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.GetTest(context.Background(), "nonexistent")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateTest(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := createTest(t, s, "hero")

		start := time.Now().Truncate(time.Second)
		test.Status = store.StatusRunning
		test.StartDate = &start
		if err := s.UpdateTest(ctx, test, store.StatusDraft); err != nil {
			t.Fatalf("failed to update test: %v", err)
		}

		got, err := s.GetTest(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get test: %v", err)
		}
		if got.Status != store.StatusRunning {
			t.Errorf("got Status %s, want running", got.Status)
		}
		if got.StartDate == nil || !got.StartDate.Equal(start) {
			t.Errorf("got StartDate %v, want %v", got.StartDate, start)
		}

		missing := testutil.TwoWayTest("missing")
		if err := s.UpdateTest(ctx, missing, store.StatusDraft); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound for missing test", err)
		}
	})
}

func TestUpdateTest_StatusConflict(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := createTest(t, s, "hero")

		// Two writers both read the draft
		started := test.Clone()
		started.Status = store.StatusRunning
		renamed := test.Clone()
		renamed.Name = "Renamed"

		if err := s.UpdateTest(ctx, started, store.StatusDraft); err != nil {
			t.Fatalf("failed to start test: %v", err)
		}
		if err := s.UpdateTest(ctx, renamed, store.StatusDraft); !errors.Is(err, store.ErrConflict) {
			t.Fatalf("got %v, want ErrConflict", err)
		}

		got, err := s.GetTest(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get test: %v", err)
		}
		if got.Status != store.StatusRunning {
			t.Errorf("got Status %s, want running", got.Status)
		}
		if got.Name == "Renamed" {
			t.Error("stale update overwrote the stored test")
		}
	})
}

func TestListTests_ExcludesArchived(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")
		archived := createTest(t, s, "pricing")
		archived.Status = store.StatusArchived
		if err := s.UpdateTest(ctx, archived, store.StatusDraft); err != nil {
			t.Fatalf("failed to archive: %v", err)
		}

		active, err := s.ListTests(ctx, store.ListOptions{})
		if err != nil {
			t.Fatalf("failed to list tests: %v", err)
		}
		if len(active) != 1 || active[0].ID != "hero" {
			t.Errorf("got %d active tests, want only hero", len(active))
		}

		all, err := s.ListTests(ctx, store.ListOptions{IncludeArchived: true})
		if err != nil {
			t.Fatalf("failed to list tests: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("got %d tests, want 2", len(all))
		}

		onlyArchived, err := s.ListTests(ctx, store.ListOptions{IncludeArchived: true, Status: store.StatusArchived})
		if err != nil {
			t.Fatalf("failed to list tests: %v", err)
		}
		if len(onlyArchived) != 1 || onlyArchived[0].ID != "pricing" {
			t.Errorf("status filter returned %d tests", len(onlyArchived))
		}
	})
}

func TestAssignIfAbsent_Sticky(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		a, created, err := s.AssignIfAbsent(ctx, "hero", "s1", "v1")
		if err != nil {
			t.Fatalf("failed to assign: %v", err)
		}
		if !created || a.VariantID != "v1" {
			t.Fatalf("got created=%v variant=%s, want true v1", created, a.VariantID)
		}

		// A second request proposing a different variant keeps the first one
		a, created, err = s.AssignIfAbsent(ctx, "hero", "s1", "control")
		if err != nil {
			t.Fatalf("failed to assign: %v", err)
		}
		if created || a.VariantID != "v1" {
			t.Errorf("got created=%v variant=%s, want false v1", created, a.VariantID)
		}

		got, err := s.GetAssignment(ctx, "hero", "s1")
		if err != nil {
			t.Fatalf("failed to get assignment: %v", err)
		}
		if got.VariantID != "v1" {
			t.Errorf("got variant %s, want v1", got.VariantID)
		}

		metrics, err := s.GetVariantMetrics(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		if len(metrics) != 1 || metrics[0].Visitors != 1 {
			t.Errorf("got metrics %+v, want a single visitor on v1", metrics)
		}
	})
}

func TestGetAssignment_NotFound(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		_, err := s.GetAssignment(context.Background(), "hero", "nobody")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})
}

func TestAssignIfAbsent_ConcurrentSameSession(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		var wg sync.WaitGroup
		results := make([]string, 20)
		errs := make([]error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				variant := "control"
				if i%2 == 1 {
					variant = "v1"
				}
				a, _, err := s.AssignIfAbsent(ctx, "hero", "same-session", variant)
				errs[i] = err
				if a != nil {
					results[i] = a.VariantID
				}
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("assignment %d failed: %v", i, err)
			}
		}
		for i := 1; i < len(results); i++ {
			if results[i] != results[0] {
				t.Fatalf("session received two variants: %s and %s", results[0], results[i])
			}
		}

		metrics, err := s.GetVariantMetrics(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		var visitors int64
		for _, m := range metrics {
			visitors += m.Visitors
		}
		if visitors != 1 {
			t.Errorf("got %d visitors, want 1", visitors)
		}
	})
}

func TestAssignIfAbsent_ConcurrentDistinctSessions(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		const sessions = 100
		var wg sync.WaitGroup
		var mu sync.Mutex
		var failures []error
		for i := 0; i < sessions; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				variant := "control"
				if i%3 == 0 {
					variant = "v1"
				}
				if _, _, err := s.AssignIfAbsent(ctx, "hero", fmt.Sprintf("s%d", i), variant); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if len(failures) > 0 {
			t.Fatalf("concurrent assignment failed: %v", failures[0])
		}

		metrics, err := s.GetVariantMetrics(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		var visitors int64
		for _, m := range metrics {
			visitors += m.Visitors
		}
		if visitors != sessions {
			t.Errorf("got %d visitors, want %d", visitors, sessions)
		}
	})
}

func TestRecordConversion(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		if _, _, err := s.AssignIfAbsent(ctx, "hero", "s1", "v1"); err != nil {
			t.Fatalf("failed to assign: %v", err)
		}

		value := 19.5
		variant, err := s.RecordConversion(ctx, store.Conversion{
			TestID:    "hero",
			SessionID: "s1",
			Value:     &value,
			Metadata:  map[string]any{"plan": "pro"},
		})
		if err != nil {
			t.Fatalf("failed to record conversion: %v", err)
		}
		if variant != "v1" {
			t.Errorf("got variant %s, want v1", variant)
		}

		// Conversions are not deduplicated
		if _, err := s.RecordConversion(ctx, store.Conversion{TestID: "hero", SessionID: "s1"}); err != nil {
			t.Fatalf("failed to record second conversion: %v", err)
		}

		metrics, err := s.GetVariantMetrics(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		if len(metrics) != 1 {
			t.Fatalf("got %d metric rows, want 1", len(metrics))
		}
		m := metrics[0]
		if m.Visitors != 1 || m.Conversions != 2 {
			t.Errorf("got visitors=%d conversions=%d, want 1 and 2", m.Visitors, m.Conversions)
		}
		if m.ConversionValue != 19.5 {
			t.Errorf("got conversion value %f, want 19.5", m.ConversionValue)
		}
	})
}

func TestRecordConversion_WithoutAssignment(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		if _, _, err := s.AssignIfAbsent(ctx, "hero", "s1", "control"); err != nil {
			t.Fatalf("failed to assign: %v", err)
		}

		_, err := s.RecordConversion(ctx, store.Conversion{TestID: "hero", SessionID: "never-assigned-session"})
		if !errors.Is(err, store.ErrAssignmentNotFound) {
			t.Fatalf("got %v, want ErrAssignmentNotFound", err)
		}

		metrics, err := s.GetVariantMetrics(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		for _, m := range metrics {
			if m.Conversions != 0 || m.ConversionValue != 0 {
				t.Errorf("counters mutated: %+v", m)
			}
		}
	})
}

func TestGetTimeline(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		for _, sid := range []string{"s1", "s2", "s3"} {
			if _, _, err := s.AssignIfAbsent(ctx, "hero", sid, "control"); err != nil {
				t.Fatalf("failed to assign: %v", err)
			}
		}
		if _, _, err := s.AssignIfAbsent(ctx, "hero", "s4", "v1"); err != nil {
			t.Fatalf("failed to assign: %v", err)
		}
		value := 5.0
		if _, err := s.RecordConversion(ctx, store.Conversion{TestID: "hero", SessionID: "s4", Value: &value}); err != nil {
			t.Fatalf("failed to record conversion: %v", err)
		}

		buckets, err := s.GetTimeline(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get timeline: %v", err)
		}

		var visitors, conversions int64
		var total float64
		for _, b := range buckets {
			if len(b.Day) != len("2006-01-02") {
				t.Errorf("malformed day %q", b.Day)
			}
			visitors += b.Visitors
			conversions += b.Conversions
			total += b.ConversionValue
		}
		if visitors != 4 || conversions != 1 || total != 5 {
			t.Errorf("got visitors=%d conversions=%d value=%f, want 4/1/5", visitors, conversions, total)
		}
	})
}

func TestDeleteTest_RemovesMetrics(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		createTest(t, s, "hero")

		if _, _, err := s.AssignIfAbsent(ctx, "hero", "s1", "control"); err != nil {
			t.Fatalf("failed to assign: %v", err)
		}

		if err := s.DeleteTest(ctx, "hero"); err != nil {
			t.Fatalf("failed to delete test: %v", err)
		}

		if _, err := s.GetTest(ctx, "hero"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound after delete", err)
		}
		if _, err := s.GetAssignment(ctx, "hero", "s1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("assignment survived delete: %v", err)
		}
		metrics, err := s.GetVariantMetrics(ctx, "hero")
		if err != nil {
			t.Fatalf("failed to get metrics: %v", err)
		}
		if len(metrics) != 0 {
			t.Errorf("got %d metric rows after delete, want 0", len(metrics))
		}

		if err := s.DeleteTest(ctx, "hero"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound on second delete", err)
		}
	})
}

func TestRedisStore_KeysShareTestSlot(t *testing.T) {
	ctx := context.Background()
	s, mr := testutil.SetupRedisStore(t)
	createTest(t, s, "hero")

	if _, _, err := s.AssignIfAbsent(ctx, "hero", "s1", "v1"); err != nil {
		t.Fatalf("failed to assign: %v", err)
	}
	value := 5.0
	if _, err := s.RecordConversion(ctx, store.Conversion{TestID: "hero", SessionID: "s1", Value: &value}); err != nil {
		t.Fatalf("failed to record conversion: %v", err)
	}

	for _, key := range mr.Keys() {
		if key == "test:tests" {
			continue
		}
		if !strings.Contains(key, "{hero}") {
			t.Errorf("key %q is missing the {hero} hash tag", key)
		}
	}
}
