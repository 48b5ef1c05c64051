package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pagecraft/abtest/internal/store"
)

// SetupSQLiteStore creates a test database and registers cleanup.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()

	dbPath := t.TempDir() + "/test.db"

	s, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// SetupRedisStore starts an in-process miniredis and connects a RedisStore to it.
func SetupRedisStore(t testing.TB) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := store.OpenRedis(context.Background(), store.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("failed to open redis store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s, mr
}

// TwoWayTest returns a draft control/v1 test split 50/50.
func TwoWayTest(id string) *store.Test {
	return SplitTest(id, map[string]float64{"control": 50, "v1": 50})
}

// SplitTest builds a draft test whose variants follow the order control,
// v1, v2, ... for every key present in split. "control" is the control.
func SplitTest(id string, split map[string]float64) *store.Test {
	order := []string{"control", "v1", "v2", "v3", "v4", "v5"}
	now := time.Now().Truncate(time.Second)

	test := &store.Test{
		ID:             id,
		Name:           "Hero " + id,
		PageID:         "page-home",
		TrafficSplit:   make(map[string]float64, len(split)),
		Status:         store.StatusDraft,
		ConversionGoal: "signup",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, vid := range order {
		pct, ok := split[vid]
		if !ok {
			continue
		}
		test.Variants = append(test.Variants, store.Variant{
			ID:                vid,
			Name:              vid,
			TrafficPercentage: pct,
			IsControl:         vid == "control",
		})
		test.TrafficSplit[vid] = pct
	}
	return test
}
