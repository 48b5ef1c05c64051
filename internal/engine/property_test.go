package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pagecraft/abtest/internal/testutil"
)

// For any session, repeated assignment returns the first variant drawn.
func TestProperty_AssignmentIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.Uint64().Draw(rt, "seed")
		svc, _, _ := newService(t, WithRandom(NewRandomSource(seed, seed^0x9e3779b97f4a7c15)))
		ctx := context.Background()

		controlShare := rapid.Float64Range(1, 99).Draw(rt, "controlShare")
		def := testutil.SplitTest("prop", map[string]float64{"control": controlShare, "v1": 100 - controlShare})
		_, err := svc.CreateTest(ctx, def)
		require.NoError(rt, err)
		_, err = svc.StartTest(ctx, "prop")
		require.NoError(rt, err)

		sessions := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z0-9]{4,12}`), 1, 20, rapid.ID[string]).Draw(rt, "sessions")
		repeats := rapid.IntRange(2, 5).Draw(rt, "repeats")

		first := make(map[string]string, len(sessions))
		for r := 0; r < repeats; r++ {
			for _, s := range sessions {
				res, err := svc.AssignVariant(ctx, "prop", s)
				require.NoError(rt, err)
				if want, ok := first[s]; ok {
					assert.Equal(rt, want, res.VariantID, "session %s", s)
				} else {
					first[s] = res.VariantID
				}
			}
		}
	})
}

// For any set of K distinct sessions assigned concurrently, the visitor
// counters sum to exactly K.
func TestProperty_VisitorCountIntegrity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, st, _ := newService(t)
		ctx := context.Background()

		variants := rapid.IntRange(2, 5).Draw(rt, "variants")
		split := make(map[string]float64, variants)
		ids := []string{"control", "v1", "v2", "v3", "v4"}
		for i := 0; i < variants; i++ {
			split[ids[i]] = 100 / float64(variants)
		}
		_, err := svc.CreateTest(ctx, testutil.SplitTest("prop", split))
		require.NoError(rt, err)
		_, err = svc.StartTest(ctx, "prop")
		require.NoError(rt, err)

		k := rapid.IntRange(1, 300).Draw(rt, "sessions")
		var wg sync.WaitGroup
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.AssignVariant(ctx, "prop", fmt.Sprintf("session-%d", i))
				assert.NoError(rt, err)
			}(i)
		}
		wg.Wait()

		metrics, err := st.GetVariantMetrics(ctx, "prop")
		require.NoError(rt, err)
		var total int64
		for _, m := range metrics {
			total += m.Visitors
		}
		assert.Equal(rt, int64(k), total)

		counts := st.AssignmentCounts("prop")
		for _, m := range metrics {
			assert.Equal(rt, int64(counts[m.VariantID]), m.Visitors, "variant %s", m.VariantID)
		}
	})
}

// Any split that sums to 100 with a control is accepted; shifting one share
// by more than the tolerance is rejected.
func TestProperty_SplitValidation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(rt, "variants")
		weights := make([]float64, n)
		total := 0.0
		for i := range weights {
			weights[i] = rapid.Float64Range(0.5, 10).Draw(rt, fmt.Sprintf("w%d", i))
			total += weights[i]
		}

		ids := []string{"control", "v1", "v2", "v3", "v4", "v5"}
		split := make(map[string]float64, n)
		for i := range weights {
			split[ids[i]] = weights[i] / total * 100
		}
		test := testutil.SplitTest("prop", split)
		require.NoError(rt, Validate(test))

		drift := rapid.Float64Range(0.02, 50).Draw(rt, "drift")
		victim := ids[rapid.IntRange(0, n-1).Draw(rt, "victim")]
		bad := test.Clone()
		bad.TrafficSplit[victim] += drift
		for i := range bad.Variants {
			if bad.Variants[i].ID == victim {
				bad.Variants[i].TrafficPercentage = bad.TrafficSplit[victim]
			}
		}
		assert.ErrorIs(rt, Validate(bad), ErrInvalidConfiguration)
	})
}

// With a 30/70 split, 100,000 distinct sessions land within one percentage
// point of the configured shares.
func TestTrafficSplitConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping convergence run in short mode")
	}

	svc, st, _ := newService(t, WithRandom(NewRandomSource(42, 1337)))
	ctx := context.Background()
	runningTest(t, svc, "converge", map[string]float64{"control": 30, "v1": 70})

	const sessions = 100_000
	for i := 0; i < sessions; i++ {
		_, err := svc.AssignVariant(ctx, "converge", fmt.Sprintf("session-%d", i))
		require.NoError(t, err)
	}

	counts := st.AssignmentCounts("converge")
	assert.InDelta(t, 0.30, float64(counts["control"])/sessions, 0.01)
	assert.InDelta(t, 0.70, float64(counts["v1"])/sessions, 0.01)

	metrics, err := st.GetVariantMetrics(ctx, "converge")
	require.NoError(t, err)
	var total int64
	for _, m := range metrics {
		total += m.Visitors
	}
	assert.Equal(t, int64(sessions), total)
}

func TestRandomSource_Range(t *testing.T) {
	r := NewRandomSource(3, 4)
	for i := 0; i < 10_000; i++ {
		v := r()
		if v < 0 || v >= 1 {
			t.Fatalf("draw %d out of range: %f", i, v)
		}
	}
}

func TestSequence_Wraps(t *testing.T) {
	seq := Sequence(0.1, 0.2)
	assert.Equal(t, []float64{0.1, 0.2, 0.1}, []float64{seq(), seq(), seq()})
}
