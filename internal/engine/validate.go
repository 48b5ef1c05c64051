package engine

import (
	"math"
	"strings"

	"github.com/pagecraft/abtest/internal/store"
)

// SplitTolerance is how far the traffic split may drift from 100.
const SplitTolerance = 0.01

const percentEpsilon = 1e-9

// Validate checks a test definition. Every failure wraps
// ErrInvalidConfiguration.
func Validate(test *store.Test) error {
	if strings.TrimSpace(test.Name) == "" {
		return invalidConfig("name is required")
	}
	if len(test.Variants) < 2 {
		return invalidConfig("at least 2 variants are required, got %d", len(test.Variants))
	}

	seen := make(map[string]bool, len(test.Variants))
	hasControl := false
	sum := 0.0
	for _, v := range test.Variants {
		if strings.TrimSpace(v.ID) == "" {
			return invalidConfig("variant id is required")
		}
		if seen[v.ID] {
			return invalidConfig("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true

		pct, ok := test.TrafficSplit[v.ID]
		if !ok {
			return invalidConfig("variant %q has no traffic split entry", v.ID)
		}
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return invalidConfig("traffic split for %q must be between 0 and 100, got %v", v.ID, pct)
		}
		if math.Abs(v.TrafficPercentage-pct) > percentEpsilon {
			return invalidConfig("variant %q trafficPercentage %v does not match traffic split %v",
				v.ID, v.TrafficPercentage, pct)
		}
		if v.IsControl {
			hasControl = true
		}
		sum += pct
	}

	if len(test.TrafficSplit) != len(test.Variants) {
		for id := range test.TrafficSplit {
			if !seen[id] {
				return invalidConfig("traffic split references unknown variant %q", id)
			}
		}
	}
	if math.Abs(sum-100) > SplitTolerance {
		return invalidConfig("traffic split must sum to 100, got %v", sum)
	}
	if !hasControl {
		return invalidConfig("at least one variant must be the control")
	}
	return nil
}

// normalize fills whichever of trafficSplit and the variants'
// trafficPercentage was left out, so definitions can carry either form.
func normalize(test *store.Test) {
	if len(test.TrafficSplit) == 0 {
		test.TrafficSplit = make(map[string]float64, len(test.Variants))
		for _, v := range test.Variants {
			test.TrafficSplit[v.ID] = v.TrafficPercentage
		}
		return
	}

	allZero := true
	for _, v := range test.Variants {
		if v.TrafficPercentage != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		for i, v := range test.Variants {
			test.Variants[i].TrafficPercentage = test.TrafficSplit[v.ID]
		}
	}
}
