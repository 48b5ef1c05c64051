package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/store"
)

// AssignResult carries the chosen variant so the caller can render its
// components.
type AssignResult struct {
	VariantID string        `json:"variantId"`
	Variant   store.Variant `json:"variant"`
}

// AssignVariant returns the session's variant, drawing and persisting one
// on the first request. Repeat calls for the same session always return
// the stored variant.
func (s *Service) AssignVariant(ctx context.Context, testID, sessionID string) (_ *AssignResult, err error) {
	ctx, span := s.startSpan(ctx, "AssignVariant", testID)
	defer func() { endSpan(span, err) }()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}

	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, translate(err, "assign variant")
	}
	if test.Status != store.StatusRunning {
		return nil, fmt.Errorf("test %q is %s: %w", testID, test.Status, ErrTestNotRunning)
	}

	existing, err := s.store.GetAssignment(ctx, testID, sessionID)
	switch {
	case err == nil:
		s.metrics.AssignmentRecorded(testID, existing.VariantID, false)
		span.SetAttributes(attribute.String("abtest.variant_id", existing.VariantID), attribute.Bool("abtest.created", false))
		return resultFor(test, existing.VariantID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, translate(err, "assign variant")
	}

	// Once the draw is persisted it must stick even if the caller goes away,
	// so the write ignores cancellation.
	assignment, created, err := s.store.AssignIfAbsent(context.WithoutCancel(ctx), testID, sessionID, pick(test, s.random))
	if err != nil {
		return nil, translate(err, "assign variant")
	}

	s.metrics.AssignmentRecorded(testID, assignment.VariantID, created)
	span.SetAttributes(attribute.String("abtest.variant_id", assignment.VariantID), attribute.Bool("abtest.created", created))
	if created {
		s.logger.Debug("variant assigned",
			zap.String("test_id", testID),
			zap.String("session_id", sessionID),
			zap.String("variant_id", assignment.VariantID))
	}
	return resultFor(test, assignment.VariantID)
}

// pick performs the weighted draw. Variants are scanned in definition order
// and a variant with no share is never chosen. Rounding that leaves r past
// the last boundary falls back to the last eligible variant.
func pick(test *store.Test, random RandomSource) string {
	r := random() * 100
	cumulative := 0.0
	fallback := ""
	for _, v := range test.Variants {
		pct := test.TrafficSplit[v.ID]
		if pct <= 0 {
			continue
		}
		cumulative += pct
		fallback = v.ID
		if r <= cumulative {
			return v.ID
		}
	}
	if fallback == "" {
		return test.Variants[len(test.Variants)-1].ID
	}
	return fallback
}

func resultFor(test *store.Test, variantID string) (*AssignResult, error) {
	v, ok := test.Variant(variantID)
	if !ok {
		return nil, fmt.Errorf("assigned variant %q no longer exists in test %q", variantID, test.ID)
	}
	return &AssignResult{VariantID: v.ID, Variant: v}, nil
}
