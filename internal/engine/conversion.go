package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/store"
)

// RecordConversion counts a conversion against the session's assigned
// variant. Every call counts. value is added to the variant's conversion
// value when present; metadata is stored but never read.
func (s *Service) RecordConversion(ctx context.Context, testID, sessionID string, value *float64, metadata map[string]any) (err error) {
	ctx, span := s.startSpan(ctx, "RecordConversion", testID)
	defer func() { endSpan(span, err) }()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	if value != nil && (*value < 0 || math.IsNaN(*value) || math.IsInf(*value, 0)) {
		return fmt.Errorf("%w: conversion value must be a non-negative number", ErrInvalidInput)
	}

	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return translate(err, "record conversion")
	}
	if test.Status == store.StatusArchived {
		return fmt.Errorf("test %q is archived: %w", testID, ErrTestNotRunning)
	}

	variantID, err := s.store.RecordConversion(ctx, store.Conversion{
		TestID:    testID,
		SessionID: sessionID,
		Value:     value,
		Metadata:  metadata,
	})
	if err != nil {
		if errors.Is(err, store.ErrAssignmentNotFound) {
			s.logger.Warn("conversion for unassigned session rejected",
				zap.String("test_id", testID),
				zap.String("session_id", sessionID))
		}
		return translate(err, "record conversion")
	}

	v := 0.0
	if value != nil {
		v = *value
	}
	s.metrics.ConversionRecorded(testID, variantID, v)
	s.logger.Debug("conversion recorded",
		zap.String("test_id", testID),
		zap.String("variant_id", variantID),
		zap.Float64("value", v))
	return nil
}
