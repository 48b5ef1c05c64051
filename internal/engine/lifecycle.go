package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/store"
)

// TestPatch is a partial update. Nil fields are left unchanged. Variants
// and TrafficSplit may only change while the test is a draft.
type TestPatch struct {
	Name           *string            `json:"name,omitempty"`
	Description    *string            `json:"description,omitempty"`
	PageID         *string            `json:"pageId,omitempty"`
	ConversionGoal *string            `json:"conversionGoal,omitempty"`
	EndDate        *time.Time         `json:"endDate,omitempty"`
	Variants       []store.Variant    `json:"variants,omitempty"`
	TrafficSplit   map[string]float64 `json:"trafficSplit,omitempty"`
}

func (p TestPatch) structural() bool {
	return p.Variants != nil || p.TrafficSplit != nil
}

// CreateTest validates def and stores it as a draft. The id is generated
// when def.ID is empty.
func (s *Service) CreateTest(ctx context.Context, def *store.Test) (_ *store.Test, err error) {
	ctx, span := s.startSpan(ctx, "CreateTest", def.ID)
	defer func() { endSpan(span, err) }()

	test := def.Clone()
	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	test.Name = strings.TrimSpace(test.Name)
	test.Status = store.StatusDraft
	test.StartDate = nil
	normalize(test)

	if err := Validate(test); err != nil {
		return nil, err
	}
	if err := s.checkPage(ctx, test.PageID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	test.CreatedAt = now
	test.UpdatedAt = now

	if err := s.store.CreateTest(ctx, test); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, invalidConfig("test %q already exists", test.ID)
		}
		return nil, translate(err, "create test")
	}

	s.logger.Info("test created",
		zap.String("test_id", test.ID),
		zap.Int("variants", len(test.Variants)))
	return test, nil
}

func (s *Service) GetTest(ctx context.Context, id string) (*store.Test, error) {
	test, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, translate(err, "get test")
	}
	return test, nil
}

// ListTests returns tests newest first. Archived tests are excluded unless
// opts.IncludeArchived is set or opts.Status asks for them.
func (s *Service) ListTests(ctx context.Context, opts store.ListOptions) ([]*store.Test, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, opts.Status)
	}
	tests, err := s.store.ListTests(ctx, opts)
	if err != nil {
		return nil, translate(err, "list tests")
	}
	return tests, nil
}

// UpdateTest applies patch. Metadata may change in any status except
// archived; variant or split edits outside draft fail with
// ErrInvalidTransition.
func (s *Service) UpdateTest(ctx context.Context, id string, patch TestPatch) (_ *store.Test, err error) {
	ctx, span := s.startSpan(ctx, "UpdateTest", id, attribute.Bool("abtest.structural", patch.structural()))
	defer func() { endSpan(span, err) }()

	current, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, translate(err, "update test")
	}
	if current.Status == store.StatusArchived {
		return nil, fmt.Errorf("%w: archived tests cannot be edited", ErrInvalidTransition)
	}
	if patch.structural() && current.Status != store.StatusDraft {
		return nil, fmt.Errorf("%w: variants and traffic split can only change in draft, test is %s",
			ErrInvalidTransition, current.Status)
	}

	test := current.Clone()
	if patch.Name != nil {
		test.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		test.Description = *patch.Description
	}
	if patch.ConversionGoal != nil {
		test.ConversionGoal = *patch.ConversionGoal
	}
	if patch.EndDate != nil {
		end := patch.EndDate.UTC()
		test.EndDate = &end
	}
	if patch.Variants != nil {
		test.Variants = patch.Variants
		if patch.TrafficSplit == nil {
			test.TrafficSplit = nil
		}
	}
	if patch.TrafficSplit != nil {
		test.TrafficSplit = patch.TrafficSplit
		if patch.Variants == nil {
			for i, v := range test.Variants {
				test.Variants[i].TrafficPercentage = test.TrafficSplit[v.ID]
			}
		}
	}
	normalize(test)

	if err := Validate(test); err != nil {
		return nil, err
	}
	if patch.PageID != nil && *patch.PageID != current.PageID {
		if err := s.checkPage(ctx, *patch.PageID); err != nil {
			return nil, err
		}
		test.PageID = *patch.PageID
	}

	test.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateTest(ctx, test, current.Status); err != nil {
		return nil, translate(err, "update test")
	}

	s.logger.Info("test updated", zap.String("test_id", id), zap.Bool("structural", patch.structural()))
	return test, nil
}

// DeleteTest removes the test and all of its data. It reports false when
// the test did not exist.
func (s *Service) DeleteTest(ctx context.Context, id string) (bool, error) {
	ctx, span := s.startSpan(ctx, "DeleteTest", id)
	err := s.store.DeleteTest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		endSpan(span, nil)
		return false, nil
	}
	endSpan(span, err)
	if err != nil {
		return false, translate(err, "delete test")
	}
	s.logger.Info("test deleted", zap.String("test_id", id))
	return true, nil
}

// StartTest moves a draft or paused test to running. The start date is
// set on the first start only.
func (s *Service) StartTest(ctx context.Context, id string) (*store.Test, error) {
	return s.transition(ctx, id, store.StatusRunning, []store.Status{store.StatusDraft, store.StatusPaused},
		func(t *store.Test, now time.Time) {
			if t.StartDate == nil {
				t.StartDate = &now
			}
		})
}

func (s *Service) PauseTest(ctx context.Context, id string) (*store.Test, error) {
	return s.transition(ctx, id, store.StatusPaused, []store.Status{store.StatusRunning}, nil)
}

// CompleteTest stops admitting visitors and stamps the end date.
// Analytics stay readable.
func (s *Service) CompleteTest(ctx context.Context, id string) (*store.Test, error) {
	return s.transition(ctx, id, store.StatusCompleted, []store.Status{store.StatusRunning, store.StatusPaused},
		func(t *store.Test, now time.Time) {
			t.EndDate = &now
		})
}

// ArchiveTest hides a paused or completed test from default listings.
// Archived is terminal.
func (s *Service) ArchiveTest(ctx context.Context, id string) (*store.Test, error) {
	return s.transition(ctx, id, store.StatusArchived, []store.Status{store.StatusPaused, store.StatusCompleted}, nil)
}

func (s *Service) transition(ctx context.Context, id string, to store.Status, from []store.Status, apply func(*store.Test, time.Time)) (_ *store.Test, err error) {
	ctx, span := s.startSpan(ctx, "Transition", id, attribute.String("abtest.to", string(to)))
	defer func() { endSpan(span, err) }()

	test, err := s.store.GetTest(ctx, id)
	if err != nil {
		return nil, translate(err, "transition test")
	}

	allowed := false
	for _, st := range from {
		if test.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move test from %s to %s", ErrInvalidTransition, test.Status, to)
	}

	prev := test.Status
	now := s.now().UTC()
	test.Status = to
	test.UpdatedAt = now
	if apply != nil {
		apply(test, now)
	}

	if err := s.store.UpdateTest(ctx, test, prev); err != nil {
		return nil, translate(err, "transition test")
	}

	s.metrics.TransitionRecorded(prev, to)
	s.logger.Info("test status changed",
		zap.String("test_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(to)))
	return test, nil
}

func (s *Service) checkPage(ctx context.Context, pageID string) error {
	if s.pages == nil || pageID == "" {
		return nil
	}
	ok, err := s.pages.PageExists(ctx, pageID)
	if err != nil {
		return fmt.Errorf("failed to resolve page %q: %w", pageID, err)
	}
	if !ok {
		return fmt.Errorf("page %q: %w", pageID, ErrNotFound)
	}
	return nil
}
