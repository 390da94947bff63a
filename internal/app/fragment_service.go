package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"zooassist/internal/model"
	"zooassist/internal/repository"
)

const (
	maxFragmentNameRunes = 100
	minFragmentBodyRunes = 50
	maxFragmentBodyRunes = 5000
)

var guardrailSeverities = map[string]struct{}{
	"STRICT":   {},
	"MODERATE": {},
	"RELAXED":  {},
}

// ExpiredUsageReleaser drops the fragment references held by expired
// sandboxes. SandboxService implements it.
type ExpiredUsageReleaser interface {
	SweepExpired(ctx context.Context) (int, error)
}

type FragmentService struct {
	store    *repository.Store
	releaser ExpiredUsageReleaser
	logger   *zap.Logger
}

type CreateFragmentInput struct {
	Kind        model.FragmentKind
	Name        string
	Body        string
	Description string
	Tone        string
	Severity    string
}

// UpdateFragmentInput carries the fields to change; nil means unchanged.
type UpdateFragmentInput struct {
	Name        *string
	Body        *string
	Description *string
	Tone        *string
	Severity    *string
}

// UsageDrift reports a fragment whose stored usage count was corrected.
type UsageDrift struct {
	FragmentID uint               `json:"fragment_id"`
	Kind       model.FragmentKind `json:"kind"`
	Stored     int                `json:"stored"`
	Actual     int                `json:"actual"`
}

func NewFragmentService(store *repository.Store, releaser ExpiredUsageReleaser, logger *zap.Logger) *FragmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FragmentService{
		store:    store,
		releaser: releaser,
		logger:   logger,
	}
}

func (s *FragmentService) Create(ctx context.Context, input CreateFragmentInput) (*model.Fragment, error) {
	fragment := &model.Fragment{
		Kind:        input.Kind,
		Name:        strings.TrimSpace(input.Name),
		Body:        strings.TrimSpace(input.Body),
		Description: strings.TrimSpace(input.Description),
		Tone:        strings.ToUpper(strings.TrimSpace(input.Tone)),
		Severity:    strings.ToUpper(strings.TrimSpace(input.Severity)),
		Version:     1,
	}
	if err := validateFragment(fragment); err != nil {
		return nil, err
	}
	fragment.ContentHash = ContentHash(fragment.Body)

	existing, err := s.store.Fragments.GetByName(ctx, fragment.Kind, fragment.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s %q", ErrDuplicateName, kindLabel(fragment.Kind), fragment.Name)
	}
	if err := s.store.Fragments.Create(ctx, fragment); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s %q", ErrDuplicateName, kindLabel(fragment.Kind), fragment.Name)
		}
		return nil, err
	}

	s.logger.Info("fragment created",
		zap.Uint("fragment_id", fragment.ID),
		zap.String("kind", string(fragment.Kind)),
		zap.String("name", fragment.Name))
	return fragment, nil
}

func (s *FragmentService) Get(ctx context.Context, kind model.FragmentKind, id uint) (*model.Fragment, error) {
	fragment, err := s.store.Fragments.GetByIDAndKind(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	if fragment == nil {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, kindLabel(kind), id)
	}
	return fragment, nil
}

func (s *FragmentService) List(ctx context.Context, kind model.FragmentKind) ([]model.Fragment, error) {
	return s.store.Fragments.ListByKind(ctx, kind)
}

// Update edits a fragment. A body change bumps the version and content hash
// and marks every dependent merged prompt stale in the same transaction.
func (s *FragmentService) Update(ctx context.Context, kind model.FragmentKind, id uint, input UpdateFragmentInput) (*model.Fragment, error) {
	var updated *model.Fragment
	var stale int64
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		fragment, err := tx.Fragments.GetByIDAndKind(ctx, id, kind)
		if err != nil {
			return err
		}
		if fragment == nil {
			return fmt.Errorf("%w: %s %d", ErrNotFound, kindLabel(kind), id)
		}

		if input.Name != nil {
			fragment.Name = strings.TrimSpace(*input.Name)
		}
		if input.Description != nil {
			fragment.Description = strings.TrimSpace(*input.Description)
		}
		if input.Tone != nil {
			fragment.Tone = strings.ToUpper(strings.TrimSpace(*input.Tone))
		}
		if input.Severity != nil {
			fragment.Severity = strings.ToUpper(strings.TrimSpace(*input.Severity))
		}
		bodyChanged := false
		if input.Body != nil {
			body := strings.TrimSpace(*input.Body)
			bodyChanged = body != fragment.Body
			fragment.Body = body
		}
		if err := validateFragment(fragment); err != nil {
			return err
		}

		if bodyChanged {
			fragment.ContentHash = ContentHash(fragment.Body)
			fragment.Version++
		}
		if err := tx.Fragments.UpdateContent(ctx, fragment); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s %q", ErrDuplicateName, kindLabel(kind), fragment.Name)
			}
			return err
		}

		// Name is part of the merged text too.
		a, err := tx.Assistants.MarkPromptStale(ctx, kind, fragment.ID)
		if err != nil {
			return err
		}
		b, err := tx.Sandboxes.MarkPromptStale(ctx, kind, fragment.ID)
		if err != nil {
			return err
		}
		stale = a + b
		updated = fragment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("fragment updated",
		zap.Uint("fragment_id", updated.ID),
		zap.Int("version", updated.Version),
		zap.Int64("stale_prompts", stale))
	return updated, nil
}

// Delete removes an unreferenced fragment. Expired sandboxes are released
// first so their references do not block the delete.
func (s *FragmentService) Delete(ctx context.Context, kind model.FragmentKind, id uint) error {
	if s.releaser != nil {
		if _, err := s.releaser.SweepExpired(ctx); err != nil {
			return fmt.Errorf("release expired sandboxes failed: %w", err)
		}
	}

	fragment, err := s.store.Fragments.GetByIDAndKind(ctx, id, kind)
	if err != nil {
		return err
	}
	if fragment == nil {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kindLabel(kind), id)
	}
	deleted, err := s.store.Fragments.DeleteIfUnused(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		current, err := s.store.Fragments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s %d", ErrNotFound, kindLabel(kind), id)
		}
		return fmt.Errorf("%w: %s %q is referenced by %d assistants or sandboxes",
			ErrInUse, kindLabel(kind), current.Name, current.UsageCount)
	}

	s.logger.Info("fragment deleted", zap.Uint("fragment_id", id), zap.String("kind", string(kind)))
	return nil
}

// ReconcileUsage recomputes every stored usage count from the reference
// tables and returns the corrections it made.
func (s *FragmentService) ReconcileUsage(ctx context.Context) ([]UsageDrift, error) {
	if s.releaser != nil {
		if _, err := s.releaser.SweepExpired(ctx); err != nil {
			return nil, fmt.Errorf("release expired sandboxes failed: %w", err)
		}
	}

	var drifts []UsageDrift
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		fragments, err := tx.Fragments.ListByKind(ctx, "")
		if err != nil {
			return err
		}
		for _, fragment := range fragments {
			actual, err := tx.Fragments.CountReferences(ctx, fragment)
			if err != nil {
				return err
			}
			if actual == fragment.UsageCount {
				continue
			}
			if err := tx.Fragments.SetUsage(ctx, fragment.ID, actual); err != nil {
				return err
			}
			drifts = append(drifts, UsageDrift{
				FragmentID: fragment.ID,
				Kind:       fragment.Kind,
				Stored:     fragment.UsageCount,
				Actual:     actual,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range drifts {
		s.logger.Warn("fragment usage drift corrected",
			zap.Uint("fragment_id", d.FragmentID),
			zap.Int("stored", d.Stored),
			zap.Int("actual", d.Actual))
	}
	return drifts, nil
}

func validateFragment(f *model.Fragment) error {
	if f.Kind != model.FragmentPersonality && f.Kind != model.FragmentGuardrail {
		return fmt.Errorf("%w: unknown fragment kind %q", ErrValidation, f.Kind)
	}
	if n := utf8.RuneCountInString(f.Name); n < 1 || n > maxFragmentNameRunes {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrValidation, maxFragmentNameRunes)
	}
	if n := utf8.RuneCountInString(f.Body); n < minFragmentBodyRunes || n > maxFragmentBodyRunes {
		return fmt.Errorf("%w: body must be %d-%d characters, got %d",
			ErrValidation, minFragmentBodyRunes, maxFragmentBodyRunes, n)
	}
	if f.Kind == model.FragmentGuardrail {
		if f.Severity == "" {
			f.Severity = "MODERATE"
		}
		if _, ok := guardrailSeverities[f.Severity]; !ok {
			return fmt.Errorf("%w: severity must be STRICT, MODERATE or RELAXED", ErrValidation)
		}
		f.Tone = ""
	} else {
		f.Severity = ""
	}
	return nil
}
