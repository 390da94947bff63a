package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"zooassist/internal/model"
	"zooassist/internal/repository"
)

const maxAnimalIDLength = 64

// ContextInvalidator drops cached conversation context of an owner.
type ContextInvalidator interface {
	Invalidate(ctx context.Context, owner model.OwnerRef) error
}

type AssistantService struct {
	store   *repository.Store
	prompts *PromptService
	cache   ContextInvalidator
	logger  *zap.Logger
	now     func() time.Time
}

type CreateAssistantInput struct {
	AnimalID      string
	PersonalityID uint
	GuardrailID   uint
	FileIDs       []uint
}

type UpdateAssistantInput struct {
	PersonalityID *uint
	GuardrailID   *uint
}

func NewAssistantService(
	store *repository.Store,
	prompts *PromptService,
	cache ContextInvalidator,
	logger *zap.Logger,
	now func() time.Time,
) *AssistantService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &AssistantService{
		store:   store,
		prompts: prompts,
		cache:   cache,
		logger:  logger,
		now:     now,
	}
}

// Create makes the live assistant of an animal. Both fragment usage counts,
// the initial merged prompt and any attached file copies are written in one
// transaction.
func (s *AssistantService) Create(ctx context.Context, input CreateAssistantInput) (*model.AnimalAssistant, error) {
	animalID, err := normalizeAnimalID(input.AnimalID)
	if err != nil {
		return nil, err
	}
	if len(input.FileIDs) > MaxAssistantFiles {
		return nil, fmt.Errorf("%w: an assistant holds at most %d knowledge files", ErrLimitExceeded, MaxAssistantFiles)
	}

	var assistant *model.AnimalAssistant
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		live, err := tx.Assistants.GetLiveByAnimalID(ctx, animalID)
		if err != nil {
			return err
		}
		if live != nil {
			return fmt.Errorf("%w: animal %s already has live assistant %d", ErrConflict, animalID, live.ID)
		}

		personality, guardrail, err := acquirePair(ctx, tx, input.PersonalityID, input.GuardrailID)
		if err != nil {
			return err
		}

		at := s.now().UTC()
		assistant = &model.AnimalAssistant{
			AnimalID:          animalID,
			LiveAnimalID:      &animalID,
			PersonalityID:     personality.ID,
			GuardrailID:       guardrail.ID,
			MergedPrompt:      MergePrompt(personality, guardrail),
			PromptFingerprint: PromptFingerprint(personality, guardrail),
			LastPromptMerge:   &at,
			FileCount:         len(input.FileIDs),
			Status:            model.AssistantActive,
		}
		if err := tx.Assistants.Create(ctx, assistant); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: animal %s already has a live assistant", ErrConflict, animalID)
			}
			return err
		}

		owner := model.OwnerRef{Type: model.OwnerAssistant, ID: assistant.ID}
		_, err = attachFileCopies(ctx, tx, owner, input.FileIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("assistant created",
		zap.Uint("assistant_id", assistant.ID),
		zap.String("animal_id", animalID),
		zap.Uint("personality_id", assistant.PersonalityID),
		zap.Uint("guardrail_id", assistant.GuardrailID))
	return assistant, nil
}

// Get returns the assistant with its merged prompt verified against the
// current fragment contents.
func (s *AssistantService) Get(ctx context.Context, id uint) (*model.AnimalAssistant, error) {
	assistant, err := s.store.Assistants.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if assistant == nil {
		return nil, fmt.Errorf("%w: assistant %d", ErrNotFound, id)
	}
	changed, err := s.prompts.RecomputeAssistant(ctx, assistant)
	if err != nil {
		return nil, err
	}
	if changed {
		s.invalidate(ctx, assistant.ID)
	}
	return assistant, nil
}

func (s *AssistantService) List(ctx context.Context) ([]model.AnimalAssistant, error) {
	return s.store.Assistants.List(ctx)
}

// Update swaps fragment references. The old fragment loses a reference and
// the new one gains it in the same transaction as the prompt recompute.
func (s *AssistantService) Update(ctx context.Context, id uint, input UpdateAssistantInput) (*model.AnimalAssistant, error) {
	var assistant *model.AnimalAssistant
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		current, err := tx.Assistants.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: assistant %d", ErrNotFound, id)
		}

		fields := map[string]any{}
		if input.PersonalityID != nil && *input.PersonalityID != current.PersonalityID {
			if err := release(ctx, tx, s.logger, current.PersonalityID, model.FragmentPersonality); err != nil {
				return err
			}
			if err := acquire(ctx, tx, *input.PersonalityID, model.FragmentPersonality); err != nil {
				return err
			}
			current.PersonalityID = *input.PersonalityID
			fields["personality_id"] = current.PersonalityID
		}
		if input.GuardrailID != nil && *input.GuardrailID != current.GuardrailID {
			if err := release(ctx, tx, s.logger, current.GuardrailID, model.FragmentGuardrail); err != nil {
				return err
			}
			if err := acquire(ctx, tx, *input.GuardrailID, model.FragmentGuardrail); err != nil {
				return err
			}
			current.GuardrailID = *input.GuardrailID
			fields["guardrail_id"] = current.GuardrailID
		}
		if len(fields) > 0 {
			if err := tx.Assistants.UpdateFields(ctx, id, fields); err != nil {
				return err
			}
		}
		if _, err := s.prompts.recomputeAssistant(ctx, tx, current); err != nil {
			return err
		}
		assistant = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, assistant.ID)
	s.logger.Info("assistant updated",
		zap.Uint("assistant_id", assistant.ID),
		zap.Uint("personality_id", assistant.PersonalityID),
		zap.Uint("guardrail_id", assistant.GuardrailID))
	return assistant, nil
}

// SetStatus is the staff-driven status transition. ERROR stays until staff
// set another status; INACTIVE frees the animal's live slot and ACTIVE
// claims it back.
func (s *AssistantService) SetStatus(ctx context.Context, id uint, status model.AssistantStatus, reason string) (*model.AnimalAssistant, error) {
	switch status {
	case model.AssistantActive, model.AssistantInactive, model.AssistantError:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	var assistant *model.AnimalAssistant
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		current, err := tx.Assistants.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: assistant %d", ErrNotFound, id)
		}

		var live *string
		if status != model.AssistantInactive {
			animalID := current.AnimalID
			live = &animalID
			other, err := tx.Assistants.GetLiveByAnimalID(ctx, animalID)
			if err != nil {
				return err
			}
			if other != nil && other.ID != current.ID {
				return fmt.Errorf("%w: animal %s already has live assistant %d", ErrConflict, animalID, other.ID)
			}
		}
		reason = strings.TrimSpace(reason)
		err = tx.Assistants.UpdateFields(ctx, id, map[string]any{
			"status":         status,
			"status_reason":  reason,
			"live_animal_id": live,
		})
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: animal %s already has a live assistant", ErrConflict, current.AnimalID)
			}
			return err
		}
		current.Status = status
		current.StatusReason = reason
		current.LiveAnimalID = live
		assistant = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, assistant.ID)
	s.logger.Info("assistant status changed",
		zap.Uint("assistant_id", assistant.ID),
		zap.String("status", string(status)),
		zap.String("reason", assistant.StatusReason))
	return assistant, nil
}

// Delete soft-deletes the assistant and releases its fragment references.
// Its knowledge files stay for audit.
func (s *AssistantService) Delete(ctx context.Context, id uint) error {
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		current, err := tx.Assistants.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: assistant %d", ErrNotFound, id)
		}
		deleted, err := tx.Assistants.SoftDelete(ctx, id)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: assistant %d", ErrNotFound, id)
		}
		return releasePair(ctx, tx, s.logger, current.PersonalityID, current.GuardrailID)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, id)
	s.logger.Info("assistant deleted", zap.Uint("assistant_id", id))
	return nil
}

func (s *AssistantService) invalidate(ctx context.Context, id uint) {
	if s.cache == nil {
		return
	}
	owner := model.OwnerRef{Type: model.OwnerAssistant, ID: id}
	if err := s.cache.Invalidate(ctx, owner); err != nil {
		s.logger.Warn("invalidate context cache failed", zap.Uint("assistant_id", id), zap.Error(err))
	}
}

func normalizeAnimalID(raw string) (string, error) {
	animalID := strings.TrimSpace(raw)
	if animalID == "" || len(animalID) > maxAnimalIDLength {
		return "", fmt.Errorf("%w: animal id must be 1-%d characters", ErrValidation, maxAnimalIDLength)
	}
	return animalID, nil
}
