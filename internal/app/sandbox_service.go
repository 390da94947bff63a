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

const (
	DefaultSandboxTTL = 30 * time.Minute
	sweepBatchSize    = 100
)

type SandboxService struct {
	store   *repository.Store
	prompts *PromptService
	cache   ContextInvalidator
	logger  *zap.Logger
	ttl     time.Duration
	now     func() time.Time
}

type CreateSandboxInput struct {
	Name          string
	PersonalityID uint
	GuardrailID   uint
	FileIDs       []uint
}

func NewSandboxService(
	store *repository.Store,
	prompts *PromptService,
	cache ContextInvalidator,
	logger *zap.Logger,
	ttl time.Duration,
	now func() time.Time,
) *SandboxService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultSandboxTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SandboxService{
		store:   store,
		prompts: prompts,
		cache:   cache,
		logger:  logger,
		ttl:     ttl,
		now:     now,
	}
}

// Create starts a sandbox whose lifetime ends at creation time plus the TTL.
func (s *SandboxService) Create(ctx context.Context, input CreateSandboxInput) (*model.SandboxAssistant, error) {
	if len(input.FileIDs) > MaxSandboxFiles {
		return nil, fmt.Errorf("%w: a sandbox holds at most %d knowledge files", ErrLimitExceeded, MaxSandboxFiles)
	}
	name := strings.TrimSpace(input.Name)
	if len([]rune(name)) > maxFragmentNameRunes {
		return nil, fmt.Errorf("%w: sandbox name must be at most %d characters", ErrValidation, maxFragmentNameRunes)
	}
	if name == "" {
		name = "Sandbox"
	}

	var sandbox *model.SandboxAssistant
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		personality, guardrail, err := acquirePair(ctx, tx, input.PersonalityID, input.GuardrailID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		sandbox = &model.SandboxAssistant{
			Name:              name,
			PersonalityID:     personality.ID,
			GuardrailID:       guardrail.ID,
			MergedPrompt:      MergePrompt(personality, guardrail),
			PromptFingerprint: PromptFingerprint(personality, guardrail),
			LastPromptMerge:   &now,
			FileCount:         len(input.FileIDs),
			ExpiresAt:         now.Add(s.ttl),
		}
		if err := tx.Sandboxes.Create(ctx, sandbox); err != nil {
			return err
		}
		owner := model.OwnerRef{Type: model.OwnerSandbox, ID: sandbox.ID}
		_, err = attachFileCopies(ctx, tx, owner, input.FileIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sandbox created",
		zap.Uint("sandbox_id", sandbox.ID),
		zap.Time("expires_at", sandbox.ExpiresAt))
	return sandbox, nil
}

// Get is the audit read and works in every state. An expired sandbox has
// its fragment references released on the way.
func (s *SandboxService) Get(ctx context.Context, id uint) (*model.SandboxAssistant, error) {
	sandbox, err := s.store.Sandboxes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sandbox == nil {
		return nil, fmt.Errorf("%w: sandbox %d", ErrNotFound, id)
	}
	if err := s.checkUsable(ctx, sandbox); err != nil {
		if errors.Is(err, ErrExpired) || errors.Is(err, ErrAlreadyPromoted) {
			return sandbox, nil
		}
		return nil, err
	}
	if _, err := s.prompts.RecomputeSandbox(ctx, sandbox); err != nil {
		return nil, err
	}
	return sandbox, nil
}

// GetUsable returns the sandbox only while it can still serve traffic.
func (s *SandboxService) GetUsable(ctx context.Context, id uint) (*model.SandboxAssistant, error) {
	sandbox, err := s.store.Sandboxes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sandbox == nil {
		return nil, fmt.Errorf("%w: sandbox %d", ErrNotFound, id)
	}
	if err := s.checkUsable(ctx, sandbox); err != nil {
		return nil, err
	}
	if _, err := s.prompts.RecomputeSandbox(ctx, sandbox); err != nil {
		return nil, err
	}
	return sandbox, nil
}

func (s *SandboxService) List(ctx context.Context) ([]model.SandboxAssistant, error) {
	return s.store.Sandboxes.ListUsable(ctx, s.now().UTC())
}

// Touch counts one conversation. The expiry time never moves.
func (s *SandboxService) Touch(ctx context.Context, id uint) (*model.SandboxAssistant, error) {
	ok, err := s.store.Sandboxes.Touch(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	sandbox, err := s.store.Sandboxes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sandbox == nil {
		return nil, fmt.Errorf("%w: sandbox %d", ErrNotFound, id)
	}
	if !ok {
		if err := s.checkUsable(ctx, sandbox); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: sandbox %d could not be touched", ErrInvalidState, id)
	}
	return sandbox, nil
}

// Promote turns a usable sandbox into the live assistant of an animal. The
// assistant, the usage transfer, the file re-parenting and the promoted
// flag commit together or not at all.
func (s *SandboxService) Promote(ctx context.Context, id uint, animalID string) (*model.AnimalAssistant, error) {
	animalID, err := normalizeAnimalID(animalID)
	if err != nil {
		return nil, err
	}

	var assistant *model.AnimalAssistant
	var moved int64
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		sandbox, err := tx.Sandboxes.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sandbox == nil {
			return fmt.Errorf("%w: sandbox %d", ErrNotFound, id)
		}
		now := s.now().UTC()
		if err := usableAt(sandbox, now); err != nil {
			return err
		}

		live, err := tx.Assistants.GetLiveByAnimalID(ctx, animalID)
		if err != nil {
			return err
		}
		if live != nil {
			return fmt.Errorf("%w: animal %s already has live assistant %d", ErrConflict, animalID, live.ID)
		}

		personality, guardrail, err := loadPair(ctx, tx, sandbox.PersonalityID, sandbox.GuardrailID)
		if err != nil {
			return err
		}
		assistant = &model.AnimalAssistant{
			AnimalID:          animalID,
			LiveAnimalID:      &animalID,
			PersonalityID:     personality.ID,
			GuardrailID:       guardrail.ID,
			MergedPrompt:      MergePrompt(personality, guardrail),
			PromptFingerprint: PromptFingerprint(personality, guardrail),
			LastPromptMerge:   &now,
			FileCount:         sandbox.FileCount,
			Status:            model.AssistantActive,
		}
		if err := tx.Assistants.Create(ctx, assistant); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: animal %s already has a live assistant", ErrConflict, animalID)
			}
			return err
		}

		promoted, err := tx.Sandboxes.MarkPromoted(ctx, sandbox.ID, assistant.ID, now)
		if err != nil {
			return err
		}
		if !promoted {
			return fmt.Errorf("%w: sandbox %d", ErrAlreadyPromoted, id)
		}
		// The sandbox's references move to the assistant, so the counts
		// only change if the sandbox had already given them up.
		if sandbox.UsageReleased {
			if _, _, err := acquirePair(ctx, tx, personality.ID, guardrail.ID); err != nil {
				return err
			}
		}

		moved, err = tx.Files.Reparent(ctx,
			model.OwnerRef{Type: model.OwnerSandbox, ID: sandbox.ID},
			model.OwnerRef{Type: model.OwnerAssistant, ID: assistant.ID})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, id)
	s.logger.Info("sandbox promoted",
		zap.Uint("sandbox_id", id),
		zap.Uint("assistant_id", assistant.ID),
		zap.String("animal_id", animalID),
		zap.Int64("files_moved", moved))
	return assistant, nil
}

// SweepExpired releases the fragment references of every expired,
// unpromoted sandbox. Safe to run concurrently and repeatedly.
func (s *SandboxService) SweepExpired(ctx context.Context) (int, error) {
	released := 0
	for {
		expired, err := s.store.Sandboxes.ListExpiredUnreleased(ctx, s.now().UTC(), sweepBatchSize)
		if err != nil {
			return released, err
		}
		if len(expired) == 0 {
			return released, nil
		}
		for i := range expired {
			ok, err := s.releaseUsage(ctx, &expired[i])
			if err != nil {
				return released, err
			}
			if ok {
				released++
			}
		}
		if len(expired) < sweepBatchSize {
			return released, nil
		}
	}
}

// checkUsable reports why a sandbox cannot serve traffic and releases the
// usage of an expired one.
func (s *SandboxService) checkUsable(ctx context.Context, sandbox *model.SandboxAssistant) error {
	err := usableAt(sandbox, s.now().UTC())
	if errors.Is(err, ErrExpired) && !sandbox.UsageReleased {
		if _, releaseErr := s.releaseUsage(ctx, sandbox); releaseErr != nil {
			return releaseErr
		}
	}
	return err
}

func (s *SandboxService) releaseUsage(ctx context.Context, sandbox *model.SandboxAssistant) (bool, error) {
	released := false
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		ok, err := tx.Sandboxes.ReleaseUsage(ctx, sandbox.ID)
		if err != nil || !ok {
			return err
		}
		released = true
		return releasePair(ctx, tx, s.logger, sandbox.PersonalityID, sandbox.GuardrailID)
	})
	if err != nil {
		return false, err
	}
	if released {
		sandbox.UsageReleased = true
		s.invalidate(ctx, sandbox.ID)
		s.logger.Info("expired sandbox released",
			zap.Uint("sandbox_id", sandbox.ID),
			zap.Time("expires_at", sandbox.ExpiresAt))
	}
	return released, nil
}

func (s *SandboxService) invalidate(ctx context.Context, id uint) {
	if s.cache == nil {
		return
	}
	owner := model.OwnerRef{Type: model.OwnerSandbox, ID: id}
	if err := s.cache.Invalidate(ctx, owner); err != nil {
		s.logger.Warn("invalidate context cache failed", zap.Uint("sandbox_id", id), zap.Error(err))
	}
}

func usableAt(sandbox *model.SandboxAssistant, now time.Time) error {
	if sandbox.IsPromoted {
		return fmt.Errorf("%w: sandbox %d", ErrAlreadyPromoted, sandbox.ID)
	}
	if sandbox.IsExpired(now) {
		return fmt.Errorf("%w: sandbox %d expired at %s", ErrExpired, sandbox.ID, sandbox.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
