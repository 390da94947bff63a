package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"zooassist/internal/model"
	"zooassist/internal/repository"
)

const (
	MaxAssistantFiles = 50
	MaxSandboxFiles   = 10
)

// acquirePair counts one new reference on both fragments and returns them.
// Must run inside the transaction that creates the reference.
func acquirePair(ctx context.Context, tx *repository.Store, personalityID, guardrailID uint) (*model.Fragment, *model.Fragment, error) {
	if err := acquire(ctx, tx, personalityID, model.FragmentPersonality); err != nil {
		return nil, nil, err
	}
	if err := acquire(ctx, tx, guardrailID, model.FragmentGuardrail); err != nil {
		return nil, nil, err
	}
	return loadPair(ctx, tx, personalityID, guardrailID)
}

func acquire(ctx context.Context, tx *repository.Store, id uint, kind model.FragmentKind) error {
	ok, err := tx.Fragments.AdjustUsage(ctx, id, kind, 1)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kindLabel(kind), id)
	}
	return nil
}

// release drops one reference. A counter already at zero means drift; it
// is logged and left for ReconcileUsage.
func release(ctx context.Context, tx *repository.Store, logger *zap.Logger, id uint, kind model.FragmentKind) error {
	ok, err := tx.Fragments.AdjustUsage(ctx, id, kind, -1)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("fragment usage already zero on release",
			zap.Uint("fragment_id", id), zap.String("kind", string(kind)))
	}
	return nil
}

func releasePair(ctx context.Context, tx *repository.Store, logger *zap.Logger, personalityID, guardrailID uint) error {
	if err := release(ctx, tx, logger, personalityID, model.FragmentPersonality); err != nil {
		return err
	}
	return release(ctx, tx, logger, guardrailID, model.FragmentGuardrail)
}

// attachFileCopies gives the owner its own records of existing completed
// files. Raw blobs, extracted text and vectors are shared, ownership is not.
func attachFileCopies(ctx context.Context, tx *repository.Store, owner model.OwnerRef, fileIDs []uint) (int, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	seen := make(map[uint]struct{}, len(fileIDs))
	for _, id := range fileIDs {
		if _, dup := seen[id]; dup {
			return 0, fmt.Errorf("%w: duplicate file id %d", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}

	files, err := tx.Files.ListByIDs(ctx, fileIDs)
	if err != nil {
		return 0, err
	}
	if len(files) != len(fileIDs) {
		return 0, fmt.Errorf("%w: knowledge file", ErrNotFound)
	}
	for _, src := range files {
		if src.ProcessingStatus != model.StatusCompleted {
			return 0, fmt.Errorf("%w: file %d is %s, only completed files can be attached", ErrValidation, src.ID, src.ProcessingStatus)
		}
		copied := src
		copied.ID = 0
		copied.OwnerType = owner.Type
		copied.OwnerID = owner.ID
		copied.ClaimToken = ""
		copied.CreatedAt = time.Time{}
		copied.UpdatedAt = time.Time{}
		if err := tx.Files.Create(ctx, &copied); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

func kindLabel(kind model.FragmentKind) string {
	if kind == model.FragmentGuardrail {
		return "guardrail"
	}
	return "personality"
}
