package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"zooassist/internal/model"
)

type SandboxRepository struct {
	db *gorm.DB
}

func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

func (r *SandboxRepository) Create(ctx context.Context, sandbox *model.SandboxAssistant) error {
	if err := r.db.WithContext(ctx).Create(sandbox).Error; err != nil {
		return fmt.Errorf("create sandbox failed: %w", err)
	}
	return nil
}

func (r *SandboxRepository) GetByID(ctx context.Context, id uint) (*model.SandboxAssistant, error) {
	var sandbox model.SandboxAssistant
	if err := r.db.WithContext(ctx).First(&sandbox, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sandbox failed: %w", err)
	}
	return &sandbox, nil
}

// GetByIDForUpdate is GetByID holding the row lock until the surrounding
// transaction ends. Call it on a transaction-bound repository.
func (r *SandboxRepository) GetByIDForUpdate(ctx context.Context, id uint) (*model.SandboxAssistant, error) {
	var sandbox model.SandboxAssistant
	if err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&sandbox, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock sandbox failed: %w", err)
	}
	return &sandbox, nil
}

// ListUsable returns sandboxes that are neither expired nor promoted at now.
func (r *SandboxRepository) ListUsable(ctx context.Context, now time.Time) ([]model.SandboxAssistant, error) {
	var list []model.SandboxAssistant
	if err := r.db.WithContext(ctx).Where("expires_at >= ? AND is_promoted = ?", now, false).
		Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list sandboxes failed: %w", err)
	}
	return list, nil
}

// Touch records one conversation on a usable sandbox. ExpiresAt is left alone.
func (r *SandboxRepository) Touch(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where("id = ? AND expires_at >= ? AND is_promoted = ?", id, now, false).
		UpdateColumns(map[string]any{
			"conversation_count":   gorm.Expr("conversation_count + 1"),
			"last_conversation_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("touch sandbox failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkPromoted flips a usable sandbox to promoted. False means it was
// already promoted, expired or absent.
func (r *SandboxRepository) MarkPromoted(ctx context.Context, id, assistantID uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where("id = ? AND expires_at >= ? AND is_promoted = ?", id, now, false).
		UpdateColumns(map[string]any{
			"is_promoted":           true,
			"promoted_at":           now,
			"promoted_assistant_id": assistantID,
			"usage_released":        true,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark sandbox promoted failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ReleaseUsage sets the usage-released flag once. True means this call
// performed the release and the caller owns the fragment decrements.
func (r *SandboxRepository) ReleaseUsage(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where("id = ? AND usage_released = ?", id, false).
		UpdateColumn("usage_released", true)
	if res.Error != nil {
		return false, fmt.Errorf("release sandbox usage failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *SandboxRepository) ListExpiredUnreleased(ctx context.Context, now time.Time, limit int) ([]model.SandboxAssistant, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var list []model.SandboxAssistant
	if err := r.db.WithContext(ctx).
		Where("expires_at < ? AND is_promoted = ? AND usage_released = ?", now, false, false).
		Order("expires_at ASC").Limit(limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list expired sandboxes failed: %w", err)
	}
	return list, nil
}

func (r *SandboxRepository) StorePrompt(ctx context.Context, id uint, prompt, fingerprint string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).Where("id = ?", id).Updates(map[string]any{
		"merged_prompt":      prompt,
		"prompt_fingerprint": fingerprint,
		"last_prompt_merge":  at,
	}).Error
	if err != nil {
		return fmt.Errorf("store sandbox prompt failed: %w", err)
	}
	return nil
}

func (r *SandboxRepository) MarkPromptStale(ctx context.Context, kind model.FragmentKind, fragmentID uint) (int64, error) {
	column := "personality_id"
	if kind == model.FragmentGuardrail {
		column = "guardrail_id"
	}
	res := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where(column+" = ? AND is_promoted = ?", fragmentID, false).
		UpdateColumn("prompt_fingerprint", "")
	if res.Error != nil {
		return 0, fmt.Errorf("mark sandbox prompts stale failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *SandboxRepository) ReserveFileSlot(ctx context.Context, id uint, limit int, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where("id = ? AND file_count < ? AND expires_at >= ? AND is_promoted = ?", id, limit, now, false).
		UpdateColumn("file_count", gorm.Expr("file_count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("reserve sandbox file slot failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *SandboxRepository) ReleaseFileSlot(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where("id = ? AND file_count > 0", id).
		UpdateColumn("file_count", gorm.Expr("file_count - 1")).Error
	if err != nil {
		return fmt.Errorf("release sandbox file slot failed: %w", err)
	}
	return nil
}

func (r *SandboxRepository) Exists(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check sandbox existence failed: %w", err)
	}
	return count > 0, nil
}
