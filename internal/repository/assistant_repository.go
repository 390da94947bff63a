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

type AssistantRepository struct {
	db *gorm.DB
}

func NewAssistantRepository(db *gorm.DB) *AssistantRepository {
	return &AssistantRepository{db: db}
}

func (r *AssistantRepository) Create(ctx context.Context, assistant *model.AnimalAssistant) error {
	if err := r.db.WithContext(ctx).Create(assistant).Error; err != nil {
		return fmt.Errorf("create assistant failed: %w", err)
	}
	return nil
}

// GetByID returns a non-deleted assistant, or nil when absent.
func (r *AssistantRepository) GetByID(ctx context.Context, id uint) (*model.AnimalAssistant, error) {
	var assistant model.AnimalAssistant
	if err := r.db.WithContext(ctx).First(&assistant, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get assistant failed: %w", err)
	}
	return &assistant, nil
}

// GetByIDForUpdate is GetByID holding the row lock until the surrounding
// transaction ends. Call it on a transaction-bound repository.
func (r *AssistantRepository) GetByIDForUpdate(ctx context.Context, id uint) (*model.AnimalAssistant, error) {
	var assistant model.AnimalAssistant
	if err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&assistant, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock assistant failed: %w", err)
	}
	return &assistant, nil
}

func (r *AssistantRepository) GetLiveByAnimalID(ctx context.Context, animalID string) (*model.AnimalAssistant, error) {
	var assistant model.AnimalAssistant
	if err := r.db.WithContext(ctx).Where("live_animal_id = ?", animalID).First(&assistant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get assistant by animal failed: %w", err)
	}
	return &assistant, nil
}

func (r *AssistantRepository) List(ctx context.Context) ([]model.AnimalAssistant, error) {
	var list []model.AnimalAssistant
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list assistants failed: %w", err)
	}
	return list, nil
}

func (r *AssistantRepository) Exists(ctx context.Context, id uint) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.AnimalAssistant{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("check assistant existence failed: %w", err)
	}
	return count > 0, nil
}

func (r *AssistantRepository) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	if err := r.db.WithContext(ctx).Model(&model.AnimalAssistant{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("update assistant failed: %w", err)
	}
	return nil
}

// StorePrompt persists a freshly merged prompt.
func (r *AssistantRepository) StorePrompt(ctx context.Context, id uint, prompt, fingerprint string, at time.Time) error {
	return r.UpdateFields(ctx, id, map[string]any{
		"merged_prompt":      prompt,
		"prompt_fingerprint": fingerprint,
		"last_prompt_merge":  at,
	})
}

// MarkPromptStale clears the fingerprint of every assistant referencing the
// fragment so the next read recomputes the merged prompt.
func (r *AssistantRepository) MarkPromptStale(ctx context.Context, kind model.FragmentKind, fragmentID uint) (int64, error) {
	column := "personality_id"
	if kind == model.FragmentGuardrail {
		column = "guardrail_id"
	}
	res := r.db.WithContext(ctx).Model(&model.AnimalAssistant{}).Where(column+" = ?", fragmentID).
		UpdateColumn("prompt_fingerprint", "")
	if res.Error != nil {
		return 0, fmt.Errorf("mark assistant prompts stale failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReserveFileSlot takes one of the assistant's file slots if fewer than
// limit are in use. False means the assistant is absent or full.
func (r *AssistantRepository) ReserveFileSlot(ctx context.Context, id uint, limit int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.AnimalAssistant{}).
		Where("id = ? AND file_count < ?", id, limit).
		UpdateColumn("file_count", gorm.Expr("file_count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("reserve assistant file slot failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *AssistantRepository) ReleaseFileSlot(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Unscoped().Model(&model.AnimalAssistant{}).
		Where("id = ? AND file_count > 0", id).
		UpdateColumn("file_count", gorm.Expr("file_count - 1")).Error
	if err != nil {
		return fmt.Errorf("release assistant file slot failed: %w", err)
	}
	return nil
}

func (r *AssistantRepository) SoftDelete(ctx context.Context, id uint) (bool, error) {
	db := r.db.WithContext(ctx)
	if err := db.Model(&model.AnimalAssistant{}).Where("id = ?", id).
		UpdateColumn("live_animal_id", nil).Error; err != nil {
		return false, fmt.Errorf("clear assistant live slot failed: %w", err)
	}
	res := db.Delete(&model.AnimalAssistant{}, id)
	if res.Error != nil {
		return false, fmt.Errorf("delete assistant failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
