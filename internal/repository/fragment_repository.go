package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"zooassist/internal/model"
)

type FragmentRepository struct {
	db *gorm.DB
}

func NewFragmentRepository(db *gorm.DB) *FragmentRepository {
	return &FragmentRepository{db: db}
}

func (r *FragmentRepository) Create(ctx context.Context, fragment *model.Fragment) error {
	if err := r.db.WithContext(ctx).Create(fragment).Error; err != nil {
		return fmt.Errorf("create fragment failed: %w", err)
	}
	return nil
}

func (r *FragmentRepository) GetByID(ctx context.Context, id uint) (*model.Fragment, error) {
	var fragment model.Fragment
	if err := r.db.WithContext(ctx).First(&fragment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fragment failed: %w", err)
	}
	return &fragment, nil
}

func (r *FragmentRepository) GetByIDAndKind(ctx context.Context, id uint, kind model.FragmentKind) (*model.Fragment, error) {
	var fragment model.Fragment
	if err := r.db.WithContext(ctx).Where("id = ? AND kind = ?", id, kind).First(&fragment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fragment failed: %w", err)
	}
	return &fragment, nil
}

func (r *FragmentRepository) GetByName(ctx context.Context, kind model.FragmentKind, name string) (*model.Fragment, error) {
	var fragment model.Fragment
	if err := r.db.WithContext(ctx).Where("kind = ? AND name = ?", kind, name).First(&fragment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get fragment by name failed: %w", err)
	}
	return &fragment, nil
}

func (r *FragmentRepository) ListByKind(ctx context.Context, kind model.FragmentKind) ([]model.Fragment, error) {
	var list []model.Fragment
	q := r.db.WithContext(ctx)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Order("name ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list fragments failed: %w", err)
	}
	return list, nil
}

// UpdateContent writes the editable columns. UsageCount is never written here.
func (r *FragmentRepository) UpdateContent(ctx context.Context, fragment *model.Fragment) error {
	err := r.db.WithContext(ctx).Model(&model.Fragment{}).Where("id = ?", fragment.ID).Updates(map[string]any{
		"name":         fragment.Name,
		"body":         fragment.Body,
		"description":  fragment.Description,
		"tone":         fragment.Tone,
		"severity":     fragment.Severity,
		"content_hash": fragment.ContentHash,
		"version":      fragment.Version,
	}).Error
	if err != nil {
		return fmt.Errorf("update fragment failed: %w", err)
	}
	return nil
}

// DeleteIfUnused deletes the fragment only while its usage count is zero.
func (r *FragmentRepository) DeleteIfUnused(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND usage_count = 0", id).Delete(&model.Fragment{})
	if res.Error != nil {
		return false, fmt.Errorf("delete fragment failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AdjustUsage atomically adds delta to the usage count of a fragment of the
// given kind. The count never drops below zero; false means no row matched.
func (r *FragmentRepository) AdjustUsage(ctx context.Context, id uint, kind model.FragmentKind, delta int) (bool, error) {
	q := r.db.WithContext(ctx).Model(&model.Fragment{}).Where("id = ? AND kind = ?", id, kind)
	if delta < 0 {
		q = q.Where("usage_count >= ?", -delta)
	}
	res := q.UpdateColumn("usage_count", gorm.Expr("usage_count + ?", delta))
	if res.Error != nil {
		return false, fmt.Errorf("adjust fragment usage failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *FragmentRepository) SetUsage(ctx context.Context, id uint, count int) error {
	err := r.db.WithContext(ctx).Model(&model.Fragment{}).Where("id = ?", id).
		UpdateColumn("usage_count", count).Error
	if err != nil {
		return fmt.Errorf("set fragment usage failed: %w", err)
	}
	return nil
}

// CountReferences derives the usage of a fragment from the reference
// tables: live (not deleted) assistants plus sandboxes still holding usage.
func (r *FragmentRepository) CountReferences(ctx context.Context, fragment model.Fragment) (int, error) {
	column := "personality_id"
	if fragment.Kind == model.FragmentGuardrail {
		column = "guardrail_id"
	}

	var assistants int64
	if err := r.db.WithContext(ctx).Model(&model.AnimalAssistant{}).
		Where(column+" = ?", fragment.ID).Count(&assistants).Error; err != nil {
		return 0, fmt.Errorf("count assistant references failed: %w", err)
	}
	var sandboxes int64
	if err := r.db.WithContext(ctx).Model(&model.SandboxAssistant{}).
		Where(column+" = ? AND usage_released = ?", fragment.ID, false).Count(&sandboxes).Error; err != nil {
		return 0, fmt.Errorf("count sandbox references failed: %w", err)
	}
	return int(assistants + sandboxes), nil
}
