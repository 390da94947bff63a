package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"zooassist/internal/model"
)

type KnowledgeChunkRepository struct {
	db *gorm.DB
}

func NewKnowledgeChunkRepository(db *gorm.DB) *KnowledgeChunkRepository {
	return &KnowledgeChunkRepository{db: db}
}

func (r *KnowledgeChunkRepository) CreateBatch(ctx context.Context, chunks []model.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(&chunks, 100).Error; err != nil {
		return fmt.Errorf("create knowledge chunks batch failed: %w", err)
	}
	return nil
}

func (r *KnowledgeChunkRepository) CountByVectorSetID(ctx context.Context, setID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.KnowledgeChunk{}).
		Where("vector_set_id = ?", setID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count knowledge chunks failed: %w", err)
	}
	return count, nil
}

func (r *KnowledgeChunkRepository) DeleteByVectorSetID(ctx context.Context, setID string) error {
	if err := r.db.WithContext(ctx).Where("vector_set_id = ?", setID).Delete(&model.KnowledgeChunk{}).Error; err != nil {
		return fmt.Errorf("delete knowledge chunks failed: %w", err)
	}
	return nil
}
