package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"zooassist/internal/model"
)

type KnowledgeFileRepository struct {
	db *gorm.DB
}

func NewKnowledgeFileRepository(db *gorm.DB) *KnowledgeFileRepository {
	return &KnowledgeFileRepository{db: db}
}

func (r *KnowledgeFileRepository) Create(ctx context.Context, file *model.KnowledgeFile) error {
	if err := r.db.WithContext(ctx).Create(file).Error; err != nil {
		return fmt.Errorf("create knowledge file failed: %w", err)
	}
	return nil
}

func (r *KnowledgeFileRepository) GetByID(ctx context.Context, id uint) (*model.KnowledgeFile, error) {
	var file model.KnowledgeFile
	if err := r.db.WithContext(ctx).First(&file, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get knowledge file failed: %w", err)
	}
	return &file, nil
}

func (r *KnowledgeFileRepository) ListByIDs(ctx context.Context, ids []uint) ([]model.KnowledgeFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var list []model.KnowledgeFile
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list knowledge files by ids failed: %w", err)
	}
	return list, nil
}

func (r *KnowledgeFileRepository) ListByOwner(ctx context.Context, owner model.OwnerRef) ([]model.KnowledgeFile, error) {
	var list []model.KnowledgeFile
	if err := r.db.WithContext(ctx).Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list knowledge files failed: %w", err)
	}
	return list, nil
}

// ListVectorRefs returns the vector references of the owner's completed files.
func (r *KnowledgeFileRepository) ListVectorRefs(ctx context.Context, owner model.OwnerRef) ([]string, error) {
	var refs []string
	if err := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("owner_type = ? AND owner_id = ? AND processing_status = ?", owner.Type, owner.ID, model.StatusCompleted).
		Order("id ASC").Pluck("vector_embedding_id", &refs).Error; err != nil {
		return nil, fmt.Errorf("list vector refs failed: %w", err)
	}
	return refs, nil
}

func (r *KnowledgeFileRepository) Delete(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).Delete(&model.KnowledgeFile{}, id).Error; err != nil {
		return fmt.Errorf("delete knowledge file failed: %w", err)
	}
	return nil
}

// Claim moves an UPLOADED file to PROCESSING under the given token. Only
// one caller can win the claim for a file.
func (r *KnowledgeFileRepository) Claim(ctx context.Context, id uint, token string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("id = ? AND processing_status = ?", id, model.StatusUploaded).
		UpdateColumns(map[string]any{
			"processing_status":  model.StatusProcessing,
			"claim_token":        token,
			"processing_started": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim knowledge file failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkStage records the stage a claimed file entered. It reports false
// once the claim is no longer held by token.
func (r *KnowledgeFileRepository) MarkStage(ctx context.Context, id uint, token, stage string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("id = ? AND claim_token = ? AND processing_status = ?", id, token, model.StatusProcessing).
		UpdateColumn("processing_stage", stage)
	if res.Error != nil {
		return false, fmt.Errorf("mark processing stage failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkVectorSet records the vector set a claimed file is writing, so the
// chunks can be found again if the worker never finishes.
func (r *KnowledgeFileRepository) MarkVectorSet(ctx context.Context, id uint, token, setID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("id = ? AND claim_token = ? AND processing_status = ?", id, token, model.StatusProcessing).
		UpdateColumn("vector_embedding_id", setID)
	if res.Error != nil {
		return false, fmt.Errorf("mark vector set failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListStaleProcessing returns files claimed before startedBefore that
// never reached a terminal state, oldest first.
func (r *KnowledgeFileRepository) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]model.KnowledgeFile, error) {
	var files []model.KnowledgeFile
	if err := r.db.WithContext(ctx).
		Where("processing_status = ? AND processing_started < ?", model.StatusProcessing, startedBefore).
		Order("processing_started ASC").Limit(limit).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("list stale knowledge files failed: %w", err)
	}
	return files, nil
}

// CompletionResult is the terminal state written on success.
type CompletionResult struct {
	TextKey             string
	ExtractedTextLength int
	VectorEmbeddingID   string
	ChunkCount          int
	Safe                bool
	Educational         bool
	AgeAppropriate      bool
	CompletedAt         time.Time
}

func (r *KnowledgeFileRepository) Complete(ctx context.Context, id uint, token string, result CompletionResult) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("id = ? AND claim_token = ? AND processing_status = ?", id, token, model.StatusProcessing).
		UpdateColumns(map[string]any{
			"processing_status":     model.StatusCompleted,
			"processing_stage":      "",
			"processing_error":      "",
			"text_key":              result.TextKey,
			"extracted_text_length": result.ExtractedTextLength,
			"vector_embedding_id":   result.VectorEmbeddingID,
			"chunk_count":           result.ChunkCount,
			"safe":                  result.Safe,
			"educational":           result.Educational,
			"age_appropriate":       result.AgeAppropriate,
			"processing_completed":  result.CompletedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("complete knowledge file failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FailureResult is the terminal state written when a stage fails.
type FailureResult struct {
	Stage          string
	Message        string
	TextKey        string
	Safe           *bool
	Educational    *bool
	AgeAppropriate *bool
	FailedAt       time.Time
}

func (r *KnowledgeFileRepository) Fail(ctx context.Context, id uint, token string, result FailureResult) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("id = ? AND claim_token = ? AND processing_status = ?", id, token, model.StatusProcessing).
		UpdateColumns(map[string]any{
			"processing_status":    model.StatusFailed,
			"processing_stage":     result.Stage,
			"processing_error":     result.Message,
			"text_key":             result.TextKey,
			"vector_embedding_id":  "",
			"safe":                 result.Safe,
			"educational":          result.Educational,
			"age_appropriate":      result.AgeAppropriate,
			"processing_completed": result.FailedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("fail knowledge file failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Reparent moves every file of one owner to another and returns the count.
func (r *KnowledgeFileRepository) Reparent(ctx context.Context, from, to model.OwnerRef) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("owner_type = ? AND owner_id = ?", from.Type, from.ID).
		UpdateColumns(map[string]any{
			"owner_type": to.Type,
			"owner_id":   to.ID,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reparent knowledge files failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountByVectorRef counts records sharing a vector reference.
func (r *KnowledgeFileRepository) CountByVectorRef(ctx context.Context, ref string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("vector_embedding_id = ?", ref).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count vector ref users failed: %w", err)
	}
	return count, nil
}

// CountByStorageKey counts records sharing a raw blob.
func (r *KnowledgeFileRepository) CountByStorageKey(ctx context.Context, key string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.KnowledgeFile{}).
		Where("storage_key = ?", key).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count storage key users failed: %w", err)
	}
	return count, nil
}
