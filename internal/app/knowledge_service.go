package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zooassist/internal/model"
	"zooassist/internal/repository"
	"zooassist/internal/storage"
)

const (
	DefaultMaxFileBytes = 50 << 20
	maxFileNameLength   = 256
)

// IngestJobPublisher hands a file to the ingestion workers.
type IngestJobPublisher interface {
	PublishIngestJob(ctx context.Context, fileID uint) error
}

type KnowledgeService struct {
	store     *repository.Store
	blobs     storage.BlobStore
	publisher IngestJobPublisher
	logger    *zap.Logger
	maxBytes  int64
	now       func() time.Time
}

type UploadInput struct {
	Owner    model.OwnerRef
	FileName string
	MimeType string
	Size     int64
	Body     io.Reader
}

func NewKnowledgeService(
	store *repository.Store,
	blobs storage.BlobStore,
	publisher IngestJobPublisher,
	logger *zap.Logger,
	maxBytes int64,
	now func() time.Time,
) *KnowledgeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	if now == nil {
		now = time.Now
	}
	return &KnowledgeService{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		logger:    logger,
		maxBytes:  maxBytes,
		now:       now,
	}
}

// Upload stores the raw file, records it as UPLOADED and enqueues its
// ingestion. Limits are checked before anything is written, and any failure
// after the first write is compensated so no untracked upload survives.
func (s *KnowledgeService) Upload(ctx context.Context, input UploadInput) (*model.KnowledgeFile, error) {
	fileName := strings.TrimSpace(input.FileName)
	if fileName == "" || len(fileName) > maxFileNameLength {
		return nil, fmt.Errorf("%w: file name must be 1-%d characters", ErrValidation, maxFileNameLength)
	}
	if input.Body == nil {
		return nil, fmt.Errorf("%w: empty upload", ErrValidation)
	}
	if input.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: file is %d bytes, max %d", ErrLimitExceeded, input.Size, s.maxBytes)
	}

	if err := s.reserveSlot(ctx, input.Owner); err != nil {
		return nil, err
	}

	key := "raw/" + uuid.NewString()
	written, err := s.blobs.Put(ctx, key, io.LimitReader(input.Body, s.maxBytes+1))
	if err != nil {
		s.releaseSlot(input.Owner)
		return nil, fmt.Errorf("store upload failed: %w", err)
	}
	if written > s.maxBytes {
		s.discardBlob(key)
		s.releaseSlot(input.Owner)
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrLimitExceeded, s.maxBytes)
	}
	if written == 0 {
		s.discardBlob(key)
		s.releaseSlot(input.Owner)
		return nil, fmt.Errorf("%w: empty upload", ErrValidation)
	}

	file := &model.KnowledgeFile{
		OwnerType:        input.Owner.Type,
		OwnerID:          input.Owner.ID,
		FileName:         fileName,
		MimeType:         strings.TrimSpace(input.MimeType),
		SizeBytes:        written,
		StorageKey:       key,
		ProcessingStatus: model.StatusUploaded,
	}
	if err := s.store.Files.Create(ctx, file); err != nil {
		s.discardBlob(key)
		s.releaseSlot(input.Owner)
		return nil, err
	}

	if err := s.publisher.PublishIngestJob(ctx, file.ID); err != nil {
		if delErr := s.store.Files.Delete(context.WithoutCancel(ctx), file.ID); delErr != nil {
			s.logger.Error("remove untracked upload record failed", zap.Uint("file_id", file.ID), zap.Error(delErr))
		}
		s.discardBlob(key)
		s.releaseSlot(input.Owner)
		return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
	}

	s.logger.Info("knowledge file uploaded",
		zap.Uint("file_id", file.ID),
		zap.String("owner_type", string(file.OwnerType)),
		zap.Uint("owner_id", file.OwnerID),
		zap.Int64("size_bytes", written))
	return file, nil
}

// GetStatus is the polling read for a file's processing state.
func (s *KnowledgeService) GetStatus(ctx context.Context, id uint) (*model.KnowledgeFile, error) {
	file, err := s.store.Files.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("%w: knowledge file %d", ErrNotFound, id)
	}
	return file, nil
}

func (s *KnowledgeService) ListFiles(ctx context.Context, owner model.OwnerRef) ([]model.KnowledgeFile, error) {
	return s.store.Files.ListByOwner(ctx, owner)
}

// Purge deletes a file record for good, along with any blobs and vectors
// no other record still points at. Files being processed cannot be purged.
func (s *KnowledgeService) Purge(ctx context.Context, id uint) error {
	var file *model.KnowledgeFile
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		current, err := tx.Files.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: knowledge file %d", ErrNotFound, id)
		}
		if current.ProcessingStatus == model.StatusProcessing {
			return fmt.Errorf("%w: file %d is being processed", ErrInvalidState, id)
		}
		if err := tx.Files.Delete(ctx, id); err != nil {
			return err
		}
		if current.ProcessingStatus != model.StatusFailed {
			if err := releaseOwnerSlot(ctx, tx, current.Owner()); err != nil {
				return err
			}
		}
		file = current
		return nil
	})
	if err != nil {
		return err
	}

	if file.VectorEmbeddingID != "" {
		users, err := s.store.Files.CountByVectorRef(ctx, file.VectorEmbeddingID)
		if err != nil {
			return err
		}
		if users == 0 {
			if err := s.store.Chunks.DeleteByVectorSetID(ctx, file.VectorEmbeddingID); err != nil {
				return err
			}
		}
	}
	users, err := s.store.Files.CountByStorageKey(ctx, file.StorageKey)
	if err != nil {
		return err
	}
	if users == 0 {
		s.discardBlob(file.StorageKey)
		if file.TextKey != "" {
			s.discardBlob(file.TextKey)
		}
	}

	s.logger.Info("knowledge file purged", zap.Uint("file_id", id))
	return nil
}

func (s *KnowledgeService) reserveSlot(ctx context.Context, owner model.OwnerRef) error {
	switch owner.Type {
	case model.OwnerAssistant:
		ok, err := s.store.Assistants.ReserveFileSlot(ctx, owner.ID, MaxAssistantFiles)
		if err != nil || ok {
			return err
		}
		exists, err := s.store.Assistants.Exists(ctx, owner.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: assistant %d", ErrNotFound, owner.ID)
		}
		return fmt.Errorf("%w: assistant %d already holds %d knowledge files", ErrLimitExceeded, owner.ID, MaxAssistantFiles)
	case model.OwnerSandbox:
		now := s.now().UTC()
		ok, err := s.store.Sandboxes.ReserveFileSlot(ctx, owner.ID, MaxSandboxFiles, now)
		if err != nil || ok {
			return err
		}
		sandbox, err := s.store.Sandboxes.GetByID(ctx, owner.ID)
		if err != nil {
			return err
		}
		if sandbox == nil {
			return fmt.Errorf("%w: sandbox %d", ErrNotFound, owner.ID)
		}
		if err := usableAt(sandbox, now); err != nil {
			return err
		}
		return fmt.Errorf("%w: sandbox %d already holds %d knowledge files", ErrLimitExceeded, owner.ID, MaxSandboxFiles)
	default:
		return fmt.Errorf("%w: unknown owner type %q", ErrValidation, owner.Type)
	}
}

func (s *KnowledgeService) releaseSlot(owner model.OwnerRef) {
	if err := releaseOwnerSlot(context.Background(), s.store, owner); err != nil {
		s.logger.Error("release file slot failed",
			zap.String("owner_type", string(owner.Type)),
			zap.Uint("owner_id", owner.ID),
			zap.Error(err))
	}
}

func (s *KnowledgeService) discardBlob(key string) {
	if err := s.blobs.Delete(context.Background(), key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("delete blob failed", zap.String("key", key), zap.Error(err))
	}
}

func releaseOwnerSlot(ctx context.Context, st *repository.Store, owner model.OwnerRef) error {
	switch owner.Type {
	case model.OwnerAssistant:
		return st.Assistants.ReleaseFileSlot(ctx, owner.ID)
	case model.OwnerSandbox:
		return st.Sandboxes.ReleaseFileSlot(ctx, owner.ID)
	default:
		return fmt.Errorf("%w: unknown owner type %q", ErrValidation, owner.Type)
	}
}
