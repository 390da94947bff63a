package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zooassist/internal/model"
	"zooassist/internal/repository"
	"zooassist/internal/storage"
)

const DefaultStageTimeout = 2 * time.Minute

var ErrFileNotFound = errors.New("knowledge file not found")

// Invalidator drops cached conversation context of an owner.
type Invalidator interface {
	Invalidate(ctx context.Context, owner model.OwnerRef) error
}

type Config struct {
	StageTimeout   time.Duration
	ChunkSize      int
	ChunkOverlap   int
	EmbeddingModel string
	EmbedBatchSize int
	Retry          RetryPolicy
}

// Pipeline takes one uploaded file from UPLOADED to COMPLETED or FAILED.
type Pipeline struct {
	store     *repository.Store
	blobs     storage.BlobStore
	validator ContentValidator
	embedder  *batchEmbedder
	cache     Invalidator
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

func NewPipeline(
	store *repository.Store,
	blobs storage.BlobStore,
	validator ContentValidator,
	embedder Embedder,
	cache Invalidator,
	logger *zap.Logger,
	cfg Config,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	return &Pipeline{
		store:     store,
		blobs:     blobs,
		validator: validator,
		embedder: &batchEmbedder{
			client:    embedder,
			model:     cfg.EmbeddingModel,
			batchSize: cfg.EmbedBatchSize,
			retry:     cfg.Retry,
			logger:    logger,
		},
		cache:  cache,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// run carries what the stages produced so far for one claimed file.
type run struct {
	file        *model.KnowledgeFile
	token       string
	textKey     string
	textLength  int
	validation  *ContentValidation
	vectorSetID string
	chunkCount  int
}

// Process claims the file and runs it through extraction, validation and
// embedding. It returns nil when the file completed, a *ProcessingError
// when it was recorded as FAILED and ErrAlreadyClaimed when another worker
// owns it.
func (p *Pipeline) Process(ctx context.Context, fileID uint) error {
	token := uuid.NewString()
	claimed, err := p.store.Files.Claim(ctx, fileID, token, p.now().UTC())
	if err != nil {
		return err
	}
	if !claimed {
		file, err := p.store.Files.GetByID(ctx, fileID)
		if err != nil {
			return err
		}
		if file == nil {
			return fmt.Errorf("%w: %d", ErrFileNotFound, fileID)
		}
		return fmt.Errorf("%w: file %d is %s", ErrAlreadyClaimed, fileID, file.ProcessingStatus)
	}

	r := &run{file: &model.KnowledgeFile{ID: fileID}, token: token}
	logger := p.logger.With(zap.Uint("file_id", fileID), zap.String("claim_token", token))

	// The claim is held from here on, so every exit writes a terminal state.
	file, err := p.store.Files.GetByID(ctx, fileID)
	if err == nil && file == nil {
		err = ErrFileNotFound
	}
	if err != nil {
		perr := stageError(StageClaim, err)
		p.fail(ctx, r, perr, logger)
		return perr
	}
	r.file = file
	logger.Info("knowledge file claimed", zap.String("file_name", file.FileName))

	if perr := p.runStages(ctx, r); perr != nil {
		p.fail(ctx, r, perr, logger)
		return perr
	}
	if perr := p.complete(ctx, r); perr != nil {
		p.fail(ctx, r, perr, logger)
		return perr
	}

	p.invalidate(ctx, r.file.Owner())
	logger.Info("knowledge file completed",
		zap.String("vector_set_id", r.vectorSetID),
		zap.Int("chunks", r.chunkCount),
		zap.Int("text_length", r.textLength))
	return nil
}

func (p *Pipeline) runStages(ctx context.Context, r *run) *ProcessingError {
	text, perr := p.withStage(ctx, r, StageExtraction, func(ctx context.Context) (string, error) {
		return p.extract(ctx, r)
	})
	if perr != nil {
		return perr
	}

	if _, perr := p.withStage(ctx, r, StageValidation, func(ctx context.Context) (string, error) {
		return "", p.validate(ctx, r, text)
	}); perr != nil {
		return perr
	}

	_, perr = p.withStage(ctx, r, StageEmbedding, func(ctx context.Context) (string, error) {
		return "", p.embed(ctx, r, text)
	})
	return perr
}

// withStage records the stage on the file, then runs fn under the
// per-stage timeout and tags its failure.
func (p *Pipeline) withStage(ctx context.Context, r *run, stage string, fn func(ctx context.Context) (string, error)) (string, *ProcessingError) {
	held, err := p.store.Files.MarkStage(ctx, r.file.ID, r.token, stage)
	if err != nil {
		return "", stageError(stage, err)
	}
	if !held {
		return "", stageError(stage, fmt.Errorf("%w: %s", ErrClaimLost, r.token))
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	out, err := fn(stageCtx)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", p.cfg.StageTimeout, err)
	}
	return "", stageError(stage, err)
}

func (p *Pipeline) extract(ctx context.Context, r *run) (string, error) {
	raw, err := p.blobs.Get(ctx, r.file.StorageKey)
	if err != nil {
		return "", fmt.Errorf("load upload: %w", err)
	}
	doc, err := Extract(raw, r.file.FileName, r.file.MimeType)
	if err != nil {
		return "", err
	}

	key := "text/" + uuid.NewString()
	if _, err := p.blobs.Put(ctx, key, strings.NewReader(doc.Text)); err != nil {
		return "", fmt.Errorf("store extracted text: %w", err)
	}
	r.textKey = key
	r.textLength = len([]rune(doc.Text))
	return doc.Text, nil
}

func (p *Pipeline) validate(ctx context.Context, r *run, text string) error {
	verdict, err := p.validator.Validate(ctx, text)
	if err != nil {
		return err
	}
	r.validation = &verdict
	if !verdict.Passed() {
		if verdict.Reason != "" {
			return fmt.Errorf("%w: %s", ErrRejected, verdict.Reason)
		}
		return fmt.Errorf("%w: safe=%t educational=%t age_appropriate=%t",
			ErrRejected, verdict.Safe, verdict.Educational, verdict.AgeAppropriate)
	}
	return nil
}

func (p *Pipeline) embed(ctx context.Context, r *run, text string) error {
	chunks := chunkText(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return ErrEmptyText
	}
	vectors, err := p.embedder.embedAll(ctx, chunks)
	if err != nil {
		return err
	}

	setID := uuid.NewString()
	rows := make([]model.KnowledgeChunk, len(chunks))
	for i := range chunks {
		rows[i] = model.KnowledgeChunk{
			VectorSetID: setID,
			Seq:         i,
			Content:     chunks[i],
		}
		if err := rows[i].SetEmbedding(vectors[i]); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
	}
	// Set before the write so a partial insert is still rolled back.
	r.vectorSetID = setID
	held, err := p.store.Files.MarkVectorSet(ctx, r.file.ID, r.token, setID)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%w: %s", ErrClaimLost, r.token)
	}
	if err := p.store.Chunks.CreateBatch(ctx, rows); err != nil {
		return err
	}
	r.chunkCount = len(rows)
	return nil
}

// complete checks the owner still exists and writes the terminal state
// under the claim token.
func (p *Pipeline) complete(ctx context.Context, r *run) *ProcessingError {
	ctx = context.WithoutCancel(ctx)

	// Promotion may have moved the file to another owner meanwhile.
	current, err := p.store.Files.GetByID(ctx, r.file.ID)
	if err != nil {
		return stageError(StageFinalize, err)
	}
	if current == nil {
		return stageError(StageFinalize, ErrFileNotFound)
	}
	r.file = current

	alive, err := p.ownerExists(ctx, current.Owner())
	if err != nil {
		return stageError(StageFinalize, err)
	}
	if !alive {
		return stageError(StageFinalize, fmt.Errorf("processing cancelled: %w", ErrOwnerGone))
	}

	ok, err := p.store.Files.Complete(ctx, r.file.ID, r.token, repository.CompletionResult{
		TextKey:             r.textKey,
		ExtractedTextLength: r.textLength,
		VectorEmbeddingID:   r.vectorSetID,
		ChunkCount:          r.chunkCount,
		Safe:                r.validation.Safe,
		Educational:         r.validation.Educational,
		AgeAppropriate:      r.validation.AgeAppropriate,
		CompletedAt:         p.now().UTC(),
	})
	if err != nil {
		return stageError(StageFinalize, err)
	}
	if !ok {
		return stageError(StageFinalize, fmt.Errorf("%w: %s", ErrClaimLost, r.token))
	}
	return nil
}

// fail records FAILED for the run. Terminal writes outlive a cancelled
// worker context.
func (p *Pipeline) fail(ctx context.Context, r *run, perr *ProcessingError, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)

	result := repository.FailureResult{
		Stage:    perr.Stage,
		Message:  perr.Error(),
		TextKey:  r.textKey,
		FailedAt: p.now().UTC(),
	}
	if r.validation != nil {
		result.Safe = &r.validation.Safe
		result.Educational = &r.validation.Educational
		result.AgeAppropriate = &r.validation.AgeAppropriate
	}

	owner, recorded, err := recordFailure(ctx, p.store, r.file.ID, r.token, r.vectorSetID, result, logger)
	if err != nil {
		logger.Error("record processing failure failed", zap.Error(err))
		return
	}
	if !recorded {
		logger.Warn("processing failure not recorded, claim lost", zap.Error(perr))
		return
	}

	p.invalidate(ctx, owner)
	logger.Warn("knowledge file failed", zap.String("stage", perr.Stage), zap.Error(perr.Cause))
}

// recordFailure rolls back the vector set, writes FAILED under the claim
// token and gives the owner its slot back. recorded is false when the
// token no longer holds the claim.
func recordFailure(
	ctx context.Context,
	store *repository.Store,
	fileID uint,
	token, vectorSetID string,
	result repository.FailureResult,
	logger *zap.Logger,
) (owner model.OwnerRef, recorded bool, err error) {
	if vectorSetID != "" {
		if err := store.Chunks.DeleteByVectorSetID(ctx, vectorSetID); err != nil {
			logger.Error("roll back vectors failed", zap.String("vector_set_id", vectorSetID), zap.Error(err))
		}
	}

	err = store.Transaction(ctx, func(tx *repository.Store) error {
		current, err := tx.Files.GetByID(ctx, fileID)
		if err != nil || current == nil {
			return err
		}
		ok, err := tx.Files.Fail(ctx, fileID, token, result)
		if err != nil || !ok {
			return err
		}
		recorded = true
		owner = current.Owner()
		return releaseSlot(ctx, tx, owner)
	})
	if err != nil {
		return model.OwnerRef{}, false, err
	}
	return owner, recorded, nil
}

func (p *Pipeline) ownerExists(ctx context.Context, owner model.OwnerRef) (bool, error) {
	switch owner.Type {
	case model.OwnerAssistant:
		return p.store.Assistants.Exists(ctx, owner.ID)
	case model.OwnerSandbox:
		return p.store.Sandboxes.Exists(ctx, owner.ID)
	default:
		return false, nil
	}
}

func (p *Pipeline) invalidate(ctx context.Context, owner model.OwnerRef) {
	invalidateOwner(ctx, p.cache, owner, p.logger)
}

func invalidateOwner(ctx context.Context, cache Invalidator, owner model.OwnerRef, logger *zap.Logger) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, owner); err != nil {
		logger.Warn("invalidate context cache failed",
			zap.String("owner_type", string(owner.Type)),
			zap.Uint("owner_id", owner.ID),
			zap.Error(err))
	}
}

func releaseSlot(ctx context.Context, tx *repository.Store, owner model.OwnerRef) error {
	switch owner.Type {
	case model.OwnerAssistant:
		return tx.Assistants.ReleaseFileSlot(ctx, owner.ID)
	case model.OwnerSandbox:
		return tx.Sandboxes.ReleaseFileSlot(ctx, owner.ID)
	default:
		return nil
	}
}
