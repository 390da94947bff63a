package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"zooassist/internal/repository"
)

// DefaultClaimLease outlasts every stage timing out in turn plus the
// terminal write.
const DefaultClaimLease = 3*DefaultStageTimeout + time.Minute

const staleClaimBatch = 100

// ClaimReaper fails files left PROCESSING by a worker that stopped before
// writing a terminal state. A redelivered job cannot reclaim such a file.
type ClaimReaper struct {
	store  *repository.Store
	cache  Invalidator
	logger *zap.Logger
	lease  time.Duration
	now    func() time.Time
}

func NewClaimReaper(store *repository.Store, cache Invalidator, logger *zap.Logger, lease time.Duration) *ClaimReaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &ClaimReaper{
		store:  store,
		cache:  cache,
		logger: logger,
		lease:  lease,
		now:    time.Now,
	}
}

// SweepExpired fails every file claimed longer ago than the lease and
// returns how many it failed.
func (r *ClaimReaper) SweepExpired(ctx context.Context) (int, error) {
	now := r.now().UTC()
	stale, err := r.store.Files.ListStaleProcessing(ctx, now.Add(-r.lease), staleClaimBatch)
	if err != nil {
		return 0, err
	}

	failed := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		file := &stale[i]
		stage := file.ProcessingStage
		if stage == "" {
			stage = StageClaim
		}
		perr := stageError(stage, fmt.Errorf("%w: no result within %s", ErrLeaseExpired, r.lease))
		logger := r.logger.With(zap.Uint("file_id", file.ID), zap.String("claim_token", file.ClaimToken))

		owner, recorded, err := recordFailure(ctx, r.store, file.ID, file.ClaimToken, file.VectorEmbeddingID, repository.FailureResult{
			Stage:    stage,
			Message:  perr.Error(),
			FailedAt: now,
		}, logger)
		if err != nil {
			logger.Error("fail stale claim failed", zap.Error(err))
			continue
		}
		if !recorded {
			continue
		}
		failed++
		invalidateOwner(ctx, r.cache, owner, r.logger)
		logger.Warn("stale claim failed", zap.String("stage", stage))
	}
	return failed, nil
}
