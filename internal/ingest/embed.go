package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"zooassist/internal/ai"
)

const DefaultEmbedBatchSize = 10

// Embedder turns texts into vectors, one per input in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// RetryPolicy bounds the attempts made for one embedding batch. The wait
// doubles after every failed attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

type batchEmbedder struct {
	client    Embedder
	model     string
	batchSize int
	retry     RetryPolicy
	logger    *zap.Logger
}

// embedAll embeds chunks in batches. A batch that keeps failing after the
// retry budget fails the whole call.
func (e *batchEmbedder) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	size := e.batchSize
	if size <= 0 {
		size = DefaultEmbedBatchSize
	}
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		batch, err := e.embedWithRetry(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *batchEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	attempts := e.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := e.retry.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		vectors, err := e.client.EmbedBatch(ctx, e.model, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d", len(texts), len(vectors))
			}
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !retryable(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}

		e.logger.Warn("embedding batch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

// retryable reports whether a failed embedding call may succeed when sent
// again: throttling, provider 5xx, and transport failures.
func retryable(err error) bool {
	var statusErr *ai.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
