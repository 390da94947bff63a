package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zooassist/internal/ingest"
	"zooassist/internal/platform/rabbitmq"
)

// Processor runs one file through ingestion.
type Processor interface {
	Process(ctx context.Context, fileID uint) error
}

// IngestWorker consumes ingest jobs and runs them through the pipeline
// with bounded concurrency.
type IngestWorker struct {
	conn        *amqp.Connection
	processor   Processor
	queueName   string
	concurrency int
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, processor Processor, queueName string, concurrency int, logger *zap.Logger) *IngestWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestWorker{
		conn:        conn,
		processor:   processor,
		queueName:   queueName,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(w.concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}
	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()
		if err := w.serve(workerCtx, deliveries); err != nil {
			w.logger.Error("ingest worker stopped", zap.Error(err))
		}
	}()

	w.logger.Info("ingest worker started",
		zap.String("queue", w.queueName),
		zap.Int("concurrency", w.concurrency))
	return nil
}

// serve fans deliveries out to a fixed number of goroutines until the
// context ends or the delivery channel closes.
func (w *IngestWorker) serve(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					w.handle(gctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (w *IngestWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job rabbitmq.IngestJob
	if err := json.Unmarshal(d.Body, &job); err != nil || job.FileID == 0 {
		w.logger.Error("drop malformed ingest job", zap.ByteString("body", d.Body), zap.Error(err))
		w.settle(d, "nack", d.Nack(false, false))
		return
	}

	err := w.processor.Process(ctx, job.FileID)
	var perr *ingest.ProcessingError
	switch {
	case err == nil:
	case errors.As(err, &perr):
		// Already recorded as FAILED on the file.
	case errors.Is(err, ingest.ErrAlreadyClaimed), errors.Is(err, ingest.ErrFileNotFound):
		w.logger.Info("skip ingest job", zap.Uint("file_id", job.FileID), zap.Error(err))
	default:
		// Nothing was claimed yet; give the job one more delivery.
		requeue := !d.Redelivered
		w.logger.Error("ingest job failed before claim",
			zap.Uint("file_id", job.FileID),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		w.settle(d, "nack", d.Nack(false, requeue))
		return
	}
	w.settle(d, "ack", d.Ack(false))
}

// settle logs an acknowledgement the broker did not take. The delivery is
// then redelivered once the channel closes.
func (w *IngestWorker) settle(d amqp.Delivery, op string, err error) {
	if err == nil {
		return
	}
	w.logger.Error(op+" ingest job failed",
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Error(err))
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
