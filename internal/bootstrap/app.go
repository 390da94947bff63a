package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"zooassist/internal/ai"
	"zooassist/internal/app"
	"zooassist/internal/cache"
	"zooassist/internal/config"
	"zooassist/internal/ingest"
	"zooassist/internal/platform/database"
	rabbitmqClient "zooassist/internal/platform/rabbitmq"
	redisClient "zooassist/internal/platform/redis"
	"zooassist/internal/repository"
	"zooassist/internal/storage"
	httptransport "zooassist/internal/transport/http"
	"zooassist/internal/transport/http/handler"
	"zooassist/internal/worker"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	Store  *repository.Store

	Fragments  *app.FragmentService
	Prompts    *app.PromptService
	Assistants *app.AssistantService
	Sandboxes  *app.SandboxService
	Knowledge  *app.KnowledgeService
	Contexts   *app.ContextService

	Claims *ingest.ClaimReaper

	IngestWorker *worker.IngestWorker
	Sweeper      *worker.PeriodicSweeper

	StartedAt time.Time
}

// NewCore opens and migrates the database and builds the services that need nothing
// else. The CLI maintenance commands run on it.
func NewCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Store:     repository.NewStore(db),
		StartedAt: time.Now(),
	}
	a.buildServices(nil)
	return a, nil
}

// New builds the full server: database, Redis context cache, RabbitMQ
// ingest queue, the ingestion pipeline and the background workers.
// Workers are started by StartWorkers.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a, err := NewCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Redis, err = redisClient.New(ctx, cfg.Redis)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	blobs, err := storage.NewLocalStore(cfg.Storage.RootDir)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	contextCache := cache.NewContextCache(a.Redis, cfg.ContextTTL())
	a.buildServices(contextCache)
	a.Knowledge = app.NewKnowledgeService(
		a.Store,
		blobs,
		rabbitmqClient.NewIngestPublisher(a.MQConn, cfg.RabbitMQ.IngestQueue),
		logger.Named("knowledge"),
		cfg.MaxFileBytes(),
		nil,
	)

	llm := ai.NewOpenAICompatibleClient(ai.Config{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey})
	var validator ingest.ContentValidator = ingest.KeywordValidator{}
	if cfg.Ingest.Validator == "llm" {
		validator = ingest.NewLLMValidator(llm, cfg.LLM.ModerationModel)
	}
	pipeline := ingest.NewPipeline(a.Store, blobs, validator, llm, contextCache, logger.Named("ingest"), ingest.Config{
		StageTimeout:   cfg.StageTimeout(),
		ChunkSize:      cfg.Ingest.ChunkSize,
		ChunkOverlap:   cfg.Ingest.ChunkOverlap,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		EmbedBatchSize: cfg.Ingest.EmbedBatchSize,
		Retry: ingest.RetryPolicy{
			MaxAttempts: cfg.Ingest.EmbedMaxAttempts,
			Backoff:     cfg.EmbedBackoff(),
		},
	})

	a.IngestWorker = worker.NewIngestWorker(a.MQConn, pipeline, cfg.RabbitMQ.IngestQueue, cfg.Ingest.Workers, logger.Named("ingest_worker"))
	a.Sweeper = worker.NewPeriodicSweeper(cfg.SweepInterval(), logger.Named("sweeper"),
		worker.SweepJob{Name: "sandboxes", Sweeper: a.Sandboxes},
		worker.SweepJob{Name: "claims", Sweeper: a.Claims},
	)
	return a, nil
}

func (a *App) buildServices(contextCache app.ContextCache) {
	var invalidator app.ContextInvalidator
	if contextCache != nil {
		invalidator = contextCache
	}
	a.Prompts = app.NewPromptService(a.Store, nil)
	a.Assistants = app.NewAssistantService(a.Store, a.Prompts, invalidator, a.Logger.Named("assistants"), nil)
	a.Sandboxes = app.NewSandboxService(a.Store, a.Prompts, invalidator, a.Logger.Named("sandboxes"), a.Config.SandboxTTL(), nil)
	a.Fragments = app.NewFragmentService(a.Store, a.Sandboxes, a.Logger.Named("fragments"))
	a.Contexts = app.NewContextService(a.Store, a.Assistants, a.Sandboxes, contextCache, a.Logger.Named("context"))
	a.Claims = ingest.NewClaimReaper(a.Store, invalidator, a.Logger.Named("claims"), a.Config.ClaimLease())
}

func (a *App) StartWorkers(ctx context.Context) error {
	if a.IngestWorker == nil || a.Sweeper == nil {
		return errors.New("workers need the full app")
	}
	if err := a.IngestWorker.Start(ctx); err != nil {
		return fmt.Errorf("start ingest worker failed: %w", err)
	}
	a.Sweeper.Start(ctx)
	return nil
}

func (a *App) Router() *gin.Engine {
	checks := map[string]handler.Check{
		"database": func(ctx context.Context) error { return database.Ping(ctx, a.DB) },
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx, a.Redis) }
	}
	if a.MQConn != nil {
		checks["rabbitmq"] = func(ctx context.Context) error { return rabbitmqClient.Ping(ctx, a.MQConn) }
	}
	health := handler.NewHealthHandler(a.Config.App.Name, a.Config.App.Env, a.StartedAt, checks)

	return httptransport.NewRouter(a.Config.App.GinMode, a.Logger.Named("http"), httptransport.Services{
		Fragments:    a.Fragments,
		Assistants:   a.Assistants,
		Sandboxes:    a.Sandboxes,
		Knowledge:    a.Knowledge,
		Contexts:     a.Contexts,
		MaxFileBytes: a.Config.MaxFileBytes(),
	}, health)
}

func (a *App) Close() error {
	var closeErr error
	if a.Sweeper != nil {
		a.Sweeper.Close()
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		if err := closeDB(a.DB); err != nil {
			closeErr = err
		}
	}
	return closeErr
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
