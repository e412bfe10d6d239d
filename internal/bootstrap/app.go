// Package bootstrap wires configuration, infrastructure clients, and the
// question-answering pipeline into one App that cmd/server runs.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"askdocs/internal/ai"
	"askdocs/internal/cache"
	"askdocs/internal/config"
	"askdocs/internal/embedding"
	"askdocs/internal/enrich"
	"askdocs/internal/events"
	"askdocs/internal/ingest"
	postgresClient "askdocs/internal/platform/postgres"
	rabbitmqClient "askdocs/internal/platform/rabbitmq"
	redisClient "askdocs/internal/platform/redis"
	"askdocs/internal/prompt"
	"askdocs/internal/rag"
	"askdocs/internal/repository"
	"askdocs/internal/storage"
	"askdocs/internal/vectorstore"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB     *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection

	Files        *repository.FileRepository
	JobPublisher *rabbitmqClient.JobPublisher
	Fanout       *events.Fanout
	Answerer     *rag.Answerer
	IngestWorker *ingest.Worker

	StartedAt time.Time

	cancelFanout context.CancelFunc
}

// New builds the full dependency graph. Objects is the bucket holding
// uploaded documents; passing nil disables the ingestion worker, which keeps
// tests and retrieval-only deployments honest about what they run.
func New(ctx context.Context, objects storage.ObjectStore) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("app", cfg.App.Name)

	db, err := postgresClient.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	aiClient := ai.NewClient()
	chatCfg := ai.ChatConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}
	embedCfg := ai.EmbedConfig{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
	}

	// The estimator must exist before the gateway: the breaker's input
	// trimming depends on it.
	estimator := prompt.NewEstimator(cfg.Embedding.TokenizerEncoding, logger)
	gateway := embedding.New(aiClient, embedCfg, estimator, embedding.Config{
		CallTimeout:      time.Duration(cfg.Embedding.CallTimeoutSeconds) * time.Second,
		BreakerCooldown:  time.Duration(cfg.Embedding.BreakerCooldownSecs) * time.Second,
		FailureThreshold: cfg.Embedding.BreakerFailureRatio,
		MinRequests:      uint32(cfg.Embedding.BreakerMinRequests),
		MaxInputTokens:   cfg.Embedding.MaxInputTokens,
	}, logger)

	store, err := vectorstore.New(ctx, vectorstore.Config{
		Backend:          cfg.Vector.Backend,
		Operator:         vectorstore.Operator(cfg.Vector.Operator),
		Dimensions:       cfg.Embedding.Dimensions,
		QdrantHost:       cfg.Vector.QdrantHost,
		QdrantPort:       cfg.Vector.QdrantPort,
		QdrantCollection: cfg.Vector.QdrantCollection,
	}, db, logger)
	if err != nil {
		return nil, fmt.Errorf("open vector store failed: %w", err)
	}

	fanout := events.NewFanout(events.NewRedisBroadcaster(redisCli, "askdocs:events"), logger)
	fanoutCtx, cancelFanout := context.WithCancel(ctx)
	go func() {
		if err := fanout.Run(fanoutCtx); err != nil && fanoutCtx.Err() == nil {
			logger.Error("event fan-out stopped", "err", err)
		}
	}()

	chatRepo := repository.NewChatRepository(db)
	fileRepo := repository.NewFileRepository(db)
	history := cache.NewHistoryCache(redisCli, chatRepo,
		time.Duration(cfg.RAG.HistoryTTLSeconds)*time.Second, logger)

	builder, err := prompt.NewBuilder(estimator, prompt.Config{
		Language:         cfg.Prompt.Language,
		Jurisdiction:     cfg.Prompt.Jurisdiction,
		MaxLength:        cfg.Prompt.MaxLength,
		TruncateStrategy: cfg.Prompt.Strategy,
	})
	if err != nil {
		cancelFanout()
		return nil, fmt.Errorf("build prompt builder failed: %w", err)
	}

	assembler := rag.NewAssembler(rag.NewLLMSummarizer(aiClient, chatCfg), estimator, logger)

	var enricher rag.Enricher
	if cfg.Enrichment.Enabled {
		fetcher := enrich.NewFetcher(enrich.NewGuard(), enrich.FetchConfig{}, logger)
		search := enrich.NewHTTPSearchAdapter(cfg.Enrichment.SearchEndpoint, cfg.Enrichment.SearchAPIKey, logger)
		enricher = enrich.NewCrawler(search, fetcher, aiClient, chatCfg, gateway, store, enrich.Options{
			MaxResults:       cfg.Enrichment.MaxResults,
			MaxPagesToFetch:  cfg.Enrichment.MaxPagesToFetch,
			FetchConcurrency: cfg.Enrichment.FetchConcurrency,
			MinContentLength: cfg.Enrichment.MinContentLength,
		}, logger)
	}

	answerer := rag.NewAnswerer(aiClient, chatCfg, gateway, store, assembler, builder,
		history, enricher, fanout, rag.Config{
			RetrieveK:        cfg.RAG.RetrieveK,
			ContextTopK:      cfg.RAG.ContextTopK,
			MaxContextTokens: cfg.RAG.MaxContextTokens,
			HistoryLimit:     cfg.RAG.HistoryLimit,
			StreamTimeout:    time.Duration(cfg.RAG.StreamTimeoutSeconds) * time.Second,
		}, logger)

	app := &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Redis:        redisCli,
		MQConn:       mqConn,
		Files:        fileRepo,
		JobPublisher: rabbitmqClient.NewJobPublisher(mqConn, cfg.Ingest.Queue),
		Fanout:       fanout,
		Answerer:     answerer,
		StartedAt:    time.Now(),
		cancelFanout: cancelFanout,
	}

	if objects != nil {
		worker := ingest.NewWorker(mqConn, objects, fileRepo, gateway, store, fanout, ingest.Config{
			QueueName:       cfg.Ingest.Queue,
			Concurrency:     cfg.Ingest.Concurrency,
			ChunkSize:       cfg.Ingest.ChunkSize,
			ChunkOverlap:    cfg.Ingest.ChunkOverlap,
			UpsertBatchSize: cfg.Ingest.UpsertBatchSize,
		}, logger)
		if err := worker.Start(ctx); err != nil {
			cancelFanout()
			return nil, fmt.Errorf("start ingest worker failed: %w", err)
		}
		app.IngestWorker = worker
	}

	return app, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.cancelFanout != nil {
		a.cancelFanout()
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
