package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/answer"
	"github.com/docqa/backend/internal/api/handlers"
	"github.com/docqa/backend/internal/cache/redis"
	"github.com/docqa/backend/internal/chunk"
	"github.com/docqa/backend/internal/extract"
	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/middleware/ratelimit"
	"github.com/docqa/backend/internal/middleware/security"
	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/pipeline"
	"github.com/docqa/backend/internal/rerank"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/config"
	appLogger "github.com/docqa/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Document QA API Server")

	metrics.Init()

	store, err := sqlite.NewClient(cfg.Storage.SQLitePath)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer store.Close()

	err = store.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	ix, err := index.Load(cfg.Storage.IndexPath, cfg.LLM.EmbeddingDim, cfg.LLM.EmbeddingModel)
	if err != nil {
		appLogger.Fatal("Failed to load vector index", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.EmbeddingDim,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var answerCache pipeline.AnswerCache
	if cfg.Cache.Enabled {
		redisClient, err := redis.NewClient(
			cfg.Cache.Host,
			cfg.Cache.Port,
			cfg.Cache.Password,
			cfg.Cache.DB,
			time.Duration(cfg.Cache.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Answer cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer redisClient.Close()
			answerCache = redisClient
		}
	}

	p := pipeline.New(
		store,
		ix,
		extract.NewPDFExtractor(),
		chunk.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap),
		llmClient,
		rerank.NewLexicalReranker(),
		answer.NewSynthesizer(llmClient),
		answerCache,
		pipeline.Config{
			IndexPath:     cfg.Storage.IndexPath,
			UploadsDir:    cfg.Storage.UploadsDir,
			TopKRetrieval: cfg.Retrieval.TopKRetrieval,
			TopKRerank:    cfg.Retrieval.TopKRerank,
			MinRelevance:  cfg.Retrieval.MinRelevance,
		},
	)

	if err := p.VerifyConsistency(); err != nil {
		appLogger.Fatal("Index and document store are out of sync", zap.Error(err))
	}
	metrics.ChunksIndexed.Set(float64(ix.Len()))

	appLogger.Info("Pipeline ready",
		zap.Int("indexed_chunks", ix.Len()),
		zap.String("embedding_model", cfg.LLM.EmbeddingModel),
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))

	rl := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 60,
		Logger:               appLogger.GetLogger(),
	})
	defer rl.Stop()

	queryHandler := handlers.NewQueryHandler(p)
	documentHandler := handlers.NewDocumentHandler(p)

	api := app.Group("/api/v1")
	api.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	api.Post("/query", rl.Middleware(), queryHandler.HandleQuery)

	api.Post("/documents", rl.Middleware(), documentHandler.UploadDocument)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Delete("/documents/:id", documentHandler.DeleteDocument)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
