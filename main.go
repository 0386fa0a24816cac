package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"classpilot/internal/api"
	"classpilot/internal/auth"
	"classpilot/internal/chunker"
	"classpilot/internal/config"
	"classpilot/internal/embedding"
	"classpilot/internal/redis"
	"classpilot/internal/service/ai"
	"classpilot/internal/service/assistant"
	"classpilot/internal/service/ingest"
	"classpilot/internal/service/quiz"
	"classpilot/internal/service/rag"
	"classpilot/internal/session"
	"classpilot/internal/storage"
	"classpilot/internal/worker"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CLASSPILOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("CLASSPILOT_DB")
	if dbType == "" {
		dbType = "postgres"
	}
	logrus.WithField("db", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		logrus.WithError(err).Warn("redis unavailable, auth tokens will hit the database")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	assistantService := assistant.NewService(db, dbType)
	if adminUser := os.Getenv("CLASSPILOT_ADMIN_USER"); adminUser != "" {
		if err := assistantService.EnsureSuperAdmin(context.Background(), adminUser, os.Getenv("CLASSPILOT_ADMIN_PASSWORD")); err != nil {
			log.Fatalf("seed super admin: %v", err)
		}
	}

	authService := auth.NewService(db, dbType, rdb, 24*time.Hour)
	sessions := session.NewStore(cfg.ClearOnNewChat(), assistantService)

	embedder := embedding.Load(cfg.Embedding, rdb)
	logrus.WithField("mode", embedding.LoadedMode()).Info("embedding provider ready")

	provider := os.Getenv("CLASSPILOT_PROVIDER")
	if provider == "" {
		provider = "deepseek"
	}
	aiService, err := ai.NewService(context.Background(), provider, cfg)
	if err != nil {
		log.Fatalf("init %s chat model: %v", provider, err)
	}

	orchestrator := rag.New(aiService, embedder, assistantService, sessions, cfg.BasicConfig.MatchCount)

	ck, err := chunker.New(cfg.BasicConfig.ChunkSize, cfg.BasicConfig.ChunkOverlap)
	if err != nil {
		log.Fatalf("init chunker: %v", err)
	}
	pool := worker.NewPool(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute,
	)
	defer pool.Shutdown()
	ingestService := ingest.NewService(assistantService, embedder, ck, pool, cfg.BasicConfig.MaxChunksPerFile)

	quizService := quiz.NewService(aiService)

	handlers := api.NewHandler(assistantService, authService, sessions, orchestrator, ingestService, quizService)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
