package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tradechat/internal/api"
	"tradechat/internal/auth"
	"tradechat/internal/config"
	"tradechat/internal/logging"
	"tradechat/internal/redis"
	"tradechat/internal/service/ai"
	"tradechat/internal/service/chat"
	"tradechat/internal/storage"
	"tradechat/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfgPath := os.Getenv("TRADECHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	dbType := os.Getenv("TRADECHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Info("opening database", zap.String("db_type", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	// Create necessary tables: users, user_tokens, sessions, messages
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	rdb, err := redis.NewRedisClient(cfg)
	switch {
	case errors.Is(err, redis.ErrDisabled):
		logger.Info("redis disabled, running single instance")
		rdb = nil
	case err != nil:
		logger.Fatal("create redis client", zap.Error(err))
	default:
		defer rdb.Close()
	}

	chatService := chat.NewService(db, logger.Named("chat"))
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	idleTTL := time.Duration(cfg.BasicConfig.SessionIdleTTL) * time.Minute
	if idleTTL <= 0 {
		idleTTL = chat.DefaultSessionIdleTTL
	}
	sweep := time.Duration(cfg.BasicConfig.SessionSweep) * time.Minute
	if sweep <= 0 {
		sweep = chat.DefaultSessionExpiryPeriod
	}
	chatService.StartSessionExpirer(bgCtx, idleTTL, sweep)

	assistant, err := ai.NewService(bgCtx, cfg, logger.Named("ai"))
	if err != nil {
		logger.Fatal("init assistant", zap.Error(err))
	}

	workerCfg := worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}
	manager := worker.NewManager(assistant, workerCfg,
		worker.WithLogger(logger.Named("worker")),
		worker.WithRedis(rdb))
	defer manager.Close()

	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	authService := auth.NewService(db, rdb, tokenTTL)
	authService.SetLogger(logger.Named("auth"))

	generateTimeout := time.Duration(cfg.BasicConfig.GenerateTimeout) * time.Second
	handlers := api.NewHandler(chatService, authService, manager, generateTimeout, logger.Named("api"))

	if !cfg.BasicConfig.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	logger.Info("chat service listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
