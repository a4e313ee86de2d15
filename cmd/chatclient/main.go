// Command chatclient is a line-based storefront chat. It keeps one conversation
// per user and talks to the chat service over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tradechat/internal/chatclient"
	"tradechat/internal/config"
	"tradechat/internal/logging"
	"tradechat/internal/models"
	"tradechat/internal/redis"
	"tradechat/internal/remotechat"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfgPath := flag.String("config", os.Getenv("TRADECHAT_CONFIG"), "config file (json or toml)")
	purpose := flag.String("purpose", "", "conversation purpose tag, overrides client.purpose")
	language := flag.String("lang", "", "preferred reply language, overrides client.language")
	payload := flag.String("data", "", "session data (JSON) sent when a session is created")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	level := cfg.BasicConfig.LogLevel
	if level == "" {
		level = "warn"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	profile := chatclient.Profile{
		UserID:   cfg.Client.UserID,
		Purpose:  models.Purpose(firstNonEmpty(*purpose, cfg.Client.Purpose, string(models.PurposeGeneral))),
		Language: firstNonEmpty(*language, cfg.Client.Language, "en"),
		Payload:  *payload,
	}
	if profile.UserID <= 0 || cfg.Client.AuthToken == "" {
		logger.Fatal("client.user_id and client.auth_token are required")
	}

	remote := remotechat.New(cfg.Client.BaseURL,
		cfg.Client.AuthToken,
		time.Duration(cfg.Client.RequestTimeout)*time.Second,
		logger)

	opts := []chatclient.Option{chatclient.WithLogger(logger.Named("chatclient"))}
	if cfg.Client.PersistSession {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			logger.Warn("session persistence unavailable", zap.Error(err))
		} else {
			defer rdb.Close()
			opts = append(opts, chatclient.WithSessionStore(chatclient.NewRedisSessionStore(rdb, 0)))
		}
	}
	client := chatclient.New(remote, profile, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newREPL(client, os.Stdin, os.Stdout)
	if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("chat client stopped", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
