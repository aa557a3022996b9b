package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codexbridge/internal/auth"
	"codexbridge/internal/handlers"
	"codexbridge/internal/httpserver"
	"codexbridge/internal/llm"
	"codexbridge/internal/metrics"
	"codexbridge/internal/secrets"
	"codexbridge/pkg/logging/logging"
)

type Config struct {
	Port           string
	SecretsBackend string // "memory" or "redis"
	RedisAddr      string

	CodexBaseURL    string
	ReasoningEffort string

	OAuthClientID  string
	OAuthDeviceURL string
	OAuthTokenURL  string
	OAuthScopes    []string
}

func LoadConfig() Config {
	return Config{
		Port:           getenv("PORT", "8080"),
		SecretsBackend: getenv("SECRETS_BACKEND", "memory"),
		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),

		CodexBaseURL:    getenv("CODEX_BASE_URL", "https://chatgpt.com/backend-api/codex"),
		ReasoningEffort: getenv("REASONING_EFFORT", "none"),

		OAuthClientID:  os.Getenv("OAUTH_CLIENT_ID"),
		OAuthDeviceURL: os.Getenv("OAUTH_DEVICE_URL"),
		OAuthTokenURL:  os.Getenv("OAUTH_TOKEN_URL"),
		OAuthScopes:    strings.Fields(os.Getenv("OAUTH_SCOPES")),
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("codexbridge exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg := LoadConfig()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("secrets_backend", cfg.SecretsBackend),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("codex_base_url", cfg.CodexBaseURL),
		zap.String("reasoning_effort", cfg.ReasoningEffort),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.SecretsBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Secrets store -----
	store := secrets.NewStore(secrets.Config{
		Backend: cfg.SecretsBackend,
		Prefix:  "codexbridge",
	}, redisClient)

	// ----- OAuth device flow -----
	if cfg.OAuthClientID == "" || cfg.OAuthDeviceURL == "" || cfg.OAuthTokenURL == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID, OAUTH_DEVICE_URL and OAUTH_TOKEN_URL are required")
	}

	flow, err := auth.NewFlow(auth.Endpoints{
		ClientID:      cfg.OAuthClientID,
		DeviceCodeURL: cfg.OAuthDeviceURL,
		TokenURL:      cfg.OAuthTokenURL,
		Scopes:        cfg.OAuthScopes,
	}, logger)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenManager(store, flow, logger)
	state := auth.NewStateStore()
	poller := auth.NewPoller(flow, tokens, state, logger)
	defer poller.StopActive()

	// ----- LLM client -----
	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:         cfg.CodexBaseURL,
		Credentials:     tokens,
		ReasoningEffort: cfg.ReasoningEffort,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Handlers -----
	chatHandler := handlers.NewChatHandler(llmClient)
	authHandler := handlers.NewAuthHandler(context.Background(), flow, tokens, poller, state)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, chatHandler, authHandler)

	// ----- HTTP server -----
	// WriteTimeout stays 0: chat streams write for minutes.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting codexbridge",
		zap.String("addr", srv.Addr),
		zap.String("secrets_backend", cfg.SecretsBackend),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
