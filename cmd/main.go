package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"clinic-assistant/handler"
	"clinic-assistant/internal/generation"
	"clinic-assistant/internal/integrations/actionbus"
	"clinic-assistant/internal/integrations/paramstore"
	"clinic-assistant/internal/repository"
	"clinic-assistant/internal/tenant"
	"clinic-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	amqpURL := mustEnv("ACTIONS_AMQP_URL")
	exchange := envString("ACTIONS_EXCHANGE", "clinic.actions")
	redisURL := os.Getenv("REDIS_URL")
	healthInterval := time.Duration(envInt("HEALTH_INTERVAL_SECONDS", 30)) * time.Second
	callTimeout := time.Duration(envInt("GENERATION_TIMEOUT_SECONDS", 30)) * time.Second
	takeoverWindow := time.Duration(envInt("TAKEOVER_WINDOW_MINUTES", 30)) * time.Minute

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, repository.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	tenants, err := tenant.NewLoader(ssmClient, paramPrefix, logger)
	if err != nil {
		slog.Error("failed to create tenant loader", "err", err)
		os.Exit(1)
	}
	publisher, err := actionbus.Dial(amqpURL, exchange, logger)
	if err != nil {
		slog.Error("failed to connect to action bus", "err", err)
		os.Exit(1)
	}

	deps := usecase.Dependencies{Store: store, Directory: store, Tenants: tenants}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		cache, err := generation.NewRedisCache(redis.NewClient(opts), generation.DefaultCacheTTL, logger)
		if err != nil {
			slog.Error("failed to create reply cache", "err", err)
			os.Exit(1)
		}
		deps.Cache = cache
	}

	// ---- Engines ----
	registry, err := usecase.NewRegistry(deps,
		usecase.WithLogger(logger),
		usecase.WithProviderFactory(usecase.HTTPProviders(&http.Client{})),
		usecase.WithHealthInterval(healthInterval),
		usecase.WithCallTimeout(callTimeout),
		usecase.WithTakeoverWindow(takeoverWindow),
	)
	if err != nil {
		slog.Error("failed to create engine registry", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.EngineFunc(func(ctx context.Context, tenantID string) (handler.Engine, error) {
		e, err := registry.Engine(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return e, nil
	}), publisher, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
