package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dify-relay/handler"
	botconfig "dify-relay/internal/config"
	"dify-relay/internal/domain"
	"dify-relay/internal/integrations/dify"
	"dify-relay/internal/integrations/matrix"
	"dify-relay/internal/integrations/paramstore"
	"dify-relay/internal/repository"
	"dify-relay/internal/usecase"
)

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	sessionTable := mustEnv("SESSION_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	botsPath := mustEnv("BOTS_CONFIG")
	serverURL := mustEnv("SERVER_URL")
	instanceName := os.Getenv("INSTANCE_NAME")
	matrixHomeserver := mustEnv("MATRIX_HOMESERVER")
	matrixUserID := mustEnv("MATRIX_USER_ID")
	streamIdle := time.Duration(envInt("STREAM_IDLE_TIMEOUT_SECONDS", 60)) * time.Second
	backendTimeout := time.Duration(envInt("BACKEND_TIMEOUT_SECONDS", 30)) * time.Second

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
	sessionStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), sessionTable)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}

	serverKey, err := ssmClient.GetToken(ctx, paramPrefix+"/server-api-key")
	if err != nil {
		slog.Error("failed to load server api key", "err", err)
		os.Exit(1)
	}
	matrixToken, err := ssmClient.GetToken(ctx, paramPrefix+"/matrix-token")
	if err != nil {
		slog.Error("failed to load matrix token", "err", err)
		os.Exit(1)
	}

	botsFile, err := botconfig.Load(botsPath)
	if err != nil {
		slog.Error("failed to load bots config", "path", botsPath, "err", err)
		os.Exit(1)
	}
	registry, err := botconfig.ResolveSecrets(ctx, botsFile, ssmClient)
	if err != nil {
		slog.Error("failed to resolve bot secrets", "err", err)
		os.Exit(1)
	}

	backend := dify.NewClient(
		dify.WithHTTPClient(&http.Client{Timeout: backendTimeout}),
		dify.WithStreamIdleTimeout(streamIdle),
		dify.WithLogger(logger),
	)

	matrixClient, err := matrix.NewClient(matrixHomeserver, matrixUserID, matrixToken)
	if err != nil {
		slog.Error("failed to create matrix client", "err", err)
		os.Exit(1)
	}
	channel, err := matrix.New(matrixClient, logger)
	if err != nil {
		slog.Error("failed to create matrix channel", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	relay, err := usecase.NewRelay(sessionStore, backend, channel, registry, domain.ServerContext{
		ServerURL:    serverURL,
		APIKey:       serverKey,
		InstanceName: instanceName,
	}, logger)
	if err != nil {
		slog.Error("failed to create relay", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(relay)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("relay ready", "bots", registry.Len())
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

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
