// Copyright (C) 2025 PlaylistIQ (dev@playlistiq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/playlistiq/playlistiq/services/gateway/catalogue"
	"github.com/playlistiq/playlistiq/services/gateway/handlers"
	"github.com/playlistiq/playlistiq/services/gateway/observability"
	"github.com/playlistiq/playlistiq/services/gateway/routes"
	"github.com/playlistiq/playlistiq/services/gateway/session"
	"github.com/playlistiq/playlistiq/services/llm"
)

// initTracer wires the OTLP/gRPC exporter when a collector endpoint is
// configured. Returns a shutdown func, or nil when tracing is disabled.
func initTracer() (func(context.Context), error) {
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return nil, nil
	}

	ctx := context.Background()
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("gateway-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// envSeconds reads a duration knob given in whole seconds.
func envSeconds(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		slog.Warn("invalid duration env var, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return time.Duration(secs) * time.Second
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		slog.Warn("invalid integer env var, using default", "name", name, "value", raw, "default", def)
		return def
	}
	return n
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		slog.Info("loaded configuration from .env file")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	if cleanup != nil {
		defer cleanup(context.Background())
	}

	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	parsedURL, err := url.Parse(weaviateURL)
	if weaviateURL == "" || err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Fatalf("FATAL: WEAVIATE_SERVICE_URL is missing or invalid: %q", weaviateURL)
	}
	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		log.Fatalf("FATAL: failed to create the catalogue store client: %v", err)
	}

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("FATAL: could not initialize the LLM client: %v", err)
	}

	defaultModel := os.Getenv("LLM_DEFAULT_MODEL")
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
		slog.Warn("LLM_DEFAULT_MODEL not set, defaulting to gpt-4o-mini")
	}

	reader := catalogue.NewReader(weaviateClient, catalogue.Config{
		PlaylistField: os.Getenv("CATALOGUE_PLAYLIST_FIELD"),
		MaxVideos:     envInt("CATALOGUE_MAX_VIDEOS", 0),
	})

	startChat := func(modelID, catalogueJSON string) (session.Chat, error) {
		return llm.StartChat(llmClient, modelID, "", catalogueJSON), nil
	}

	cfg := handlers.GatewayConfig{
		Session: session.Config{
			DefaultModel: defaultModel,
			TurnTimeout:  envSeconds("STREAM_TURN_TIMEOUT_SECONDS", 120*time.Second),
		},
		IdleTimeout: envSeconds("SESSION_IDLE_TIMEOUT_SECONDS", 300*time.Second),
	}

	observability.InitMetrics()

	router := gin.Default()
	router.Use(otelgin.Middleware("gateway-service"))
	routes.SetupRoutes(router, reader, startChat, cfg)

	slog.Info("starting the gateway server", "port", port,
		"defaultModel", defaultModel, "turnTimeout", cfg.Session.TurnTimeout,
		"idleTimeout", cfg.IdleTimeout)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
