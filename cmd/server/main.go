package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-turns/internal/api"
	"github.com/lexiqai/voice-turns/internal/calls"
	"github.com/lexiqai/voice-turns/internal/config"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/providers"
	"github.com/lexiqai/voice-turns/internal/stt"
	"github.com/lexiqai/voice-turns/internal/telephony"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("public_url", cfg.PublicURL).
		Str("language", cfg.Language).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Turns Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set, err := providers.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure collaborators")
	}
	defer set.Close()

	// Call registry, pruned in the background
	registry := calls.NewRegistry(cfg.ObserverBuffer, observability.WithComponent(logger, "calls"))
	go registry.RunPruner(ctx, cfg.Retention(), time.Minute)

	stages := set.Stages(cfg, registry, observability.WithComponent(logger, "stages"))

	// Create HTTP server
	mux := http.NewServeMux()

	// Call history and live observers
	calls.NewHandler(registry, observability.WithComponent(logger, "calls_api")).Register(mux)

	// Single-shot endpoints for browser clients running their own turn loop
	api.NewHandler(api.Config{
		Transcribers: set.Transcribers(cfg),
		DefaultModel: cfg.STTProvider,
		Generator:    set.Generator,
		Synthesizer:  set.Synthesizer,
		Language:     cfg.Language,
		Verbosity:    cfg.Verbosity,
		Logger:       observability.WithComponent(logger, "browser_api"),
	}).Register(mux)

	// Twilio webhook and media stream
	mux.Handle("POST "+telephony.IncomingPath, telephony.NewWebhookHandler(telephony.WebhookConfig{
		AuthToken:      cfg.TwilioAuthToken,
		PublicURL:      cfg.PublicURL,
		SkipValidation: cfg.TwilioSkipValidation,
		Logger:         observability.WithComponent(logger, "twilio_webhook"),
	}))
	mux.Handle("GET "+telephony.StreamPath, telephony.NewStreamHandler(registry, stages, cfg.VAD(),
		observability.WithComponent(logger, "media_stream")))

	// Streaming transcription, unless this process is itself a client of one
	if cfg.STTProvider != config.ProviderStream {
		mux.Handle("GET /stt/stream", stt.NewStreamServer(set.Transcriber, 30*time.Second,
			observability.WithComponent(logger, "stt_stream_server")))
	}

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(set.Checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Websocket handlers run for the length of a call, so no write timeout.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("webhook", telephony.IncomingPath).
			Str("stream", telephony.StreamPath).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
