package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lightwell/jamie-voice/internal/config"
	"github.com/lightwell/jamie-voice/internal/httpapi"
	"github.com/lightwell/jamie-voice/internal/logging"
	"github.com/lightwell/jamie-voice/internal/observability"
	"github.com/lightwell/jamie-voice/internal/relay"
	"github.com/lightwell/jamie-voice/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateCredentials(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	latency := observability.NewLatencyWindow(256)

	ttsClient, err := tts.NewClient(tts.Config{
		APIKey:         cfg.CartesiaAPIKey,
		BaseURL:        cfg.CartesiaBaseURL,
		Model:          cfg.CartesiaModel,
		DefaultVoiceID: cfg.CartesiaVoiceID,
		Timeout:        cfg.CartesiaTimeout,
	}, logger.Named("tts"))
	if err != nil {
		logger.Fatal("synthesis client init failed", zap.Error(err))
	}

	relaySrv, err := relay.New(relay.Config{
		UpstreamURL: cfg.RealtimeURL,
		APIKey:      cfg.RealtimeAPIKey,
		DialTimeout: cfg.RealtimeHandshakeTimeout,
	}, logger.Named("relay"), metrics)
	if err != nil {
		logger.Fatal("relay init failed", zap.Error(err))
	}

	api := httpapi.New(cfg, ttsClient, relaySrv, metrics, latency, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
