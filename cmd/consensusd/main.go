package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.consensus/internal/config"
	"dev.helix.consensus/internal/handlers"
	"dev.helix.consensus/internal/llm"
	"dev.helix.consensus/internal/observability"
)

const serviceName = "consensusd"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := newLogger(cfg.Logging)
	printBanner(cfg)

	registry := llm.GlobalRegistry()
	registerProviders(cfg, registry, logger)

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	handler := handlers.NewDiscussionHandler(registry, cfg.Defaults, metrics, logger)

	gin.SetMode(cfg.Server.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.Server.Address(),
			"mode":    cfg.Server.GinMode,
		}).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown was not clean")
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

func registerProviders(cfg *config.Config, registry *llm.Registry, logger *logrus.Logger) {
	if cfg.Anthropic.APIKey == "" {
		logger.Warn("No Anthropic API key configured; only pre-registered providers will work")
		return
	}

	rps := float64(cfg.Anthropic.RequestsPerMinute) / 60.0
	limiter := llm.NewRateLimiter("anthropic", rps, cfg.Anthropic.RequestsPerMinute, cfg.Anthropic.MaxConcurrent)
	registry.Register("anthropic", llm.NewAnthropicProvider(cfg.Anthropic.APIKey, ""), limiter)

	logger.WithFields(logrus.Fields{
		"provider": "anthropic",
		"rpm":      cfg.Anthropic.RequestsPerMinute,
	}).Info("Provider registered")
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan, color.Bold)
	white := color.New(color.FgWhite)

	cyan.Println("  ┌─────────────────────────────────────────┐")
	cyan.Printf("  │  %s — model consensus service    │\n", serviceName)
	cyan.Println("  └─────────────────────────────────────────┘")
	white.Printf("  listening on %s\n\n", cfg.Server.Address())
}
