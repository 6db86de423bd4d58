package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/handlers"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/middleware"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/natsx"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/ratelimit"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/session"
)

func main() {
	// Load .env in development; ignore if absent.
	_ = godotenv.Load()

	logger := logrus.New()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
		gin.SetMode(gin.ReleaseMode)
	}

	natsClient, err := natsx.NewClient(cfg.NATS, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to NATS")
	}
	defer natsClient.Close()

	if err := natsClient.EnsureStreams(cfg.Streams, cfg.NATS.AllowReconcile); err != nil {
		logger.WithError(err).Fatal("Failed to reconcile streams")
	}

	var sink metrics.Sink = metrics.Noop{}
	if cfg.Metrics.Enabled {
		sink = metrics.NewPrometheusSink()
	}

	validator := auth.NewValidator(auth.Config{
		Secret:        cfg.JWT.Secret,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		ClockSkew:     cfg.JWT.ClockSkew,
		DefaultExpiry: cfg.JWT.DefaultExpiry,
	})
	limiter := ratelimit.NewLimiter(cfg.WebSocket.RateLimitPerSecond)
	registry := session.NewRegistry()
	adapter := natsx.NewAdapter(natsClient, cfg, sink, logger)

	wsHandler := handlers.NewWebSocketHandler(
		validator, limiter, adapter, registry, sink, logger, cfg.WebSocket)
	adminHandler := handlers.NewAdminHandler(natsClient, registry, logger)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health", adminHandler.Health)
	router.GET("/livez", adminHandler.Livez)
	router.GET("/readyz", adminHandler.Readyz)
	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.GET("/ws", wsHandler.Handle)
	router.GET("/devices", adminHandler.Devices)
	router.DELETE("/devices/:clientId", adminHandler.EvictDevice)

	if !cfg.IsProduction() {
		devToken := handlers.NewDevTokenHandler(validator, cfg.JWT.DefaultExpiry)
		router.GET("/dev/token", devToken.Issue)
		logger.Warn("Dev token endpoint enabled; do not expose in production")
	}

	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()
	logger.WithField("address", cfg.Address()).Info("Gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new connections first, then close live sessions so
	// their teardown can still publish lifecycle events.
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	for _, device := range registry.Snapshot() {
		if sess := registry.Lookup(device.ClientID); sess != nil {
			sess.Evict()
		}
	}
	deadline := time.After(5 * time.Second)
	for registry.Count() > 0 {
		select {
		case <-deadline:
			logger.WithField("remaining", registry.Count()).Warn("Sessions still open at shutdown deadline")
		case <-time.After(50 * time.Millisecond):
			continue
		}
		break
	}

	logger.Info("Gateway stopped")
}
