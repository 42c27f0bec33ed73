package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/layerbridge/internal/api"
	"github.com/ZanzyTHEbar/layerbridge/internal/config"
	"github.com/ZanzyTHEbar/layerbridge/internal/logging"
	"github.com/ZanzyTHEbar/layerbridge/pkg/bridge"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLogger, _ := zap.NewDevelopment()
		bootLogger.Fatal("failed to load config", zap.String("path", *cfgPath), zap.Error(err))
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		bootLogger, _ := zap.NewDevelopment()
		bootLogger.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("config loaded", zap.String("path", *cfgPath))

	ctx := context.Background()
	b, err := bridge.New(ctx, cfg, bridge.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to start bridge", zap.Error(err))
	}

	for _, st := range b.Layers(ctx) {
		if st.Available {
			logger.Info("layer available", zap.String("layer", string(st.Name)))
		} else {
			logger.Warn("layer unavailable",
				zap.String("layer", string(st.Name)),
				zap.String("error", st.Error),
				zap.String("remediation", st.Remediation))
		}
	}

	handler := api.NewHandler(b, cfg.Server.CORSOrigins, logger.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("layerbridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := b.Close(); err != nil {
		logger.Warn("bridge shutdown", zap.Error(err))
	}
}
