package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	settings, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := NewLogger(settings.LogLevel, settings.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := run(*settings, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(settings Settings, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if settings.APIKey == "" {
		logger.Warn("no model API credential configured; model calls will fail")
	}

	defaults, err := loadDefaults(ctx, settings, logger)
	if err != nil {
		return err
	}

	store, closeStore, err := openRunStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := NewMetrics()
	gateway := NewGateway(settings, logger.Named("gateway"), metrics)
	council := NewCouncil(gateway,
		Throttle{Limit: settings.StageConcurrency, Pacer: StaggerPacer{Delay: settings.Stage1Stagger}},
		Throttle{Limit: settings.StageConcurrency, Pacer: StaggerPacer{Delay: settings.Stage2Stagger}},
		logger.Named("council"),
	)
	engine := NewEngine(council, store, logger.Named("engine"), metrics)

	if settings.GinMode != "" {
		gin.SetMode(settings.GinMode)
	}
	server := NewServer(settings, engine, council, defaults, NewPageFetcher(logger.Named("fetch")), metrics, logger)

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting Polymind Council backend", zap.String("port", settings.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := engine.Wait(shutdownCtx); err != nil {
		logger.Warn("in-flight runs did not finish before shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
	return nil
}

// loadDefaults resolves the engine defaults and starts watching the defaults file when one is configured
func loadDefaults(ctx context.Context, settings Settings, logger *zap.Logger) (*EngineDefaults, error) {
	if settings.EngineDefaultsPath == "" {
		return NewEngineDefaults(DefaultEngineConfig()), nil
	}

	cfg, err := LoadEngineDefaults(settings.EngineDefaultsPath)
	if err != nil {
		return nil, err
	}
	defaults := NewEngineDefaults(cfg)
	logger.Info("loaded engine defaults", zap.String("path", settings.EngineDefaultsPath), zap.Int("models", len(cfg.Models)))

	if err := WatchEngineDefaults(ctx, settings.EngineDefaultsPath, defaults, logger.Named("defaults")); err != nil {
		logger.Warn("engine defaults will not hot reload", zap.Error(err))
	}
	return defaults, nil
}

// openRunStore picks redis when REDIS_URL is set, else process memory
func openRunStore(ctx context.Context, settings Settings, logger *zap.Logger) (RunStore, func(), error) {
	if settings.RedisURL == "" {
		logger.Info("using in-memory run store; runs are lost on restart")
		return NewMemoryRunStore(), func() {}, nil
	}

	store, err := OpenRedisRunStore(ctx, settings.RedisURL, settings.RunTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis run store", zap.Duration("ttl", settings.RunTTL))
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close redis run store", zap.Error(err))
		}
	}, nil
}
