package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/theazureday/story-creator/internal/http/handlers"
	httpapi "github.com/theazureday/story-creator/internal/http/httpapi"
	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/matting"
	"github.com/theazureday/story-creator/internal/providers"
	"github.com/theazureday/story-creator/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	chain, err := providers.BuildChain(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider chain")
	}
	if len(chain) == 0 {
		logger.Warn().Msg("no backend credentials configured; generation requests will fail fast")
	}
	orch := imagegen.NewOrchestrator(chain, imagegen.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BackoffBase: cfg.RetryBackoffBase,
	}, &logger)

	store, err := storage.NewFileStore(cfg.StorageBasePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize asset store")
	}

	matteCfg := matting.Config{
		ThresholdBright: cfg.MatteThresholdBright,
		ThresholdDark:   cfg.MatteThresholdDark,
		ThresholdChroma: cfg.MatteThresholdChroma,
		Feather:         cfg.MatteFeather,
	}

	app := handlers.NewApp(logger, orch, matteCfg, store, cfg.StorageBaseURL)
	router := httpapi.NewRouter(app, cfg, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Strs("providers", orch.Providers()).Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
