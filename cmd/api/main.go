package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"server/internal/adapter/repo"
	"server/internal/coordinator"
	"server/internal/domain"
	"server/internal/generation"
	"server/internal/http/handlers"
	"server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/middleware"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Job archive (optional): without DATABASE_URL the coordinator simply
	// keeps no history.
	var archive *repo.JobArchivePG
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		archive = repo.NewJobArchive(pool)
	}

	tokens, err := newTokenSource(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure credentials")
	}

	client, err := generation.NewClient(generation.Options{
		BaseURL: cfg.GenerationBaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure generation client")
	}

	coord := coordinator.New(coordinator.Options{
		Client:           client,
		Archive:          archiveOrNil(archive),
		Logger:           logger,
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		StartCooldown:    cfg.StartCooldown,
		GenerateCooldown: cfg.GenerateCooldown,
	})

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip unavailable; locale falls back to headers")
	}
	var lookup middleware.CountryLookup
	if resolver != nil {
		lookup = resolver.CountryCode
	}

	app := handlers.NewApp(coord, archiveOrNil(archive), logger)
	router := httpapi.NewRouter(app, cfg, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// Cancel sessions first so their terminal broadcasts reach any
	// subscriber still connected to the events feed.
	coord.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func newTokenSource(cfg *infra.Config) (generation.TokenSource, error) {
	if cfg.AuthTokenURL != "" && cfg.AuthRefreshToken != "" {
		return generation.NewRefreshingTokenSource(cfg.AuthTokenURL, cfg.AuthRefreshToken, nil)
	}
	return generation.NewStaticTokenSource(cfg.GenerationAPIKey), nil
}

// archiveOrNil keeps a typed-nil *JobArchivePG from masquerading as a
// non-nil domain.JobArchive.
func archiveOrNil(a *repo.JobArchivePG) domain.JobArchive {
	if a == nil {
		return nil
	}
	return a
}
