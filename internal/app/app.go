package app

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"filerelay/internal/config"
	"filerelay/internal/handler"
	"filerelay/internal/pkg/tasks"
	"filerelay/internal/pkg/tg"
	"filerelay/internal/repository"
	"filerelay/internal/service"

	"github.com/rs/zerolog/log"
)

const (
	backgroundSlots   = 32
	backgroundTimeout = 5 * time.Minute
	shutdownGrace     = 30 * time.Second
)

func Run(cfg *config.Config) {
	db, err := repository.NewDB(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}

	fileRepo := repository.NewFileRepository(db)
	if err := fileRepo.Init(); err != nil {
		// The store heals a missing table on first write; boot-time init is
		// just the fast path.
		log.Warn().Err(err).Msg("schema init at boot failed")
	}

	rdb, err := repository.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}

	bot, err := tg.NewBot(cfg.TelegramToken, cfg.MaintainerID)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram bot init failed")
	}

	blobs, err := service.NewS3Store(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("blob store init failed")
	}

	group := tasks.NewGroup(backgroundSlots, backgroundTimeout)

	edge := service.NewEdgeCache(rdb)
	resolver := service.NewPathResolver(fileRepo, bot, cfg.TelegramAPIBase, cfg.TelegramToken)

	// No overall client timeout: bodies stream for as long as they need.
	// The header timeout still catches a dead upstream.
	fetchClient := &http.Client{
		Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
	}

	pipeline := service.NewPipeline(fileRepo, resolver, blobs, edge, fetchClient, group, cfg.EdgeCacheMaxBytes)
	ingest := service.NewIngestService(fileRepo, bot)

	fileHandler := handler.NewFileHandler(pipeline)
	webhookHandler := handler.NewWebhookHandler(ingest, bot, fileRepo, cfg.PublicHost)

	server := NewServer(fileHandler, webhookHandler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Run(cfg.ServerPort); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	// Let in-flight cache writes land before the process exits.
	if err := group.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("background tasks did not drain")
	}
}
