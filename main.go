// @title File Relay
// @version 0.1
// @description Telegram bot that re-serves message attachments through stable public URLs.

// @host localhost:8080
// @BasePath /
// @schemes https

package main

import (
	"os"

	"filerelay/internal/app"
	"filerelay/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	app.Run(cfg)
}
