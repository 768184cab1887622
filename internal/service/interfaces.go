package service

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// IngestService turns inbound platform updates into stored file metadata and
// reply messages.
type IngestService interface {
	HandleUpdate(host string, upd tgbotapi.Update) error
}
