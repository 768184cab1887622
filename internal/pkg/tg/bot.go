package tg

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Platform is the slice of the Telegram Bot API this service consumes.
type Platform interface {
	// ResolveFilePath asks Telegram for the current download path of a file.
	// The returned path is valid for a limited, platform-controlled time.
	ResolveFilePath(fileID string) (string, error)
	// SendReply sends a MarkdownV2 message into a chat as a reply.
	SendReply(chatID int64, messageID int, text string) error
	RegisterWebhook(url string) error
	MaintainerID() int64
}

type Bot struct {
	api        *tgbotapi.BotAPI
	maintainer int64
}

func NewBot(token string, maintainerID int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	return &Bot{api: api, maintainer: maintainerID}, nil
}

func (b *Bot) MaintainerID() int64 {
	return b.maintainer
}

func (b *Bot) ResolveFilePath(fileID string) (string, error) {
	if fileID == "" {
		return "", fmt.Errorf("file id is empty")
	}

	f, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}

	if f.FilePath == "" {
		return "", fmt.Errorf("file path not found")
	}

	return f.FilePath, nil
}

func (b *Bot) SendReply(chatID int64, messageID int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) RegisterWebhook(url string) error {
	log.Info().Str("url", url).Msg("registering webhook")

	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return err
	}

	if _, err := b.api.Request(wh); err != nil {
		return err
	}

	if b.maintainer != 0 {
		notice := tgbotapi.NewMessage(b.maintainer, fmt.Sprintf("registered webhook to %s", url))
		notice.DisableWebPagePreview = true
		if _, err := b.api.Send(notice); err != nil {
			log.Warn().Err(err).Msg("failed to notify maintainer")
		}
	}

	return nil
}

// Escape makes arbitrary text safe for a MarkdownV2 message body.
func Escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, s)
}
