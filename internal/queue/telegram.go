package queue

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxAlbumPhotos is the platform's media-group ceiling; longer photo lists
// are truncated.
const maxAlbumPhotos = 10

// botAPI is the slice of tgbotapi the sender needs, extracted so tests can
// fake delivery outcomes.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
}

// TelegramSender dispatches one task as a text message, a single photo with
// caption, or an album with the caption on the first item.
type TelegramSender struct {
	bot botAPI
}

func NewTelegramSender(bot *tgbotapi.BotAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func newTelegramSenderForTest(bot botAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (s *TelegramSender) Send(_ context.Context, task Task) error {
	photos := task.Photos
	if len(photos) > maxAlbumPhotos {
		photos = photos[:maxAlbumPhotos]
	}

	var err error
	switch {
	case len(photos) == 0:
		msg := tgbotapi.NewMessage(task.ChatID, task.Text)
		_, err = s.bot.Send(msg)
	case len(photos) == 1:
		photo := tgbotapi.NewPhoto(task.ChatID, tgbotapi.FileURL(photos[0]))
		photo.Caption = task.Text
		_, err = s.bot.Send(photo)
	default:
		media := make([]interface{}, 0, len(photos))
		for i, url := range photos {
			item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(url))
			if i == 0 {
				item.Caption = task.Text
			}
			media = append(media, item)
		}
		_, err = s.bot.SendMediaGroup(tgbotapi.NewMediaGroup(task.ChatID, media))
	}
	if err == nil {
		return nil
	}
	return classifyTelegramError(err)
}

// classifyTelegramError maps platform errors onto the retry policy:
// forbidden is terminal, retry-after is honored verbatim, anything else is a
// plain retryable failure.
func classifyTelegramError(err error) error {
	de := &DeliveryError{Err: err}
	if tgErr, ok := err.(*tgbotapi.Error); ok {
		msg := strings.ToLower(tgErr.Message)
		if tgErr.Code == 403 || strings.Contains(msg, "forbidden") || strings.Contains(msg, "bot was blocked") {
			de.Forbidden = true
		}
		if tgErr.RetryAfter > 0 {
			de.RetryAfter = time.Duration(tgErr.RetryAfter) * time.Second
		}
	}
	return de
}
