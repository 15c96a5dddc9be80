// Package bot implements the conversational subscription and review-browsing
// interface. Multi-step flows persist their state in the store keyed by user
// id, so restarts are transparent to users mid-flow.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aqniet/reviews-radar/internal/notify"
	"github.com/aqniet/reviews-radar/internal/roster"
	"github.com/aqniet/reviews-radar/internal/store"
)

// stateSweepInterval paces the stale-session harvest; sessions older than
// stateMaxAge are pruned.
const (
	stateSweepInterval = time.Hour
	stateMaxAge        = time.Hour
	pageSize           = 5
)

// botAPI is the chat-platform slice the handlers need.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// botStore is the store slice the handlers need.
type botStore interface {
	UpsertSubscriber(ctx context.Context, u store.Subscriber) error
	ActiveSubscriptions(ctx context.Context, userID string) ([]store.Subscription, error)
	ReconcileSubscriptions(ctx context.Context, userID string, chosen []store.BranchRef) error
	DeactivateAllSubscriptions(ctx context.Context, userID string) (int64, error)
	ListReviews(ctx context.Context, f store.ReviewFilter) ([]store.Review, error)
	GetUserState(ctx context.Context, userID string, out any) error
	SaveUserState(ctx context.Context, userID string, state any) error
	ClearUserState(ctx context.Context, userID string) error
	DeleteStatesOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
}

// rosterSource supplies the branch checklist for the subscribe flow.
type rosterSource interface {
	ListBranches(ctx context.Context) ([]roster.Branch, error)
}

// Config holds the dependencies for the bot.
type Config struct {
	Token  string
	Store  botStore
	Roster rosterSource
	Logger *slog.Logger
}

// Bot runs the long-poll update loop and the session sweep.
type Bot struct {
	token  string
	api    botAPI
	store  botStore
	roster rosterSource
	logger *slog.Logger

	client *tgbotapi.BotAPI

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Bot {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bot{
		token:  cfg.Token,
		store:  cfg.Store,
		roster: cfg.Roster,
		logger: cfg.Logger,
	}
}

// newBotForTest wires a bot around a fake chat API without network setup.
func newBotForTest(api botAPI, st botStore, rs rosterSource, logger *slog.Logger) *Bot {
	return &Bot{api: api, store: st, roster: rs, logger: logger}
}

// Start connects to the platform and begins polling. Returns after the
// connection handshake; polling continues in the background until Stop.
func (b *Bot) Start(ctx context.Context) error {
	client, err := tgbotapi.NewBotAPI(b.token)
	if err != nil {
		return fmt.Errorf("bot init: %w", err)
	}
	b.client = client
	b.api = client
	b.logger.Info("bot connected", "username", client.Self.UserName)

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(2)
	go b.pollLoop(ctx)
	go b.sweepLoop(ctx)
	return nil
}

// Stop halts polling and waits for in-flight update handling.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.client != nil {
		b.client.StopReceivingUpdates()
	}
	b.wg.Wait()
	b.logger.Info("bot stopped")
}

// pollLoop reconnects with exponential backoff when the long-poll stalls.
func (b *Bot) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.client.GetUpdatesChan(u)

		pollErr := b.pollUpdates(ctx, updates)
		b.client.StopReceivingUpdates()
		if pollErr == nil {
			return
		}
		b.logger.Warn("bot poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates drains the update channel until cancellation, channel close, or
// a stall. The library blocks silently on dead connections, so silence past
// 2.5x the long-poll timeout is treated as a disconnect.
func (b *Bot) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			b.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

// sweepLoop harvests session states not touched within the max age.
func (b *Bot) sweepLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.store.DeleteStatesOlderThan(ctx, stateMaxAge)
			if err != nil {
				b.logger.Error("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				b.logger.Info("stale sessions pruned", "count", n)
			}
		}
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Error("bot send failed", "error", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) sendWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = kb
	b.send(msg)
}

func (b *Bot) editText(chatID int64, messageID int, text string) {
	b.send(tgbotapi.NewEditMessageText(chatID, messageID, text))
}

func (b *Bot) editWithKeyboard(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) {
	b.send(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, kb))
}

// sendReview delivers one review in browse rendering: no branch prefix, photo
// handling mirrors the notification path.
func (b *Bot) sendReview(chatID int64, r store.Review) {
	text := notify.FormatReview(r, false)
	photos := r.PhotosURLs
	if len(photos) > 10 {
		photos = photos[:10]
	}
	switch len(photos) {
	case 0:
		b.sendText(chatID, text)
	case 1:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photos[0]))
		photo.Caption = text
		b.send(photo)
	default:
		media := make([]interface{}, 0, len(photos))
		for i, u := range photos {
			p := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(u))
			if i == 0 {
				p.Caption = text
			}
			media = append(media, p)
		}
		b.send(tgbotapi.NewMediaGroup(chatID, media))
	}
}
