package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telegram-session-bot/internal/application"
	"telegram-session-bot/internal/config"
	"telegram-session-bot/internal/domain/ports/adapter"
	"telegram-session-bot/internal/infra/logging"
	"telegram-session-bot/internal/infra/metrics"
	red "telegram-session-bot/internal/infra/redis"
	"telegram-session-bot/internal/infra/worker"
)

var _ adapter.TelegramBotAdapter = (*RealTelegramBotAdapter)(nil)

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// RateLimiter is satisfied by *redis.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RealTelegramBotAdapter uses tgbotapi to poll updates and delegates to the bot facade.
type RealTelegramBotAdapter struct {
	bot         botAPI
	facade      application.BotFacadeIface
	rateLimiter RateLimiter
	limits      config.RateLimitConfig
	log         *zerolog.Logger

	updateWorkers int
	cancelPolling context.CancelFunc
}

func NewRealTelegramBotAdapter(cfg *config.BotConfig, facade application.BotFacadeIface, rateLimiter RateLimiter, limits config.RateLimitConfig, logger *zerolog.Logger) (*RealTelegramBotAdapter, error) {
	if cfg == nil {
		return nil, errors.New("bot config is nil")
	}
	if facade == nil {
		return nil, errors.New("bot facade is nil")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	r := newAdapter(bot, facade, rateLimiter, limits, cfg.Workers, logger)
	r.log.Info().Str("username", bot.Self.UserName).Msg("authorized on telegram")
	return r, nil
}

func newAdapter(bot botAPI, facade application.BotFacadeIface, rateLimiter RateLimiter, limits config.RateLimitConfig, workers int, logger *zerolog.Logger) *RealTelegramBotAdapter {
	if workers <= 0 {
		workers = 5
	}
	l := logger.With().Str("component", "telegram").Logger()
	return &RealTelegramBotAdapter{
		bot:           bot,
		facade:        facade,
		rateLimiter:   rateLimiter,
		limits:        limits,
		log:           &l,
		updateWorkers: workers,
	}
}

// StartPolling drops updates queued while the bot was offline and then
// processes new ones on a worker pool until ctx is canceled. Updates are keyed
// by sender, so each user's messages are handled one at a time in arrival order.
func (r *RealTelegramBotAdapter) StartPolling(ctx context.Context) error {
	if _, err := r.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		r.log.Warn().Err(err).Msg("could not drop pending updates")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := r.bot.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(ctx)
	r.cancelPolling = cancel

	pool := worker.NewPool(r.updateWorkers, r.log)
	pool.Start(ctx)
	defer pool.Stop()

	r.log.Info().Int("workers", r.updateWorkers).Msg("polling started")
	for {
		select {
		case <-ctx.Done():
			r.bot.StopReceivingUpdates()
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if err := pool.SubmitWait(ctx, senderID(up), func(ctx context.Context) error {
				return r.handleUpdate(ctx, up)
			}); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Int("update_id", up.UpdateID).Msg("update dropped")
			}
		}
	}
}

func senderID(up tgbotapi.Update) int64 {
	if up.Message != nil && up.Message.From != nil {
		return up.Message.From.ID
	}
	return 0
}

func (r *RealTelegramBotAdapter) StopPolling() {
	if r.cancelPolling != nil {
		r.cancelPolling()
	}
}

// SetMenuCommands publishes the bot's command list.
func (r *RealTelegramBotAdapter) SetMenuCommands(ctx context.Context) error {
	var cmds []tgbotapi.BotCommand
	for _, c := range r.facade.Commands() {
		cmds = append(cmds, tgbotapi.BotCommand{Command: c[0], Description: c[1]})
	}
	_, err := r.bot.Request(tgbotapi.NewSetMyCommands(cmds...))
	return err
}

// SendMessage sends a Markdown message. If Telegram rejects the markup the
// text is resent as plain text.
func (r *RealTelegramBotAdapter) SendMessage(ctx context.Context, tgID int64, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg := tgbotapi.NewMessage(tgID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	_, err := r.bot.Send(msg)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		msg.ParseMode = ""
		_, err = r.bot.Send(msg)
	}
	if err != nil {
		metrics.IncTelegramSendError()
	}
	return err
}

func (r *RealTelegramBotAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	message := update.Message
	if message == nil || message.From == nil || message.Chat == nil {
		return nil
	}

	ctx = logging.WithTraceID(ctx, uuid.NewString())
	ctx = logging.WithTgID(ctx, message.From.ID)

	label := "message"
	var handler commandHandler
	if message.IsCommand() {
		h, ok := r.commandRoutes()[message.Command()]
		if ok {
			label = "/" + message.Command()
			handler = h
		} else {
			// free-form command names must not become label values
			label = "/unknown"
			handler = r.handleHelpCommand
		}
	}
	metrics.IncTelegramCommand(label)

	if !r.allow(ctx, message.From.ID, "message", r.limits.MessagesPerMinute, time.Minute) {
		return r.SendMessage(ctx, message.Chat.ID, r.facade.RateLimited())
	}

	if handler != nil {
		return handler(ctx, message)
	}
	if strings.TrimSpace(message.Text) == "" {
		return nil
	}
	return r.handleText(ctx, message)
}

func (r *RealTelegramBotAdapter) handleText(ctx context.Context, message *tgbotapi.Message) error {
	if notice := r.facade.ProgressNotice(ctx, message.From.ID); notice != "" {
		if err := r.SendMessage(ctx, message.Chat.ID, notice); err != nil {
			logging.With(ctx, r.log).Warn().Err(err).Msg("progress notice not delivered")
		}
	}

	replies, err := r.facade.HandleText(ctx, message.From.ID, message.Text)
	if err != nil {
		logging.With(ctx, r.log).Error().Err(err).Msg("handle text")
	}
	return r.sendAll(ctx, message.Chat.ID, replies)
}

func (r *RealTelegramBotAdapter) sendAll(ctx context.Context, chatID int64, replies []string) error {
	var errs []error
	for _, text := range replies {
		if err := r.SendMessage(ctx, chatID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// allow applies a per-user limit; limiter failures let the update through.
func (r *RealTelegramBotAdapter) allow(ctx context.Context, tgID int64, scope string, limit int, window time.Duration) bool {
	if r.rateLimiter == nil {
		return true
	}
	ok, err := r.rateLimiter.Allow(ctx, red.UserCommandKey(tgID, scope), limit, window)
	if err != nil {
		logging.With(ctx, r.log).Warn().Err(err).Msg("rate limit check failed")
		return true
	}
	if !ok {
		metrics.IncRateLimitTriggered(scope)
		logging.With(ctx, r.log).Info().Str("scope", scope).Msg("rate limited")
	}
	return ok
}
