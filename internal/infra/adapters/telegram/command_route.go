package telegram

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-session-bot/internal/infra/logging"
)

type commandHandler func(ctx context.Context, message *tgbotapi.Message) error

// commandRoutes defines all available bot commands and their handlers.
func (r *RealTelegramBotAdapter) commandRoutes() map[string]commandHandler {
	return map[string]commandHandler{
		"start":    r.handleStartCommand,
		"generate": r.handleGenerateCommand,
		"cancel":   r.handleCancelCommand,
		"help":     r.handleHelpCommand,
	}
}

func (r *RealTelegramBotAdapter) handleStartCommand(ctx context.Context, message *tgbotapi.Message) error {
	text, err := r.facade.HandleStart(ctx, message.From.ID, message.From.FirstName)
	if err != nil {
		logging.With(ctx, r.log).Error().Err(err).Msg("start command")
	}
	return r.SendMessage(ctx, message.Chat.ID, text)
}

func (r *RealTelegramBotAdapter) handleGenerateCommand(ctx context.Context, message *tgbotapi.Message) error {
	if !r.allow(ctx, message.From.ID, "generate", r.limits.GeneratePerHour, time.Hour) {
		return r.SendMessage(ctx, message.Chat.ID, r.facade.RateLimited())
	}
	text, err := r.facade.HandleGenerate(ctx, message.From.ID)
	if err != nil {
		logging.With(ctx, r.log).Error().Err(err).Msg("generate command")
	}
	return r.SendMessage(ctx, message.Chat.ID, text)
}

func (r *RealTelegramBotAdapter) handleCancelCommand(ctx context.Context, message *tgbotapi.Message) error {
	text, err := r.facade.HandleCancel(ctx, message.From.ID)
	if err != nil {
		logging.With(ctx, r.log).Error().Err(err).Msg("cancel command")
	}
	return r.SendMessage(ctx, message.Chat.ID, text)
}

func (r *RealTelegramBotAdapter) handleHelpCommand(ctx context.Context, message *tgbotapi.Message) error {
	return r.SendMessage(ctx, message.Chat.ID, r.facade.HandleHelp(ctx))
}
