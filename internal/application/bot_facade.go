package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"telegram-session-bot/internal/domain"
	"telegram-session-bot/internal/domain/model"
	"telegram-session-bot/internal/infra/i18n"
	"telegram-session-bot/internal/infra/logging"
	"telegram-session-bot/internal/usecase"
)

var _ BotFacadeIface = (*BotFacade)(nil)

// BotFacade turns chat commands into flow calls and flow effects into replies.
// Replies are Telegram Markdown; the adapter just forwards them to the chat.
type BotFacade struct {
	FlowUC usecase.SessionFlowUseCase
	tr     *i18n.Translator
	log    *zerolog.Logger
}

func NewBotFacade(flowUC usecase.SessionFlowUseCase, tr *i18n.Translator, logger *zerolog.Logger) *BotFacade {
	l := logger.With().Str("component", "BotFacade").Logger()
	return &BotFacade{FlowUC: flowUC, tr: tr, log: &l}
}

// HandleStart returns the welcome text for firstName.
func (b *BotFacade) HandleStart(ctx context.Context, tgID int64, firstName string) (string, error) {
	name := strings.TrimSpace(firstName)
	if name == "" {
		name = "there"
	}
	logging.With(ctx, b.log).Info().Msg("user started the bot")
	return b.tr.T("welcome", escape(name)), nil
}

// HandleGenerate resets any flow of the user and asks for the API id.
func (b *BotFacade) HandleGenerate(ctx context.Context, tgID int64) (string, error) {
	if _, err := b.FlowUC.Start(ctx, tgID); err != nil {
		return b.tr.T("err_generic"), fmt.Errorf("start flow: %w", err)
	}
	return b.tr.T("step_api_id"), nil
}

func (b *BotFacade) HandleCancel(ctx context.Context, tgID int64) (string, error) {
	if _, err := b.FlowUC.Cancel(ctx, tgID); err != nil {
		return b.tr.T("cancelled"), fmt.Errorf("cancel flow: %w", err)
	}
	return b.tr.T("cancelled"), nil
}

func (b *BotFacade) HandleHelp(ctx context.Context) string {
	return b.tr.T("help")
}

// ProgressNotice returns the message to show before the next input of the
// user goes out to Telegram, or "" when that input is handled locally.
// It reads the step without the flow lock, so the caller must dispatch a
// user's messages one at a time.
func (b *BotFacade) ProgressNotice(ctx context.Context, tgID int64) string {
	step, ok := b.FlowUC.Pending(ctx, tgID)
	if !ok || !step.Valid() {
		return ""
	}
	switch step {
	case model.StepPhone, model.StepCode, model.StepTwoFactor:
		return b.tr.T("progress_" + string(step))
	}
	return ""
}

// HandleText feeds free text into the user's flow. It always returns at least
// one reply, even alongside an error.
func (b *BotFacade) HandleText(ctx context.Context, tgID int64, text string) ([]string, error) {
	eff, err := b.FlowUC.Handle(ctx, tgID, text)
	if err != nil {
		return []string{b.tr.T("err_generic")}, fmt.Errorf("handle text: %w", err)
	}
	return b.render(eff), nil
}

func (b *BotFacade) ExpiredNotice() string { return b.tr.T("flow_expired") }

func (b *BotFacade) RateLimited() string { return b.tr.T("err_rate_limited") }

// Commands lists the bot menu as command -> description.
func (b *BotFacade) Commands() [][2]string {
	return [][2]string{
		{"start", b.tr.T("cmd_start")},
		{"generate", b.tr.T("cmd_generate")},
		{"cancel", b.tr.T("cmd_cancel")},
		{"help", b.tr.T("cmd_help")},
	}
}

func (b *BotFacade) render(eff usecase.Effect) []string {
	switch eff.Kind {
	case usecase.EffectPrompt:
		return []string{b.tr.T("step_" + string(eff.Step))}
	case usecase.EffectSuccess:
		return []string{
			b.tr.T("success_header"),
			b.tr.T("success_token", eff.Token),
			b.tr.T("success_usage"),
		}
	case usecase.EffectError, usecase.EffectTerminate:
		return []string{b.renderError(eff)}
	}
	return []string{b.tr.T("err_generic")}
}

func (b *BotFacade) renderError(eff usecase.Effect) string {
	switch eff.Reason {
	case usecase.ReasonNoFlow:
		return b.tr.T("err_no_flow")
	case usecase.ReasonInvalidAPIID:
		return b.tr.T("err_invalid_api_id")
	case usecase.ReasonEmptyInput:
		return b.tr.T("err_empty_input")
	case usecase.ReasonInvalidCode:
		return b.tr.T("err_invalid_code")
	case usecase.ReasonPasswordInvalid:
		return b.tr.T("err_password_invalid")
	case usecase.ReasonFloodWait:
		return b.tr.T("err_flood_wait", floodWait(eff.Err))
	}
	if eff.Err == nil {
		return b.tr.T("err_generic")
	}
	return b.tr.T("err_external", escape(eff.Err.Error()))
}

func floodWait(err error) string {
	var fw *domain.FloodWaitError
	if !errors.As(err, &fw) || fw.Wait <= 0 {
		return "a moment"
	}
	return fw.Wait.Round(time.Second).String()
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}
