package sched

import (
	"context"
	"time"

	"telegram-session-bot/internal/domain/ports/adapter"
	"telegram-session-bot/internal/infra/logging"

	"github.com/rs/zerolog"
)

// FlowExpirer is the part of the flow use case the worker drives.
type FlowExpirer interface {
	ExpireIdle(ctx context.Context, before time.Time) ([]int64, error)
}

// FlowExpiryWorker periodically ends flows that sat idle for longer than
// idleTimeout and tells their users.
type FlowExpiryWorker struct {
	interval    time.Duration
	idleTimeout time.Duration
	flows       FlowExpirer
	bot         adapter.TelegramBotAdapter
	notice      string
	log         *zerolog.Logger
	now         func() time.Time
}

func NewFlowExpiryWorker(interval, idleTimeout time.Duration, flows FlowExpirer, bot adapter.TelegramBotAdapter, notice string, logger *zerolog.Logger) *FlowExpiryWorker {
	exprLog := logger.With().Str("component", "FlowExpiryWorker").Logger()
	if interval <= 0 {
		interval = time.Minute
	}
	return &FlowExpiryWorker{
		interval:    interval,
		idleTimeout: idleTimeout,
		flows:       flows,
		bot:         bot,
		notice:      notice,
		log:         &exprLog,
		now:         time.Now,
	}
}

func (w *FlowExpiryWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("idle_timeout", w.idleTimeout).Msg("Starting flow expiry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping flow expiry worker")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs one expiry pass and returns how many flows it ended.
func (w *FlowExpiryWorker) sweep(ctx context.Context) int {
	ids, err := w.flows.ExpireIdle(ctx, w.now().Add(-w.idleTimeout))
	if err != nil {
		w.log.Error().Err(err).Msg("flow expiry error")
	}
	for _, id := range ids {
		if w.bot == nil || w.notice == "" {
			break
		}
		if err := w.bot.SendMessage(ctx, id, w.notice); err != nil {
			logging.With(logging.WithTgID(ctx, id), w.log).Warn().Err(err).Msg("expiry notice not delivered")
		}
	}
	if len(ids) > 0 {
		w.log.Info().Int("count", len(ids)).Msg("idle flows expired")
	}
	return len(ids)
}
