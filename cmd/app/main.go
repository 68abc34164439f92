// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telegram-session-bot/internal/application"
	"telegram-session-bot/internal/config"
	"telegram-session-bot/internal/infra/adapters/mtproto"
	tele "telegram-session-bot/internal/infra/adapters/telegram"
	"telegram-session-bot/internal/infra/api"
	"telegram-session-bot/internal/infra/i18n"
	"telegram-session-bot/internal/infra/logging"
	"telegram-session-bot/internal/infra/memstore"
	"telegram-session-bot/internal/infra/metrics"
	red "telegram-session-bot/internal/infra/redis"
	"telegram-session-bot/internal/infra/sched"
	"telegram-session-bot/internal/usecase"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", config.DefaultPath, "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no redaction)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}
	logger.Info().Str("bot_token", logging.Redact(cfg.Bot.Token, false)).Str("version", version).Msg("starting session bot")

	// ---- Metrics ----
	metrics.MustRegister(nil)
	metrics.SetBuildInfo(version, commit)

	// ---- Redis (optional rate limiting) ----
	var rateLimiter tele.RateLimiter
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		rateLimiter = red.NewRateLimiter(redisClient)
	} else {
		logger.Info().Msg("redis.url empty; rate limiting disabled")
	}

	// ---- i18n ----
	translator, err := i18n.NewTranslator(i18n.LocalesFS, cfg.I18n.Lang)
	if err != nil {
		logger.Fatal().Err(err).Msg("i18n")
	}

	// ---- Flow state + auth client ----
	store := memstore.NewStore()
	locker := memstore.NewUserLocker()
	authClient := mtproto.NewGotdClient(cfg.MTProto, logger)
	flowUC := usecase.NewSessionFlowUseCase(store, locker, authClient, logger, cfg.Runtime.Dev)

	// ---- Facade ----
	facade := application.NewBotFacade(flowUC, translator, logger)

	// ---- Telegram ----
	botAdapter, err := tele.NewRealTelegramBotAdapter(&cfg.Bot, facade, rateLimiter, cfg.RateLimit, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("telegram")
	}
	if err := botAdapter.SetMenuCommands(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not set bot commands")
	}
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := botAdapter.StartPolling(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("telegram polling stopped")
		}
	}()

	// ---- Admin server ----
	var admin *api.AdminServer
	if cfg.Admin.Port > 0 {
		admin = api.NewAdminServer(cfg.Admin.Port, flowUC, nil, logger)
		go func() {
			if err := admin.Start(nil); err != nil {
				logger.Error().Err(err).Msg("admin server error")
			}
		}()
	}

	// ---- Flow expiry worker (off unless flow.idle_timeout > 0) ----
	if cfg.Flow.IdleTimeout > 0 {
		expiry := sched.NewFlowExpiryWorker(cfg.Flow.SweepInterval, cfg.Flow.IdleTimeout, flowUC, botAdapter, facade.ExpiredNotice(), logger)
		go func() { _ = expiry.Run(ctx) }()
	}

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-pollDone:
		logger.Warn().Msg("polling ended")
	}
	cancel()
	<-pollDone

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("admin shutdown")
		}
	}
	if err := flowUC.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("flow shutdown")
	}
	logger.Info().Msg("bye")
}
