package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/adapters/connpass"
	"connpass-notify-bot/internal/adapters/discord"
	"connpass-notify-bot/internal/adapters/filerepo"
	"connpass-notify-bot/internal/adapters/repo"
	"connpass-notify-bot/internal/adapters/sink"
	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/config"
	"connpass-notify-bot/internal/infra/db"
	applog "connpass-notify-bot/internal/infra/log"
	"connpass-notify-bot/internal/infra/metrics"
	"connpass-notify-bot/internal/usecase/notify"
)

// storage объединяет репозитории, нужные движку напоминаний.
type storage interface {
	domain.NotifySettingsRepo
	domain.NotifySentRepo
	domain.UserRepo
	domain.BanRepo
}

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("notifier: конфигурация некорректна")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9091")

	store, cleanup := openStorage(cfg, logger)
	defer cleanup()

	source := connpass.NewClient(cfg.Connpass.BaseURL, cfg.Connpass.APIKey, cfg.Connpass.Timeout)

	var reminderSink domain.ReminderSink
	if cfg.Discord.Token != "" {
		discordSink, err := discord.NewSink(cfg.Discord.Token, nil, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: не удалось создать клиента Discord")
		}
		defer discordSink.Close()
		reminderSink = discordSink
	} else {
		logger.Warn().Msg("notifier: токен Discord не задан, напоминания уходят в журнал")
		reminderSink = sink.NewConsole(logger)
	}

	engine := notify.NewEngine(store, store, store, store, source, reminderSink, logger, notify.Options{
		PollInterval:  cfg.NotifyPollInterval(),
		DefaultBefore: cfg.Notify.DefaultBefore,
		RetentionDays: cfg.Notify.RetentionDays,
	})

	logger.Info().
		Str("backend", string(cfg.StorageBackend())).
		Dur("poll_interval", cfg.NotifyPollInterval()).
		Int("default_before_min", cfg.Notify.DefaultBefore).
		Msg("notifier: запуск")
	engine.Run(ctx)
	logger.Info().Msg("notifier: остановлен")
}

func openStorage(cfg config.AppConfig, logger zerolog.Logger) (storage, func()) {
	switch cfg.StorageBackend() {
	case config.BackendFile:
		store, err := filerepo.New(cfg.Storage.FileDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: не удалось открыть файловое хранилище")
		}
		return store, func() {}
	default:
		pool, err := db.Connect(cfg.PGDSN, 10)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: нет подключения к БД")
		}
		return repo.NewPostgres(pool), pool.Close
	}
}
