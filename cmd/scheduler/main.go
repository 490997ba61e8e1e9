package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/adapters/connpass"
	"connpass-notify-bot/internal/adapters/discord"
	"connpass-notify-bot/internal/adapters/filerepo"
	"connpass-notify-bot/internal/adapters/repo"
	"connpass-notify-bot/internal/adapters/sink"
	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/config"
	"connpass-notify-bot/internal/infra/db"
	ophttp "connpass-notify-bot/internal/infra/http"
	applog "connpass-notify-bot/internal/infra/log"
	"connpass-notify-bot/internal/infra/metrics"
	"connpass-notify-bot/internal/infra/queue"
	"connpass-notify-bot/internal/usecase/dedup"
	feedusecase "connpass-notify-bot/internal/usecase/feed"
	"connpass-notify-bot/internal/usecase/schedule"
)

// storage объединяет репозитории, нужные планировщику.
type storage interface {
	domain.FeedRepo
	domain.SentEventRepo
	domain.AdminRepo
	domain.SummaryCacheRepo
}

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: конфигурация некорректна")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	store, cleanup := openStorage(cfg, logger)
	defer cleanup()

	source := connpass.NewClient(cfg.Connpass.BaseURL, cfg.Connpass.APIKey, cfg.Connpass.Timeout)
	dispatcher := buildDispatcher(cfg, store, logger)

	scheduler := feedusecase.NewScheduler(
		store,
		source,
		dispatcher,
		dedup.NewFilter(store),
		schedule.NewEvaluator(),
		store,
		buildOperatorSink(cfg, store, logger),
		logger,
		feedusecase.Options{
			Tick:        cfg.Scheduler.Tick,
			Workers:     cfg.Scheduler.Workers,
			MaxFailures: cfg.Scheduler.MaxFailures,
			PageCount:   cfg.Connpass.PageCount,
		},
	)

	opsServer := ophttp.NewServer(logger.With().Str("component", "ops").Logger(), scheduler)
	go func() {
		if err := opsServer.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("scheduler: операторский сервер остановлен с ошибкой")
		}
	}()

	logger.Info().
		Str("backend", string(cfg.StorageBackend())).
		Dur("tick", cfg.Scheduler.Tick).
		Int("workers", cfg.Scheduler.Workers).
		Msg("scheduler: запуск")
	scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler: не удалось корректно остановить операторский сервер")
	}
	logger.Info().Msg("scheduler: остановлен")
}

func openStorage(cfg config.AppConfig, logger zerolog.Logger) (storage, func()) {
	switch cfg.StorageBackend() {
	case config.BackendFile:
		store, err := filerepo.New(cfg.Storage.FileDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось открыть файловое хранилище")
		}
		return store, func() {}
	default:
		pool, err := db.Connect(cfg.PGDSN, 10)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
		}
		return repo.NewPostgres(pool), pool.Close
	}
}

// buildDispatcher выбирает путь доставки партий: очередь, если она настроена,
// иначе прямая отправка в Discord, иначе журнал.
func buildDispatcher(cfg config.AppConfig, store storage, logger zerolog.Logger) domain.Dispatcher {
	if cfg.RabbitURL != "" {
		dispatchQueue, err := queue.NewRabbitDispatchQueue(cfg.RabbitURL, cfg.Queues.Dispatch)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		return sink.NewQueueDispatcher(dispatchQueue, domain.DispatchCauseScheduled)
	}
	if cfg.RedisAddr != "" {
		return sink.NewQueueDispatcher(
			queue.NewRedisDispatchQueue(newRedisClient(cfg), cfg.Queues.Dispatch),
			domain.DispatchCauseScheduled,
		)
	}
	if cfg.Discord.Token != "" {
		discordSink, err := discord.NewSink(cfg.Discord.Token, store, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось создать клиента Discord")
		}
		return discordSink
	}
	logger.Warn().Msg("scheduler: очередь и Discord не настроены, события уходят в журнал")
	return sink.NewConsole(logger)
}

func newRedisClient(cfg config.AppConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

func buildOperatorSink(cfg config.AppConfig, store storage, logger zerolog.Logger) domain.OperatorSink {
	if cfg.Discord.Token != "" {
		discordSink, err := discord.NewSink(cfg.Discord.Token, store, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось создать клиента Discord для уведомлений")
		}
		return discordSink
	}
	return sink.NewConsole(logger)
}
