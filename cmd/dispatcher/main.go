package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/adapters/discord"
	"connpass-notify-bot/internal/adapters/filerepo"
	"connpass-notify-bot/internal/adapters/repo"
	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/cache"
	"connpass-notify-bot/internal/infra/config"
	"connpass-notify-bot/internal/infra/db"
	applog "connpass-notify-bot/internal/infra/log"
	"connpass-notify-bot/internal/infra/metrics"
	"connpass-notify-bot/internal/infra/queue"
)

const (
	maxDeliveryAttempts = 5
	deliveredTTL        = 24 * time.Hour
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: конфигурация некорректна")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9092")

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	dispatchQueue := openQueue(cfg, redisClient, logger)

	summaries, cleanup := openSummaries(cfg, redisClient, logger)
	defer cleanup()

	if cfg.Discord.Token == "" {
		logger.Fatal().Msg("dispatcher: не указан токен Discord (DISCORD_BOT_TOKEN)")
	}
	discordSink, err := discord.NewSink(cfg.Discord.Token, summaries, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: не удалось создать клиента Discord")
	}
	defer discordSink.Close()

	worker := &jobWorker{
		log:        logger,
		queue:      dispatchQueue,
		dispatcher: discordSink,
		attempts:   map[string]int{},
	}
	if redisClient != nil {
		worker.delivered = cache.NewRedis(redisClient)
	}

	logger.Info().Msg("dispatcher: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("dispatcher: остановлен")
}

func openQueue(cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) domain.DispatchQueue {
	if cfg.RabbitURL != "" {
		q, err := queue.NewRabbitDispatchQueue(cfg.RabbitURL, cfg.Queues.Dispatch)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: не удалось инициализировать очередь RabbitMQ")
		}
		return q
	}
	if redisClient != nil {
		return queue.NewRedisDispatchQueue(redisClient, cfg.Queues.Dispatch)
	}
	logger.Fatal().Msg("dispatcher: не настроена очередь (RABBITMQ_URL или REDIS_ADDR)")
	return nil
}

// openSummaries выбирает источник аннотаций: Redis, если он настроен,
// иначе основное хранилище.
func openSummaries(cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) (domain.SummaryCacheRepo, func()) {
	if redisClient != nil {
		return cache.NewRedisSummaryCache(redisClient, "summary"), func() {}
	}
	switch cfg.StorageBackend() {
	case config.BackendFile:
		store, err := filerepo.New(cfg.Storage.FileDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: не удалось открыть файловое хранилище")
		}
		return store, func() {}
	default:
		pool, err := db.Connect(cfg.PGDSN, 4)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
		}
		return repo.NewPostgres(pool), pool.Close
	}
}

type jobWorker struct {
	log        zerolog.Logger
	queue      domain.DispatchQueue
	dispatcher domain.Dispatcher
	delivered  domain.Cache
	attempts   map[string]int
}

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("dispatcher: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("feed_id", job.Payload.FeedID).
			Str("cause", string(job.Cause)).
			Int("events", len(job.Payload.Events)).
			Logger()

		if job.ID == "" || len(job.Payload.Events) == 0 {
			jobLog.Error().Msg("dispatcher: получена пустая задача, подтверждаем и пропускаем")
			w.confirm(ack, jobLog)
			continue
		}

		w.attempts[job.ID]++
		attempt := w.attempts[job.ID]
		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if err := w.deliver(ctx, job); err != nil {
			if attempt < maxDeliveryAttempts {
				jobLog.Warn().Err(err).Msg("dispatcher: доставка не удалась, повторим позже")
				if ackErr := ack(false); ackErr != nil {
					jobLog.Error().Err(ackErr).Msg("dispatcher: не удалось вернуть задачу в очередь")
				}
				continue
			}
			jobLog.Error().Err(err).Msg("dispatcher: достигнут предел попыток, задача отброшена")
		}

		delete(w.attempts, job.ID)
		w.confirm(ack, jobLog)
	}
}

// deliver отправляет партию не более одного раза: при настроенном Redis
// повторная доставка той же задачи гасится ключом задачи.
func (w *jobWorker) deliver(ctx context.Context, job domain.DispatchJob) error {
	send := func() error {
		return w.dispatcher.HandleNewEvents(ctx, job.Payload)
	}
	if w.delivered == nil {
		return send()
	}
	return w.delivered.Once("dispatch:"+job.ID, deliveredTTL, send)
}

func (w *jobWorker) confirm(ack domain.DispatchAckFunc, jobLog zerolog.Logger) {
	if err := ack(true); err != nil {
		jobLog.Error().Err(err).Msg("dispatcher: не удалось подтвердить задачу")
	}
}
