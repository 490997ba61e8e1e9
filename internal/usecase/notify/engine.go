package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/metrics"
)

// Options задаёт параметры движка напоминаний.
type Options struct {
	PollInterval  time.Duration
	DefaultBefore int
	RetentionDays int
}

// Engine рассылает личные напоминания «событие скоро начнётся»: не более
// одного напоминания на пару (пользователь, событие) за всё время жизни
// хранилища отметок.
type Engine struct {
	settings domain.NotifySettingsRepo
	sent     domain.NotifySentRepo
	users    domain.UserRepo
	bans     domain.BanRepo
	source   domain.EventSource
	sink     domain.ReminderSink
	log      zerolog.Logger
	opts     Options

	now func() time.Time
}

// NewEngine создаёт движок напоминаний.
func NewEngine(settings domain.NotifySettingsRepo, sent domain.NotifySentRepo, users domain.UserRepo, bans domain.BanRepo, source domain.EventSource, sink domain.ReminderSink, logger zerolog.Logger, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.DefaultBefore <= 0 {
		opts.DefaultBefore = 15
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	return &Engine{
		settings: settings,
		sent:     sent,
		users:    users,
		bans:     bans,
		source:   source,
		sink:     sink,
		log:      logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Run крутит цикл напоминаний и периодическую чистку отметок до отмены
// контекста. Начатый проход завершается целиком.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	// Чистка выполняется заметно реже опроса.
	cleanup := time.NewTicker(12 * time.Hour)
	defer cleanup.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		case <-cleanup.C:
			e.Cleanup(ctx)
		}
	}
}

// Tick выполняет один проход по всем включённым настройкам. Ошибка одного
// пользователя не прерывает обработку остальных.
func (e *Engine) Tick(ctx context.Context) {
	enabled, err := e.settings.ListEnabled(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("notify: ошибка выборки настроек")
		return
	}
	for _, settings := range enabled {
		if ctx.Err() != nil {
			return
		}
		if err := e.remindUser(ctx, settings); err != nil {
			e.log.Error().Err(err).Str("user", settings.DiscordUserID).Msg("notify: ошибка обработки пользователя")
		}
	}
}

// remindUser находит события пользователя, начинающиеся в его окне
// упреждения, и напоминает о каждом ровно один раз.
func (e *Engine) remindUser(ctx context.Context, settings domain.UserNotifySettings) error {
	banned, err := e.bans.IsBanned(ctx, settings.DiscordUserID)
	if err != nil {
		return fmt.Errorf("проверка блокировки: %w", err)
	}
	if banned {
		return nil
	}

	user, err := e.users.GetUser(ctx, settings.DiscordUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Напоминания включены, но никнейм connpass не привязан.
			return nil
		}
		return fmt.Errorf("получение пользователя: %w", err)
	}
	if user.ConnpassNickname == "" {
		return nil
	}

	minutesBefore := settings.MinutesBefore
	if minutesBefore <= 0 {
		minutesBefore = e.opts.DefaultBefore
	}
	now := e.now()
	windowEnd := now.Add(time.Duration(minutesBefore) * time.Minute)

	events, err := e.source.SearchByParticipant(ctx, user.ConnpassNickname, now, windowEnd)
	if err != nil {
		return fmt.Errorf("выборка событий пользователя: %w", err)
	}

	for _, event := range events {
		if event.StartedAt.Before(now) || event.StartedAt.After(windowEnd) {
			continue
		}
		notified, err := e.sent.WasNotified(ctx, settings.DiscordUserID, event.ID)
		if err != nil {
			return fmt.Errorf("проверка отметки напоминания: %w", err)
		}
		if notified {
			continue
		}
		// Запись состояния после отправки завершается даже при остановке.
		finishCtx := context.WithoutCancel(ctx)
		if err := e.sink.SendReminder(finishCtx, settings.DiscordUserID, event, event.StartedAt.Sub(now)); err != nil {
			return fmt.Errorf("отправка напоминания о событии %d: %w", event.ID, err)
		}
		if err := e.sent.MarkNotified(finishCtx, settings.DiscordUserID, event.ID); err != nil {
			return fmt.Errorf("запись отметки напоминания о событии %d: %w", event.ID, err)
		}
		metrics.RemindersSentTotal.Inc()
		e.log.Info().Str("user", settings.DiscordUserID).Int64("event", event.ID).Msg("notify: напоминание отправлено")
	}
	return nil
}

// Cleanup удаляет отметки старше окна хранения. Безопасно: событие с
// прошедшим началом в окно упреждения больше не попадёт.
func (e *Engine) Cleanup(ctx context.Context) {
	removed, err := e.sent.CleanupNotified(ctx, e.opts.RetentionDays)
	if err != nil {
		e.log.Error().Err(err).Msg("notify: ошибка чистки отметок")
		return
	}
	if removed > 0 {
		metrics.MarkersCleanedTotal.WithLabelValues("notify_sent").Add(float64(removed))
		e.log.Info().Int("removed", removed).Msg("notify: устаревшие отметки удалены")
	}
}
