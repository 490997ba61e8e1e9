package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/domain"
)

var (
	_ domain.Dispatcher   = (*Console)(nil)
	_ domain.ReminderSink = (*Console)(nil)
	_ domain.OperatorSink = (*Console)(nil)
)

// Console пишет доставки в журнал вместо Discord. Используется для
// локальных запусков без токена бота.
type Console struct {
	logger zerolog.Logger
}

// NewConsole создаёт консольную доставку.
func NewConsole(logger zerolog.Logger) *Console {
	return &Console{logger: logger.With().Str("component", "console_sink").Logger()}
}

// HandleNewEvents реализует domain.Dispatcher.
func (c *Console) HandleNewEvents(_ context.Context, payload domain.NewEventsPayload) error {
	for _, event := range payload.Events {
		c.logger.Info().
			Str("feed_id", payload.FeedID).
			Str("channel_id", payload.ChannelID).
			Int64("event_id", event.ID).
			Str("title", event.Title).
			Time("started_at", event.StartedAt).
			Msg("новое событие")
	}
	return nil
}

// SendReminder реализует domain.ReminderSink.
func (c *Console) SendReminder(_ context.Context, discordUserID string, event domain.EventRecord, startsIn time.Duration) error {
	c.logger.Info().
		Str("discord_user_id", discordUserID).
		Int64("event_id", event.ID).
		Str("title", event.Title).
		Dur("starts_in", startsIn).
		Msg("напоминание")
	return nil
}

// SendOperatorAlert реализует domain.OperatorSink.
func (c *Console) SendOperatorAlert(_ context.Context, discordUserID string, message string) error {
	c.logger.Warn().
		Str("discord_user_id", discordUserID).
		Str("message", message).
		Msg("служебное уведомление")
	return nil
}
