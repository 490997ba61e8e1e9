package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/metrics"
)

var (
	_ domain.Dispatcher   = (*Sink)(nil)
	_ domain.ReminderSink = (*Sink)(nil)
	_ domain.OperatorSink = (*Sink)(nil)
)

// Sink доставляет сообщения через Discord: партии событий в каналы,
// напоминания и служебные уведомления в личные сообщения.
type Sink struct {
	session   *discordgo.Session
	summaries domain.SummaryCacheRepo
	logger    zerolog.Logger
}

// NewSink открывает сессию Discord по токену бота. Репозиторий аннотаций
// необязателен; без него партии отправляются без кратких описаний.
func NewSink(token string, summaries domain.SummaryCacheRepo, logger zerolog.Logger) (*Sink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("создать сессию discord: %w", err)
	}
	return &Sink{
		session:   session,
		summaries: summaries,
		logger:    logger.With().Str("component", "discord").Logger(),
	}, nil
}

// Close завершает сессию Discord.
func (s *Sink) Close() error {
	return s.session.Close()
}

// HandleNewEvents реализует domain.Dispatcher: отправляет партию событий
// в канал подписки одним или несколькими сообщениями.
func (s *Sink) HandleNewEvents(ctx context.Context, payload domain.NewEventsPayload) error {
	summaries := s.loadSummaries(ctx, payload)
	text := FormatNewEvents(payload, summaries)
	if err := s.sendToChannel(ctx, payload.ChannelID, text); err != nil {
		return &domain.DispatchError{FeedID: payload.FeedID, Err: err}
	}
	s.logger.Info().
		Str("feed_id", payload.FeedID).
		Str("channel_id", payload.ChannelID).
		Int("events", len(payload.Events)).
		Msg("партия событий отправлена в канал")
	return nil
}

// SendReminder реализует domain.ReminderSink.
func (s *Sink) SendReminder(ctx context.Context, discordUserID string, event domain.EventRecord, startsIn time.Duration) error {
	return s.sendDirect(ctx, discordUserID, FormatReminder(event, startsIn))
}

// SendOperatorAlert реализует domain.OperatorSink.
func (s *Sink) SendOperatorAlert(ctx context.Context, discordUserID string, message string) error {
	return s.sendDirect(ctx, discordUserID, "⚠️ "+message)
}

func (s *Sink) loadSummaries(ctx context.Context, payload domain.NewEventsPayload) map[int64]string {
	if !payload.Summarize || s.summaries == nil {
		return nil
	}
	out := make(map[int64]string, len(payload.Events))
	for _, event := range payload.Events {
		entry, err := s.summaries.GetSummary(ctx, event.ID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn().Err(err).Int64("event_id", event.ID).Msg("не удалось прочитать аннотацию")
			}
			continue
		}
		out[event.ID] = entry.Summary
	}
	return out
}

func (s *Sink) sendToChannel(ctx context.Context, channelID, text string) error {
	for _, part := range SplitMessage(text) {
		start := time.Now()
		_, err := s.session.ChannelMessageSend(channelID, part, discordgo.WithContext(ctx))
		metrics.ObserveNetworkRequest("discord", "channel_message_send", channelID, start, err)
		if err != nil {
			return fmt.Errorf("отправить сообщение в канал %s: %w", channelID, err)
		}
	}
	return nil
}

func (s *Sink) sendDirect(ctx context.Context, discordUserID, text string) error {
	start := time.Now()
	channel, err := s.session.UserChannelCreate(discordUserID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "user_channel_create", discordUserID, start, err)
	if err != nil {
		return fmt.Errorf("открыть личный канал с %s: %w", discordUserID, err)
	}
	return s.sendToChannel(ctx, channel.ID, text)
}
