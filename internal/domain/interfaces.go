package domain

import (
	"context"
	"time"
)

// FeedRepo управляет подписками на события.
type FeedRepo interface {
	SaveFeed(ctx context.Context, feed Feed) error
	GetFeed(ctx context.Context, id string) (Feed, error)
	DeleteFeed(ctx context.Context, id string) error
	ListFeeds(ctx context.Context) ([]Feed, error)
}

// SentEventRepo хранит отметки об уже отправленных событиях подписок.
type SentEventRepo interface {
	MarkSent(ctx context.Context, feedID string, eventID int64) error
	WasSent(ctx context.Context, feedID string, eventID int64) (bool, error)
	ListSent(ctx context.Context, feedID string) ([]SentEventMarker, error)
	CleanupSent(ctx context.Context, olderThanDays int) (int, error)
}

// UserRepo управляет привязками пользователей Discord к connpass.
type UserRepo interface {
	SaveUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, discordUserID string) (User, error)
	DeleteUser(ctx context.Context, discordUserID string) error
	ListUsers(ctx context.Context) ([]User, error)
}

// AdminRepo управляет списком операторов.
type AdminRepo interface {
	SaveAdmin(ctx context.Context, admin Admin) error
	DeleteAdmin(ctx context.Context, discordUserID string) error
	IsAdmin(ctx context.Context, discordUserID string) (bool, error)
	ListAdmins(ctx context.Context) ([]Admin, error)
}

// BanRepo управляет списком заблокированных пользователей.
type BanRepo interface {
	SaveBan(ctx context.Context, ban Ban) error
	DeleteBan(ctx context.Context, discordUserID string) error
	IsBanned(ctx context.Context, discordUserID string) (bool, error)
	ListBans(ctx context.Context) ([]Ban, error)
}

// SummaryCacheRepo хранит готовые аннотации событий.
type SummaryCacheRepo interface {
	SaveSummary(ctx context.Context, entry SummaryCacheEntry) error
	GetSummary(ctx context.Context, eventID int64) (SummaryCacheEntry, error)
	DeleteSummary(ctx context.Context, eventID int64) error
}

// NotifySettingsRepo управляет настройками личных напоминаний.
type NotifySettingsRepo interface {
	SaveNotifySettings(ctx context.Context, settings UserNotifySettings) error
	GetNotifySettings(ctx context.Context, discordUserID string) (UserNotifySettings, error)
	DeleteNotifySettings(ctx context.Context, discordUserID string) error
	ListEnabled(ctx context.Context) ([]UserNotifySettings, error)
}

// NotifySentRepo хранит отметки об отправленных личных напоминаниях.
type NotifySentRepo interface {
	MarkNotified(ctx context.Context, discordUserID string, eventID int64) error
	WasNotified(ctx context.Context, discordUserID string, eventID int64) (bool, error)
	CleanupNotified(ctx context.Context, olderThanDays int) (int, error)
}

// EventSource выполняет запросы к внешнему API событий.
type EventSource interface {
	Search(ctx context.Context, params SearchParams) ([]EventRecord, error)
	GetByID(ctx context.Context, id int64) (EventRecord, error)
	// SearchByParticipant возвращает события, в которых пользователь участвует
	// или выступает, с началом в указанном интервале.
	SearchByParticipant(ctx context.Context, nickname string, from, to time.Time) ([]EventRecord, error)
}

// Dispatcher доставляет партию новых событий подписки.
// Вызывается только с непустым списком событий.
type Dispatcher interface {
	HandleNewEvents(ctx context.Context, payload NewEventsPayload) error
}

// ReminderSink доставляет личное напоминание о скором начале события.
type ReminderSink interface {
	SendReminder(ctx context.Context, discordUserID string, event EventRecord, startsIn time.Duration) error
}

// OperatorSink доставляет служебные уведомления операторам.
type OperatorSink interface {
	SendOperatorAlert(ctx context.Context, discordUserID string, message string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
