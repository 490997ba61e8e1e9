package domain

import "time"

// SortOrder определяет порядок сортировки событий в выдаче connpass.
type SortOrder int

const (
	// OrderUpdated — по времени обновления события.
	OrderUpdated SortOrder = 1
	// OrderStarted — по времени начала события.
	OrderStarted SortOrder = 2
	// OrderCreated — по новизне события.
	OrderCreated SortOrder = 3
)

// Valid сообщает, известен ли порядок сортировки.
func (o SortOrder) Valid() bool {
	return o == OrderUpdated || o == OrderStarted || o == OrderCreated
}

// FeedConfig описывает неизменяемую подписку на события.
type FeedConfig struct {
	ID            string
	ChannelID     string
	Schedule      string
	RangeDays     int
	Keywords      []string
	KeywordsOr    []string
	Location      string
	HashTag       string
	OwnerNickname string
	Order         SortOrder
	MinAccepted   int
	MinLimit      int
	Summarize     bool
}

// Feed объединяет конфигурацию подписки и её состояние выполнения.
type Feed struct {
	FeedConfig
	LastRunAt *time.Time
	NextRunAt *time.Time
}

// FeedState описывает фазу выполнения подписки в планировщике.
type FeedState string

const (
	// FeedIdle — подписка ожидает наступления времени запуска.
	FeedIdle FeedState = "idle"
	// FeedDue — время запуска наступило.
	FeedDue FeedState = "due"
	// FeedRunning — запуск выполняется.
	FeedRunning FeedState = "running"
	// FeedFailed — подписка отключена после серии ошибок и требует внимания оператора.
	FeedFailed FeedState = "failed"
)

// EventRecord представляет событие из connpass.
type EventRecord struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Catch         string     `json:"catch,omitempty"`
	URL           string     `json:"url"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Place         string     `json:"place,omitempty"`
	Address       string     `json:"address,omitempty"`
	HashTag       string     `json:"hash_tag,omitempty"`
	OwnerNickname string     `json:"owner_nickname,omitempty"`
	Accepted      int        `json:"accepted"`
	Limit         int        `json:"limit"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SentEventMarker фиксирует, что событие уже отправлялось в рамках подписки.
type SentEventMarker struct {
	FeedID    string
	EventID   int64
	UpdatedAt time.Time
}

// User связывает пользователя Discord с никнеймом connpass.
type User struct {
	DiscordUserID    string
	ConnpassNickname string
	CreatedAt        time.Time
}

// Admin описывает оператора, получающего служебные уведомления.
type Admin struct {
	DiscordUserID string
	CreatedAt     time.Time
}

// Ban описывает заблокированного пользователя.
type Ban struct {
	DiscordUserID string
	Reason        string
	CreatedAt     time.Time
}

// SummaryCacheEntry хранит готовую аннотацию события.
type SummaryCacheEntry struct {
	EventID   int64
	Summary   string
	UpdatedAt time.Time
}

// UserNotifySettings хранит настройки личных напоминаний пользователя.
type UserNotifySettings struct {
	DiscordUserID string
	Enabled       bool
	MinutesBefore int
	UpdatedAt     time.Time
}

// UserNotifySentMarker фиксирует отправленное напоминание по паре (пользователь, событие).
type UserNotifySentMarker struct {
	DiscordUserID string
	EventID       int64
	NotifiedAt    time.Time
}

// SearchParams описывает параметры запроса к connpass.
type SearchParams struct {
	Keywords      []string
	KeywordsOr    []string
	Location      string
	HashTag       string
	Nickname      string
	OwnerNickname string
	From          time.Time
	To            time.Time
	Order         SortOrder
	Count         int
	Start         int
}

// NewEventsPayload — партия новых событий подписки, передаваемая в доставку.
// Не персистится; живёт только на границе планировщик → доставка.
type NewEventsPayload struct {
	FeedID    string        `json:"feed_id"`
	ChannelID string        `json:"channel_id"`
	Summarize bool          `json:"summarize"`
	Events    []EventRecord `json:"events"`
}
