package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.FeedRepo           = (*Postgres)(nil)
	_ domain.SentEventRepo      = (*Postgres)(nil)
	_ domain.UserRepo           = (*Postgres)(nil)
	_ domain.AdminRepo          = (*Postgres)(nil)
	_ domain.BanRepo            = (*Postgres)(nil)
	_ domain.SummaryCacheRepo   = (*Postgres)(nil)
	_ domain.NotifySettingsRepo = (*Postgres)(nil)
	_ domain.NotifySentRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func persistErr(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.PersistenceError{Store: store, Op: op, Err: err}
}

// SaveFeed реализует domain.FeedRepo.
func (p *Postgres) SaveFeed(ctx context.Context, feed domain.Feed) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO feeds (id, channel_id, schedule, range_days, keywords, keywords_or, location, hash_tag, owner_nickname, sort_order, min_accepted, min_limit, summarize, last_run_at, next_run_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
ON CONFLICT (id) DO UPDATE SET
    channel_id = EXCLUDED.channel_id,
    schedule = EXCLUDED.schedule,
    range_days = EXCLUDED.range_days,
    keywords = EXCLUDED.keywords,
    keywords_or = EXCLUDED.keywords_or,
    location = EXCLUDED.location,
    hash_tag = EXCLUDED.hash_tag,
    owner_nickname = EXCLUDED.owner_nickname,
    sort_order = EXCLUDED.sort_order,
    min_accepted = EXCLUDED.min_accepted,
    min_limit = EXCLUDED.min_limit,
    summarize = EXCLUDED.summarize,
    last_run_at = EXCLUDED.last_run_at,
    next_run_at = EXCLUDED.next_run_at,
    updated_at = now()
`, feed.ID, feed.ChannelID, feed.Schedule, feed.RangeDays, feed.Keywords, feed.KeywordsOr,
		feed.Location, feed.HashTag, feed.OwnerNickname, int(feed.Order), feed.MinAccepted,
		feed.MinLimit, feed.Summarize, feed.LastRunAt, feed.NextRunAt)
	metrics.ObserveNetworkRequest("postgres", "feed_save", "feeds", start, err)
	return persistErr("feeds", "save", err)
}

// GetFeed реализует domain.FeedRepo.
func (p *Postgres) GetFeed(ctx context.Context, id string) (domain.Feed, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, channel_id, schedule, range_days, keywords, keywords_or, location, hash_tag, owner_nickname, sort_order, min_accepted, min_limit, summarize, last_run_at, next_run_at
FROM feeds WHERE id = $1
`, id)
	feed, err := scanFeed(row)
	metrics.ObserveNetworkRequest("postgres", "feed_get", "feeds", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Feed{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Feed{}, persistErr("feeds", "get", err)
	}
	return feed, nil
}

// DeleteFeed реализует domain.FeedRepo.
func (p *Postgres) DeleteFeed(ctx context.Context, id string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM feeds WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "feed_delete", "feeds", start, err)
	return persistErr("feeds", "delete", err)
}

// ListFeeds реализует domain.FeedRepo.
func (p *Postgres) ListFeeds(ctx context.Context) ([]domain.Feed, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, schedule, range_days, keywords, keywords_or, location, hash_tag, owner_nickname, sort_order, min_accepted, min_limit, summarize, last_run_at, next_run_at
FROM feeds ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "feed_list", "feeds", start, err)
	if err != nil {
		return nil, persistErr("feeds", "list", err)
	}
	defer rows.Close()

	var feeds []domain.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, persistErr("feeds", "list", err)
		}
		feeds = append(feeds, feed)
	}
	return feeds, persistErr("feeds", "list", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (domain.Feed, error) {
	var feed domain.Feed
	var order int
	err := row.Scan(&feed.ID, &feed.ChannelID, &feed.Schedule, &feed.RangeDays,
		&feed.Keywords, &feed.KeywordsOr, &feed.Location, &feed.HashTag,
		&feed.OwnerNickname, &order, &feed.MinAccepted, &feed.MinLimit,
		&feed.Summarize, &feed.LastRunAt, &feed.NextRunAt)
	feed.Order = domain.SortOrder(order)
	return feed, err
}

// MarkSent реализует domain.SentEventRepo.
func (p *Postgres) MarkSent(ctx context.Context, feedID string, eventID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sent_events (feed_id, event_id, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (feed_id, event_id) DO UPDATE SET updated_at = now()
`, feedID, eventID)
	metrics.ObserveNetworkRequest("postgres", "sent_mark", "sent_events", start, err)
	return persistErr("sent_events", "mark", err)
}

// WasSent реализует domain.SentEventRepo.
func (p *Postgres) WasSent(ctx context.Context, feedID string, eventID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM sent_events WHERE feed_id = $1 AND event_id = $2)
`, feedID, eventID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "sent_check", "sent_events", start, err)
	return exists, persistErr("sent_events", "check", err)
}

// ListSent реализует domain.SentEventRepo.
func (p *Postgres) ListSent(ctx context.Context, feedID string) ([]domain.SentEventMarker, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT feed_id, event_id, updated_at FROM sent_events WHERE feed_id = $1 ORDER BY updated_at
`, feedID)
	metrics.ObserveNetworkRequest("postgres", "sent_list", "sent_events", start, err)
	if err != nil {
		return nil, persistErr("sent_events", "list", err)
	}
	defer rows.Close()

	var markers []domain.SentEventMarker
	for rows.Next() {
		var marker domain.SentEventMarker
		if err := rows.Scan(&marker.FeedID, &marker.EventID, &marker.UpdatedAt); err != nil {
			return nil, persistErr("sent_events", "list", err)
		}
		markers = append(markers, marker)
	}
	return markers, persistErr("sent_events", "list", rows.Err())
}

// CleanupSent реализует domain.SentEventRepo: удаляет отметки старше окна
// хранения и возвращает число удалённых.
func (p *Postgres) CleanupSent(ctx context.Context, olderThanDays int) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM sent_events WHERE updated_at < now() - make_interval(days => $1)
`, olderThanDays)
	metrics.ObserveNetworkRequest("postgres", "sent_cleanup", "sent_events", start, err)
	if err != nil {
		return 0, persistErr("sent_events", "cleanup", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveUser реализует domain.UserRepo.
func (p *Postgres) SaveUser(ctx context.Context, user domain.User) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (discord_user_id, connpass_nickname, created_at)
VALUES ($1, $2, now())
ON CONFLICT (discord_user_id) DO UPDATE SET connpass_nickname = EXCLUDED.connpass_nickname
`, user.DiscordUserID, user.ConnpassNickname)
	metrics.ObserveNetworkRequest("postgres", "user_save", "users", start, err)
	return persistErr("users", "save", err)
}

// GetUser реализует domain.UserRepo.
func (p *Postgres) GetUser(ctx context.Context, discordUserID string) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var user domain.User
	err := p.pool.QueryRow(ctx, `
SELECT discord_user_id, connpass_nickname, created_at FROM users WHERE discord_user_id = $1
`, discordUserID).Scan(&user.DiscordUserID, &user.ConnpassNickname, &user.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, persistErr("users", "get", err)
	}
	return user, nil
}

// DeleteUser реализует domain.UserRepo.
func (p *Postgres) DeleteUser(ctx context.Context, discordUserID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM users WHERE discord_user_id = $1`, discordUserID)
	metrics.ObserveNetworkRequest("postgres", "user_delete", "users", start, err)
	return persistErr("users", "delete", err)
}

// ListUsers реализует domain.UserRepo.
func (p *Postgres) ListUsers(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT discord_user_id, connpass_nickname, created_at FROM users ORDER BY created_at
`)
	metrics.ObserveNetworkRequest("postgres", "user_list", "users", start, err)
	if err != nil {
		return nil, persistErr("users", "list", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.DiscordUserID, &user.ConnpassNickname, &user.CreatedAt); err != nil {
			return nil, persistErr("users", "list", err)
		}
		users = append(users, user)
	}
	return users, persistErr("users", "list", rows.Err())
}

// SaveAdmin реализует domain.AdminRepo.
func (p *Postgres) SaveAdmin(ctx context.Context, admin domain.Admin) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO admins (discord_user_id, created_at) VALUES ($1, now())
ON CONFLICT (discord_user_id) DO NOTHING
`, admin.DiscordUserID)
	metrics.ObserveNetworkRequest("postgres", "admin_save", "admins", start, err)
	return persistErr("admins", "save", err)
}

// DeleteAdmin реализует domain.AdminRepo.
func (p *Postgres) DeleteAdmin(ctx context.Context, discordUserID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM admins WHERE discord_user_id = $1`, discordUserID)
	metrics.ObserveNetworkRequest("postgres", "admin_delete", "admins", start, err)
	return persistErr("admins", "delete", err)
}

// IsAdmin реализует domain.AdminRepo.
func (p *Postgres) IsAdmin(ctx context.Context, discordUserID string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM admins WHERE discord_user_id = $1)
`, discordUserID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "admin_check", "admins", start, err)
	return exists, persistErr("admins", "check", err)
}

// ListAdmins реализует domain.AdminRepo.
func (p *Postgres) ListAdmins(ctx context.Context) ([]domain.Admin, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT discord_user_id, created_at FROM admins ORDER BY created_at`)
	metrics.ObserveNetworkRequest("postgres", "admin_list", "admins", start, err)
	if err != nil {
		return nil, persistErr("admins", "list", err)
	}
	defer rows.Close()

	var admins []domain.Admin
	for rows.Next() {
		var admin domain.Admin
		if err := rows.Scan(&admin.DiscordUserID, &admin.CreatedAt); err != nil {
			return nil, persistErr("admins", "list", err)
		}
		admins = append(admins, admin)
	}
	return admins, persistErr("admins", "list", rows.Err())
}

// SaveBan реализует domain.BanRepo.
func (p *Postgres) SaveBan(ctx context.Context, ban domain.Ban) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO bans (discord_user_id, reason, created_at) VALUES ($1, $2, now())
ON CONFLICT (discord_user_id) DO UPDATE SET reason = EXCLUDED.reason
`, ban.DiscordUserID, ban.Reason)
	metrics.ObserveNetworkRequest("postgres", "ban_save", "bans", start, err)
	return persistErr("bans", "save", err)
}

// DeleteBan реализует domain.BanRepo.
func (p *Postgres) DeleteBan(ctx context.Context, discordUserID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM bans WHERE discord_user_id = $1`, discordUserID)
	metrics.ObserveNetworkRequest("postgres", "ban_delete", "bans", start, err)
	return persistErr("bans", "delete", err)
}

// IsBanned реализует domain.BanRepo.
func (p *Postgres) IsBanned(ctx context.Context, discordUserID string) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM bans WHERE discord_user_id = $1)
`, discordUserID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "ban_check", "bans", start, err)
	return exists, persistErr("bans", "check", err)
}

// ListBans реализует domain.BanRepo.
func (p *Postgres) ListBans(ctx context.Context) ([]domain.Ban, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT discord_user_id, reason, created_at FROM bans ORDER BY created_at`)
	metrics.ObserveNetworkRequest("postgres", "ban_list", "bans", start, err)
	if err != nil {
		return nil, persistErr("bans", "list", err)
	}
	defer rows.Close()

	var bans []domain.Ban
	for rows.Next() {
		var ban domain.Ban
		if err := rows.Scan(&ban.DiscordUserID, &ban.Reason, &ban.CreatedAt); err != nil {
			return nil, persistErr("bans", "list", err)
		}
		bans = append(bans, ban)
	}
	return bans, persistErr("bans", "list", rows.Err())
}

// SaveSummary реализует domain.SummaryCacheRepo.
func (p *Postgres) SaveSummary(ctx context.Context, entry domain.SummaryCacheEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO summary_cache (event_id, summary, updated_at) VALUES ($1, $2, now())
ON CONFLICT (event_id) DO UPDATE SET summary = EXCLUDED.summary, updated_at = now()
`, entry.EventID, entry.Summary)
	metrics.ObserveNetworkRequest("postgres", "summary_save", "summary_cache", start, err)
	return persistErr("summary_cache", "save", err)
}

// GetSummary реализует domain.SummaryCacheRepo.
func (p *Postgres) GetSummary(ctx context.Context, eventID int64) (domain.SummaryCacheEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var entry domain.SummaryCacheEntry
	err := p.pool.QueryRow(ctx, `
SELECT event_id, summary, updated_at FROM summary_cache WHERE event_id = $1
`, eventID).Scan(&entry.EventID, &entry.Summary, &entry.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "summary_get", "summary_cache", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SummaryCacheEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SummaryCacheEntry{}, persistErr("summary_cache", "get", err)
	}
	return entry, nil
}

// DeleteSummary реализует domain.SummaryCacheRepo.
func (p *Postgres) DeleteSummary(ctx context.Context, eventID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM summary_cache WHERE event_id = $1`, eventID)
	metrics.ObserveNetworkRequest("postgres", "summary_delete", "summary_cache", start, err)
	return persistErr("summary_cache", "delete", err)
}

// SaveNotifySettings реализует domain.NotifySettingsRepo.
func (p *Postgres) SaveNotifySettings(ctx context.Context, settings domain.UserNotifySettings) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO notify_settings (discord_user_id, enabled, minutes_before, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (discord_user_id) DO UPDATE SET
    enabled = EXCLUDED.enabled,
    minutes_before = EXCLUDED.minutes_before,
    updated_at = now()
`, settings.DiscordUserID, settings.Enabled, settings.MinutesBefore)
	metrics.ObserveNetworkRequest("postgres", "notify_settings_save", "notify_settings", start, err)
	return persistErr("notify_settings", "save", err)
}

// GetNotifySettings реализует domain.NotifySettingsRepo.
func (p *Postgres) GetNotifySettings(ctx context.Context, discordUserID string) (domain.UserNotifySettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var settings domain.UserNotifySettings
	err := p.pool.QueryRow(ctx, `
SELECT discord_user_id, enabled, minutes_before, updated_at FROM notify_settings WHERE discord_user_id = $1
`, discordUserID).Scan(&settings.DiscordUserID, &settings.Enabled, &settings.MinutesBefore, &settings.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "notify_settings_get", "notify_settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserNotifySettings{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.UserNotifySettings{}, persistErr("notify_settings", "get", err)
	}
	return settings, nil
}

// DeleteNotifySettings реализует domain.NotifySettingsRepo.
func (p *Postgres) DeleteNotifySettings(ctx context.Context, discordUserID string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM notify_settings WHERE discord_user_id = $1`, discordUserID)
	metrics.ObserveNetworkRequest("postgres", "notify_settings_delete", "notify_settings", start, err)
	return persistErr("notify_settings", "delete", err)
}

// ListEnabled реализует domain.NotifySettingsRepo.
func (p *Postgres) ListEnabled(ctx context.Context) ([]domain.UserNotifySettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT discord_user_id, enabled, minutes_before, updated_at FROM notify_settings WHERE enabled ORDER BY discord_user_id
`)
	metrics.ObserveNetworkRequest("postgres", "notify_settings_list", "notify_settings", start, err)
	if err != nil {
		return nil, persistErr("notify_settings", "list", err)
	}
	defer rows.Close()

	var settings []domain.UserNotifySettings
	for rows.Next() {
		var item domain.UserNotifySettings
		if err := rows.Scan(&item.DiscordUserID, &item.Enabled, &item.MinutesBefore, &item.UpdatedAt); err != nil {
			return nil, persistErr("notify_settings", "list", err)
		}
		settings = append(settings, item)
	}
	return settings, persistErr("notify_settings", "list", rows.Err())
}

// MarkNotified реализует domain.NotifySentRepo.
func (p *Postgres) MarkNotified(ctx context.Context, discordUserID string, eventID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO notify_sent (discord_user_id, event_id, notified_at)
VALUES ($1, $2, now())
ON CONFLICT (discord_user_id, event_id) DO NOTHING
`, discordUserID, eventID)
	metrics.ObserveNetworkRequest("postgres", "notify_sent_mark", "notify_sent", start, err)
	return persistErr("notify_sent", "mark", err)
}

// WasNotified реализует domain.NotifySentRepo.
func (p *Postgres) WasNotified(ctx context.Context, discordUserID string, eventID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM notify_sent WHERE discord_user_id = $1 AND event_id = $2)
`, discordUserID, eventID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "notify_sent_check", "notify_sent", start, err)
	return exists, persistErr("notify_sent", "check", err)
}

// CleanupNotified реализует domain.NotifySentRepo.
func (p *Postgres) CleanupNotified(ctx context.Context, olderThanDays int) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM notify_sent WHERE notified_at < now() - make_interval(days => $1)
`, olderThanDays)
	metrics.ObserveNetworkRequest("postgres", "notify_sent_cleanup", "notify_sent", start, err)
	if err != nil {
		return 0, persistErr("notify_sent", "cleanup", err)
	}
	return int(tag.RowsAffected()), nil
}
