package filerepo

import (
	"context"
	"sort"
	"strconv"
	"time"

	"connpass-notify-bot/internal/domain"
)

var (
	_ domain.FeedRepo           = (*Store)(nil)
	_ domain.SentEventRepo      = (*Store)(nil)
	_ domain.UserRepo           = (*Store)(nil)
	_ domain.AdminRepo          = (*Store)(nil)
	_ domain.BanRepo            = (*Store)(nil)
	_ domain.SummaryCacheRepo   = (*Store)(nil)
	_ domain.NotifySettingsRepo = (*Store)(nil)
	_ domain.NotifySentRepo     = (*Store)(nil)
)

const (
	fileFeeds          = "feeds"
	fileSentEvents     = "sent_events"
	fileUsers          = "users"
	fileAdmins         = "admins"
	fileBans           = "bans"
	fileSummaries      = "summary_cache"
	fileNotifySettings = "notify_settings"
	fileNotifySent     = "notify_sent"
)

func markerKey(owner string, eventID int64) string {
	return owner + "/" + strconv.FormatInt(eventID, 10)
}

// SaveFeed реализует domain.FeedRepo.
func (s *Store) SaveFeed(_ context.Context, feed domain.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	feeds := map[string]domain.Feed{}
	if err := s.load(fileFeeds, &feeds); err != nil {
		return err
	}
	feeds[feed.ID] = feed
	return s.save(fileFeeds, feeds)
}

// GetFeed реализует domain.FeedRepo.
func (s *Store) GetFeed(_ context.Context, id string) (domain.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feeds := map[string]domain.Feed{}
	if err := s.load(fileFeeds, &feeds); err != nil {
		return domain.Feed{}, err
	}
	feed, ok := feeds[id]
	if !ok {
		return domain.Feed{}, domain.ErrNotFound
	}
	return feed, nil
}

// DeleteFeed реализует domain.FeedRepo.
func (s *Store) DeleteFeed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	feeds := map[string]domain.Feed{}
	if err := s.load(fileFeeds, &feeds); err != nil {
		return err
	}
	delete(feeds, id)
	return s.save(fileFeeds, feeds)
}

// ListFeeds реализует domain.FeedRepo.
func (s *Store) ListFeeds(_ context.Context) ([]domain.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feeds := map[string]domain.Feed{}
	if err := s.load(fileFeeds, &feeds); err != nil {
		return nil, err
	}
	out := make([]domain.Feed, 0, len(feeds))
	for _, feed := range feeds {
		out = append(out, feed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkSent реализует domain.SentEventRepo.
func (s *Store) MarkSent(_ context.Context, feedID string, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.SentEventMarker{}
	if err := s.load(fileSentEvents, &markers); err != nil {
		return err
	}
	markers[markerKey(feedID, eventID)] = domain.SentEventMarker{
		FeedID:    feedID,
		EventID:   eventID,
		UpdatedAt: time.Now().UTC(),
	}
	return s.save(fileSentEvents, markers)
}

// WasSent реализует domain.SentEventRepo.
func (s *Store) WasSent(_ context.Context, feedID string, eventID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.SentEventMarker{}
	if err := s.load(fileSentEvents, &markers); err != nil {
		return false, err
	}
	_, ok := markers[markerKey(feedID, eventID)]
	return ok, nil
}

// ListSent реализует domain.SentEventRepo.
func (s *Store) ListSent(_ context.Context, feedID string) ([]domain.SentEventMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.SentEventMarker{}
	if err := s.load(fileSentEvents, &markers); err != nil {
		return nil, err
	}
	var out []domain.SentEventMarker
	for _, marker := range markers {
		if marker.FeedID == feedID {
			out = append(out, marker)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

// CleanupSent реализует domain.SentEventRepo.
func (s *Store) CleanupSent(_ context.Context, olderThanDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.SentEventMarker{}
	if err := s.load(fileSentEvents, &markers); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	removed := 0
	for key, marker := range markers {
		if marker.UpdatedAt.Before(cutoff) {
			delete(markers, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(fileSentEvents, markers)
}

// SaveUser реализует domain.UserRepo.
func (s *Store) SaveUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := map[string]domain.User{}
	if err := s.load(fileUsers, &users); err != nil {
		return err
	}
	if existing, ok := users[user.DiscordUserID]; ok && user.CreatedAt.IsZero() {
		user.CreatedAt = existing.CreatedAt
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	users[user.DiscordUserID] = user
	return s.save(fileUsers, users)
}

// GetUser реализует domain.UserRepo.
func (s *Store) GetUser(_ context.Context, discordUserID string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := map[string]domain.User{}
	if err := s.load(fileUsers, &users); err != nil {
		return domain.User{}, err
	}
	user, ok := users[discordUserID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

// DeleteUser реализует domain.UserRepo.
func (s *Store) DeleteUser(_ context.Context, discordUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := map[string]domain.User{}
	if err := s.load(fileUsers, &users); err != nil {
		return err
	}
	delete(users, discordUserID)
	return s.save(fileUsers, users)
}

// ListUsers реализует domain.UserRepo.
func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := map[string]domain.User{}
	if err := s.load(fileUsers, &users); err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(users))
	for _, user := range users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscordUserID < out[j].DiscordUserID })
	return out, nil
}

// SaveAdmin реализует domain.AdminRepo.
func (s *Store) SaveAdmin(_ context.Context, admin domain.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	admins := map[string]domain.Admin{}
	if err := s.load(fileAdmins, &admins); err != nil {
		return err
	}
	if _, ok := admins[admin.DiscordUserID]; ok {
		return nil
	}
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = time.Now().UTC()
	}
	admins[admin.DiscordUserID] = admin
	return s.save(fileAdmins, admins)
}

// DeleteAdmin реализует domain.AdminRepo.
func (s *Store) DeleteAdmin(_ context.Context, discordUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	admins := map[string]domain.Admin{}
	if err := s.load(fileAdmins, &admins); err != nil {
		return err
	}
	delete(admins, discordUserID)
	return s.save(fileAdmins, admins)
}

// IsAdmin реализует domain.AdminRepo.
func (s *Store) IsAdmin(_ context.Context, discordUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	admins := map[string]domain.Admin{}
	if err := s.load(fileAdmins, &admins); err != nil {
		return false, err
	}
	_, ok := admins[discordUserID]
	return ok, nil
}

// ListAdmins реализует domain.AdminRepo.
func (s *Store) ListAdmins(_ context.Context) ([]domain.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	admins := map[string]domain.Admin{}
	if err := s.load(fileAdmins, &admins); err != nil {
		return nil, err
	}
	out := make([]domain.Admin, 0, len(admins))
	for _, admin := range admins {
		out = append(out, admin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscordUserID < out[j].DiscordUserID })
	return out, nil
}

// SaveBan реализует domain.BanRepo.
func (s *Store) SaveBan(_ context.Context, ban domain.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bans := map[string]domain.Ban{}
	if err := s.load(fileBans, &bans); err != nil {
		return err
	}
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = time.Now().UTC()
	}
	bans[ban.DiscordUserID] = ban
	return s.save(fileBans, bans)
}

// DeleteBan реализует domain.BanRepo.
func (s *Store) DeleteBan(_ context.Context, discordUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bans := map[string]domain.Ban{}
	if err := s.load(fileBans, &bans); err != nil {
		return err
	}
	delete(bans, discordUserID)
	return s.save(fileBans, bans)
}

// IsBanned реализует domain.BanRepo.
func (s *Store) IsBanned(_ context.Context, discordUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bans := map[string]domain.Ban{}
	if err := s.load(fileBans, &bans); err != nil {
		return false, err
	}
	_, ok := bans[discordUserID]
	return ok, nil
}

// ListBans реализует domain.BanRepo.
func (s *Store) ListBans(_ context.Context) ([]domain.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bans := map[string]domain.Ban{}
	if err := s.load(fileBans, &bans); err != nil {
		return nil, err
	}
	out := make([]domain.Ban, 0, len(bans))
	for _, ban := range bans {
		out = append(out, ban)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscordUserID < out[j].DiscordUserID })
	return out, nil
}

// SaveSummary реализует domain.SummaryCacheRepo.
func (s *Store) SaveSummary(_ context.Context, entry domain.SummaryCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := map[string]domain.SummaryCacheEntry{}
	if err := s.load(fileSummaries, &entries); err != nil {
		return err
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	entries[strconv.FormatInt(entry.EventID, 10)] = entry
	return s.save(fileSummaries, entries)
}

// GetSummary реализует domain.SummaryCacheRepo.
func (s *Store) GetSummary(_ context.Context, eventID int64) (domain.SummaryCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := map[string]domain.SummaryCacheEntry{}
	if err := s.load(fileSummaries, &entries); err != nil {
		return domain.SummaryCacheEntry{}, err
	}
	entry, ok := entries[strconv.FormatInt(eventID, 10)]
	if !ok {
		return domain.SummaryCacheEntry{}, domain.ErrNotFound
	}
	return entry, nil
}

// DeleteSummary реализует domain.SummaryCacheRepo.
func (s *Store) DeleteSummary(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := map[string]domain.SummaryCacheEntry{}
	if err := s.load(fileSummaries, &entries); err != nil {
		return err
	}
	delete(entries, strconv.FormatInt(eventID, 10))
	return s.save(fileSummaries, entries)
}

// SaveNotifySettings реализует domain.NotifySettingsRepo.
func (s *Store) SaveNotifySettings(_ context.Context, settings domain.UserNotifySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := map[string]domain.UserNotifySettings{}
	if err := s.load(fileNotifySettings, &all); err != nil {
		return err
	}
	settings.UpdatedAt = time.Now().UTC()
	all[settings.DiscordUserID] = settings
	return s.save(fileNotifySettings, all)
}

// GetNotifySettings реализует domain.NotifySettingsRepo.
func (s *Store) GetNotifySettings(_ context.Context, discordUserID string) (domain.UserNotifySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := map[string]domain.UserNotifySettings{}
	if err := s.load(fileNotifySettings, &all); err != nil {
		return domain.UserNotifySettings{}, err
	}
	settings, ok := all[discordUserID]
	if !ok {
		return domain.UserNotifySettings{}, domain.ErrNotFound
	}
	return settings, nil
}

// DeleteNotifySettings реализует domain.NotifySettingsRepo.
func (s *Store) DeleteNotifySettings(_ context.Context, discordUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := map[string]domain.UserNotifySettings{}
	if err := s.load(fileNotifySettings, &all); err != nil {
		return err
	}
	delete(all, discordUserID)
	return s.save(fileNotifySettings, all)
}

// ListEnabled реализует domain.NotifySettingsRepo.
func (s *Store) ListEnabled(_ context.Context) ([]domain.UserNotifySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := map[string]domain.UserNotifySettings{}
	if err := s.load(fileNotifySettings, &all); err != nil {
		return nil, err
	}
	var out []domain.UserNotifySettings
	for _, settings := range all {
		if settings.Enabled {
			out = append(out, settings)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscordUserID < out[j].DiscordUserID })
	return out, nil
}

// MarkNotified реализует domain.NotifySentRepo.
func (s *Store) MarkNotified(_ context.Context, discordUserID string, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.UserNotifySentMarker{}
	if err := s.load(fileNotifySent, &markers); err != nil {
		return err
	}
	key := markerKey(discordUserID, eventID)
	if _, ok := markers[key]; ok {
		return nil
	}
	markers[key] = domain.UserNotifySentMarker{
		DiscordUserID: discordUserID,
		EventID:       eventID,
		NotifiedAt:    time.Now().UTC(),
	}
	return s.save(fileNotifySent, markers)
}

// WasNotified реализует domain.NotifySentRepo.
func (s *Store) WasNotified(_ context.Context, discordUserID string, eventID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.UserNotifySentMarker{}
	if err := s.load(fileNotifySent, &markers); err != nil {
		return false, err
	}
	_, ok := markers[markerKey(discordUserID, eventID)]
	return ok, nil
}

// CleanupNotified реализует domain.NotifySentRepo.
func (s *Store) CleanupNotified(_ context.Context, olderThanDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	markers := map[string]domain.UserNotifySentMarker{}
	if err := s.load(fileNotifySent, &markers); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	removed := 0
	for key, marker := range markers {
		if marker.NotifiedAt.Before(cutoff) {
			delete(markers, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(fileNotifySent, markers)
}
