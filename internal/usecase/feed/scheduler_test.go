package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/usecase/dedup"
	"connpass-notify-bot/internal/usecase/schedule"
)

type stubFeedRepo struct {
	mu      sync.Mutex
	feeds   map[string]domain.Feed
	saveErr map[string]error
	saved   int
}

func newStubFeedRepo(feeds ...domain.Feed) *stubFeedRepo {
	repo := &stubFeedRepo{feeds: map[string]domain.Feed{}, saveErr: map[string]error{}}
	for _, feed := range feeds {
		repo.feeds[feed.ID] = feed
	}
	return repo
}

func (s *stubFeedRepo) SaveFeed(_ context.Context, feed domain.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveErr[feed.ID]; err != nil {
		return err
	}
	s.feeds[feed.ID] = feed
	s.saved++
	return nil
}

func (s *stubFeedRepo) GetFeed(_ context.Context, id string) (domain.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	feed, ok := s.feeds[id]
	if !ok {
		return domain.Feed{}, domain.ErrNotFound
	}
	return feed, nil
}

func (s *stubFeedRepo) DeleteFeed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, id)
	return nil
}

func (s *stubFeedRepo) ListFeeds(_ context.Context) ([]domain.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		out = append(out, feed)
	}
	return out, nil
}

type stubSentRepo struct {
	mu      sync.Mutex
	markers map[string]map[int64]time.Time
}

func newStubSentRepo() *stubSentRepo {
	return &stubSentRepo{markers: map[string]map[int64]time.Time{}}
}

func (s *stubSentRepo) MarkSent(_ context.Context, feedID string, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers[feedID] == nil {
		s.markers[feedID] = map[int64]time.Time{}
	}
	s.markers[feedID][eventID] = time.Now()
	return nil
}

func (s *stubSentRepo) WasSent(_ context.Context, feedID string, eventID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[feedID][eventID]
	return ok, nil
}

func (s *stubSentRepo) ListSent(_ context.Context, feedID string) ([]domain.SentEventMarker, error) {
	return nil, nil
}

func (s *stubSentRepo) CleanupSent(_ context.Context, _ int) (int, error) { return 0, nil }

type stubSource struct {
	mu     sync.Mutex
	events []domain.EventRecord
	err    error
	calls  int
}

func (s *stubSource) Search(_ context.Context, _ domain.SearchParams) ([]domain.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.events, nil
}

func (s *stubSource) GetByID(_ context.Context, _ int64) (domain.EventRecord, error) {
	return domain.EventRecord{}, nil
}

func (s *stubSource) SearchByParticipant(_ context.Context, _ string, _, _ time.Time) ([]domain.EventRecord, error) {
	return nil, nil
}

type stubDispatcher struct {
	mu       sync.Mutex
	payloads []domain.NewEventsPayload
	err      error
}

func (s *stubDispatcher) HandleNewEvents(_ context.Context, payload domain.NewEventsPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

type stubAdminRepo struct{ admins []domain.Admin }

func (s *stubAdminRepo) SaveAdmin(_ context.Context, _ domain.Admin) error   { return nil }
func (s *stubAdminRepo) DeleteAdmin(_ context.Context, _ string) error       { return nil }
func (s *stubAdminRepo) IsAdmin(_ context.Context, _ string) (bool, error)   { return false, nil }
func (s *stubAdminRepo) ListAdmins(_ context.Context) ([]domain.Admin, error) {
	return s.admins, nil
}

type stubOperatorSink struct {
	mu     sync.Mutex
	alerts []string
}

func (s *stubOperatorSink) SendOperatorAlert(_ context.Context, discordUserID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, discordUserID+": "+message)
	return nil
}

func (s *stubOperatorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testFeed(id string) domain.Feed {
	return domain.Feed{FeedConfig: domain.FeedConfig{
		ID:        id,
		ChannelID: "chan-1",
		Schedule:  "0 9 * * *",
		RangeDays: 7,
		Order:     domain.OrderStarted,
	}}
}

func newTestScheduler(feeds *stubFeedRepo, source *stubSource, dispatcher *stubDispatcher, sent *stubSentRepo, operators *stubOperatorSink) *Scheduler {
	return NewScheduler(
		feeds,
		source,
		dispatcher,
		dedup.NewFilter(sent),
		schedule.NewEvaluator(),
		&stubAdminRepo{admins: []domain.Admin{{DiscordUserID: "admin-1"}}},
		operators,
		zerolog.Nop(),
		Options{MaxFailures: 3},
	)
}

func TestNeverRunFeedIsDueAndAdvances(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{}
	dispatcher := &stubDispatcher{}
	scheduler := newTestScheduler(feeds, source, dispatcher, newStubSentRepo(), &stubOperatorSink{})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return now }

	scheduler.CheckDueFeeds(context.Background())

	if source.calls != 1 {
		t.Fatalf("ожидали один запрос к источнику, получили %d", source.calls)
	}
	if len(dispatcher.payloads) != 0 {
		t.Fatalf("без новых событий доставки быть не должно")
	}
	saved, _ := feeds.GetFeed(context.Background(), "feed-1")
	if saved.LastRunAt == nil || !saved.LastRunAt.Equal(now) {
		t.Fatalf("ожидали lastRunAt=%v, получили %v", now, saved.LastRunAt)
	}
	want := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	if saved.NextRunAt == nil || !saved.NextRunAt.Equal(want) {
		t.Fatalf("ожидали nextRunAt=%v, получили %v", want, saved.NextRunAt)
	}
}

func TestNotDueFeedSkipped(t *testing.T) {
	feed := testFeed("feed-1")
	next := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	feed.NextRunAt = &next
	feeds := newStubFeedRepo(feed)
	source := &stubSource{}
	scheduler := newTestScheduler(feeds, source, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	scheduler.now = func() time.Time { return time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC) }

	scheduler.CheckDueFeeds(context.Background())

	if source.calls != 0 {
		t.Fatalf("подписка ещё не наступила, запросов быть не должно")
	}
}

func TestSecondRunDispatchesOnlyUnseen(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{events: []domain.EventRecord{{ID: 101, Title: "a"}, {ID: 102, Title: "b"}}}
	dispatcher := &stubDispatcher{}
	sent := newStubSentRepo()
	scheduler := newTestScheduler(feeds, source, dispatcher, sent, &stubOperatorSink{})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return now }

	scheduler.CheckDueFeeds(context.Background())
	if len(dispatcher.payloads) != 1 || len(dispatcher.payloads[0].Events) != 2 {
		t.Fatalf("ожидали партию из двух событий, получили %v", dispatcher.payloads)
	}

	// Второй запуск в том же окне: источник вернул старые события и одно новое.
	source.mu.Lock()
	source.events = []domain.EventRecord{{ID: 101}, {ID: 102}, {ID: 103, Title: "c"}}
	source.mu.Unlock()
	now = now.Add(24 * time.Hour)

	scheduler.CheckDueFeeds(context.Background())
	if len(dispatcher.payloads) != 2 {
		t.Fatalf("ожидали вторую партию, получили %d", len(dispatcher.payloads))
	}
	batch := dispatcher.payloads[1].Events
	if len(batch) != 1 || batch[0].ID != 103 {
		t.Fatalf("ожидали только событие 103, получили %v", batch)
	}
}

func TestFailureDoesNotAdvanceNextRun(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{err: &domain.UpstreamError{Op: "search", Status: 503, Retryable: true}}
	scheduler := newTestScheduler(feeds, source, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	scheduler.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) }

	scheduler.CheckDueFeeds(context.Background())

	saved, _ := feeds.GetFeed(context.Background(), "feed-1")
	if saved.NextRunAt != nil || saved.LastRunAt != nil {
		t.Fatalf("при ошибке время запуска не должно продвигаться: %+v", saved)
	}
	if scheduler.State("feed-1") != domain.FeedIdle {
		t.Fatalf("после первой ошибки подписка остаётся в idle, получили %s", scheduler.State("feed-1"))
	}
}

func TestSuccessAdvancesStrictlyLater(t *testing.T) {
	feed := testFeed("feed-1")
	prev := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	feed.NextRunAt = &prev
	feeds := newStubFeedRepo(feed)
	scheduler := newTestScheduler(feeds, &stubSource{}, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	scheduler.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) }

	scheduler.CheckDueFeeds(context.Background())

	saved, _ := feeds.GetFeed(context.Background(), "feed-1")
	if saved.NextRunAt == nil || !saved.NextRunAt.After(prev) {
		t.Fatalf("ожидали строго более позднее время запуска, получили %v", saved.NextRunAt)
	}
}

func TestEscalatesToFailedAndAlertsOperators(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{err: errors.New("connpass недоступен")}
	operators := &stubOperatorSink{}
	scheduler := newTestScheduler(feeds, source, &stubDispatcher{}, newStubSentRepo(), operators)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		scheduler.CheckDueFeeds(context.Background())
		// Пропускаем удержание backoff.
		now = now.Add(time.Hour)
	}

	if scheduler.State("feed-1") != domain.FeedFailed {
		t.Fatalf("ожидали состояние failed, получили %s", scheduler.State("feed-1"))
	}
	deadline := time.Now().Add(time.Second)
	for operators.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if operators.count() == 0 {
		t.Fatalf("ожидали уведомление оператора")
	}

	// После failed подписка не запускается.
	calls := source.calls
	scheduler.CheckDueFeeds(context.Background())
	if source.calls != calls {
		t.Fatalf("подписка в failed не должна запускаться")
	}

	// Сброс возвращает подписку в планирование.
	if err := scheduler.ResetFeed(context.Background(), "feed-1"); err != nil {
		t.Fatalf("не ожидали ошибку сброса: %v", err)
	}
	scheduler.CheckDueFeeds(context.Background())
	if source.calls != calls+1 {
		t.Fatalf("после сброса подписка должна запуститься")
	}
}

func TestBackoffHoldsRetry(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{err: errors.New("connpass недоступен")}
	scheduler := newTestScheduler(feeds, source, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return now }

	scheduler.CheckDueFeeds(context.Background())
	if source.calls != 1 {
		t.Fatalf("ожидали один запрос, получили %d", source.calls)
	}

	// Сразу после ошибки действует удержание.
	scheduler.CheckDueFeeds(context.Background())
	if source.calls != 1 {
		t.Fatalf("во время удержания повторных запросов быть не должно")
	}

	now = now.Add(time.Hour)
	scheduler.CheckDueFeeds(context.Background())
	if source.calls != 2 {
		t.Fatalf("после удержания ожидали повторный запрос, получили %d", source.calls)
	}
}

func TestInvalidScheduleExcludesFeed(t *testing.T) {
	feed := testFeed("feed-1")
	feed.Schedule = "каждый день"
	feeds := newStubFeedRepo(feed)
	source := &stubSource{}
	operators := &stubOperatorSink{}
	scheduler := newTestScheduler(feeds, source, &stubDispatcher{}, newStubSentRepo(), operators)

	scheduler.CheckDueFeeds(context.Background())

	if source.calls != 0 {
		t.Fatalf("подписка с некорректным расписанием не должна запускаться")
	}
	if scheduler.State("feed-1") != domain.FeedFailed {
		t.Fatalf("ожидали состояние failed, получили %s", scheduler.State("feed-1"))
	}
}

func TestFeedIsolation(t *testing.T) {
	feedA := testFeed("feed-a")
	feedB := testFeed("feed-b")
	feeds := newStubFeedRepo(feedA, feedB)
	feeds.saveErr["feed-a"] = errors.New("хранилище недоступно")
	scheduler := newTestScheduler(feeds, &stubSource{}, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	scheduler.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) }

	scheduler.CheckDueFeeds(context.Background())

	savedB, _ := feeds.GetFeed(context.Background(), "feed-b")
	if savedB.NextRunAt == nil {
		t.Fatalf("ошибка одной подписки не должна мешать другой")
	}
	savedA, _ := feeds.GetFeed(context.Background(), "feed-a")
	if savedA.NextRunAt != nil {
		t.Fatalf("подписка с ошибкой сохранения не должна продвинуться")
	}
}

func TestRunningFeedNotReentered(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{}
	scheduler := newTestScheduler(feeds, source, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})

	scheduler.mu.Lock()
	scheduler.states["feed-1"] = &runState{state: domain.FeedRunning, backoff: newFeedBackoff()}
	scheduler.mu.Unlock()

	scheduler.CheckDueFeeds(context.Background())

	if source.calls != 0 {
		t.Fatalf("выполняющаяся подписка не должна запускаться повторно")
	}
}

func TestLocalFiltersThresholdsAndLocation(t *testing.T) {
	cfg := domain.FeedConfig{MinAccepted: 10, MinLimit: 30, Location: "渋谷"}
	events := []domain.EventRecord{
		{ID: 1, Accepted: 15, Limit: 50, Place: "渋谷スクランブルスクエア"},
		{ID: 2, Accepted: 5, Limit: 50, Place: "渋谷"},
		{ID: 3, Accepted: 20, Limit: 10, Place: "渋谷"},
		{ID: 4, Accepted: 20, Limit: 50, Place: "новосибирск"},
		{ID: 5, Accepted: 20, Limit: 50, Address: "東京都渋谷区1-2-3"},
	}
	got := applyLocalFilters(cfg, events)
	want := []int64{1, 5}
	if len(got) != len(want) {
		t.Fatalf("ожидали %d событий, получили %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("позиция %d: ожидали %d, получили %d", i, id, got[i].ID)
		}
	}
}

func TestDispatchErrorLeavesBatchUnmarked(t *testing.T) {
	feeds := newStubFeedRepo(testFeed("feed-1"))
	source := &stubSource{events: []domain.EventRecord{{ID: 101}}}
	dispatcher := &stubDispatcher{err: errors.New("discord недоступен")}
	sent := newStubSentRepo()
	scheduler := newTestScheduler(feeds, source, dispatcher, sent, &stubOperatorSink{})
	scheduler.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) }

	scheduler.CheckDueFeeds(context.Background())

	if seen, _ := sent.WasSent(context.Background(), "feed-1", 101); seen {
		t.Fatalf("при ошибке доставки отметка не должна записываться")
	}
	saved, _ := feeds.GetFeed(context.Background(), "feed-1")
	if saved.NextRunAt != nil {
		t.Fatalf("при ошибке доставки время запуска не должно продвигаться")
	}
}

func TestRunNowUnknownFeed(t *testing.T) {
	scheduler := newTestScheduler(newStubFeedRepo(), &stubSource{}, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	if err := scheduler.RunNow(context.Background(), "нет"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("ожидали ErrFeedNotFound, получили %v", err)
	}
}

// blockingDispatcher держит доставку открытой, пока тест не разрешит
// продолжение. Позволяет отменить контекст посреди запуска подписки.
type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) HandleNewEvents(_ context.Context, _ domain.NewEventsPayload) error {
	close(d.started)
	<-d.release
	return nil
}

// ctxFeedRepo отклоняет сохранение с отменённым контекстом.
type ctxFeedRepo struct{ *stubFeedRepo }

func (r *ctxFeedRepo) SaveFeed(ctx context.Context, feed domain.Feed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.stubFeedRepo.SaveFeed(ctx, feed)
}

// ctxSentRepo отклоняет запись отметки с отменённым контекстом.
type ctxSentRepo struct{ *stubSentRepo }

func (r *ctxSentRepo) MarkSent(ctx context.Context, feedID string, eventID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.stubSentRepo.MarkSent(ctx, feedID, eventID)
}

func TestRunCompletesWriteBackBeforeStop(t *testing.T) {
	feeds := &ctxFeedRepo{stubFeedRepo: newStubFeedRepo(testFeed("feed-1"))}
	sent := &ctxSentRepo{stubSentRepo: newStubSentRepo()}
	source := &stubSource{events: []domain.EventRecord{{ID: 101, Title: "a"}}}
	dispatcher := &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	scheduler := NewScheduler(
		feeds,
		source,
		dispatcher,
		dedup.NewFilter(sent),
		schedule.NewEvaluator(),
		&stubAdminRepo{},
		&stubOperatorSink{},
		zerolog.Nop(),
		Options{MaxFailures: 3},
	)
	scheduler.now = func() time.Time { return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(done)
	}()

	// Остановка запрашивается, пока доставка в полёте.
	<-dispatcher.started
	cancel()
	close(dispatcher.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run не завершился после отмены контекста")
	}

	// К моменту возврата Run отметки и время запуска записаны, несмотря на
	// отменённый контекст процесса.
	if seen, _ := sent.WasSent(context.Background(), "feed-1", 101); !seen {
		t.Fatalf("отметка о доставленном событии должна быть записана до остановки")
	}
	saved, _ := feeds.GetFeed(context.Background(), "feed-1")
	if saved.NextRunAt == nil {
		t.Fatalf("время следующего запуска должно быть записано до остановки")
	}
}

func TestResetFeedUnknownFeed(t *testing.T) {
	scheduler := newTestScheduler(newStubFeedRepo(), &stubSource{}, &stubDispatcher{}, newStubSentRepo(), &stubOperatorSink{})
	if err := scheduler.ResetFeed(context.Background(), "нет"); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("ожидали ErrFeedNotFound, получили %v", err)
	}
	if !errors.Is(ErrFeedNotFound, domain.ErrNotFound) {
		t.Fatalf("ошибка должна распознаваться как domain.ErrNotFound")
	}
}
