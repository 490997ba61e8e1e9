package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"connpass-notify-bot/internal/domain"
	ophttp "connpass-notify-bot/internal/infra/http"
	"connpass-notify-bot/internal/infra/metrics"
	"connpass-notify-bot/internal/usecase/dedup"
	"connpass-notify-bot/internal/usecase/schedule"
)

// Options задаёт параметры планировщика. Значения берутся из конфигурации
// процесса один раз при старте.
type Options struct {
	Tick        time.Duration
	Workers     int
	MaxFailures int
	PageCount   int
}

// Scheduler управляет запуском подписок: определяет наступившие, выполняет
// выборку, дедупликацию и передачу в доставку, сохраняет новое время запуска.
type Scheduler struct {
	feeds      domain.FeedRepo
	source     domain.EventSource
	dispatcher domain.Dispatcher
	filter     *dedup.Filter
	evaluator  *schedule.Evaluator
	admins     domain.AdminRepo
	operators  domain.OperatorSink
	log        zerolog.Logger
	opts       Options

	now func() time.Time

	mu     sync.Mutex
	states map[string]*runState
}

// runState — изменяемое состояние подписки внутри планировщика.
// Защищается мьютексом планировщика; на время I/O мьютекс не удерживается.
type runState struct {
	state    domain.FeedState
	failures int
	retryAt  time.Time
	backoff  *backoff.ExponentialBackOff
	lastErr  string
}

// NewScheduler создаёт планировщик подписок.
func NewScheduler(feeds domain.FeedRepo, source domain.EventSource, dispatcher domain.Dispatcher, filter *dedup.Filter, evaluator *schedule.Evaluator, admins domain.AdminRepo, operators domain.OperatorSink, logger zerolog.Logger, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.PageCount <= 0 {
		opts.PageCount = 100
	}
	return &Scheduler{
		feeds:      feeds,
		source:     source,
		dispatcher: dispatcher,
		filter:     filter,
		evaluator:  evaluator,
		admins:     admins,
		operators:  operators,
		log:        logger,
		opts:       opts,
		now:        time.Now,
		states:     map[string]*runState{},
	}
}

// Run крутит цикл планирования до отмены контекста. Начатый проход
// завершается целиком, включая запись состояния подписок, и только после
// этого Run возвращается.
func (s *Scheduler) Run(ctx context.Context) {
	s.CheckDueFeeds(ctx)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckDueFeeds(ctx)
		}
	}
}

// CheckDueFeeds выполняет один проход: находит наступившие подписки и
// запускает их с ограниченной степенью параллелизма. Ошибка одной подписки
// не прерывает обработку остальных.
func (s *Scheduler) CheckDueFeeds(ctx context.Context) {
	feeds, err := s.feeds.ListFeeds(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: ошибка выборки подписок")
		return
	}

	now := s.now()
	group, groupCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	group.SetLimit(s.opts.Workers)

	for _, feed := range feeds {
		if !s.acquire(feed, now) {
			continue
		}
		feed := feed
		group.Go(func() error {
			runErr := s.runFeed(groupCtx, feed)
			s.release(feed.ID, runErr)
			if runErr != nil {
				s.log.Error().Err(runErr).Str("feed", feed.ID).Msg("scheduler: запуск подписки завершился ошибкой")
			}
			return nil
		})
	}
	_ = group.Wait()
}

// acquire решает, наступила ли подписка, и помечает её выполняющейся.
// Возвращает false для невалидных, отключённых, удерживаемых backoff
// и уже выполняющихся подписок.
func (s *Scheduler) acquire(feed domain.Feed, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[feed.ID]
	if st == nil {
		st = &runState{state: domain.FeedIdle, backoff: newFeedBackoff()}
		s.states[feed.ID] = st
	}

	switch st.state {
	case domain.FeedRunning:
		return false
	case domain.FeedFailed:
		return false
	}

	if err := s.evaluator.Validate(feed.Schedule); err != nil {
		// Некорректное расписание фатально для подписки: исключаем её
		// до исправления и сообщаем оператору один раз.
		st.state = domain.FeedFailed
		st.lastErr = err.Error()
		metrics.FeedsFailed.Inc()
		s.log.Error().Err(err).Str("feed", feed.ID).Msg("scheduler: подписка исключена из планирования")
		go s.alertOperators(context.Background(), feed.ID, err)
		return false
	}

	// NextRunAt == nil означает «никогда не запускалась» — наступила сразу.
	if feed.NextRunAt != nil && now.Before(*feed.NextRunAt) {
		st.state = domain.FeedIdle
		return false
	}
	if !st.retryAt.IsZero() && now.Before(st.retryAt) {
		return false
	}

	st.state = domain.FeedRunning
	return true
}

// release переводит подписку из Running в Idle либо учитывает отказ.
func (s *Scheduler) release(feedID string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[feedID]
	if st == nil || st.state != domain.FeedRunning {
		return
	}

	if runErr == nil {
		st.state = domain.FeedIdle
		st.failures = 0
		st.retryAt = time.Time{}
		st.lastErr = ""
		st.backoff.Reset()
		return
	}

	st.failures++
	st.lastErr = runErr.Error()
	if st.failures >= s.opts.MaxFailures {
		st.state = domain.FeedFailed
		metrics.FeedsFailed.Inc()
		s.log.Error().Str("feed", feedID).Int("failures", st.failures).Msg("scheduler: подписка переведена в failed")
		go s.alertOperators(context.Background(), feedID, runErr)
		return
	}
	st.state = domain.FeedIdle
	st.retryAt = s.now().Add(st.backoff.NextBackOff())
}

// runFeed выполняет один запуск подписки. При ошибке NextRunAt не
// продвигается: подписка остаётся наступившей и будет повторена.
func (s *Scheduler) runFeed(ctx context.Context, feed domain.Feed) error {
	start := s.now()
	var runErr error
	defer func() { metrics.ObserveFeedRun(feed.ID, start, runErr) }()

	events, err := s.source.Search(ctx, s.buildParams(feed, start))
	if err != nil {
		runErr = fmt.Errorf("выборка событий: %w", err)
		return runErr
	}

	events = applyLocalFilters(feed.FeedConfig, events)

	fresh, err := s.filter.FilterNew(ctx, feed.ID, events)
	if err != nil {
		runErr = &domain.PersistenceError{Store: "sent_events", Op: "filter", Err: err}
		return runErr
	}

	// Дальше только запись результатов: завершаем её даже при остановке
	// процесса, иначе перезапуск продублирует партию.
	finishCtx := context.WithoutCancel(ctx)

	if len(fresh) > 0 {
		payload := domain.NewEventsPayload{
			FeedID:    feed.ID,
			ChannelID: feed.ChannelID,
			Summarize: feed.Summarize,
			Events:    fresh,
		}
		if err := s.dispatcher.HandleNewEvents(finishCtx, payload); err != nil {
			runErr = &domain.DispatchError{FeedID: feed.ID, Err: err}
			return runErr
		}
		// Отметки пишем после успешной доставки: при падении между доставкой
		// и фиксацией партия уйдёт повторно (at-least-once).
		if err := s.filter.MarkSent(finishCtx, feed.ID, fresh); err != nil {
			runErr = &domain.PersistenceError{Store: "sent_events", Op: "mark", Err: err}
			return runErr
		}
		metrics.EventsDispatchedTotal.WithLabelValues(feed.ID).Add(float64(len(fresh)))
		s.log.Info().Str("feed", feed.ID).Int("events", len(fresh)).Msg("scheduler: партия передана в доставку")
	}

	next, err := s.evaluator.NextTrigger(feed.Schedule, start)
	if err != nil {
		runErr = err
		return runErr
	}
	feed.LastRunAt = &start
	feed.NextRunAt = &next
	if err := s.feeds.SaveFeed(finishCtx, feed); err != nil {
		runErr = &domain.PersistenceError{Store: "feeds", Op: "save", Err: err}
		return runErr
	}
	return nil
}

// buildParams собирает параметры запроса из конфигурации подписки.
func (s *Scheduler) buildParams(feed domain.Feed, now time.Time) domain.SearchParams {
	return domain.SearchParams{
		Keywords:      feed.Keywords,
		KeywordsOr:    feed.KeywordsOr,
		HashTag:       feed.HashTag,
		OwnerNickname: feed.OwnerNickname,
		Location:      feed.Location,
		From:          now,
		To:            now.AddDate(0, 0, feed.RangeDays),
		Order:         feed.Order,
		Count:         s.opts.PageCount,
	}
}

// applyLocalFilters применяет фильтры, которых нет в API: пороги участников
// и вместимости, совпадение по месту проведения.
func applyLocalFilters(cfg domain.FeedConfig, events []domain.EventRecord) []domain.EventRecord {
	out := make([]domain.EventRecord, 0, len(events))
	for _, event := range events {
		if cfg.MinAccepted > 0 && event.Accepted < cfg.MinAccepted {
			continue
		}
		if cfg.MinLimit > 0 && event.Limit < cfg.MinLimit {
			continue
		}
		if cfg.Location != "" && !matchesLocation(cfg.Location, event) {
			continue
		}
		out = append(out, event)
	}
	return out
}

func matchesLocation(location string, event domain.EventRecord) bool {
	needle := strings.ToLower(location)
	return strings.Contains(strings.ToLower(event.Place), needle) ||
		strings.Contains(strings.ToLower(event.Address), needle)
}

// alertOperators сообщает всем администраторам о подписке, требующей внимания.
func (s *Scheduler) alertOperators(ctx context.Context, feedID string, cause error) {
	if s.admins == nil || s.operators == nil {
		return
	}
	admins, err := s.admins.ListAdmins(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("feed", feedID).Msg("scheduler: не удалось получить список администраторов")
		return
	}
	message := fmt.Sprintf("Подписка %s отключена: %v. Проверьте конфигурацию и перезапустите её.", feedID, cause)
	for _, admin := range admins {
		if err := s.operators.SendOperatorAlert(ctx, admin.DiscordUserID, message); err != nil {
			s.log.Error().Err(err).Str("feed", feedID).Str("admin", admin.DiscordUserID).Msg("scheduler: не удалось уведомить администратора")
		}
	}
}

// ResetFeed снимает состояние failed и счётчик отказов подписки, возвращая
// её в планирование. Для неизвестной подписки возвращает ErrFeedNotFound.
func (s *Scheduler) ResetFeed(ctx context.Context, feedID string) error {
	if _, err := s.feeds.GetFeed(ctx, feedID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrFeedNotFound
		}
		return fmt.Errorf("получение подписки: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[feedID]
	if st == nil {
		return nil
	}
	if st.state == domain.FeedFailed {
		metrics.FeedsFailed.Dec()
	}
	st.state = domain.FeedIdle
	st.failures = 0
	st.retryAt = time.Time{}
	st.lastErr = ""
	st.backoff.Reset()
	return nil
}

// FeedStates отдаёт снимок состояний для операторского HTTP.
func (s *Scheduler) FeedStates() []ophttp.FeedStateView {
	feeds, err := s.feeds.ListFeeds(context.Background())
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: ошибка выборки подписок для отчёта")
	}
	lastRun := map[string]*time.Time{}
	nextRun := map[string]*time.Time{}
	labels := map[string]string{}
	for _, feed := range feeds {
		lastRun[feed.ID] = feed.LastRunAt
		nextRun[feed.ID] = feed.NextRunAt
		labels[feed.ID] = schedule.Label(feed.Schedule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]ophttp.FeedStateView, 0, len(s.states))
	for feedID, st := range s.states {
		view := ophttp.FeedStateView{
			FeedID:    feedID,
			Schedule:  labels[feedID],
			State:     string(st.state),
			Failures:  st.failures,
			LastRunAt: lastRun[feedID],
			NextRunAt: nextRun[feedID],
			LastError: st.lastErr,
		}
		if !st.retryAt.IsZero() {
			retryAt := st.retryAt
			view.RetryAt = &retryAt
		}
		views = append(views, view)
	}
	return views
}

// State возвращает текущую фазу подписки.
func (s *Scheduler) State(feedID string) domain.FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.states[feedID]; st != nil {
		return st.state
	}
	return domain.FeedIdle
}

func newFeedBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

var _ ophttp.FeedController = (*Scheduler)(nil)

// ErrFeedNotFound возвращается при обращении к неизвестной подписке.
var ErrFeedNotFound = fmt.Errorf("подписка не найдена: %w", domain.ErrNotFound)

// RunNow принудительно запускает подписку вне расписания, соблюдая правило
// единственного выполнения.
func (s *Scheduler) RunNow(ctx context.Context, feedID string) error {
	feed, err := s.feeds.GetFeed(ctx, feedID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrFeedNotFound
		}
		return fmt.Errorf("получение подписки: %w", err)
	}

	s.mu.Lock()
	st := s.states[feed.ID]
	if st == nil {
		st = &runState{state: domain.FeedIdle, backoff: newFeedBackoff()}
		s.states[feed.ID] = st
	}
	if st.state == domain.FeedRunning {
		s.mu.Unlock()
		return nil
	}
	st.state = domain.FeedRunning
	s.mu.Unlock()

	runErr := s.runFeed(ctx, feed)
	s.release(feed.ID, runErr)
	return runErr
}
