package connpass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://connpass.com/api/v1"

// Client выполняет запросы к API событий connpass.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

var _ domain.EventSource = (*Client)(nil)

// NewClient создаёт клиента connpass. Таймаут обязателен и конечен.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// eventsResponse описывает ответ /event/.
type eventsResponse struct {
	ResultsReturned int         `json:"results_returned"`
	ResultsStart    int         `json:"results_start"`
	Events          []eventJSON `json:"events"`
}

type eventJSON struct {
	EventID       int64  `json:"event_id"`
	Title         string `json:"title"`
	Catch         string `json:"catch"`
	EventURL      string `json:"event_url"`
	StartedAt     string `json:"started_at"`
	EndedAt       string `json:"ended_at"`
	Place         string `json:"place"`
	Address       string `json:"address"`
	HashTag       string `json:"hash_tag"`
	Accepted      int    `json:"accepted"`
	Limit         int    `json:"limit"`
	UpdatedAt     string `json:"updated_at"`
	OwnerNickname string `json:"owner_nickname"`
}

// Search возвращает страницу событий по параметрам подписки.
func (c *Client) Search(ctx context.Context, params domain.SearchParams) ([]domain.EventRecord, error) {
	return c.fetch(ctx, "search", encodeParams(params))
}

// GetByID возвращает событие по идентификатору.
func (c *Client) GetByID(ctx context.Context, id int64) (domain.EventRecord, error) {
	values := url.Values{}
	values.Set("event_id", strconv.FormatInt(id, 10))
	events, err := c.fetch(ctx, "get_by_id", values)
	if err != nil {
		return domain.EventRecord{}, err
	}
	if len(events) == 0 {
		return domain.EventRecord{}, domain.ErrNotFound
	}
	return events[0], nil
}

// SearchByParticipant возвращает события, где пользователь участвует или
// выступает, с началом в интервале [from, to].
func (c *Client) SearchByParticipant(ctx context.Context, nickname string, from, to time.Time) ([]domain.EventRecord, error) {
	values := url.Values{}
	values.Set("nickname", nickname)
	for _, ymd := range ymdRange(from, to) {
		values.Add("ymd", ymd)
	}
	values.Set("order", strconv.Itoa(int(domain.OrderStarted)))
	values.Set("count", "100")
	return c.fetch(ctx, "search_by_participant", values)
}

func (c *Client) fetch(ctx context.Context, op string, values url.Values) ([]domain.EventRecord, error) {
	endpoint := c.baseURL + "/event/?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("connpass", op, "event", start, err)
	if err != nil {
		// Таймаут и сетевые отказы считаем повторимыми.
		return nil, &domain.UpstreamError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{
			Op:        op,
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests,
			Err:       errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	var parsed eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &domain.UpstreamError{Op: op, Retryable: false, Err: fmt.Errorf("декодирование ответа: %w", err)}
	}

	events := make([]domain.EventRecord, 0, len(parsed.Events))
	for _, raw := range parsed.Events {
		record, err := raw.toRecord()
		if err != nil {
			return nil, &domain.UpstreamError{Op: op, Retryable: false, Err: err}
		}
		events = append(events, record)
	}
	return events, nil
}

func (e eventJSON) toRecord() (domain.EventRecord, error) {
	startedAt, err := time.Parse(time.RFC3339, e.StartedAt)
	if err != nil {
		return domain.EventRecord{}, fmt.Errorf("событие %d: разбор started_at: %w", e.EventID, err)
	}
	record := domain.EventRecord{
		ID:            e.EventID,
		Title:         e.Title,
		Catch:         e.Catch,
		URL:           e.EventURL,
		StartedAt:     startedAt,
		Place:         e.Place,
		Address:       e.Address,
		HashTag:       e.HashTag,
		OwnerNickname: e.OwnerNickname,
		Accepted:      e.Accepted,
		Limit:         e.Limit,
	}
	if e.EndedAt != "" {
		endedAt, err := time.Parse(time.RFC3339, e.EndedAt)
		if err == nil {
			record.EndedAt = &endedAt
		}
	}
	if e.UpdatedAt != "" {
		if updatedAt, err := time.Parse(time.RFC3339, e.UpdatedAt); err == nil {
			record.UpdatedAt = updatedAt
		}
	}
	return record, nil
}

// encodeParams переводит параметры поиска в query connpass.
func encodeParams(params domain.SearchParams) url.Values {
	values := url.Values{}
	for _, keyword := range params.Keywords {
		values.Add("keyword", keyword)
	}
	for _, keyword := range params.KeywordsOr {
		values.Add("keyword_or", keyword)
	}
	if params.HashTag != "" {
		values.Add("keyword", "#"+strings.TrimPrefix(params.HashTag, "#"))
	}
	if params.Nickname != "" {
		values.Set("nickname", params.Nickname)
	}
	if params.OwnerNickname != "" {
		values.Set("owner_nickname", params.OwnerNickname)
	}
	for _, ymd := range ymdRange(params.From, params.To) {
		values.Add("ymd", ymd)
	}
	if params.Order.Valid() {
		values.Set("order", strconv.Itoa(int(params.Order)))
	}
	if params.Count > 0 {
		values.Set("count", strconv.Itoa(params.Count))
	}
	if params.Start > 0 {
		values.Set("start", strconv.Itoa(params.Start))
	}
	return values
}

// ymdRange перечисляет дни интервала в формате YYYYMMDD. Интервал шире 62
// дней обрезается: connpass всё равно не принимает больше.
func ymdRange(from, to time.Time) []string {
	const maxDays = 62
	if to.Before(from) {
		return nil
	}
	days := make([]string, 0, maxDays)
	for day := from; !day.After(to) && len(days) < maxDays; day = day.AddDate(0, 0, 1) {
		days = append(days, day.Format("20060102"))
	}
	return days
}
