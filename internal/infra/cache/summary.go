package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"connpass-notify-bot/internal/domain"
)

// SummaryTTL ограничивает время жизни аннотации: событие с прошедшей датой
// начала в кэше больше не нужно.
const SummaryTTL = 14 * 24 * time.Hour

// RedisSummaryCache реализует domain.SummaryCacheRepo поверх Redis.
type RedisSummaryCache struct {
	client *redis.Client
	prefix string
}

var _ domain.SummaryCacheRepo = (*RedisSummaryCache)(nil)

// NewRedisSummaryCache создаёт кэш аннотаций.
func NewRedisSummaryCache(client *redis.Client, prefix string) *RedisSummaryCache {
	if prefix == "" {
		prefix = "summary"
	}
	return &RedisSummaryCache{client: client, prefix: prefix}
}

func (c *RedisSummaryCache) key(eventID int64) string {
	return c.prefix + ":" + strconv.FormatInt(eventID, 10)
}

// SaveSummary сохраняет аннотацию события.
func (c *RedisSummaryCache) SaveSummary(ctx context.Context, entry domain.SummaryCacheEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("кодирование аннотации: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entry.EventID), payload, SummaryTTL).Err(); err != nil {
		return &domain.PersistenceError{Store: "redis", Op: "save_summary", Err: err}
	}
	return nil
}

// GetSummary возвращает аннотацию события или domain.ErrNotFound.
func (c *RedisSummaryCache) GetSummary(ctx context.Context, eventID int64) (domain.SummaryCacheEntry, error) {
	raw, err := c.client.Get(ctx, c.key(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SummaryCacheEntry{}, domain.ErrNotFound
		}
		return domain.SummaryCacheEntry{}, &domain.PersistenceError{Store: "redis", Op: "get_summary", Err: err}
	}
	var entry domain.SummaryCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.SummaryCacheEntry{}, fmt.Errorf("декодирование аннотации: %w", err)
	}
	return entry, nil
}

// DeleteSummary удаляет аннотацию события.
func (c *RedisSummaryCache) DeleteSummary(ctx context.Context, eventID int64) error {
	if err := c.client.Del(ctx, c.key(eventID)).Err(); err != nil {
		return &domain.PersistenceError{Store: "redis", Op: "delete_summary", Err: err}
	}
	return nil
}
