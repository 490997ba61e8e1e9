package dedup

import (
	"context"
	"fmt"

	"connpass-notify-bot/internal/domain"
)

// Filter отсекает события, уже отправлявшиеся в рамках подписки.
type Filter struct {
	sent domain.SentEventRepo
}

// NewFilter создаёт фильтр поверх хранилища отметок.
func NewFilter(sent domain.SentEventRepo) *Filter {
	return &Filter{sent: sent}
}

// FilterNew возвращает события без отметки для (feedID, event.ID), сохраняя
// исходный порядок. Отметки здесь не пишутся: фиксация выполняется вызовом
// MarkSent после успешной доставки.
func (f *Filter) FilterNew(ctx context.Context, feedID string, events []domain.EventRecord) ([]domain.EventRecord, error) {
	if len(events) == 0 {
		return nil, nil
	}
	unseen := make([]domain.EventRecord, 0, len(events))
	for _, event := range events {
		seen, err := f.sent.WasSent(ctx, feedID, event.ID)
		if err != nil {
			return nil, fmt.Errorf("проверка отметки события %d: %w", event.ID, err)
		}
		if !seen {
			unseen = append(unseen, event)
		}
	}
	return unseen, nil
}

// MarkSent записывает отметки для всех перечисленных событий.
func (f *Filter) MarkSent(ctx context.Context, feedID string, events []domain.EventRecord) error {
	for _, event := range events {
		if err := f.sent.MarkSent(ctx, feedID, event.ID); err != nil {
			return fmt.Errorf("запись отметки события %d: %w", event.ID, err)
		}
	}
	return nil
}
