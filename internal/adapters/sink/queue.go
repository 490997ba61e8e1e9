package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"connpass-notify-bot/internal/domain"
)

var _ domain.Dispatcher = (*QueueDispatcher)(nil)

// QueueDispatcher публикует партии событий в очередь доставки вместо
// прямой отправки. Доставкой занимается отдельный процесс-потребитель.
type QueueDispatcher struct {
	queue domain.DispatchQueue
	cause domain.DispatchJobCause
	now   func() time.Time
}

// NewQueueDispatcher создаёт издателя партий с указанной причиной запуска.
func NewQueueDispatcher(queue domain.DispatchQueue, cause domain.DispatchJobCause) *QueueDispatcher {
	return &QueueDispatcher{
		queue: queue,
		cause: cause,
		now:   time.Now,
	}
}

// HandleNewEvents реализует domain.Dispatcher.
func (d *QueueDispatcher) HandleNewEvents(ctx context.Context, payload domain.NewEventsPayload) error {
	job := domain.DispatchJob{
		ID:          uuid.NewString(),
		Payload:     payload,
		RequestedAt: d.now().UTC(),
		Cause:       d.cause,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("поставить партию подписки %s в очередь: %w", payload.FeedID, err)
	}
	return nil
}
