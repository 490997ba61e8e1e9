package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"connpass-notify-bot/internal/domain"
)

type stubQueue struct {
	jobs []domain.DispatchJob
	err  error
}

func (q *stubQueue) Enqueue(_ context.Context, job domain.DispatchJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Receive(context.Context) (domain.DispatchJob, domain.DispatchAckFunc, error) {
	return domain.DispatchJob{}, nil, errors.New("не используется")
}

func TestQueueDispatcherPublishesJob(t *testing.T) {
	queue := &stubQueue{}
	dispatcher := NewQueueDispatcher(queue, domain.DispatchCauseScheduled)
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	dispatcher.now = func() time.Time { return now }

	payload := domain.NewEventsPayload{
		FeedID:    "feed-1",
		ChannelID: "chan-1",
		Events:    []domain.EventRecord{{ID: 101, Title: "Meetup"}},
	}
	if err := dispatcher.HandleNewEvents(context.Background(), payload); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("ожидали одну задачу, получили %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.ID == "" {
		t.Fatalf("идентификатор задачи не должен быть пустым")
	}
	if job.Cause != domain.DispatchCauseScheduled {
		t.Fatalf("неожиданная причина: %s", job.Cause)
	}
	if !job.RequestedAt.Equal(now) {
		t.Fatalf("неожиданное время постановки: %s", job.RequestedAt)
	}
	if job.Payload.FeedID != "feed-1" || len(job.Payload.Events) != 1 {
		t.Fatalf("партия передаётся без изменений: %+v", job.Payload)
	}
}

func TestQueueDispatcherUniqueJobIDs(t *testing.T) {
	queue := &stubQueue{}
	dispatcher := NewQueueDispatcher(queue, domain.DispatchCauseManual)
	payload := domain.NewEventsPayload{FeedID: "feed-1", Events: []domain.EventRecord{{ID: 1}}}

	for i := 0; i < 3; i++ {
		if err := dispatcher.HandleNewEvents(context.Background(), payload); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}

	seen := map[string]bool{}
	for _, job := range queue.jobs {
		if seen[job.ID] {
			t.Fatalf("идентификаторы задач должны быть уникальны: %s", job.ID)
		}
		seen[job.ID] = true
	}
}

func TestQueueDispatcherPropagatesEnqueueError(t *testing.T) {
	queue := &stubQueue{err: errors.New("очередь недоступна")}
	dispatcher := NewQueueDispatcher(queue, domain.DispatchCauseScheduled)

	err := dispatcher.HandleNewEvents(context.Background(), domain.NewEventsPayload{FeedID: "feed-1"})
	if err == nil {
		t.Fatalf("ожидали ошибку постановки в очередь")
	}
}
