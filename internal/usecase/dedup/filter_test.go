package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"connpass-notify-bot/internal/domain"
)

type stubSentRepo struct {
	markers map[string]map[int64]bool
	failOn  int64
}

func newStubSentRepo() *stubSentRepo {
	return &stubSentRepo{markers: map[string]map[int64]bool{}}
}

func (s *stubSentRepo) MarkSent(_ context.Context, feedID string, eventID int64) error {
	if s.markers[feedID] == nil {
		s.markers[feedID] = map[int64]bool{}
	}
	s.markers[feedID][eventID] = true
	return nil
}

func (s *stubSentRepo) WasSent(_ context.Context, feedID string, eventID int64) (bool, error) {
	if s.failOn != 0 && eventID == s.failOn {
		return false, errors.New("хранилище недоступно")
	}
	return s.markers[feedID][eventID], nil
}

func (s *stubSentRepo) ListSent(_ context.Context, feedID string) ([]domain.SentEventMarker, error) {
	var out []domain.SentEventMarker
	for id := range s.markers[feedID] {
		out = append(out, domain.SentEventMarker{FeedID: feedID, EventID: id, UpdatedAt: time.Now()})
	}
	return out, nil
}

func (s *stubSentRepo) CleanupSent(_ context.Context, _ int) (int, error) { return 0, nil }

func events(ids ...int64) []domain.EventRecord {
	out := make([]domain.EventRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.EventRecord{ID: id})
	}
	return out
}

func TestFilterNewSecondRunYieldsOnlyUnseen(t *testing.T) {
	repo := newStubSentRepo()
	filter := NewFilter(repo)
	ctx := context.Background()

	first, err := filter.FilterNew(ctx, "feed-1", events(101, 102))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("ожидали 2 новых события, получили %d", len(first))
	}
	if err := filter.MarkSent(ctx, "feed-1", first); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	second, err := filter.FilterNew(ctx, "feed-1", events(101, 102, 103))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(second) != 1 || second[0].ID != 103 {
		t.Fatalf("ожидали только событие 103, получили %v", second)
	}
}

func TestFilterNewPreservesOrder(t *testing.T) {
	repo := newStubSentRepo()
	_ = repo.MarkSent(context.Background(), "feed-1", 20)
	filter := NewFilter(repo)

	got, err := filter.FilterNew(context.Background(), "feed-1", events(30, 10, 20, 40))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []int64{30, 10, 40}
	if len(got) != len(want) {
		t.Fatalf("ожидали %d событий, получили %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("позиция %d: ожидали %d, получили %d", i, id, got[i].ID)
		}
	}
}

func TestFilterNewScopedByFeed(t *testing.T) {
	repo := newStubSentRepo()
	filter := NewFilter(repo)
	ctx := context.Background()

	if err := filter.MarkSent(ctx, "feed-1", events(101)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got, err := filter.FilterNew(ctx, "feed-2", events(101))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("отметка другой подписки не должна влиять, получили %v", got)
	}
}

func TestFilterNewEmptyInput(t *testing.T) {
	filter := NewFilter(newStubSentRepo())
	got, err := filter.FilterNew(context.Background(), "feed-1", nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got != nil {
		t.Fatalf("ожидали nil, получили %v", got)
	}
}

func TestFilterNewPropagatesStoreError(t *testing.T) {
	repo := newStubSentRepo()
	repo.failOn = 102
	filter := NewFilter(repo)

	if _, err := filter.FilterNew(context.Background(), "feed-1", events(101, 102)); err == nil {
		t.Fatalf("ожидали ошибку хранилища")
	}
}
