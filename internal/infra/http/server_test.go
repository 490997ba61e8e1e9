package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/domain"
)

type stubController struct {
	states []FeedStateView
	resets []string
	runs   []string
	known  map[string]bool
	runErr error
}

func (s *stubController) FeedStates() []FeedStateView { return s.states }

func (s *stubController) ResetFeed(_ context.Context, feedID string) error {
	if !s.known[feedID] {
		return fmt.Errorf("подписка не найдена: %w", domain.ErrNotFound)
	}
	s.resets = append(s.resets, feedID)
	return nil
}

func (s *stubController) RunNow(_ context.Context, feedID string) error {
	if !s.known[feedID] {
		return fmt.Errorf("подписка не найдена: %w", domain.ErrNotFound)
	}
	if s.runErr != nil {
		return s.runErr
	}
	s.runs = append(s.runs, feedID)
	return nil
}

func serveOps(t *testing.T, controller FeedController, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	server := NewServer(zerolog.Nop(), controller)
	rec := httptest.NewRecorder()
	server.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestFeedsEndpointReturnsStates(t *testing.T) {
	controller := &stubController{states: []FeedStateView{
		{FeedID: "feed-1", Schedule: "каждый день в 09:00", State: "failed", Failures: 5},
	}}

	rec := serveOps(t, controller, http.MethodGet, "/feeds")

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var states []FeedStateView
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(states) != 1 || states[0].FeedID != "feed-1" || states[0].State != "failed" {
		t.Fatalf("состояния прочитались иначе: %v", states)
	}
}

func TestResetEndpointResetsKnownFeed(t *testing.T) {
	controller := &stubController{known: map[string]bool{"feed-1": true}}

	rec := serveOps(t, controller, http.MethodPost, "/feeds/feed-1/reset")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", rec.Code)
	}
	if len(controller.resets) != 1 || controller.resets[0] != "feed-1" {
		t.Fatalf("ожидали сброс подписки feed-1, получили %v", controller.resets)
	}
}

func TestResetEndpointUnknownFeed(t *testing.T) {
	controller := &stubController{known: map[string]bool{}}

	rec := serveOps(t, controller, http.MethodPost, "/feeds/нет/reset")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
	if len(controller.resets) != 0 {
		t.Fatalf("неизвестная подписка не должна сбрасываться")
	}
}

func TestRunEndpointRunsKnownFeed(t *testing.T) {
	controller := &stubController{known: map[string]bool{"feed-1": true}}

	rec := serveOps(t, controller, http.MethodPost, "/feeds/feed-1/run")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", rec.Code)
	}
	if len(controller.runs) != 1 || controller.runs[0] != "feed-1" {
		t.Fatalf("ожидали запуск подписки feed-1, получили %v", controller.runs)
	}
}

func TestRunEndpointReportsRunError(t *testing.T) {
	controller := &stubController{
		known:  map[string]bool{"feed-1": true},
		runErr: errors.New("connpass недоступен"),
	}

	rec := serveOps(t, controller, http.MethodPost, "/feeds/feed-1/run")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("ожидали 500, получили %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec := serveOps(t, nil, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}
