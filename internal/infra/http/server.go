package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"connpass-notify-bot/internal/domain"
)

// FeedStateReporter отдаёт состояние подписок для операторского контроля.
type FeedStateReporter interface {
	FeedStates() []FeedStateView
}

// FeedController управляет подписками через операторский HTTP: снимок
// состояний, сброс отключённых подписок и ручной запуск.
type FeedController interface {
	FeedStateReporter
	ResetFeed(ctx context.Context, feedID string) error
	RunNow(ctx context.Context, feedID string) error
}

// FeedStateView — снимок состояния одной подписки.
type FeedStateView struct {
	FeedID    string     `json:"feed_id"`
	Schedule  string     `json:"schedule,omitempty"`
	State     string     `json:"state"`
	Failures  int        `json:"failures"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Server — операторский HTTP сервер на chi.
type Server struct {
	router chi.Router
	log    zerolog.Logger
	srv    *http.Server
}

// NewServer создаёт сервер с базовыми middlewares и маршрутами.
func NewServer(logger zerolog.Logger, feeds FeedController) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/feeds", func(w http.ResponseWriter, _ *http.Request) {
		states := []FeedStateView{}
		if feeds != nil {
			states = feeds.FeedStates()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(states); err != nil {
			logger.Error().Err(err).Msg("ops: не удалось сериализовать состояния подписок")
		}
	})
	r.Post("/feeds/{feedID}/reset", func(w http.ResponseWriter, r *http.Request) {
		if feeds == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		feedID := chi.URLParam(r, "feedID")
		if err := feeds.ResetFeed(r.Context(), feedID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.Error(w, "подписка не найдена", http.StatusNotFound)
				return
			}
			logger.Error().Err(err).Str("feed", feedID).Msg("ops: не удалось сбросить подписку")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Info().Str("feed", feedID).Msg("ops: подписка сброшена")
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/feeds/{feedID}/run", func(w http.ResponseWriter, r *http.Request) {
		if feeds == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		feedID := chi.URLParam(r, "feedID")
		if err := feeds.RunNow(r.Context(), feedID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				http.Error(w, "подписка не найдена", http.StatusNotFound)
				return
			}
			logger.Error().Err(err).Str("feed", feedID).Msg("ops: ручной запуск завершился ошибкой")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Info().Str("feed", feedID).Msg("ops: выполнен ручной запуск")
		w.WriteHeader(http.StatusNoContent)
	})

	return &Server{router: r, log: logger}
}

// Start запускает http.Server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("ops: HTTP сервер запущен")
	return s.srv.ListenAndServe()
}

// Shutdown корректно завершает работу сервера.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
