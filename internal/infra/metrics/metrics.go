package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	FeedRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_runs_total",
		Help: "Количество запусков подписок",
	}, []string{"feed_id", "status"})

	FeedRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_run_seconds",
		Help:    "Длительность запуска подписки",
		Buckets: prometheus.DefBuckets,
	})

	FeedsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feeds_failed",
		Help: "Число подписок в состоянии failed",
	})

	EventsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dispatched_total",
		Help: "Количество событий, переданных в доставку",
	}, []string{"feed_id"})

	RemindersSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reminders_sent_total",
		Help: "Количество отправленных личных напоминаний",
	})

	MarkersCleanedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "markers_cleaned_total",
		Help: "Количество удалённых устаревших отметок",
	}, []string{"store"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		FeedRunsTotal,
		FeedRunSeconds,
		FeedsFailed,
		EventsDispatchedTotal,
		RemindersSentTotal,
		MarkersCleanedTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: сервер остановлен")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveFeedRun записывает итог запуска подписки.
func ObserveFeedRun(feedID string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	FeedRunsTotal.WithLabelValues(feedID, status).Inc()
	FeedRunSeconds.Observe(time.Since(start).Seconds())
}
