package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Backend определяет выбранный тип хранилища.
type Backend string

const (
	// BackendPostgres — хранилище в Postgres.
	BackendPostgres Backend = "postgres"
	// BackendFile — файловое хранилище (JSON).
	BackendFile Backend = "file"
)

// AppConfig описывает конфигурацию сервисов. Загружается один раз при старте
// и дальше передаётся в конструкторы значением.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Asia/Tokyo"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Storage struct {
		Backend string `envconfig:"STORAGE_BACKEND" default:"postgres"`
		FileDir string `envconfig:"FILE_STORAGE_DIR" default:"./data"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Discord struct {
		Token string `envconfig:"DISCORD_BOT_TOKEN"`
	} `envconfig:""`

	Connpass struct {
		BaseURL   string        `envconfig:"CONNPASS_BASE_URL"`
		APIKey    string        `envconfig:"CONNPASS_API_KEY"`
		Timeout   time.Duration `envconfig:"CONNPASS_TIMEOUT" default:"10s"`
		PageCount int           `envconfig:"CONNPASS_PAGE_COUNT" default:"100"`
	} `envconfig:""`

	Scheduler struct {
		Tick        time.Duration `envconfig:"SCHEDULER_TICK" default:"30s"`
		Workers     int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
		MaxFailures int           `envconfig:"SCHEDULER_MAX_FAILURES" default:"5"`
	} `envconfig:""`

	Notify struct {
		PollIntervalMS int `envconfig:"NOTIFY_POLL_INTERVAL_MS" default:"60000"`
		DefaultBefore  int `envconfig:"NOTIFY_BEFORE_MIN" default:"15"`
		RetentionDays  int `envconfig:"NOTIFY_RETENTION_DAYS" default:"30"`
	} `envconfig:""`

	Queues struct {
		Dispatch string `envconfig:"DISPATCH_QUEUE_KEY" default:"dispatch_jobs"`
	} `envconfig:""`
}

// StorageBackend возвращает выбранный тип хранилища.
func (c AppConfig) StorageBackend() Backend {
	return Backend(c.Storage.Backend)
}

// NotifyPollInterval возвращает интервал опроса движка напоминаний.
func (c AppConfig) NotifyPollInterval() time.Duration {
	return time.Duration(c.Notify.PollIntervalMS) * time.Millisecond
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Validate проверяет согласованность конфигурации. Вызывается один раз при старте.
func (c AppConfig) Validate() error {
	switch c.StorageBackend() {
	case BackendPostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("выбран backend postgres, но PG_DSN пуст")
		}
	case BackendFile:
		if c.Storage.FileDir == "" {
			return fmt.Errorf("выбран backend file, но FILE_STORAGE_DIR пуст")
		}
	default:
		return fmt.Errorf("неизвестный storage backend: %q", c.Storage.Backend)
	}
	if c.Notify.PollIntervalMS <= 0 {
		return fmt.Errorf("NOTIFY_POLL_INTERVAL_MS должен быть положительным")
	}
	if c.Notify.DefaultBefore <= 0 {
		return fmt.Errorf("NOTIFY_BEFORE_MIN должен быть положительным")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS должен быть положительным")
	}
	if c.Connpass.Timeout <= 0 {
		return fmt.Errorf("CONNPASS_TIMEOUT должен быть положительным")
	}
	return nil
}
