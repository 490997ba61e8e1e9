package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"connpass-notify-bot/internal/domain"
	"connpass-notify-bot/internal/infra/metrics"
)

// RabbitDispatchQueue реализует очередь партий на доставку через AMQP.
type RabbitDispatchQueue struct {
	url   string
	queue string

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

var _ domain.DispatchQueue = (*RabbitDispatchQueue)(nil)

// NewRabbitDispatchQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitDispatchQueue(amqpURL, queue string) (*RabbitDispatchQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url пуст")
	}
	if queue == "" {
		return nil, errors.New("имя очереди пусто")
	}
	q := &RabbitDispatchQueue{url: amqpURL, queue: queue}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitDispatchQueue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := channel.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return fmt.Errorf("объявление очереди: %w", err)
	}
	q.conn = conn
	q.channel = channel
	q.deliveries = nil
	return nil
}

func (q *RabbitDispatchQueue) ensureChannel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn != nil && !q.conn.IsClosed() {
		return q.channel, nil
	}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q.channel, nil
}

// Enqueue публикует партию в очередь.
func (q *RabbitDispatchQueue) Enqueue(ctx context.Context, job domain.DispatchJob) error {
	channel, err := q.ensureChannel()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("кодирование задачи: %w", err)
	}
	start := time.Now()
	err = channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("публикация задачи: %w", err)
	}
	return nil
}

// ensureDeliveries подписывается на очередь один раз на соединение.
func (q *RabbitDispatchQueue) ensureDeliveries(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel, err := q.ensureChannel()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := channel.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("подписка на очередь: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Receive блокирующе читает партию из очереди. Возвращённая функция
// подтверждает обработку: success=false возвращает сообщение в очередь.
func (q *RabbitDispatchQueue) Receive(ctx context.Context) (domain.DispatchJob, domain.DispatchAckFunc, error) {
	deliveries, err := q.ensureDeliveries(ctx)
	if err != nil {
		return domain.DispatchJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.DispatchJob{}, nil, ctx.Err()
	case delivery, ok := <-deliveries:
		if !ok {
			// Канал закрылся; следующая попытка подпишется заново.
			q.mu.Lock()
			q.deliveries = nil
			q.mu.Unlock()
			return domain.DispatchJob{}, nil, errors.New("канал доставки закрыт")
		}
		var job domain.DispatchJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			_ = delivery.Nack(false, false)
			return domain.DispatchJob{}, nil, fmt.Errorf("декодирование задачи: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает соединение с RabbitMQ.
func (q *RabbitDispatchQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
