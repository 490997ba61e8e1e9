package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"connpass-notify-bot/internal/domain"
)

// RedisDispatchQueue реализует очередь партий на базе Redis lists.
// Подтверждение здесь формальное: BRPOP уже снял сообщение, повтор при
// success=false выполняется обратной публикацией.
type RedisDispatchQueue struct {
	client *redis.Client
	key    string
}

var _ domain.DispatchQueue = (*RedisDispatchQueue)(nil)

// NewRedisDispatchQueue создаёт очередь по указанному ключу.
func NewRedisDispatchQueue(client *redis.Client, key string) *RedisDispatchQueue {
	return &RedisDispatchQueue{client: client, key: key}
}

// Enqueue публикует партию в очередь.
func (q *RedisDispatchQueue) Enqueue(ctx context.Context, job domain.DispatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("кодирование задачи: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("публикация задачи: %w", err)
	}
	return nil
}

// Receive блокирующе читает партию из очереди.
func (q *RedisDispatchQueue) Receive(ctx context.Context) (domain.DispatchJob, domain.DispatchAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.DispatchJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.DispatchJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.DispatchJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.DispatchJob{}, nil, errors.New("redis queue: неожиданный ответ")
		}
		var job domain.DispatchJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.DispatchJob{}, nil, fmt.Errorf("декодирование задачи: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.Enqueue(context.Background(), job)
		}
		return job, ack, nil
	}
}
