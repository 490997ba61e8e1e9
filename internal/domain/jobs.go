package domain

import (
	"context"
	"time"
)

// DispatchJobCause описывает источник партии событий.
type DispatchJobCause string

const (
	// DispatchCauseScheduled — партия собрана плановым запуском подписки.
	DispatchCauseScheduled DispatchJobCause = "scheduled"
	// DispatchCauseManual — партия собрана по ручному запуску.
	DispatchCauseManual DispatchJobCause = "manual"
)

// DispatchJob содержит партию новых событий, ожидающую доставки в Discord.
type DispatchJob struct {
	ID          string           `json:"job_id"`
	Payload     NewEventsPayload `json:"payload"`
	RequestedAt time.Time        `json:"requested_at"`
	Cause       DispatchJobCause `json:"cause"`
}

// DispatchAckFunc подтверждает успешную доставку или запрашивает повтор.
type DispatchAckFunc func(success bool) error

// DispatchQueue описывает очередь партий на доставку.
type DispatchQueue interface {
	Enqueue(ctx context.Context, job DispatchJob) error
	Receive(ctx context.Context) (DispatchJob, DispatchAckFunc, error)
}
