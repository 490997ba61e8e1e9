package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound возвращается хранилищами, когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// ErrInvalidSchedule возвращается при некорректном cron-выражении.
// Подписка с таким расписанием исключается из планирования до исправления.
var ErrInvalidSchedule = errors.New("некорректное cron-выражение")

// UpstreamError описывает отказ внешнего API событий.
type UpstreamError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("connpass %s: статус %d", e.Op, e.Status)
	}
	return fmt.Sprintf("connpass %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// PersistenceError описывает отказ хранилища.
type PersistenceError struct {
	Store string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("хранилище %s, операция %s: %v", e.Store, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DispatchError описывает отказ доставки партии событий.
type DispatchError struct {
	FeedID string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("доставка для подписки %s: %v", e.FeedID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
