package domain

import (
	"context"
	"time"
)

// OutreachJobCause описывает источник запроса на запуск генератора.
type OutreachJobCause string

const (
	// OutreachCauseManual — тренер запустил генерацию вручную.
	OutreachCauseManual OutreachJobCause = "manual"
	// OutreachCauseScheduled — запуск по ежедневному расписанию.
	OutreachCauseScheduled OutreachJobCause = "scheduled"
)

// OutreachJob содержит информацию о задаче генерации черновиков.
type OutreachJob struct {
	ID          string           `json:"job_id,omitempty"`
	TrainerID   int64            `json:"trainer_id"`
	Date        time.Time        `json:"date"`
	RequestedAt time.Time        `json:"requested_at"`
	Cause       OutreachJobCause `json:"cause"`
}

// OutreachAckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type OutreachAckFunc func(success bool) error

// OutreachQueue описывает очередь задач на генерацию черновиков.
type OutreachQueue interface {
	Enqueue(ctx context.Context, job OutreachJob) error
	Receive(ctx context.Context) (OutreachJob, OutreachAckFunc, error)
}

// RunTaskRepo отвечает за идемпотентное планирование запусков.
type RunTaskRepo interface {
	// Acquire помечает запуск на указанный слот и возвращает true, если запись
	// была создана. При конфликте возвращает false без ошибки.
	Acquire(ctx context.Context, trainerID int64, scheduledFor time.Time) (bool, error)
}
