package domain

import (
	"context"
	"time"
)

// SignalRepo читает сигналы клиента: контакты, аналитику, записи на тренировки.
// Данные принадлежат внешним подсистемам, ядро их только читает.
type SignalRepo interface {
	GetContact(ctx context.Context, trainerID, contactID int64) (Contact, error)
	ListConsentedContacts(ctx context.Context, trainerID int64) ([]Contact, error)
	ListInsights(ctx context.Context, trainerID int64) (map[int64]Insight, error)
	ListUpcomingBookings(ctx context.Context, trainerID int64, until time.Time) ([]Booking, error)
}

// MessageRepo управляет сообщениями в очереди согласования.
type MessageRepo interface {
	CreateDraft(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, trainerID, id int64) (Message, error)
	ListOpenMessages(ctx context.Context, trainerID int64) ([]Message, error)
	ListOpenDraftContactIDs(ctx context.Context, trainerID int64) (map[int64]struct{}, error)
	UpdateContent(ctx context.Context, trainerID, id int64, content string) error
	MarkQueued(ctx context.Context, trainerID, id int64, scheduledFor time.Time) error
	MarkSent(ctx context.Context, trainerID, id int64, sentAt time.Time) error
	DeleteExpiredDrafts(ctx context.Context, trainerID int64, before time.Time) (int, error)
	DeleteStaleQueued(ctx context.Context, trainerID int64, before time.Time) (int, error)
	CountSentToContact(ctx context.Context, trainerID, contactID int64, since time.Time) (int, error)
}

// TrainerRepo управляет настройками тренеров.
type TrainerRepo interface {
	GetSettings(ctx context.Context, trainerID int64) (TrainerSettings, error)
	ListForDailyRun(ctx context.Context, now time.Time) ([]TrainerSettings, error)
}

// RunSummaryRepo хранит итоги запусков генератора.
type RunSummaryRepo interface {
	SaveRunSummary(ctx context.Context, summary RunSummary) error
	LastRunSummary(ctx context.Context, trainerID int64) (RunSummary, error)
}

// OutboundMessage — то, что уходит в канал доставки.
type OutboundMessage struct {
	IdempotencyKey string
	Channel        MessageChannel
	To             string
	Body           string
}

// SendChannel доставляет сообщение клиенту через внешнего провайдера.
type SendChannel interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// DraftWriter сочиняет текст черновика по кандидату.
type DraftWriter interface {
	Compose(ctx context.Context, candidate DraftCandidate) (content string, generator string, err error)
}

// Locker выполняет функцию под распределённым замком с TTL.
type Locker interface {
	// Once возвращает false, если замок уже занят другим вызовом.
	Once(key string, ttl time.Duration, fn func() error) (bool, error)
}
