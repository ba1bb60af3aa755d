package domain

import (
	"strings"
	"time"
)

// Contact описывает клиента тренера.
type Contact struct {
	ID            int64
	TrainerID     int64
	DisplayName   string
	Phone         string
	Email         string
	Consent       bool
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// FirstName возвращает имя клиента для подстановки в шаблон.
func (c Contact) FirstName() string {
	fields := strings.Fields(c.DisplayName)
	if len(fields) == 0 {
		return c.DisplayName
	}
	return fields[0]
}

// Insight содержит производные метрики по клиенту из внешней аналитики.
type Insight struct {
	ContactID         int64
	RiskScore         int
	LastActivityAt    *time.Time
	CompletedSessions int
	MissedSessions    int
}

// Booking описывает запланированную тренировку.
type Booking struct {
	ID          int64
	ContactID   int64
	ScheduledAt time.Time
	Status      string
}

// TrainerSettings хранит настройки рассылки тренера.
type TrainerSettings struct {
	TrainerID    int64
	Timezone     string
	QuietStart   string
	QuietEnd     string
	DailyCap     int
	DailyRunTime time.Time
	Channel      MessageChannel
}

// Trigger — категория условия, выбравшего клиента для сообщения.
type Trigger string

const (
	TriggerHighRisk        Trigger = "high_risk"
	TriggerReEngagement    Trigger = "re_engagement"
	TriggerMissedSession   Trigger = "missed_session"
	TriggerBookingReminder Trigger = "booking_reminder"
	TriggerMilestone       Trigger = "milestone"
	TriggerLongInactive    Trigger = "long_inactive"
	TriggerGeneralCheckIn  Trigger = "general_check_in"
)

// DraftCandidate — кандидат на черновик, живёт только внутри одного запуска.
type DraftCandidate struct {
	ContactID         int64
	ContactName       string
	Priority          int
	Reasons           []string
	Trigger           Trigger
	CompletedSessions int
}

// MessageStatus — статус сообщения в очереди согласования.
type MessageStatus string

const (
	StatusDraft   MessageStatus = "draft"
	StatusQueued  MessageStatus = "queued"
	StatusSent    MessageStatus = "sent"
	StatusExpired MessageStatus = "expired"
)

// MessageChannel — канал доставки сообщения.
type MessageChannel string

const (
	ChannelSMS   MessageChannel = "sms"
	ChannelEmail MessageChannel = "email"
)

// Message представляет черновик или отправленное сообщение клиенту.
type Message struct {
	ID             int64
	TrainerID      int64
	ContactID      int64
	ContactName    string
	Content        string
	Channel        MessageChannel
	Status         MessageStatus
	Confidence     float64
	Reasons        []string
	GeneratedBy    string
	IdempotencyKey string
	ExpiresAt      time.Time
	ScheduledFor   *time.Time
	CreatedAt      time.Time
	SentAt         *time.Time
}

// Open сообщает, ожидает ли сообщение решения тренера.
func (m Message) Open() bool {
	return m.Status == StatusDraft || m.Status == StatusQueued
}

// RunSummary — итог одного запуска генератора черновиков.
type RunSummary struct {
	TrainerID  int64     `json:"trainer_id"`
	RanAt      time.Time `json:"ran_at"`
	Considered int       `json:"considered"`
	Generated  int       `json:"generated"`
	Skipped    int       `json:"skipped_duplicates"`
	Cleaned    int       `json:"cleaned"`
}

// ApproveResult описывает исход согласования одного сообщения.
type ApproveResult struct {
	MessageID    int64      `json:"message_id"`
	Sent         bool       `json:"sent"`
	Deferred     bool       `json:"deferred"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// BatchItemError — ошибка по одному сообщению внутри пакетного согласования.
type BatchItemError struct {
	MessageID int64  `json:"message_id"`
	Error     string `json:"error"`
}

// BatchApproveResult агрегирует исход пакетного согласования.
type BatchApproveResult struct {
	Approved int              `json:"approved"`
	Deferred int              `json:"deferred"`
	Errors   []BatchItemError `json:"errors,omitempty"`
}
