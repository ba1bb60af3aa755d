package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coach-crm/internal/domain"
	"coach-crm/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SignalRepo     = (*Postgres)(nil)
	_ domain.MessageRepo    = (*Postgres)(nil)
	_ domain.TrainerRepo    = (*Postgres)(nil)
	_ domain.RunSummaryRepo = (*Postgres)(nil)
	_ domain.RunTaskRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetContact возвращает контакт тренера.
func (p *Postgres) GetContact(ctx context.Context, trainerID, contactID int64) (domain.Contact, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, trainer_id, display_name, phone, email, consent, last_message_at, created_at
FROM contacts
WHERE trainer_id = $1 AND id = $2
`, trainerID, contactID)
	contact, err := scanContact(row)
	metrics.ObserveNetworkRequest("postgres", "contacts_get", "contacts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contact{}, domain.ErrContactNotFound
	}
	return contact, err
}

// ListConsentedContacts возвращает клиентов тренера с активным согласием.
func (p *Postgres) ListConsentedContacts(ctx context.Context, trainerID int64) ([]domain.Contact, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, trainer_id, display_name, phone, email, consent, last_message_at, created_at
FROM contacts
WHERE trainer_id = $1 AND consent
ORDER BY id
`, trainerID)
	metrics.ObserveNetworkRequest("postgres", "contacts_list", "contacts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

func scanContact(row pgx.Row) (domain.Contact, error) {
	var (
		contact       domain.Contact
		phone         sql.NullString
		email         sql.NullString
		lastMessageAt sql.NullTime
	)
	err := row.Scan(&contact.ID, &contact.TrainerID, &contact.DisplayName, &phone, &email, &contact.Consent, &lastMessageAt, &contact.CreatedAt)
	if err != nil {
		return domain.Contact{}, err
	}
	contact.Phone = phone.String
	contact.Email = email.String
	if lastMessageAt.Valid {
		ts := lastMessageAt.Time
		contact.LastMessageAt = &ts
	}
	return contact, nil
}

// ListInsights возвращает аналитику по клиентам тренера.
func (p *Postgres) ListInsights(ctx context.Context, trainerID int64) (map[int64]domain.Insight, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT i.contact_id, i.risk_score, i.last_activity_at, i.completed_sessions, i.missed_sessions
FROM insights i
JOIN contacts c ON c.id = i.contact_id
WHERE c.trainer_id = $1
`, trainerID)
	metrics.ObserveNetworkRequest("postgres", "insights_list", "insights", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	insights := make(map[int64]domain.Insight)
	for rows.Next() {
		var (
			insight        domain.Insight
			lastActivityAt sql.NullTime
		)
		if err := rows.Scan(&insight.ContactID, &insight.RiskScore, &lastActivityAt, &insight.CompletedSessions, &insight.MissedSessions); err != nil {
			return nil, err
		}
		if lastActivityAt.Valid {
			ts := lastActivityAt.Time
			insight.LastActivityAt = &ts
		}
		insights[insight.ContactID] = insight
	}
	return insights, rows.Err()
}

// ListUpcomingBookings возвращает неотменённые записи до указанного времени.
func (p *Postgres) ListUpcomingBookings(ctx context.Context, trainerID int64, until time.Time) ([]domain.Booking, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT b.id, b.contact_id, b.scheduled_at, b.status
FROM bookings b
JOIN contacts c ON c.id = b.contact_id
WHERE c.trainer_id = $1 AND b.scheduled_at > now() AND b.scheduled_at < $2 AND b.status <> 'cancelled'
`, trainerID, until)
	metrics.ObserveNetworkRequest("postgres", "bookings_list", "bookings", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []domain.Booking
	for rows.Next() {
		var booking domain.Booking
		if err := rows.Scan(&booking.ID, &booking.ContactID, &booking.ScheduledAt, &booking.Status); err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	return bookings, rows.Err()
}

// CreateDraft сохраняет новый черновик.
func (p *Postgres) CreateDraft(ctx context.Context, msg domain.Message) (domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	reasons, err := json.Marshal(msg.Reasons)
	if err != nil {
		return domain.Message{}, fmt.Errorf("marshal reasons: %w", err)
	}

	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO messages (trainer_id, contact_id, content, channel, status, confidence, reasons, generated_by, idempotency_key, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id
`, msg.TrainerID, msg.ContactID, msg.Content, msg.Channel, msg.Status, msg.Confidence, reasons, msg.GeneratedBy, msg.IdempotencyKey, msg.ExpiresAt, msg.CreatedAt).Scan(&msg.ID)
	metrics.ObserveNetworkRequest("postgres", "messages_insert", "messages", start, err)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23503" {
			return domain.Message{}, domain.ErrContactNotFound
		}
		return domain.Message{}, err
	}
	return msg, nil
}

const messageColumns = `
m.id, m.trainer_id, m.contact_id, c.display_name, m.content, m.channel, m.status, m.confidence,
m.reasons, m.generated_by, m.idempotency_key, m.expires_at, m.scheduled_for, m.created_at, m.sent_at`

// GetMessage возвращает сообщение тренера.
func (p *Postgres) GetMessage(ctx context.Context, trainerID, id int64) (domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+messageColumns+`
FROM messages m
JOIN contacts c ON c.id = m.contact_id
WHERE m.trainer_id = $1 AND m.id = $2
`, trainerID, id)
	msg, err := scanMessage(row)
	metrics.ObserveNetworkRequest("postgres", "messages_get", "messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msg, err
}

// ListOpenMessages возвращает открытые сообщения тренера для очереди ревью.
func (p *Postgres) ListOpenMessages(ctx context.Context, trainerID int64) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages m
JOIN contacts c ON c.id = m.contact_id
WHERE m.trainer_id = $1 AND m.status IN ('draft', 'queued')
ORDER BY m.confidence DESC, m.id
`, trainerID)
	metrics.ObserveNetworkRequest("postgres", "messages_list_open", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		msg          domain.Message
		reasons      []byte
		scheduledFor sql.NullTime
		sentAt       sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.TrainerID, &msg.ContactID, &msg.ContactName, &msg.Content, &msg.Channel, &msg.Status, &msg.Confidence,
		&reasons, &msg.GeneratedBy, &msg.IdempotencyKey, &msg.ExpiresAt, &scheduledFor, &msg.CreatedAt, &sentAt)
	if err != nil {
		return domain.Message{}, err
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &msg.Reasons); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal reasons: %w", err)
		}
	}
	if scheduledFor.Valid {
		ts := scheduledFor.Time
		msg.ScheduledFor = &ts
	}
	if sentAt.Valid {
		ts := sentAt.Time
		msg.SentAt = &ts
	}
	return msg, nil
}

// ListOpenDraftContactIDs возвращает клиентов с открытым черновиком.
func (p *Postgres) ListOpenDraftContactIDs(ctx context.Context, trainerID int64) (map[int64]struct{}, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT contact_id
FROM messages
WHERE trainer_id = $1 AND status IN ('draft', 'queued')
`, trainerID)
	metrics.ObserveNetworkRequest("postgres", "messages_open_contacts", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// UpdateContent переписывает текст черновика.
func (p *Postgres) UpdateContent(ctx context.Context, trainerID, id int64, content string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE messages SET content = $3
WHERE trainer_id = $1 AND id = $2 AND status = 'draft'
`, trainerID, id, content)
	metrics.ObserveNetworkRequest("postgres", "messages_update_content", "messages", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// MarkQueued откладывает сообщение до конца тихих часов.
func (p *Postgres) MarkQueued(ctx context.Context, trainerID, id int64, scheduledFor time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE messages SET status = 'queued', scheduled_for = $3
WHERE trainer_id = $1 AND id = $2 AND status = 'draft'
`, trainerID, id, scheduledFor)
	metrics.ObserveNetworkRequest("postgres", "messages_mark_queued", "messages", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// MarkSent помечает сообщение отправленным и обновляет last_message_at контакта.
func (p *Postgres) MarkSent(ctx context.Context, trainerID, id int64, sentAt time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var contactID int64
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE messages SET status = 'sent', sent_at = $3, scheduled_for = NULL
WHERE trainer_id = $1 AND id = $2 AND status IN ('draft', 'queued')
RETURNING contact_id
`, trainerID, id, sentAt).Scan(&contactID)
	metrics.ObserveNetworkRequest("postgres", "messages_mark_sent", "messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE contacts SET last_message_at = $2 WHERE id = $1
`, contactID, sentAt)
	metrics.ObserveNetworkRequest("postgres", "contacts_touch", "contacts", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "messages", start, err)
	return err
}

// DeleteExpiredDrafts удаляет черновики, созданные раньше указанного момента.
func (p *Postgres) DeleteExpiredDrafts(ctx context.Context, trainerID int64, before time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM messages
WHERE trainer_id = $1 AND status = 'draft' AND created_at < $2
`, trainerID, before)
	metrics.ObserveNetworkRequest("postgres", "messages_sweep_drafts", "messages", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// DeleteStaleQueued удаляет отложенные сообщения, чьё окно отправки прошло
// раньше указанного момента, а отправка так и не случилась. Возраст строки
// роли не играет: отложенное вчера сообщение со свежим окном живёт дальше.
func (p *Postgres) DeleteStaleQueued(ctx context.Context, trainerID int64, before time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM messages
WHERE trainer_id = $1 AND status = 'queued' AND scheduled_for < $2
`, trainerID, before)
	metrics.ObserveNetworkRequest("postgres", "messages_sweep_queued", "messages", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CountSentToContact считает отправленные клиенту сообщения с указанного момента.
func (p *Postgres) CountSentToContact(ctx context.Context, trainerID, contactID int64, since time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `
SELECT count(*)
FROM messages
WHERE trainer_id = $1 AND contact_id = $2 AND status = 'sent' AND sent_at >= $3
`, trainerID, contactID, since).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "messages_count_sent", "messages", start, err)
	return count, err
}

// GetSettings возвращает настройки рассылки тренера.
func (p *Postgres) GetSettings(ctx context.Context, trainerID int64) (domain.TrainerSettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var (
		settings domain.TrainerSettings
		quietA   sql.NullString
		quietB   sql.NullString
	)
	err := p.pool.QueryRow(ctx, `
SELECT trainer_id, tz, quiet_start, quiet_end, daily_cap, daily_run_time, channel
FROM trainer_settings
WHERE trainer_id = $1
`, trainerID).Scan(&settings.TrainerID, &settings.Timezone, &quietA, &quietB, &settings.DailyCap, &settings.DailyRunTime, &settings.Channel)
	metrics.ObserveNetworkRequest("postgres", "trainer_settings_get", "trainer_settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrainerSettings{}, domain.ErrTrainerNotFound
	}
	if err != nil {
		return domain.TrainerSettings{}, err
	}
	settings.QuietStart = quietA.String
	settings.QuietEnd = quietB.String
	return settings, nil
}

// ListForDailyRun возвращает тренеров, чьё время ежедневного запуска наступило.
func (p *Postgres) ListForDailyRun(ctx context.Context, now time.Time) ([]domain.TrainerSettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT trainer_id, tz, quiet_start, quiet_end, daily_cap, daily_run_time, channel
FROM trainer_settings
WHERE daily_run_time::time <= $1::time
`, now)
	metrics.ObserveNetworkRequest("postgres", "trainer_settings_due", "trainer_settings", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.TrainerSettings
	for rows.Next() {
		var (
			settings domain.TrainerSettings
			quietA   sql.NullString
			quietB   sql.NullString
		)
		if err := rows.Scan(&settings.TrainerID, &settings.Timezone, &quietA, &quietB, &settings.DailyCap, &settings.DailyRunTime, &settings.Channel); err != nil {
			return nil, err
		}
		settings.QuietStart = quietA.String
		settings.QuietEnd = quietB.String
		due = append(due, settings)
	}
	return due, rows.Err()
}

// SaveRunSummary сохраняет итог запуска генератора.
func (p *Postgres) SaveRunSummary(ctx context.Context, summary domain.RunSummary) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO outreach_runs (trainer_id, ran_at, considered, generated, skipped, cleaned)
VALUES ($1, $2, $3, $4, $5, $6)
`, summary.TrainerID, summary.RanAt, summary.Considered, summary.Generated, summary.Skipped, summary.Cleaned)
	metrics.ObserveNetworkRequest("postgres", "outreach_runs_insert", "outreach_runs", start, err)
	return err
}

// LastRunSummary возвращает итог последнего запуска для тренера.
func (p *Postgres) LastRunSummary(ctx context.Context, trainerID int64) (domain.RunSummary, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var summary domain.RunSummary
	err := p.pool.QueryRow(ctx, `
SELECT trainer_id, ran_at, considered, generated, skipped, cleaned
FROM outreach_runs
WHERE trainer_id = $1
ORDER BY ran_at DESC
LIMIT 1
`, trainerID).Scan(&summary.TrainerID, &summary.RanAt, &summary.Considered, &summary.Generated, &summary.Skipped, &summary.Cleaned)
	metrics.ObserveNetworkRequest("postgres", "outreach_runs_last", "outreach_runs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunSummary{}, domain.ErrTrainerNotFound
	}
	return summary, err
}

// Acquire помечает запуск на слот; при конфликте возвращает false.
func (p *Postgres) Acquire(ctx context.Context, trainerID int64, scheduledFor time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO outreach_run_tasks (trainer_id, scheduled_for)
VALUES ($1, $2)
ON CONFLICT (trainer_id, scheduled_for) DO NOTHING
`, trainerID, scheduledFor)
	metrics.ObserveNetworkRequest("postgres", "run_tasks_acquire", "outreach_run_tasks", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
