package outreach

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coach-crm/internal/domain"
)

type stubRepo struct {
	contacts []domain.Contact
	insights map[int64]domain.Insight
	bookings []domain.Booking
	settings domain.TrainerSettings

	drafts        []domain.Message
	queued        []domain.Message
	openDraftIDs  map[int64]struct{}
	failContactID int64
	expiredBefore time.Time
	staleBefore   time.Time
	cleanedDrafts int
	summaries     []domain.RunSummary

	contactsErr error
}

func (s *stubRepo) GetContact(_ context.Context, _, contactID int64) (domain.Contact, error) {
	for _, c := range s.contacts {
		if c.ID == contactID {
			return c, nil
		}
	}
	return domain.Contact{}, domain.ErrContactNotFound
}

func (s *stubRepo) ListConsentedContacts(context.Context, int64) ([]domain.Contact, error) {
	if s.contactsErr != nil {
		return nil, s.contactsErr
	}
	return s.contacts, nil
}

func (s *stubRepo) ListInsights(context.Context, int64) (map[int64]domain.Insight, error) {
	return s.insights, nil
}

func (s *stubRepo) ListUpcomingBookings(context.Context, int64, time.Time) ([]domain.Booking, error) {
	return s.bookings, nil
}

func (s *stubRepo) CreateDraft(_ context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ContactID == s.failContactID {
		return domain.Message{}, errors.New("insert failed")
	}
	msg.ID = int64(len(s.drafts) + 1)
	s.drafts = append(s.drafts, msg)
	if s.openDraftIDs == nil {
		s.openDraftIDs = make(map[int64]struct{})
	}
	s.openDraftIDs[msg.ContactID] = struct{}{}
	return msg, nil
}

func (s *stubRepo) GetMessage(context.Context, int64, int64) (domain.Message, error) {
	return domain.Message{}, domain.ErrMessageNotFound
}

func (s *stubRepo) ListOpenMessages(context.Context, int64) ([]domain.Message, error) {
	return s.drafts, nil
}

func (s *stubRepo) ListOpenDraftContactIDs(context.Context, int64) (map[int64]struct{}, error) {
	if s.openDraftIDs == nil {
		return map[int64]struct{}{}, nil
	}
	return s.openDraftIDs, nil
}

func (s *stubRepo) UpdateContent(context.Context, int64, int64, string) error { return nil }

func (s *stubRepo) MarkQueued(context.Context, int64, int64, time.Time) error { return nil }

func (s *stubRepo) MarkSent(context.Context, int64, int64, time.Time) error { return nil }

func (s *stubRepo) DeleteExpiredDrafts(_ context.Context, _ int64, before time.Time) (int, error) {
	s.expiredBefore = before
	return s.cleanedDrafts, nil
}

// DeleteStaleQueued повторяет контракт репозитория: удаляются только
// сообщения, чьё окно отправки прошло раньше before.
func (s *stubRepo) DeleteStaleQueued(_ context.Context, _ int64, before time.Time) (int, error) {
	s.staleBefore = before
	var kept []domain.Message
	removed := 0
	for _, msg := range s.queued {
		if msg.ScheduledFor != nil && msg.ScheduledFor.Before(before) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.queued = kept
	return removed, nil
}

func (s *stubRepo) CountSentToContact(context.Context, int64, int64, time.Time) (int, error) {
	return 0, nil
}

func (s *stubRepo) GetSettings(context.Context, int64) (domain.TrainerSettings, error) {
	return s.settings, nil
}

func (s *stubRepo) ListForDailyRun(context.Context, time.Time) ([]domain.TrainerSettings, error) {
	return nil, nil
}

func (s *stubRepo) SaveRunSummary(_ context.Context, summary domain.RunSummary) error {
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *stubRepo) LastRunSummary(context.Context, int64) (domain.RunSummary, error) {
	if len(s.summaries) == 0 {
		return domain.RunSummary{}, domain.ErrTrainerNotFound
	}
	return s.summaries[len(s.summaries)-1], nil
}

type fakeLock struct {
	busy bool
}

func (l *fakeLock) Once(_ string, _ time.Duration, fn func() error) (bool, error) {
	if l.busy {
		return false, nil
	}
	return true, fn()
}

type fakeWriter struct{}

func (fakeWriter) Compose(_ context.Context, cand domain.DraftCandidate) (string, string, error) {
	return "привет, " + cand.ContactName, "auto/template", nil
}

func ts(t time.Time) *time.Time { return &t }

func newTestService(repo *stubRepo, lock *fakeLock) *Service {
	rnd := rand.New(rand.NewSource(1))
	return NewService(repo, repo, repo, repo, fakeWriter{}, lock, 10*time.Minute, rnd, zerolog.Nop())
}

func riskyContacts(now time.Time) ([]domain.Contact, map[int64]domain.Insight) {
	contacts := []domain.Contact{
		{ID: 1, TrainerID: 5, DisplayName: "Иван", Consent: true, CreatedAt: now.AddDate(0, -1, 0), LastMessageAt: ts(now.Add(-time.Hour))},
		{ID: 2, TrainerID: 5, DisplayName: "Анна", Consent: true, CreatedAt: now.AddDate(0, -1, 0), LastMessageAt: ts(now.Add(-time.Hour))},
	}
	insights := map[int64]domain.Insight{
		1: {ContactID: 1, RiskScore: 90},
		2: {ContactID: 2, RiskScore: 80},
	}
	return contacts, insights
}

func TestRunGeneratesDrafts(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{settings: domain.TrainerSettings{TrainerID: 5, Channel: domain.ChannelSMS, Timezone: "UTC"}}
	repo.contacts, repo.insights = riskyContacts(now)

	service := newTestService(repo, &fakeLock{})
	summary, err := service.Run(context.Background(), 5, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Generated != 2 {
		t.Fatalf("ожидали 2 черновика, получили %d", summary.Generated)
	}
	if summary.Considered != 2 {
		t.Fatalf("ожидали 2 кандидатов, получили %d", summary.Considered)
	}
	for _, draft := range repo.drafts {
		if draft.Status != domain.StatusDraft {
			t.Fatalf("ожидали статус draft, получили %s", draft.Status)
		}
		if draft.Confidence < 0.75 || draft.Confidence >= 0.90 {
			t.Fatalf("уверенность вне диапазона [0.75, 0.90): %f", draft.Confidence)
		}
		if draft.IdempotencyKey == "" {
			t.Fatal("ожидали ключ идемпотентности у черновика")
		}
		if !draft.ExpiresAt.Equal(now.Add(7 * 24 * time.Hour)) {
			t.Fatalf("ожидали срок жизни 7 дней, получили %v", draft.ExpiresAt)
		}
	}
	if len(repo.summaries) != 1 {
		t.Fatalf("ожидали сохранённый итог запуска")
	}
}

func TestRunIsIdempotentForOpenDrafts(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{settings: domain.TrainerSettings{TrainerID: 5, Channel: domain.ChannelSMS, Timezone: "UTC"}}
	repo.contacts, repo.insights = riskyContacts(now)

	service := newTestService(repo, &fakeLock{})
	if _, err := service.Run(context.Background(), 5, now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := service.Run(context.Background(), 5, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second.Generated != 0 {
		t.Fatalf("повторный запуск не должен создавать черновики, получили %d", second.Generated)
	}
	if second.Skipped != 2 {
		t.Fatalf("ожидали 2 пропущенных дубля, получили %d", second.Skipped)
	}
	if len(repo.drafts) != 2 {
		t.Fatalf("ожидали 2 открытых черновика всего, получили %d", len(repo.drafts))
	}
}

func TestRunSweepBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{settings: domain.TrainerSettings{TrainerID: 5, Channel: domain.ChannelSMS, Timezone: "UTC"}, cleanedDrafts: 3}
	// Окно прошло два дня назад: сообщение осиротело и подлежит удалению.
	repo.queued = append(repo.queued, domain.Message{ID: 7, Status: domain.StatusQueued, CreatedAt: now.AddDate(0, 0, -10), ScheduledFor: ts(now.AddDate(0, 0, -2))})
	// Строка старая, но окно отправки ещё впереди: чистка её не трогает.
	repo.queued = append(repo.queued, domain.Message{ID: 8, Status: domain.StatusQueued, CreatedAt: now.AddDate(0, 0, -3), ScheduledFor: ts(now.Add(20 * time.Hour))})

	service := newTestService(repo, &fakeLock{})
	summary, err := service.Run(context.Background(), 5, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Cleaned != 4 {
		t.Fatalf("ожидали 4 удалённых, получили %d", summary.Cleaned)
	}
	if !repo.expiredBefore.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("черновики чистятся по границе 7 дней, получили %v", repo.expiredBefore)
	}
	if !repo.staleBefore.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("отложенные чистятся по границе 24 часов, получили %v", repo.staleBefore)
	}
	if len(repo.queued) != 1 || repo.queued[0].ID != 8 {
		t.Fatalf("согласованное сообщение с будущим окном должно пережить чистку, осталось %+v", repo.queued)
	}
}

func TestRunInsertFailureDoesNotAbort(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{settings: domain.TrainerSettings{TrainerID: 5, Channel: domain.ChannelSMS, Timezone: "UTC"}, failContactID: 1}
	repo.contacts, repo.insights = riskyContacts(now)

	service := newTestService(repo, &fakeLock{})
	summary, err := service.Run(context.Background(), 5, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Generated != 1 {
		t.Fatalf("ожидали 1 черновик несмотря на сбой вставки, получили %d", summary.Generated)
	}
}

func TestRunAbortsWhenSignalsUnavailable(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{settings: domain.TrainerSettings{TrainerID: 5}, contactsErr: errors.New("db down")}

	service := newTestService(repo, &fakeLock{})
	if _, err := service.Run(context.Background(), 5, now); err == nil {
		t.Fatal("ожидали ошибку запуска при недоступных сигналах")
	}
	if len(repo.drafts) != 0 {
		t.Fatalf("ничего не должно создаваться при сбое сигналов, получили %d", len(repo.drafts))
	}
}

func TestRunBusyLock(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	repo := &stubRepo{settings: domain.TrainerSettings{TrainerID: 5}}

	service := newTestService(repo, &fakeLock{busy: true})
	if _, err := service.Run(context.Background(), 5, now); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("ожидали ErrRunInProgress, получили %v", err)
	}
}
