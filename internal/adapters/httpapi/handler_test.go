package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"coach-crm/internal/domain"
	"coach-crm/internal/usecase/approval"
)

type stubStore struct {
	messages  map[int64]domain.Message
	settings  domain.TrainerSettings
	sentToday int
	summary   *domain.RunSummary
}

func (s *stubStore) GetContact(_ context.Context, _, contactID int64) (domain.Contact, error) {
	return domain.Contact{ID: contactID, Phone: "+31600000000"}, nil
}

func (s *stubStore) ListConsentedContacts(context.Context, int64) ([]domain.Contact, error) {
	return nil, nil
}

func (s *stubStore) ListInsights(context.Context, int64) (map[int64]domain.Insight, error) {
	return nil, nil
}

func (s *stubStore) ListUpcomingBookings(context.Context, int64, time.Time) ([]domain.Booking, error) {
	return nil, nil
}

func (s *stubStore) CreateDraft(_ context.Context, msg domain.Message) (domain.Message, error) {
	return msg, nil
}

func (s *stubStore) GetMessage(_ context.Context, _, id int64) (domain.Message, error) {
	msg, ok := s.messages[id]
	if !ok {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msg, nil
}

func (s *stubStore) ListOpenMessages(context.Context, int64) ([]domain.Message, error) {
	var open []domain.Message
	for _, msg := range s.messages {
		if msg.Open() {
			open = append(open, msg)
		}
	}
	return open, nil
}

func (s *stubStore) ListOpenDraftContactIDs(context.Context, int64) (map[int64]struct{}, error) {
	return nil, nil
}

func (s *stubStore) UpdateContent(_ context.Context, _, id int64, content string) error {
	msg := s.messages[id]
	msg.Content = content
	s.messages[id] = msg
	return nil
}

func (s *stubStore) MarkQueued(_ context.Context, _, id int64, scheduledFor time.Time) error {
	msg := s.messages[id]
	msg.Status = domain.StatusQueued
	msg.ScheduledFor = &scheduledFor
	s.messages[id] = msg
	return nil
}

func (s *stubStore) MarkSent(_ context.Context, _, id int64, sentAt time.Time) error {
	msg := s.messages[id]
	msg.Status = domain.StatusSent
	msg.SentAt = &sentAt
	s.messages[id] = msg
	return nil
}

func (s *stubStore) DeleteExpiredDrafts(context.Context, int64, time.Time) (int, error) {
	return 0, nil
}

func (s *stubStore) DeleteStaleQueued(context.Context, int64, time.Time) (int, error) {
	return 0, nil
}

func (s *stubStore) CountSentToContact(context.Context, int64, int64, time.Time) (int, error) {
	return s.sentToday, nil
}

func (s *stubStore) GetSettings(context.Context, int64) (domain.TrainerSettings, error) {
	return s.settings, nil
}

func (s *stubStore) ListForDailyRun(context.Context, time.Time) ([]domain.TrainerSettings, error) {
	return nil, nil
}

func (s *stubStore) SaveRunSummary(context.Context, domain.RunSummary) error { return nil }

func (s *stubStore) LastRunSummary(context.Context, int64) (domain.RunSummary, error) {
	if s.summary == nil {
		return domain.RunSummary{}, domain.ErrTrainerNotFound
	}
	return *s.summary, nil
}

type okChannel struct{}

func (okChannel) Send(context.Context, domain.OutboundMessage) error { return nil }

type captureQueue struct {
	jobs []domain.OutreachJob
}

func (q *captureQueue) Enqueue(_ context.Context, job domain.OutreachJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) Receive(context.Context) (domain.OutreachJob, domain.OutreachAckFunc, error) {
	return domain.OutreachJob{}, nil, nil
}

func newTestRouter(store *stubStore, queue *captureQueue) chi.Router {
	service := approval.NewService(store, store, store, okChannel{}, zerolog.Nop()).
		WithClock(func() time.Time { return time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC) })
	handler := NewHandler(service, store, store, queue, zerolog.Nop())
	r := chi.NewRouter()
	handler.Register(r)
	return r
}

func doRequest(t *testing.T, r chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Trainer-ID", "5")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func openDraft(id int64) domain.Message {
	return domain.Message{
		ID:             id,
		TrainerID:      5,
		ContactID:      10,
		Content:        "привет",
		Channel:        domain.ChannelSMS,
		Status:         domain.StatusDraft,
		Confidence:     0.85,
		IdempotencyKey: "key",
	}
}

func baseStore() *stubStore {
	return &stubStore{
		messages: map[int64]domain.Message{1: openDraft(1)},
		settings: domain.TrainerSettings{TrainerID: 5, Timezone: "UTC", DailyCap: 3, Channel: domain.ChannelSMS},
	}
}

func TestListQueue(t *testing.T) {
	r := newTestRouter(baseStore(), &captureQueue{})
	rec := doRequest(t, r, http.MethodGet, "/api/v1/outreach/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var resp struct {
		Messages []messageView `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != 1 {
		t.Fatalf("ожидали одно сообщение в очереди, получили %+v", resp.Messages)
	}
}

func TestUnauthorizedWithoutTrainerHeader(t *testing.T) {
	r := newTestRouter(baseStore(), &captureQueue{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/outreach/queue", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401 без заголовка тренера, получили %d", rec.Code)
	}
}

func TestApproveReturnsSent(t *testing.T) {
	r := newTestRouter(baseStore(), &captureQueue{})
	rec := doRequest(t, r, http.MethodPost, "/api/v1/messages/1/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var result domain.ApproveResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("не удалось разобрать ответ: %v", err)
	}
	if !result.Sent {
		t.Fatalf("ожидали sent=true, получили %+v", result)
	}
}

func TestApproveFrequencyCapMapsTo429(t *testing.T) {
	store := baseStore()
	store.settings.DailyCap = 1
	store.sentToday = 1
	r := newTestRouter(store, &captureQueue{})
	rec := doRequest(t, r, http.MethodPost, "/api/v1/messages/1/approve", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("ожидали 429, получили %d", rec.Code)
	}
}

func TestApproveMissingMessageMapsTo404(t *testing.T) {
	r := newTestRouter(baseStore(), &captureQueue{})
	rec := doRequest(t, r, http.MethodPost, "/api/v1/messages/99/approve", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestEditEmptyContentMapsTo422(t *testing.T) {
	r := newTestRouter(baseStore(), &captureQueue{})
	rec := doRequest(t, r, http.MethodPut, "/api/v1/messages/1", `{"content":"  "}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ожидали 422, получили %d", rec.Code)
	}
}

func TestTriggerRunEnqueuesJob(t *testing.T) {
	queue := &captureQueue{}
	r := newTestRouter(baseStore(), queue)
	rec := doRequest(t, r, http.MethodPost, "/api/v1/outreach/run", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидали 202, получили %d", rec.Code)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("ожидали одну задачу в очереди, получили %d", len(queue.jobs))
	}
	if queue.jobs[0].TrainerID != 5 || queue.jobs[0].Cause != domain.OutreachCauseManual {
		t.Fatalf("неожиданная задача: %+v", queue.jobs[0])
	}
}

func TestLastSummaryNotFound(t *testing.T) {
	r := newTestRouter(baseStore(), &captureQueue{})
	rec := doRequest(t, r, http.MethodGet, "/api/v1/outreach/summary", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404 без запусков, получили %d", rec.Code)
	}
}
