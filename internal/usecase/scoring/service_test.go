package scoring

import (
	"testing"
	"time"

	"coach-crm/internal/domain"
)

func ts(t time.Time) *time.Time { return &t }

func TestBuildCandidatesSkipsZeroPriority(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	contact := domain.Contact{ID: 1, DisplayName: "Иван Петров", CreatedAt: now.Add(-24 * time.Hour), LastMessageAt: ts(now.Add(-24 * time.Hour))}
	insights := map[int64]domain.Insight{
		1: {ContactID: 1, RiskScore: 10, CompletedSessions: 3, LastActivityAt: ts(now.Add(-24 * time.Hour))},
	}

	scorer := NewScorer()
	candidates := scorer.BuildCandidates([]domain.Contact{contact}, insights, nil, now)
	if len(candidates) != 0 {
		t.Fatalf("ожидали пустой список, получили %d кандидатов", len(candidates))
	}
}

func TestBuildCandidatesHighRiskScore(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	// Риск 90, четыре дня без сообщений, пропусков нет: 100 + (50+5*4) = 170.
	contact := domain.Contact{ID: 7, DisplayName: "Анна", CreatedAt: now.AddDate(0, -1, 0), LastMessageAt: ts(now.Add(-4 * 24 * time.Hour))}
	insights := map[int64]domain.Insight{
		7: {ContactID: 7, RiskScore: 90, LastActivityAt: ts(now.Add(-24 * time.Hour))},
	}

	scorer := NewScorer()
	candidates := scorer.BuildCandidates([]domain.Contact{contact}, insights, nil, now)
	if len(candidates) != 1 {
		t.Fatalf("ожидали одного кандидата, получили %d", len(candidates))
	}
	if candidates[0].Priority != 170 {
		t.Fatalf("ожидали приоритет 170, получили %d", candidates[0].Priority)
	}
	if candidates[0].Trigger != domain.TriggerHighRisk {
		t.Fatalf("ожидали триггер high_risk, получили %s", candidates[0].Trigger)
	}
}

func TestBuildCandidatesTriggerIsFirstFiredRule(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	// Риск в норме, пропуск и рубеж одновременно: триггером становится пропуск.
	contact := domain.Contact{ID: 3, DisplayName: "Олег", CreatedAt: now.AddDate(0, -1, 0), LastMessageAt: ts(now.Add(-24 * time.Hour))}
	insights := map[int64]domain.Insight{
		3: {ContactID: 3, RiskScore: 20, MissedSessions: 2, CompletedSessions: 10, LastActivityAt: ts(now.Add(-24 * time.Hour))},
	}

	scorer := NewScorer()
	candidates := scorer.BuildCandidates([]domain.Contact{contact}, insights, nil, now)
	if len(candidates) != 1 {
		t.Fatalf("ожидали одного кандидата, получили %d", len(candidates))
	}
	if candidates[0].Trigger != domain.TriggerMissedSession {
		t.Fatalf("ожидали триггер missed_session, получили %s", candidates[0].Trigger)
	}
	if candidates[0].Priority != 70 {
		t.Fatalf("ожидали приоритет 70 (40+30), получили %d", candidates[0].Priority)
	}
}

func TestBuildCandidatesBookingStrictlyWithin24h(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	contacts := []domain.Contact{
		{ID: 1, DisplayName: "Внутри", CreatedAt: now, LastMessageAt: ts(now)},
		{ID: 2, DisplayName: "Ровно сутки", CreatedAt: now, LastMessageAt: ts(now)},
		{ID: 3, DisplayName: "В прошлом", CreatedAt: now, LastMessageAt: ts(now)},
	}
	insights := map[int64]domain.Insight{}
	bookings := []domain.Booking{
		{ContactID: 1, ScheduledAt: now.Add(23 * time.Hour)},
		{ContactID: 2, ScheduledAt: now.Add(24 * time.Hour)},
		{ContactID: 3, ScheduledAt: now.Add(-time.Hour)},
	}

	scorer := NewScorer()
	candidates := scorer.BuildCandidates(contacts, insights, bookings, now)
	if len(candidates) != 1 {
		t.Fatalf("ожидали одного кандидата, получили %d", len(candidates))
	}
	if candidates[0].ContactID != 1 || candidates[0].Trigger != domain.TriggerBookingReminder {
		t.Fatalf("ожидали booking_reminder для контакта 1, получили %+v", candidates[0])
	}
}

func TestBuildCandidatesTieBreakByContactID(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	contacts := []domain.Contact{
		{ID: 9, DisplayName: "Б", CreatedAt: now, LastMessageAt: ts(now)},
		{ID: 2, DisplayName: "А", CreatedAt: now, LastMessageAt: ts(now)},
	}
	insights := map[int64]domain.Insight{
		9: {ContactID: 9, MissedSessions: 1},
		2: {ContactID: 2, MissedSessions: 1},
	}

	scorer := NewScorer()
	candidates := scorer.BuildCandidates(contacts, insights, nil, now)
	if len(candidates) != 2 {
		t.Fatalf("ожидали двух кандидатов, получили %d", len(candidates))
	}
	if candidates[0].ContactID != 2 || candidates[1].ContactID != 9 {
		t.Fatalf("при равном приоритете ожидали порядок по id: %d, %d", candidates[0].ContactID, candidates[1].ContactID)
	}
}

func TestSelectTopSingleCandidate(t *testing.T) {
	scorer := NewScorer()
	selected := scorer.SelectTop([]domain.DraftCandidate{{ContactID: 1, Priority: 40}})
	if len(selected) != 1 {
		t.Fatalf("ожидали одного выбранного, получили %d", len(selected))
	}
}

func TestSelectTopCapsAtFive(t *testing.T) {
	var candidates []domain.DraftCandidate
	for i := 0; i < 7; i++ {
		candidates = append(candidates, domain.DraftCandidate{ContactID: int64(i + 1), Priority: 700 - i*10})
	}

	scorer := NewScorer()
	selected := scorer.SelectTop(candidates)
	if len(selected) != 5 {
		t.Fatalf("ожидали пять выбранных, получили %d", len(selected))
	}
	if selected[0].ContactID != 1 {
		t.Fatalf("ожидали самого приоритетного первым, получили id %d", selected[0].ContactID)
	}
}

func TestSelectTopEmpty(t *testing.T) {
	scorer := NewScorer()
	if selected := scorer.SelectTop(nil); selected != nil {
		t.Fatalf("ожидали nil для пустого входа, получили %v", selected)
	}
}

func TestBuildCandidatesLongInactive(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	contact := domain.Contact{ID: 4, DisplayName: "Мария", CreatedAt: now, LastMessageAt: ts(now)}
	insights := map[int64]domain.Insight{
		4: {ContactID: 4, LastActivityAt: ts(now.Add(-6 * 24 * time.Hour))},
	}

	scorer := NewScorer()
	candidates := scorer.BuildCandidates([]domain.Contact{contact}, insights, nil, now)
	if len(candidates) != 1 {
		t.Fatalf("ожидали одного кандидата, получили %d", len(candidates))
	}
	// 35 + 3*6 = 53.
	if candidates[0].Priority != 53 {
		t.Fatalf("ожидали приоритет 53, получили %d", candidates[0].Priority)
	}
	if candidates[0].Trigger != domain.TriggerLongInactive {
		t.Fatalf("ожидали триггер long_inactive, получили %s", candidates[0].Trigger)
	}
}
