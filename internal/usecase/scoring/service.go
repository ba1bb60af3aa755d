package scoring

import (
	"fmt"
	"sort"
	"time"

	"coach-crm/internal/domain"
)

const (
	riskThreshold     = 75
	riskWeight        = 100
	reEngageAfterDays = 3
	reEngageBase      = 50
	reEngagePerDay    = 5
	missedWeight      = 40
	bookingWindow     = 24 * time.Hour
	bookingWeight     = 60
	milestoneEvery    = 5
	milestoneWeight   = 30
	inactiveAfterDays = 5
	inactiveBase      = 35
	inactivePerDay    = 3
	selectionFloor    = 2
	selectionCeiling  = 5
)

// Scorer оценивает клиентов тренера и отбирает кандидатов на черновики.
// Чистая функция от снимка сигналов, побочных эффектов нет.
type Scorer struct{}

// NewScorer создаёт скорер.
func NewScorer() *Scorer {
	return &Scorer{}
}

// BuildCandidates вычисляет приоритет каждого клиента по набору правил.
// Правила аддитивны и независимы; триггером становится первое сработавшее
// правило в фиксированном порядке. Клиенты с нулевым приоритетом отбрасываются.
func (s *Scorer) BuildCandidates(contacts []domain.Contact, insights map[int64]domain.Insight, bookings []domain.Booking, now time.Time) []domain.DraftCandidate {
	upcoming := make(map[int64]bool, len(bookings))
	for _, b := range bookings {
		delta := b.ScheduledAt.Sub(now)
		if delta > 0 && delta < bookingWindow {
			upcoming[b.ContactID] = true
		}
	}

	var candidates []domain.DraftCandidate
	for _, contact := range contacts {
		insight := insights[contact.ID]
		cand := scoreContact(contact, insight, upcoming[contact.ID], now)
		if cand.Priority == 0 {
			continue
		}
		candidates = append(candidates, cand)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ContactID < candidates[j].ContactID
	})
	return candidates
}

// SelectTop отбирает верх списка: не больше пяти, не меньше двух, если
// кандидатов хватает.
func (s *Scorer) SelectTop(candidates []domain.DraftCandidate) []domain.DraftCandidate {
	if len(candidates) == 0 {
		return nil
	}
	limit := len(candidates)
	if limit < selectionFloor {
		limit = selectionFloor
	}
	if limit > selectionCeiling {
		limit = selectionCeiling
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}
	return candidates[:limit]
}

func scoreContact(contact domain.Contact, insight domain.Insight, hasUpcomingBooking bool, now time.Time) domain.DraftCandidate {
	cand := domain.DraftCandidate{
		ContactID:         contact.ID,
		ContactName:       contact.DisplayName,
		CompletedSessions: insight.CompletedSessions,
	}

	addRule := func(points int, trigger domain.Trigger, reason string) {
		cand.Priority += points
		cand.Reasons = append(cand.Reasons, reason)
		if cand.Trigger == "" {
			cand.Trigger = trigger
		}
	}

	if insight.RiskScore > riskThreshold {
		addRule(riskWeight, domain.TriggerHighRisk, fmt.Sprintf("высокий риск оттока (%d)", insight.RiskScore))
	}

	// Для клиента без единого исходящего сообщения отсчёт идёт от даты создания
	// контакта, чтобы новые клиенты не выпадали из охвата.
	lastOutbound := contact.CreatedAt
	if contact.LastMessageAt != nil {
		lastOutbound = *contact.LastMessageAt
	}
	if days := daysSince(lastOutbound, now); days >= reEngageAfterDays {
		addRule(reEngageBase+reEngagePerDay*days, domain.TriggerReEngagement, fmt.Sprintf("без сообщений %d дн.", days))
	}

	if insight.MissedSessions > 0 {
		addRule(missedWeight, domain.TriggerMissedSession, fmt.Sprintf("пропущено тренировок: %d", insight.MissedSessions))
	}

	if hasUpcomingBooking {
		addRule(bookingWeight, domain.TriggerBookingReminder, "тренировка в ближайшие 24 часа")
	}

	if insight.CompletedSessions > 0 && insight.CompletedSessions%milestoneEvery == 0 {
		addRule(milestoneWeight, domain.TriggerMilestone, fmt.Sprintf("рубеж: %d тренировок", insight.CompletedSessions))
	}

	if insight.LastActivityAt != nil {
		if days := daysSince(*insight.LastActivityAt, now); days >= inactiveAfterDays {
			addRule(inactiveBase+inactivePerDay*days, domain.TriggerLongInactive, fmt.Sprintf("нет активности %d дн.", days))
		}
	}

	return cand
}

func daysSince(ts time.Time, now time.Time) int {
	if ts.IsZero() || !ts.Before(now) {
		return 0
	}
	return int(now.Sub(ts).Hours() / 24)
}
