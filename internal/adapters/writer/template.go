package writer

import (
	"context"
	"fmt"
	"math/rand"

	"coach-crm/internal/domain"
)

// GeneratorTemplate — метка автоматических черновиков из шаблонов.
const GeneratorTemplate = "auto/template"

// TemplateWriter сочиняет черновик из фиксированного набора шаблонов.
// Вариант выбирается равномерно случайно; источник случайности внедряется,
// чтобы тесты могли зафиксировать выбор.
type TemplateWriter struct {
	rnd *rand.Rand
}

// NewTemplate создаёт шаблонный генератор текста.
func NewTemplate(rnd *rand.Rand) *TemplateWriter {
	return &TemplateWriter{rnd: rnd}
}

var _ domain.DraftWriter = (*TemplateWriter)(nil)

var highRiskTemplates = []string{
	"%s, давно не виделись! Очень хочу узнать, как у тебя дела. Продолжим тренировки?",
	"Привет, %s! Заметил, что ты давно не заходил. Давай подберём удобное время?",
	"%s, скучаем по тебе в зале! Напиши, если что-то мешает — придумаем, как всё наладить.",
}

var reEngagementTemplates = []string{
	"Привет, %s! Давно не списывались — как настрой? Готов вернуться к занятиям?",
	"%s, на связи! Хотел узнать, как ты. Может, запланируем тренировку на этой неделе?",
	"Привет, %s! Просто хотел напомнить о себе. Как самочувствие, как форма?",
}

var missedSessionTemplates = []string{
	"%s, жаль, что прошлая тренировка не состоялась. Давай выберем новое время?",
	"Привет, %s! Ничего страшного, что пропустил занятие — перенесём. Когда удобно?",
	"%s, заметил пропуск тренировки. Всё в порядке? Напиши, подберём другой слот.",
}

var bookingReminderTemplates = []string{
	"%s, напоминаю: завтра у нас тренировка! Жду тебя, будет отличное занятие.",
	"Привет, %s! Не забудь про тренировку в ближайшие сутки. До встречи!",
	"%s, до тренировки меньше суток. Захвати воду и хорошее настроение!",
}

var milestoneTemplates = []string{
	"%s, поздравляю — уже %d тренировок позади! Отличный результат, так держать!",
	"Вау, %s! %d тренировок — это серьёзный рубеж. Горжусь твоим прогрессом!",
	"%s, ты сделал %d тренировок! Самое время поставить новую цель.",
}

var longInactiveTemplates = []string{
	"%s, давненько тебя не было! Как дела? Возвращайся — начнём с лёгкой разминки.",
	"Привет, %s! Пауза затянулась. Давай вернёмся к занятиям в комфортном темпе?",
	"%s, без тебя тренировки не те! Напиши, когда будешь готов продолжить.",
}

var generalCheckInTemplates = []string{
	"Привет, %s! Просто хотел узнать, как у тебя дела. Всё ли в порядке?",
	"%s, как настрой на этой неделе? Если есть вопросы по тренировкам — пиши!",
	"Привет, %s! Давно не общались. Расскажи, как самочувствие?",
}

// Compose подставляет имя клиента в случайный вариант шаблона триггера.
func (w *TemplateWriter) Compose(_ context.Context, cand domain.DraftCandidate) (string, string, error) {
	first := firstName(cand.ContactName)
	var content string
	switch cand.Trigger {
	case domain.TriggerHighRisk:
		content = fmt.Sprintf(w.pick(highRiskTemplates), first)
	case domain.TriggerReEngagement:
		content = fmt.Sprintf(w.pick(reEngagementTemplates), first)
	case domain.TriggerMissedSession:
		content = fmt.Sprintf(w.pick(missedSessionTemplates), first)
	case domain.TriggerBookingReminder:
		content = fmt.Sprintf(w.pick(bookingReminderTemplates), first)
	case domain.TriggerMilestone:
		content = fmt.Sprintf(w.pick(milestoneTemplates), first, cand.CompletedSessions)
	case domain.TriggerLongInactive:
		content = fmt.Sprintf(w.pick(longInactiveTemplates), first)
	default:
		content = fmt.Sprintf(w.pick(generalCheckInTemplates), first)
	}
	return content, GeneratorTemplate, nil
}

func (w *TemplateWriter) pick(variants []string) string {
	return variants[w.rnd.Intn(len(variants))]
}

func firstName(displayName string) string {
	c := domain.Contact{DisplayName: displayName}
	return c.FirstName()
}
