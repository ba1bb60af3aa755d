package outreach

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coach-crm/internal/domain"
	"coach-crm/internal/infra/metrics"
	"coach-crm/internal/usecase/scoring"
)

// ErrRunInProgress возвращается, если запуск для тренера уже идёт.
var ErrRunInProgress = errors.New("запуск генератора для тренера уже выполняется")

const (
	draftTTL  = 7 * 24 * time.Hour
	queuedTTL = 24 * time.Hour

	confidenceMin  = 0.75
	confidenceSpan = 0.15
)

// Service управляет жизненным циклом черновиков: чистки, дедупликация,
// генерация. Один запуск — один тренер, без параллелизма внутри.
type Service struct {
	signals  domain.SignalRepo
	messages domain.MessageRepo
	trainers domain.TrainerRepo
	runs     domain.RunSummaryRepo
	writer   domain.DraftWriter
	scorer   *scoring.Scorer
	locks    domain.Locker
	lockTTL  time.Duration
	rnd      *rand.Rand
	log      zerolog.Logger
}

// NewService создаёт сервис генерации черновиков.
func NewService(signals domain.SignalRepo, messages domain.MessageRepo, trainers domain.TrainerRepo, runs domain.RunSummaryRepo, writer domain.DraftWriter, locks domain.Locker, lockTTL time.Duration, rnd *rand.Rand, logger zerolog.Logger) *Service {
	return &Service{
		signals:  signals,
		messages: messages,
		trainers: trainers,
		runs:     runs,
		writer:   writer,
		scorer:   scoring.NewScorer(),
		locks:    locks,
		lockTTL:  lockTTL,
		rnd:      rnd,
		log:      logger,
	}
}

// Run выполняет один запуск генератора для тренера под блокировкой,
// исключающей перекрывающиеся запуски.
func (s *Service) Run(ctx context.Context, trainerID int64, now time.Time) (domain.RunSummary, error) {
	var summary domain.RunSummary
	lockKey := fmt.Sprintf("outreach:run:%d", trainerID)
	acquired, err := s.locks.Once(lockKey, s.lockTTL, func() error {
		var runErr error
		summary, runErr = s.run(ctx, trainerID, now)
		return runErr
	})
	if err != nil {
		return domain.RunSummary{}, err
	}
	if !acquired {
		return domain.RunSummary{}, ErrRunInProgress
	}
	return summary, nil
}

func (s *Service) run(ctx context.Context, trainerID int64, now time.Time) (domain.RunSummary, error) {
	start := time.Now()
	metrics.IncOutreachRun(trainerID)
	summary := domain.RunSummary{TrainerID: trainerID, RanAt: now}

	cleaned, err := s.sweep(ctx, trainerID, now)
	if err != nil {
		metrics.OutreachRunErrors.Inc()
		return domain.RunSummary{}, err
	}
	summary.Cleaned = cleaned

	// Любая недоступность сигналов прерывает запуск целиком: черновики
	// по неполному снимку не создаются.
	contacts, err := s.signals.ListConsentedContacts(ctx, trainerID)
	if err != nil {
		metrics.OutreachRunErrors.Inc()
		return domain.RunSummary{}, fmt.Errorf("контакты тренера: %w", err)
	}
	insights, err := s.signals.ListInsights(ctx, trainerID)
	if err != nil {
		metrics.OutreachRunErrors.Inc()
		return domain.RunSummary{}, fmt.Errorf("аналитика клиентов: %w", err)
	}
	bookings, err := s.signals.ListUpcomingBookings(ctx, trainerID, now.Add(24*time.Hour))
	if err != nil {
		metrics.OutreachRunErrors.Inc()
		return domain.RunSummary{}, fmt.Errorf("записи на тренировки: %w", err)
	}

	settings, err := s.trainers.GetSettings(ctx, trainerID)
	if err != nil {
		metrics.OutreachRunErrors.Inc()
		return domain.RunSummary{}, fmt.Errorf("настройки тренера: %w", err)
	}

	candidates := s.scorer.BuildCandidates(contacts, insights, bookings, now)
	summary.Considered = len(candidates)
	selected := s.scorer.SelectTop(candidates)

	openDrafts, err := s.messages.ListOpenDraftContactIDs(ctx, trainerID)
	if err != nil {
		metrics.OutreachRunErrors.Inc()
		return domain.RunSummary{}, fmt.Errorf("открытые черновики: %w", err)
	}

	for _, cand := range selected {
		if _, dup := openDrafts[cand.ContactID]; dup {
			summary.Skipped++
			metrics.DraftsSkippedDuplicates.Inc()
			continue
		}
		if err := s.createDraft(ctx, settings, cand, now); err != nil {
			// Ошибка одного черновика не прерывает запуск.
			s.log.Error().Err(err).Int64("trainer", trainerID).Int64("contact", cand.ContactID).Msg("outreach: не удалось создать черновик")
			continue
		}
		summary.Generated++
		metrics.DraftsGenerated.Inc()
	}

	if err := s.runs.SaveRunSummary(ctx, summary); err != nil {
		s.log.Error().Err(err).Int64("trainer", trainerID).Msg("outreach: не удалось сохранить итог запуска")
	}
	metrics.OutreachRunSeconds.Observe(time.Since(start).Seconds())
	return summary, nil
}

func (s *Service) sweep(ctx context.Context, trainerID int64, now time.Time) (int, error) {
	expired, err := s.messages.DeleteExpiredDrafts(ctx, trainerID, now.Add(-draftTTL))
	if err != nil {
		return 0, fmt.Errorf("чистка протухших черновиков: %w", err)
	}
	orphaned, err := s.messages.DeleteStaleQueued(ctx, trainerID, now.Add(-queuedTTL))
	if err != nil {
		return 0, fmt.Errorf("чистка осиротевших отложенных: %w", err)
	}
	cleaned := expired + orphaned
	if cleaned > 0 {
		metrics.MessagesCleaned.Add(float64(cleaned))
	}
	return cleaned, nil
}

func (s *Service) createDraft(ctx context.Context, settings domain.TrainerSettings, cand domain.DraftCandidate, now time.Time) error {
	content, generator, err := s.writer.Compose(ctx, cand)
	if err != nil {
		return fmt.Errorf("генерация текста: %w", err)
	}
	msg := domain.Message{
		TrainerID:      settings.TrainerID,
		ContactID:      cand.ContactID,
		ContactName:    cand.ContactName,
		Content:        content,
		Channel:        settings.Channel,
		Status:         domain.StatusDraft,
		Confidence:     confidenceMin + s.rnd.Float64()*confidenceSpan,
		Reasons:        cand.Reasons,
		GeneratedBy:    generator,
		IdempotencyKey: uuid.NewString(),
		ExpiresAt:      now.Add(draftTTL),
		CreatedAt:      now,
	}
	if _, err := s.messages.CreateDraft(ctx, msg); err != nil {
		return fmt.Errorf("сохранение черновика: %w", err)
	}
	return nil
}
