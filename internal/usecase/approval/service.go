package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coach-crm/internal/domain"
	"coach-crm/internal/infra/metrics"
)

// ErrFrequencyCap возвращается, когда дневной лимит сообщений клиенту исчерпан.
// Ошибка терминальная: система её не ретраит, решение за тренером завтра.
var ErrFrequencyCap = errors.New("дневной лимит сообщений клиенту исчерпан")

// ErrInvalidStatus возвращается при операции над сообщением в неподходящем статусе.
var ErrInvalidStatus = errors.New("недопустимый статус сообщения для операции")

// ErrEmptyContent возвращается при попытке сохранить пустой текст.
var ErrEmptyContent = errors.New("текст сообщения не может быть пустым")

// ErrSendChannel помечает транспортную ошибку канала доставки. Статус
// сообщения при этом не меняется, повторная отправка безопасна вручную.
var ErrSendChannel = errors.New("канал доставки недоступен")

// autoApproveConfidence — порог уверенности для пакетного согласования.
const autoApproveConfidence = 0.80

// Service — оркестратор согласования и отправки сообщений.
type Service struct {
	messages   domain.MessageRepo
	signals    domain.SignalRepo
	trainers   domain.TrainerRepo
	channel    domain.SendChannel
	defaultCap int
	clock      func() time.Time
	log        zerolog.Logger
}

// NewService создаёт оркестратор.
func NewService(messages domain.MessageRepo, signals domain.SignalRepo, trainers domain.TrainerRepo, channel domain.SendChannel, logger zerolog.Logger) *Service {
	return &Service{
		messages: messages,
		signals:  signals,
		trainers: trainers,
		channel:  channel,
		clock:    func() time.Time { return time.Now().UTC() },
		log:      logger,
	}
}

// WithClock подменяет источник времени (для тестов).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithDefaultCap задаёт дневной лимит для тренеров без собственной настройки.
func (s *Service) WithDefaultCap(limit int) *Service {
	s.defaultCap = limit
	return s
}

// Approve согласует черновик: либо сразу отправляет, либо откладывает на конец
// тихих часов. Отложенная отправка — не ошибка, а отдельный успешный исход.
func (s *Service) Approve(ctx context.Context, trainerID, messageID int64) (domain.ApproveResult, error) {
	msg, err := s.messages.GetMessage(ctx, trainerID, messageID)
	if err != nil {
		return domain.ApproveResult{}, err
	}
	if msg.Status != domain.StatusDraft {
		return domain.ApproveResult{}, fmt.Errorf("%w: %s", ErrInvalidStatus, msg.Status)
	}

	settings, err := s.trainers.GetSettings(ctx, trainerID)
	if err != nil {
		return domain.ApproveResult{}, err
	}
	now := s.clock()

	if err := s.checkFrequencyCap(ctx, settings, msg.ContactID, now); err != nil {
		return domain.ApproveResult{}, err
	}

	quiet, until, err := quietDeferral(settings, now)
	if err != nil {
		return domain.ApproveResult{}, err
	}
	if quiet {
		if err := s.messages.MarkQueued(ctx, trainerID, messageID, until); err != nil {
			return domain.ApproveResult{}, err
		}
		metrics.ObserveApproval("deferred")
		return domain.ApproveResult{MessageID: messageID, Deferred: true, ScheduledFor: &until}, nil
	}

	if err := s.deliver(ctx, msg, now); err != nil {
		return domain.ApproveResult{}, err
	}
	metrics.ObserveApproval("sent")
	return domain.ApproveResult{MessageID: messageID, Sent: true}, nil
}

// Edit переписывает текст черновика. Статус и уверенность не меняются.
func (s *Service) Edit(ctx context.Context, trainerID, messageID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	msg, err := s.messages.GetMessage(ctx, trainerID, messageID)
	if err != nil {
		return err
	}
	if msg.Status != domain.StatusDraft {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, msg.Status)
	}
	return s.messages.UpdateContent(ctx, trainerID, messageID, content)
}

// SendNow отправляет сообщение немедленно, игнорируя тихие часы. Лимит
// сообщений клиенту действует и здесь.
func (s *Service) SendNow(ctx context.Context, trainerID, messageID int64) (domain.ApproveResult, error) {
	msg, err := s.messages.GetMessage(ctx, trainerID, messageID)
	if err != nil {
		return domain.ApproveResult{}, err
	}
	if !msg.Open() {
		return domain.ApproveResult{}, fmt.Errorf("%w: %s", ErrInvalidStatus, msg.Status)
	}

	settings, err := s.trainers.GetSettings(ctx, trainerID)
	if err != nil {
		return domain.ApproveResult{}, err
	}
	now := s.clock()
	if err := s.checkFrequencyCap(ctx, settings, msg.ContactID, now); err != nil {
		return domain.ApproveResult{}, err
	}

	if err := s.deliver(ctx, msg, now); err != nil {
		return domain.ApproveResult{}, err
	}
	metrics.ObserveApproval("sent_now")
	return domain.ApproveResult{MessageID: messageID, Sent: true}, nil
}

// ApproveAllSafe согласует все черновики с уверенностью от 0.80. Каждое
// сообщение обрабатывается независимо и параллельно: сбой одного не мешает
// остальным.
func (s *Service) ApproveAllSafe(ctx context.Context, trainerID int64) (domain.BatchApproveResult, error) {
	open, err := s.messages.ListOpenMessages(ctx, trainerID)
	if err != nil {
		return domain.BatchApproveResult{}, err
	}

	var eligible []domain.Message
	for _, msg := range open {
		if msg.Status == domain.StatusDraft && msg.Confidence >= autoApproveConfidence {
			eligible = append(eligible, msg)
		}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result domain.BatchApproveResult
	)
	for _, msg := range eligible {
		wg.Add(1)
		go func(msg domain.Message) {
			defer wg.Done()
			res, err := s.Approve(ctx, trainerID, msg.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, domain.BatchItemError{MessageID: msg.ID, Error: err.Error()})
				return
			}
			if res.Deferred {
				result.Deferred++
			}
			result.Approved++
		}(msg)
	}
	wg.Wait()

	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].MessageID < result.Errors[j].MessageID })
	return result, nil
}

func (s *Service) checkFrequencyCap(ctx context.Context, settings domain.TrainerSettings, contactID int64, now time.Time) error {
	limit := settings.DailyCap
	if limit <= 0 {
		limit = s.defaultCap
	}
	if limit <= 0 {
		return nil
	}
	since := startOfLocalDay(settings.Timezone, now)
	sent, err := s.messages.CountSentToContact(ctx, settings.TrainerID, contactID, since)
	if err != nil {
		return err
	}
	if sent >= limit {
		return ErrFrequencyCap
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, msg domain.Message, now time.Time) error {
	contact, err := s.signals.GetContact(ctx, msg.TrainerID, msg.ContactID)
	if err != nil {
		return err
	}
	to := contact.Phone
	if msg.Channel == domain.ChannelEmail {
		to = contact.Email
	}
	out := domain.OutboundMessage{
		IdempotencyKey: msg.IdempotencyKey,
		Channel:        msg.Channel,
		To:             to,
		Body:           msg.Content,
	}
	if err := s.channel.Send(ctx, out); err != nil {
		metrics.SendErrors.Inc()
		s.log.Error().Err(err).Int64("message", msg.ID).Msg("approval: отправка не удалась")
		return fmt.Errorf("%w: %v", ErrSendChannel, err)
	}
	return s.messages.MarkSent(ctx, msg.TrainerID, msg.ID, now)
}

func startOfLocalDay(timezone string, now time.Time) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
