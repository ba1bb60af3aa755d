package main

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coach-crm/internal/adapters/repo"
	"coach-crm/internal/adapters/writer"
	"coach-crm/internal/domain"
	"coach-crm/internal/infra/config"
	"coach-crm/internal/infra/db"
	"coach-crm/internal/infra/lock"
	applog "coach-crm/internal/infra/log"
	"coach-crm/internal/infra/metrics"
	"coach-crm/internal/infra/openai"
	"coach-crm/internal/infra/queue"
	"coach-crm/internal/usecase/outreach"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9091")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locks := lock.NewRedis(redisClient)

	var outreachQueue domain.OutreachQueue
	switch cfg.Outreach.QueueBackend {
	case "rabbitmq":
		rabbitQueue, err := queue.NewRabbitOutreachQueue(cfg.RabbitURL, cfg.Queues.Outreach)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		outreachQueue = rabbitQueue
	default:
		outreachQueue = queue.NewRedisOutreachQueue(redisClient, cfg.Queues.Outreach)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	templateWriter := writer.NewTemplate(rnd)
	var draftWriter domain.DraftWriter = templateWriter
	if cfg.Outreach.Writer == "llm" {
		if cfg.OpenAI.APIKey == "" {
			logger.Fatal().Msg("worker: выбран LLM-генератор, но не указан ключ OpenAI (OPENAI_API_KEY)")
		}
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		draftWriter = writer.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout, templateWriter)
	}

	lockTTL := time.Duration(cfg.Outreach.LockTTLMin) * time.Minute
	outreachService := outreach.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, draftWriter, locks, lockTTL, rnd, logger.With().Str("component", "outreach").Logger())

	w := &jobWorker{
		log:     logger.With().Str("component", "worker").Logger(),
		queue:   outreachQueue,
		service: outreachService,
	}

	logger.Info().Msg("worker: запуск обработки очереди")
	w.Run(ctx)
	logger.Info().Msg("worker: остановлен")
}

type jobWorker struct {
	log     zerolog.Logger
	queue   domain.OutreachQueue
	service *outreach.Service
}

// Run обрабатывает задачи до отмены контекста. Ошибка одной задачи не
// останавливает цикл.
func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, job, ack)
	}
}

func (w *jobWorker) process(ctx context.Context, job domain.OutreachJob, ack domain.OutreachAckFunc) {
	summary, err := w.service.Run(ctx, job.TrainerID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, outreach.ErrRunInProgress) {
			// Перекрывающийся запуск: задача дубль, подтверждаем без повтора.
			w.log.Warn().Int64("trainer", job.TrainerID).Str("job", job.ID).Msg("worker: запуск уже идёт, задача пропущена")
			_ = ack(true)
			return
		}
		w.log.Error().Err(err).Int64("trainer", job.TrainerID).Str("job", job.ID).Msg("worker: запуск не удался")
		_ = ack(false)
		return
	}
	w.log.Info().
		Int64("trainer", summary.TrainerID).
		Int("considered", summary.Considered).
		Int("generated", summary.Generated).
		Int("skipped", summary.Skipped).
		Int("cleaned", summary.Cleaned).
		Str("cause", string(job.Cause)).
		Msg("worker: запуск завершён")
	_ = ack(true)
}
