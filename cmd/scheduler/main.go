package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"coach-crm/internal/adapters/repo"
	"coach-crm/internal/domain"
	"coach-crm/internal/infra/config"
	"coach-crm/internal/infra/db"
	applog "coach-crm/internal/infra/log"
	"coach-crm/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var outreachQueue domain.OutreachQueue
	switch cfg.Outreach.QueueBackend {
	case "rabbitmq":
		rabbitQueue, err := queue.NewRabbitOutreachQueue(cfg.RabbitURL, cfg.Queues.Outreach)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		outreachQueue = rabbitQueue
	default:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		outreachQueue = queue.NewRedisOutreachQueue(redisClient, cfg.Queues.Outreach)
	}

	logger.Info().Msg("scheduler: запуск")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановка")
			return
		case now := <-ticker.C:
			enqueueDue(ctx, logger, repoAdapter, outreachQueue, now.UTC())
		}
	}
}

// enqueueDue ставит задачи тренерам, чьё время ежедневного запуска наступило.
// Слот суточный: повторная постановка в тот же день отсекается через Acquire.
func enqueueDue(ctx context.Context, logger zerolog.Logger, trainers *repo.Postgres, outreachQueue domain.OutreachQueue, now time.Time) {
	due, err := trainers.ListForDailyRun(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка выборки тренеров")
		return
	}
	slot := now.Truncate(24 * time.Hour)
	for _, settings := range due {
		acquired, err := trainers.Acquire(ctx, settings.TrainerID, slot)
		if err != nil {
			logger.Error().Err(err).Int64("trainer", settings.TrainerID).Msg("scheduler: не удалось занять слот запуска")
			continue
		}
		if !acquired {
			continue
		}
		job := domain.OutreachJob{
			ID:          uuid.NewString(),
			TrainerID:   settings.TrainerID,
			Date:        slot,
			RequestedAt: now,
			Cause:       domain.OutreachCauseScheduled,
		}
		if err := outreachQueue.Enqueue(ctx, job); err != nil {
			logger.Error().Err(err).Int64("trainer", settings.TrainerID).Msg("scheduler: не удалось поставить задачу")
		}
	}
}
