package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"coach-crm/internal/adapters/httpapi"
	"coach-crm/internal/adapters/repo"
	"coach-crm/internal/adapters/sendchannel"
	"coach-crm/internal/domain"
	"coach-crm/internal/infra/config"
	"coach-crm/internal/infra/db"
	httpinfra "coach-crm/internal/infra/http"
	applog "coach-crm/internal/infra/log"
	"coach-crm/internal/infra/metrics"
	"coach-crm/internal/infra/queue"
	"coach-crm/internal/usecase/approval"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var outreachQueue domain.OutreachQueue
	switch cfg.Outreach.QueueBackend {
	case "rabbitmq":
		rabbitQueue, err := queue.NewRabbitOutreachQueue(cfg.RabbitURL, cfg.Queues.Outreach)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		outreachQueue = rabbitQueue
	default:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		outreachQueue = queue.NewRedisOutreachQueue(redisClient, cfg.Queues.Outreach)
	}

	var channel domain.SendChannel
	if cfg.Gateway.BaseURL != "" {
		gateway, err := sendchannel.NewGateway(cfg.Gateway.BaseURL, cfg.Gateway.Token, sendchannel.WithTimeout(cfg.Gateway.Timeout))
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось создать клиента провайдера доставки")
		}
		channel = gateway
	} else {
		logger.Warn().Msg("api: адрес провайдера не задан, отправка уходит в лог")
		channel = sendchannel.NewSimple(logger.With().Str("component", "sendchannel").Logger())
	}

	approvalService := approval.NewService(repoAdapter, repoAdapter, repoAdapter, channel, logger.With().Str("component", "approval").Logger()).
		WithDefaultCap(cfg.Outreach.DefaultCap)
	handler := httpapi.NewHandler(approvalService, repoAdapter, repoAdapter, outreachQueue, logger.With().Str("component", "api").Logger())

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	handler.Register(server.Router)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
