package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	OutreachRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outreach_run_seconds",
		Help:    "Время одного запуска генератора черновиков",
		Buckets: prometheus.DefBuckets,
	})
	OutreachRunErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outreach_run_errors_total",
		Help: "Ошибки запусков генератора черновиков",
	})
	DraftsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outreach_drafts_generated_total",
		Help: "Количество созданных черновиков",
	})
	DraftsSkippedDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outreach_drafts_skipped_duplicates_total",
		Help: "Кандидаты, пропущенные из-за открытого черновика",
	})
	MessagesCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outreach_messages_cleaned_total",
		Help: "Удалённые протухшие и осиротевшие сообщения",
	})
	SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "send_channel_errors_total",
		Help: "Ошибки отправки в канал доставки",
	})
	ApprovalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_total",
		Help: "Решения по сообщениям в разрезе исхода",
	}, []string{"outcome"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	OutreachRunsByTrainer = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outreach_runs_by_trainer_total",
		Help: "Количество запусков генератора по тренерам",
	}, []string{"trainer_id"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		OutreachRunSeconds,
		OutreachRunErrors,
		DraftsGenerated,
		DraftsSkippedDuplicates,
		MessagesCleaned,
		SendErrors,
		ApprovalsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		OutreachRunsByTrainer,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncOutreachRun увеличивает счётчик запусков генератора для тренера.
func IncOutreachRun(trainerID int64) {
	OutreachRunsByTrainer.WithLabelValues(strconv.FormatInt(trainerID, 10)).Inc()
}

// ObserveApproval записывает исход решения по сообщению.
func ObserveApproval(outcome string) {
	ApprovalsTotal.WithLabelValues(outcome).Inc()
}
