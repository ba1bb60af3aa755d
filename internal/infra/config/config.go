package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Europe/Amsterdam"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Gateway struct {
		BaseURL string        `envconfig:"GATEWAY_BASE_URL"`
		Token   string        `envconfig:"GATEWAY_TOKEN"`
		Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Outreach struct {
		Writer       string `envconfig:"OUTREACH_WRITER" default:"template"`
		DefaultCap   int    `envconfig:"OUTREACH_DEFAULT_DAILY_CAP" default:"1"`
		LockTTLMin   int    `envconfig:"OUTREACH_LOCK_TTL_MIN" default:"10"`
		QueueBackend string `envconfig:"OUTREACH_QUEUE_BACKEND" default:"redis"`
	} `envconfig:""`

	Queues struct {
		Outreach string `envconfig:"OUTREACH_QUEUE_KEY" default:"outreach_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
