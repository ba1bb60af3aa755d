package sendchannel

import (
	"context"

	"github.com/rs/zerolog"

	"coach-crm/internal/domain"
)

// Simple пишет сообщения в лог вместо реальной отправки. Используется в dev
// окружении вместо провайдера.
type Simple struct {
	log zerolog.Logger
}

// NewSimple создаёт заглушку канала доставки.
func NewSimple(logger zerolog.Logger) *Simple {
	return &Simple{log: logger}
}

var _ domain.SendChannel = (*Simple)(nil)

// Send логирует сообщение и считает его доставленным.
func (s *Simple) Send(_ context.Context, msg domain.OutboundMessage) error {
	s.log.Info().
		Str("channel", string(msg.Channel)).
		Str("to", msg.To).
		Str("idempotency_key", msg.IdempotencyKey).
		Msg("sendchannel: сообщение доставлено (заглушка)")
	return nil
}
