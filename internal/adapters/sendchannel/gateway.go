package sendchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coach-crm/internal/domain"
	"coach-crm/internal/infra/metrics"
)

// Gateway отправляет сообщения через HTTP API провайдера доставки.
type Gateway struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// Option настраивает клиента.
type Option func(*Gateway)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут запросов.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if g.httpClient == nil {
			g.httpClient = &http.Client{}
		}
		g.httpClient.Timeout = timeout
	}
}

// NewGateway создаёт HTTP клиента провайдера.
func NewGateway(baseURL, token string, opts ...Option) (*Gateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	gateway := &Gateway{
		baseURL:    parsed,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(gateway)
	}
	return gateway, nil
}

var _ domain.SendChannel = (*Gateway)(nil)

type sendRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Channel        string `json:"channel"`
	To             string `json:"to"`
	Body           string `json:"body"`
}

// Send передаёт сообщение провайдеру. Ключ идемпотентности уходит и в тело,
// и в заголовок, чтобы повтор после неоднозначного сбоя не привёл к дублю.
func (g *Gateway) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if msg.To == "" {
		return fmt.Errorf("пустой адрес получателя")
	}
	payload, err := json.Marshal(sendRequest{
		IdempotencyKey: msg.IdempotencyKey,
		Channel:        string(msg.Channel),
		To:             msg.To,
		Body:           msg.Body,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := g.baseURL.ResolveReference(&url.URL{Path: "/api/v1/messages"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	metrics.ObserveNetworkRequest("gateway", "send", string(msg.Channel), start, err)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("send failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
