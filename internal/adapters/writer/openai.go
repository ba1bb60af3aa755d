package writer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coach-crm/internal/domain"
	openai "coach-crm/internal/infra/openai"
)

// GeneratorLLM — метка черновиков, написанных языковой моделью.
const GeneratorLLM = "auto/llm"

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI сочиняет персонализированный черновик через Chat Completions.
type OpenAI struct {
	client   chatClient
	model    string
	timeout  time.Duration
	fallback domain.DraftWriter
}

// NewOpenAI создаёт LLM-генератор. При ошибке модели текст берётся из
// шаблонного генератора, чтобы запуск не терял кандидатов.
func NewOpenAI(client chatClient, model string, timeout time.Duration, fallback domain.DraftWriter) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout, fallback: fallback}
}

var _ domain.DraftWriter = (*OpenAI)(nil)

// Compose просит модель написать короткое сообщение клиенту от лица тренера.
func (w *OpenAI) Compose(ctx context.Context, cand domain.DraftCandidate) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Напиши короткое (до 300 знаков) дружелюбное сообщение клиенту от лица персонального тренера.
Имя клиента: %s
Повод: %s
Детали: %s
Верни только текст сообщения без кавычек и пояснений.`,
		firstName(cand.ContactName), string(cand.Trigger), strings.Join(cand.Reasons, "; "))

	req := openai.ChatCompletionRequest{
		Model:       w.model,
		Temperature: 0.7,
		MaxTokens:   200,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: "Ты помощник персонального тренера. Пишешь тёплые короткие сообщения клиентам."},
			{Role: openai.RoleUser, Content: prompt},
		},
	}
	resp, err := w.client.CreateChatCompletion(ctx, req)
	if err != nil || len(resp.Choices) == 0 {
		if w.fallback != nil {
			return w.fallback.Compose(ctx, cand)
		}
		if err == nil {
			err = fmt.Errorf("openai: пустой ответ модели")
		}
		return "", "", err
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		if w.fallback != nil {
			return w.fallback.Compose(ctx, cand)
		}
		return "", "", fmt.Errorf("openai: пустой ответ модели")
	}
	return content, GeneratorLLM, nil
}
