// Package ai — клиент chat-completions API (OpenRouter-совместимый) для
// классификации сообщений. Контракт промптов намеренно жёсткий: модель
// обязана отвечать одной строкой, разбор которой детерминирован.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

const (
	requestTimeout = 30 * time.Second
	// temperature низкая: нужна воспроизводимость вердикта, не креативность.
	temperature = 0.1
	maxTokens   = 64
)

// Client — HTTP-клиент инференса. Реализует classify.Inference.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// New собирает клиент из переменных окружения.
func New(env *config.EnvConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(env.InferenceBaseURL, "/"),
		apiKey:  env.InferenceAPIKey,
		model:   env.InferenceModel,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ClassifyMessage просит модель вынести вердикт по спорному сообщению.
// Возвращает сырую строку ответа; разбор остаётся за доменным слоем.
func (c *Client) ClassifyMessage(ctx context.Context, body, country string, significant, trivial []config.KeywordPair) (string, error) {
	system := fmt.Sprintf(
		"You are a news triage assistant for %s. Classify the message strictly.\n"+
			"Significant topics (keyword, native form): %s\n"+
			"Trivial topics (keyword, native form): %s\n"+
			"Answer with exactly one line:\n"+
			"`Significant: <single keyword from the significant list>` if the message is about a significant topic,\n"+
			"`Trivial` otherwise. No other text.",
		country, renderPairs(significant), renderPairs(trivial))
	return c.complete(ctx, system, body)
}

// CheckCriteria задаёт бинарный вопрос: выполнены ли ВСЕ дополнительные
// критерии. Ответ модели — yes либо no.
func (c *Client) CheckCriteria(ctx context.Context, body, country string, criteria []string) (string, error) {
	system := fmt.Sprintf(
		"You verify news from %s against editorial criteria.\n"+
			"Criteria (ALL must hold):\n- %s\n"+
			"Answer with exactly one word: `yes` if every criterion holds, `no` otherwise.",
		country, strings.Join(criteria, "\n- "))
	return c.complete(ctx, system, body)
}

// Translate просит модель перевести текст на английский. Используется как
// AI-бэкенд переводчика для стран с use_ai_for_translation.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	system := "Translate the user message to English. " +
		"Reply with the translation only, no commentary."
	return c.complete(ctx, system, text)
}

// Ping проверяет доступность инференса коротким запросом (тестовый режим).
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.complete(ctx, "Reply with the single word `ok`.", "ping")
	return err
}

// complete выполняет один chat-completions вызов с одним повтором
// по экспоненциальной паузе на транзиентных сбоях.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal request")
	}

	var answer string
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	err = backoff.Retry(func() error {
		var callErr error
		answer, callErr = c.call(ctx, payload)
		if callErr != nil && !errors.Is(callErr, faults.ErrTransient) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, policy)
	if err != nil {
		return "", errors.Wrap(faults.ErrAIUnavailable, err.Error())
	}
	return answer, nil
}

func (c *Client) call(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(faults.ErrTransient, "inference call: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrapf(faults.ErrTransient, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logger.Debugf("inference transient status %d", resp.StatusCode)
		return "", errors.Wrapf(faults.ErrTransient, "inference status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", errors.Errorf("inference status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(err, "decode response")
	}
	if parsed.Error != nil {
		return "", errors.Errorf("inference error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("inference returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func renderPairs(pairs []config.KeywordPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.Native != "" && p.Native != p.English {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.English, p.Native))
			continue
		}
		parts = append(parts, p.English)
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
