// Package translate — переводчик сообщений на английский. Два бэкенда:
// бесплатный HTTP-эндпоинт Google Translate и chat-модель инференса;
// выбор задаётся политикой страны (use_ai_for_translation).
//
// Переводчик никогда не возвращает ошибку наружу: при сбое бэкенда текст
// уходит дальше в исходном виде, а в журнале остаётся предупреждение.
package translate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telegram-monitor/internal/domain/classify"
	"telegram-monitor/internal/infra/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

const requestTimeout = 30 * time.Second

// AIBackend — переводчик поверх инференса (реализуется клиентом ai).
type AIBackend interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Translator реализует classify.Translator.
type Translator struct {
	endpoint string
	useAI    bool
	ai       AIBackend
	http     *http.Client
}

// New собирает переводчик. При useAI запросы идут в инференс, иначе —
// в endpoint в формате translate_a/single.
func New(endpoint string, useAI bool, ai AIBackend) *Translator {
	return &Translator{
		endpoint: endpoint,
		useAI:    useAI,
		ai:       ai,
		http:     &http.Client{Timeout: requestTimeout},
	}
}

// Translate определяет язык и при необходимости переводит текст на английский.
// Английский и чисто латинский текст проходят без обращения к бэкенду.
func (t *Translator) Translate(ctx context.Context, text string) (string, string, bool) {
	lang := classify.DetectLanguage(text)
	if lang == classify.LangEnglish || isPureLatin(text) {
		return lang, text, false
	}

	translated, err := t.callBackend(ctx, text)
	if err != nil {
		logger.Warnf("translation failed, passing original through: %v", err)
		return lang, text, false
	}
	translated = strings.TrimSpace(translated)
	if translated == "" || translated == text {
		return lang, text, false
	}
	return lang, translated, true
}

// callBackend выполняет перевод с одним повтором.
func (t *Translator) callBackend(ctx context.Context, text string) (string, error) {
	var out string
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	err := backoff.Retry(func() error {
		var callErr error
		if t.useAI && t.ai != nil {
			out, callErr = t.ai.Translate(ctx, text)
		} else {
			out, callErr = t.callFree(ctx, text)
		}
		return callErr
	}, policy)
	return out, err
}

// callFree дергает translate_a/single (client=gtx): ответ — вложенный JSON-массив,
// где нулевой элемент содержит сегменты перевода.
func (t *Translator) callFree(ctx context.Context, text string) (string, error) {
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", "auto")
	q.Set("tl", "en")
	q.Set("dt", "t")
	q.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "translate call")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("translate status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read response")
	}
	return parseSegments(raw)
}

// parseSegments склеивает сегменты перевода из ответа translate_a/single.
func parseSegments(raw []byte) (string, error) {
	var top []json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return "", errors.Wrap(err, "decode response")
	}
	if len(top) == 0 {
		return "", errors.New("empty response")
	}
	var segments [][]json.RawMessage
	if err := json.Unmarshal(top[0], &segments); err != nil {
		return "", errors.Wrap(err, "decode segments")
	}

	var b strings.Builder
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		var part string
		if err := json.Unmarshal(seg[0], &part); err != nil {
			continue
		}
		b.WriteString(part)
	}
	if b.Len() == 0 {
		return "", errors.New("no translated segments")
	}
	return b.String(), nil
}

// isPureLatin — истинно, если все руны текста лежат в латинице
// (включая расширения) либо являются ASCII-пунктуацией и цифрами.
func isPureLatin(s string) bool {
	for _, r := range s {
		if r > 0x024F {
			return false
		}
	}
	return true
}
