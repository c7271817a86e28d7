// Package webhook — приёмник «вебхук»: карточка значимого сообщения в канал
// страны и служебные оповещения в админский канал. Сам по себе адаптер не
// ретраит: повторные попытки — политика очереди webhook в шине задач.
package webhook

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
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/logger"

	"github.com/go-faster/errors"
)

const postTimeout = 15 * time.Second

// Card — структура исходящей карточки. Факты — пары имя/значение в порядке
// схемы: потребитель рендерит их как таблицу.
type Card struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	OriginalBody string `json:"originalBody,omitempty"`
	Facts        []Fact `json:"facts,omitempty"`
}

// Fact — одна строка таблицы фактов.
type Fact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Poster отправляет карточки по URL. Потокобезопасен.
type Poster struct {
	http *http.Client
}

// NewPoster возвращает отправитель карточек.
func NewPoster() *Poster {
	return &Poster{http: &http.Client{Timeout: postTimeout}}
}

// PostSignificant собирает и отправляет карточку значимого сообщения.
// Поля карточки проходят через webhook-исключения страны.
func (p *Poster) PostSignificant(ctx context.Context, url, countryName string, msg *message.Processed, schema, excluded []string) error {
	card := BuildCard(countryName, msg, schema, excluded)
	return p.post(ctx, url, card)
}

// BuildCard — чистая сборка карточки, вынесена для тестов.
func BuildCard(countryName string, msg *message.Processed, schema, excluded []string) Card {
	card := Card{
		Title: fmt.Sprintf("%s — %s", countryName, msg.Channel),
		Body:  msg.Text,
	}
	if msg.WasTranslated {
		card.Body = msg.Translated
		card.OriginalBody = msg.Text
	}

	card.Facts = append(card.Facts,
		Fact{Name: "keywords", Value: strings.Join(msg.MatchedKeywords, ", ")},
		Fact{Name: "method", Value: string(msg.Method)},
	)
	// Текстовые поля уже в теле карточки, в фактах им делать нечего.
	skip := append([]string{
		message.FieldOriginalText, message.FieldTranslatedText,
		message.FieldMatchedKeywords, message.FieldMethod,
	}, excluded...)
	for _, name := range message.ProjectLabels(schema, skip) {
		if v, ok := msg.Field(name); ok && v != "" {
			card.Facts = append(card.Facts, Fact{Name: name, Value: v})
		}
	}
	return card
}

// post выполняет один POST. Не-2xx и сетевые сбои — faults.ErrSinkTransient.
func (p *Poster) post(ctx context.Context, url string, card Card) error {
	raw, err := json.Marshal(card)
	if err != nil {
		return errors.Wrap(err, "marshal card")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return errors.Wrapf(faults.ErrSinkTransient, "webhook post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(faults.ErrSinkTransient, "webhook status %d", resp.StatusCode)
	}
	return nil
}

// Severity — уровень админского события.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AdminNotifier шлёт системные события в админский канал с гейтом по
// severity и лимитом «не чаще раза в час на (kind, scope)».
type AdminNotifier struct {
	poster  *Poster
	url     string
	channel string
	minSev  Severity

	limiter *hourlyLimiter
}

// NewAdminNotifier собирает нотификатор. Пустой url выключает отправку.
func NewAdminNotifier(url, channel string, minSev Severity) *AdminNotifier {
	return &AdminNotifier{
		poster:  NewPoster(),
		url:     url,
		channel: channel,
		minSev:  minSev,
		limiter: newHourlyLimiter(time.Now),
	}
}

// Notify отправляет событие kind с областью scope (обычно имя синка или
// страны). События ниже порога severity и повторы внутри часа глотаются.
func (a *AdminNotifier) Notify(ctx context.Context, sev Severity, kind, scope, text string) {
	if a == nil || a.url == "" {
		return
	}
	if severityRank(sev) < severityRank(a.minSev) {
		return
	}
	if !a.limiter.allow(kind, scope) {
		logger.Debugf("admin alert %s/%s suppressed by hourly limit", kind, scope)
		return
	}

	card := Card{
		Title: fmt.Sprintf("[%s] %s", strings.ToUpper(string(sev)), kind),
		Body:  text,
		Facts: []Fact{
			{Name: "channel", Value: a.channel},
			{Name: "scope", Value: scope},
		},
	}
	if err := a.poster.post(ctx, a.url, card); err != nil {
		// Админский канал не должен ронять рабочий путь.
		logger.Warnf("admin alert %s/%s failed: %v", kind, scope, err)
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
