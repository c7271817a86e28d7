// Package message — типизированная модель сообщений конвейера.
//
// RawMessage создаётся апстрим-адаптером, один раз потребляется диспетчером и
// отбрасывается. Processed добавляет результаты классификации/перевода и
// сериализуется в каждый синк через проекцию по схеме. Никаких словарей со
// строковыми ключами: все поля явные, проекция — единственная точка
// превращения записи в строку таблицы.
package message

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Verdict — итог классификации. Excluded коротко замыкает все синки.
type Verdict string

const (
	VerdictSignificant Verdict = "significant"
	VerdictTrivial     Verdict = "trivial"
	VerdictExcluded    Verdict = "excluded"
)

// Method — тег способа, которым получен вердикт.
type Method string

const (
	MethodExcludedKeyword        Method = "excluded_keyword"
	MethodKeywordSignificant     Method = "keyword_significant"
	MethodKeywordTrivial         Method = "keyword_trivial"
	MethodAISignificant          Method = "ai_significant"
	MethodAITrivial              Method = "ai_trivial"
	MethodNoMatchTrivial         Method = "no_match_trivial"
	MethodCriteriaRefinedTrivial Method = "criteria_refined_trivial"
)

// aiUnavailableSuffix помечает вердикт, полученный деградацией до keyword-пути
// при недоступном сервисе инференса.
const aiUnavailableSuffix = "_ai_unavailable"

// WithAIUnavailable возвращает метод с суффиксом деградации. Повторное
// применение не дублирует суффикс: ретраи должны давать идентичный тег.
func (m Method) WithAIUnavailable() Method {
	if strings.HasSuffix(string(m), aiUnavailableSuffix) {
		return m
	}
	return Method(string(m) + aiUnavailableSuffix)
}

// RawMessage — сообщение апстрима, как его видит fetch-цикл.
// AuthoredAt — единственный авторитет для фильтрации по возрасту; всегда UTC.
// Media и ForwardFrom — только текстовые дескрипторы, бинарные payload не носим.
type RawMessage struct {
	ExternalID  int64
	Channel     string
	AuthoredAt  time.Time
	Sender      string
	Text        string
	Media       string
	ForwardFrom string
}

// Processed — сообщение после классификации и (опционального) перевода.
type Processed struct {
	ExternalID  int64
	Channel     string
	Country     string
	AuthoredAt  time.Time
	Sender      string
	Text        string
	Media       string
	ForwardFrom string

	Language      string // en | ar | other
	Translated    string // равен Text, если перевод не выполнялся
	WasTranslated bool

	Verdict         Verdict
	Method          Method
	MatchedKeywords []string // английские нормализованные формы
	Reasoning       string

	ProcessedAt   time.Time
	CorrelationID string
}

// Логические имена полей схемы. Схема конфигурации может перечислять любое
// подмножество в любом порядке; неизвестное имя — ошибка конфигурации.
const (
	FieldMessageID       = "message_id"
	FieldChannel         = "channel"
	FieldCountry         = "country"
	FieldTimestamp       = "timestamp"
	FieldSender          = "sender"
	FieldOriginalText    = "original_text"
	FieldTranslatedText  = "translated_text"
	FieldLanguage        = "language"
	FieldWasTranslated   = "was_translated"
	FieldClassification  = "classification"
	FieldMatchedKeywords = "matched_keywords"
	FieldMethod          = "method"
	FieldReasoning       = "reasoning"
	FieldMedia           = "media"
	FieldForwardedFrom   = "forwarded_from"
	FieldProcessedAt     = "processed_at"
)

// knownFields фиксирует множество допустимых логических имён.
var knownFields = map[string]struct{}{
	FieldMessageID: {}, FieldChannel: {}, FieldCountry: {}, FieldTimestamp: {},
	FieldSender: {}, FieldOriginalText: {}, FieldTranslatedText: {},
	FieldLanguage: {}, FieldWasTranslated: {}, FieldClassification: {},
	FieldMatchedKeywords: {}, FieldMethod: {}, FieldReasoning: {},
	FieldMedia: {}, FieldForwardedFrom: {}, FieldProcessedAt: {},
}

// KnownField сообщает, допустимо ли логическое имя поля схемы.
func KnownField(name string) bool {
	_, ok := knownFields[name]
	return ok
}

// timeLayout — строковое представление временных полей в синках. UTC,
// без таймзонного хвоста: воркбук и CSV читают это значение как текст.
const timeLayout = "2006-01-02 15:04:05"

// Field возвращает строковое значение логического поля.
// Второе значение false означает неизвестное имя.
func (p *Processed) Field(name string) (string, bool) {
	switch name {
	case FieldMessageID:
		return strconvItoa(p.ExternalID), true
	case FieldChannel:
		return p.Channel, true
	case FieldCountry:
		return p.Country, true
	case FieldTimestamp:
		return p.AuthoredAt.UTC().Format(timeLayout), true
	case FieldSender:
		return p.Sender, true
	case FieldOriginalText:
		return p.Text, true
	case FieldTranslatedText:
		return p.Translated, true
	case FieldLanguage:
		return p.Language, true
	case FieldWasTranslated:
		if p.WasTranslated {
			return "true", true
		}
		return "false", true
	case FieldClassification:
		return string(p.Verdict), true
	case FieldMatchedKeywords:
		return strings.Join(p.MatchedKeywords, ", "), true
	case FieldMethod:
		return string(p.Method), true
	case FieldReasoning:
		return p.Reasoning, true
	case FieldMedia:
		return p.Media, true
	case FieldForwardedFrom:
		return p.ForwardFrom, true
	case FieldProcessedAt:
		return p.ProcessedAt.UTC().Format(timeLayout), true
	}
	return "", false
}

// Project проецирует сообщение в строку по схеме, пропуская excluded-поля.
// Порядок значений строго повторяет порядок схемы. Неизвестное имя поля —
// ошибка (расхождение схемы), вызывающий решает политику (dead-letter).
func (p *Processed) Project(schema []string, excluded []string) ([]string, error) {
	skip := make(map[string]struct{}, len(excluded))
	for _, f := range excluded {
		skip[f] = struct{}{}
	}
	row := make([]string, 0, len(schema))
	for _, name := range schema {
		if _, drop := skip[name]; drop {
			continue
		}
		v, ok := p.Field(name)
		if !ok {
			return nil, errors.Errorf("unknown schema field %q", name)
		}
		row = append(row, v)
	}
	return row, nil
}

// ProjectLabels возвращает имена полей схемы минус excluded, в порядке схемы.
// Используется для заголовков листов/CSV и для фактов webhook-карточки.
func ProjectLabels(schema []string, excluded []string) []string {
	skip := make(map[string]struct{}, len(excluded))
	for _, f := range excluded {
		skip[f] = struct{}{}
	}
	labels := make([]string, 0, len(schema))
	for _, name := range schema {
		if _, drop := skip[name]; drop {
			continue
		}
		labels = append(labels, name)
	}
	return labels
}

func strconvItoa(v int64) string { return strconv.FormatInt(v, 10) }
