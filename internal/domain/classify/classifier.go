// Package classify — решающий движок классификации сообщений.
//
// Конвейер: определение языка → exclude-проход → проход по ключевым словам →
// эскалация в AI (если включена политикой) → опциональное уточнение по
// дополнительным критериям. Конвейер никогда не пробрасывает ошибку наружу:
// недоступность инференса/переводчика деградирует вердикт до keyword-пути
// с суффиксом метода _ai_unavailable.
//
// Инвариант воспроизводимости: вердикт — чистая функция от (тело, политика,
// ответы переводчика и AI); при одинаковых входах ретраи дают тот же результат.
package classify

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"
)

// Inference — контракт удалённого сервиса инференса.
// ClassifyMessage возвращает сырой ответ модели; по контракту промпта это
// строго `Significant: <token>` либо `Trivial`. CheckCriteria возвращает
// сырой ответ бинарного вопроса «все критерии выполнены?» (yes/no).
type Inference interface {
	ClassifyMessage(ctx context.Context, body, country string, significant, trivial []config.KeywordPair) (string, error)
	CheckCriteria(ctx context.Context, body, country string, criteria []string) (string, error)
}

// Translator — переводчик для нормализации AI-токена к английской форме.
type Translator interface {
	Translate(ctx context.Context, text string) (lang string, translated string, wasTranslated bool)
}

// Outcome — результат классификации одного сообщения.
type Outcome struct {
	Verdict   message.Verdict
	Method    message.Method
	Matched   []string // английские нормализованные формы
	Reasoning string
	Language  string
}

// Classifier связывает политику страны, матчер и внешние сервисы.
// Объект дешёвый и идемпотентный в конструировании: по одному на страну.
type Classifier struct {
	country config.Country
	matcher *Matcher
	ai      Inference
	tr      Translator
}

// New создаёт классификатор страны. ai может быть nil: тогда эскалация
// отключена независимо от политики.
func New(country config.Country, ai Inference, tr Translator) *Classifier {
	return &Classifier{
		country: country,
		matcher: NewMatcher(country.Policy),
		ai:      ai,
		tr:      tr,
	}
}

// Classify прогоняет тело сообщения по конвейеру. Не возвращает ошибку:
// любой сбой внешних сервисов отражается в методе вердикта.
func (c *Classifier) Classify(ctx context.Context, body string) Outcome {
	lang := DetectLanguage(body)

	// Exclude-проход: любое совпадение коротко замыкает конвейер.
	if kw, hit := c.matcher.MatchExclude(body, lang); hit {
		return Outcome{
			Verdict:   message.VerdictExcluded,
			Method:    message.MethodExcludedKeyword,
			Matched:   []string{kw},
			Reasoning: fmt.Sprintf("exclude keyword %q matched", kw),
			Language:  lang,
		}
	}

	sig := c.matcher.MatchSignificant(body, lang)
	triv := c.matcher.MatchTrivial(body, lang)

	var out Outcome
	switch {
	case len(sig) > 0 && len(triv) == 0:
		out = Outcome{
			Verdict:   message.VerdictSignificant,
			Method:    message.MethodKeywordSignificant,
			Matched:   sig,
			Reasoning: fmt.Sprintf("significant keywords matched: %s", strings.Join(sig, ", ")),
		}
	case len(triv) > 0 && len(sig) == 0:
		out = Outcome{
			Verdict:   message.VerdictTrivial,
			Method:    message.MethodKeywordTrivial,
			Matched:   triv,
			Reasoning: fmt.Sprintf("trivial keywords matched: %s", strings.Join(triv, ", ")),
		}
	default:
		// Оба списка пусты либо оба непусты — неоднозначность.
		out = c.resolveAmbiguous(ctx, body, sig, triv)
	}
	out.Language = lang

	// Уточнение по дополнительным критериям применяется только к significant.
	if out.Verdict == message.VerdictSignificant &&
		c.country.Policy.UseAIForEnhancedFiltering &&
		len(c.country.Policy.AdditionalAICriteria) > 0 &&
		c.ai != nil {
		out = c.refine(ctx, body, out)
		out.Language = lang
	}
	return out
}

// resolveAmbiguous обрабатывает случаи «оба пусты» и «оба непусты».
// Без AI: пусто-пусто → no_match_trivial; конфликт → significant побеждает.
func (c *Classifier) resolveAmbiguous(ctx context.Context, body string, sig, triv []string) Outcome {
	fallback := func(suffix bool) Outcome {
		var out Outcome
		if len(sig) > 0 {
			out = Outcome{
				Verdict:   message.VerdictSignificant,
				Method:    message.MethodKeywordSignificant,
				Matched:   sig,
				Reasoning: "both keyword lists matched; significance wins",
			}
		} else {
			out = Outcome{
				Verdict:   message.VerdictTrivial,
				Method:    message.MethodNoMatchTrivial,
				Reasoning: "no keyword matches",
			}
		}
		if suffix {
			out.Method = out.Method.WithAIUnavailable()
			out.Reasoning += " (ai unavailable)"
		}
		return out
	}

	if !c.country.Policy.UseAIForMessageFiltering || c.ai == nil {
		return fallback(false)
	}

	raw, err := c.ai.ClassifyMessage(ctx, body, c.country.Name,
		c.country.Policy.SignificantKeywords, c.country.Policy.TrivialKeywords)
	if err != nil {
		logger.Warnf("ai classify for %s failed: %v", c.country.ID, err)
		return fallback(true)
	}

	significant, token, ok := ParseAIVerdict(raw)
	if !ok {
		logger.Warnf("ai classify for %s: unparseable answer %q", c.country.ID, raw)
		return fallback(true)
	}

	if !significant {
		return Outcome{
			Verdict:   message.VerdictTrivial,
			Method:    message.MethodAITrivial,
			Reasoning: "ai verdict: trivial",
		}
	}

	token = c.normalizeToken(ctx, token)
	return Outcome{
		Verdict:   message.VerdictSignificant,
		Method:    message.MethodAISignificant,
		Matched:   []string{token},
		Reasoning: fmt.Sprintf("ai verdict: significant (%s)", token),
	}
}

// refine понижает significant до criteria_refined_trivial, если сервис
// уверенно ответил «no». Любая неоднозначность или сбой трактуется в пользу
// сохранения significant (benefit of the doubt).
func (c *Classifier) refine(ctx context.Context, body string, out Outcome) Outcome {
	raw, err := c.ai.CheckCriteria(ctx, body, c.country.Name, c.country.Policy.AdditionalAICriteria)
	if err != nil {
		logger.Warnf("ai criteria check for %s failed: %v", c.country.ID, err)
		out.Method = out.Method.WithAIUnavailable()
		out.Reasoning += " (criteria check unavailable)"
		return out
	}
	answer := strings.ToLower(strings.TrimSpace(raw))
	if answer == "no" || strings.HasPrefix(answer, "no.") || strings.HasPrefix(answer, "no,") || strings.HasPrefix(answer, "no ") {
		out.Verdict = message.VerdictTrivial
		out.Method = message.MethodCriteriaRefinedTrivial
		out.Reasoning += "; additional criteria not satisfied"
		return out
	}
	// «yes» и всё неоднозначное оставляют significant как есть.
	return out
}

// normalizeToken переводит AI-токен к английской форме, если он не латиница.
func (c *Classifier) normalizeToken(ctx context.Context, token string) string {
	token = strings.TrimSpace(token)
	if token == "" || isLatinToken(token) || c.tr == nil {
		return strings.ToLower(token)
	}
	if _, translated, ok := c.tr.Translate(ctx, token); ok && strings.TrimSpace(translated) != "" {
		return strings.ToLower(strings.TrimSpace(translated))
	}
	return strings.ToLower(token)
}

// ParseAIVerdict разбирает ответ модели по контракту
// `Significant: <token>` | `Trivial`. Регистр и обрамляющие пробелы игнорируются.
func ParseAIVerdict(raw string) (significant bool, token string, ok bool) {
	answer := strings.TrimSpace(raw)
	lower := strings.ToLower(answer)
	switch {
	case strings.HasPrefix(lower, "significant:"):
		token = strings.TrimSpace(answer[len("significant:"):])
		if token == "" {
			return false, "", false
		}
		return true, token, true
	case lower == "trivial" || strings.HasPrefix(lower, "trivial"):
		return false, "", true
	}
	return false, "", false
}

// isLatinToken сообщает, состоит ли токен только из латиницы/цифр/пунктуации.
func isLatinToken(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) && r >= 0x250 {
			return false
		}
	}
	return true
}
