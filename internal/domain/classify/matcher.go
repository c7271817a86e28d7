// Сопоставление сообщений со списками ключевых пар.
//
// Модель и инварианты:
//   - сопоставление нечувствительно к регистру;
//   - учитываются границы слов, заданные переходами Unicode-классов букв/цифр:
//     (^|[^\p{L}\p{N}]) ключ ([^\p{L}\p{N}]|$). Это корректно для многобайтных
//     рун UTF-8;
//   - для арабских форм правая граница не требуется: суффиксальная морфология
//     (احتجاج → احتجاجات) должна давать совпадение;
//   - порядок пар в политике важен: совпадения сообщаются в том же порядке;
//   - совпавшие ключи нормализуются к английской форме пары.
package classify

import (
	"regexp"
	"sync"

	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/infra/logger"
)

// compiledPair — пара с предкомпилированными шаблонами обеих форм.
// Политики read-only после загрузки, поэтому компиляция выполняется один раз.
type compiledPair struct {
	english string
	en      *regexp.Regexp
	native  *regexp.Regexp
}

// Matcher хранит скомпилированные списки одной политики.
type Matcher struct {
	significant []compiledPair
	trivial     []compiledPair
	exclude     []compiledPair
}

// wordPatternCache разделяет компиляцию одинаковых ключей между странами.
var wordPatternCache sync.Map // string -> *regexp.Regexp

// wholeWordPattern возвращает регэксп «целое слово, без учёта регистра» для ключа.
// Для ключей с арабским письмом правая граница опускается: суффиксы (мн. число,
// притяжательные) не должны прятать совпадение. Ошибки компиляции невозможны
// после QuoteMeta, но на всякий случай логируются.
func wholeWordPattern(keyword string) *regexp.Regexp {
	if cached, ok := wordPatternCache.Load(keyword); ok {
		return cached.(*regexp.Regexp)
	}
	pattern := `(?i)(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(keyword) + `([^\p{L}\p{N}]|$)`
	if containsArabic(keyword) {
		pattern = `(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(keyword)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Errorf("compile keyword pattern %q: %v", keyword, err)
		return nil
	}
	wordPatternCache.Store(keyword, re)
	return re
}

func containsArabic(s string) bool {
	for _, r := range s {
		if isArabicRune(r) {
			return true
		}
	}
	return false
}

// NewMatcher компилирует все три списка политики.
func NewMatcher(p config.Policy) *Matcher {
	return &Matcher{
		significant: compilePairs(p.SignificantKeywords),
		trivial:     compilePairs(p.TrivialKeywords),
		exclude:     compilePairs(p.ExcludeKeywords),
	}
}

func compilePairs(pairs []config.KeywordPair) []compiledPair {
	out := make([]compiledPair, 0, len(pairs))
	for _, p := range pairs {
		cp := compiledPair{
			english: p.English,
			en:      wholeWordPattern(p.English),
		}
		if p.Native == p.English {
			cp.native = cp.en
		} else {
			cp.native = wholeWordPattern(p.Native)
		}
		out = append(out, cp)
	}
	return out
}

// matches проверяет пару против текста с выбором формы по языку:
// en — английская форма, ar — нативная, other — обе.
func (cp compiledPair) matches(text, lang string) bool {
	switch lang {
	case LangEnglish:
		return cp.en != nil && cp.en.MatchString(text)
	case LangArabic:
		return cp.native != nil && cp.native.MatchString(text)
	default:
		return (cp.en != nil && cp.en.MatchString(text)) ||
			(cp.native != nil && cp.native.MatchString(text))
	}
}

// MatchExclude сообщает, содержит ли текст хотя бы один exclude-ключ.
func (m *Matcher) MatchExclude(text, lang string) (string, bool) {
	for _, cp := range m.exclude {
		if cp.matches(text, lang) {
			return cp.english, true
		}
	}
	return "", false
}

// MatchSignificant возвращает английские формы совпавших significant-ключей.
func (m *Matcher) MatchSignificant(text, lang string) []string {
	return matchList(m.significant, text, lang)
}

// MatchTrivial возвращает английские формы совпавших trivial-ключей.
func (m *Matcher) MatchTrivial(text, lang string) []string {
	return matchList(m.trivial, text, lang)
}

func matchList(pairs []compiledPair, text, lang string) []string {
	var out []string
	for _, cp := range pairs {
		if cp.matches(text, lang) {
			out = append(out, cp.english)
		}
	}
	return out
}
