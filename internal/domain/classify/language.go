// Локальная эвристика определения языка. Никаких внешних вызовов:
// частотные словари + подсчёт символов по блокам Unicode.
package classify

import (
	"strings"
	"unicode"
)

// Язык сообщения, как его видит классификатор.
const (
	LangEnglish = "en"
	LangArabic  = "ar"
	LangOther   = "other"
)

// Высокочастотные слова. Списки короткие намеренно: они различают en/ar,
// а не определяют язык вообще — всё остальное закрывает подсчёт скриптов.
var (
	englishVocab = wordSet("the", "and", "is", "in", "of", "to", "a", "for",
		"on", "with", "that", "this", "it", "at", "by", "from", "are", "was",
		"be", "has", "have", "not", "you", "we", "they")
	arabicVocab = wordSet("في", "من", "على", "إلى", "عن", "أن", "مع", "هذا",
		"هذه", "التي", "الذي", "كان", "قد", "لا", "ما", "هو", "هي", "بعد",
		"قبل", "اليوم", "عاجل", "بين", "كل", "غير")
)

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

// DetectLanguage решает en/ar/other по телу сообщения.
// Сначала сравниваются доли словарных попаданий по токенам; при равенстве
// (в том числе на очень коротких телах) решает скрипт: арабский блок против
// латиницы. Если не доминирует ни один скрипт — other.
func DetectLanguage(body string) string {
	lower := strings.ToLower(strings.TrimSpace(body))
	if lower == "" {
		return LangOther
	}

	var enHits, arHits int
	for _, tok := range strings.Fields(lower) {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if tok == "" {
			continue
		}
		if _, ok := englishVocab[tok]; ok {
			enHits++
		}
		if _, ok := arabicVocab[tok]; ok {
			arHits++
		}
	}

	switch {
	case enHits > arHits:
		return LangEnglish
	case arHits > enHits:
		return LangArabic
	}

	// Равенство словарных попаданий: решаем по скрипту.
	var arabicChars, latinChars int
	for _, r := range lower {
		switch {
		case isArabicRune(r):
			arabicChars++
		case r < 0x250 && unicode.IsLetter(r):
			latinChars++
		}
	}
	switch {
	case arabicChars > latinChars:
		return LangArabic
	case latinChars > arabicChars:
		return LangEnglish
	}
	return LangOther
}

// isArabicRune покрывает основной арабский блок и его расширения/лигатуры.
func isArabicRune(r rune) bool {
	return (r >= 0x0600 && r <= 0x06FF) ||
		(r >= 0x0750 && r <= 0x077F) ||
		(r >= 0x08A0 && r <= 0x08FF) ||
		(r >= 0xFB50 && r <= 0xFDFF) ||
		(r >= 0xFE70 && r <= 0xFEFF)
}
