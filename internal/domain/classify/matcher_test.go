package classify_test

import (
	"reflect"
	"testing"

	"telegram-monitor/internal/domain/classify"
	"telegram-monitor/internal/infra/config"
)

func pair(en, native string) config.KeywordPair {
	return config.KeywordPair{English: en, Native: native}
}

func TestMatcherWholeWord(t *testing.T) {
	t.Parallel()

	m := classify.NewMatcher(config.Policy{
		SignificantKeywords: []config.KeywordPair{
			pair("protest", "احتجاج"),
			pair("urgent", "عاجل"),
		},
		TrivialKeywords: []config.KeywordPair{pair("sports", "رياضة")},
		ExcludeKeywords: []config.KeywordPair{pair("ads", "إعلان")},
	})

	cases := []struct {
		name    string
		text    string
		lang    string
		wantSig []string
	}{
		{
			name:    "englishWholeWord",
			text:    "Urgent: a protest downtown",
			lang:    classify.LangEnglish,
			wantSig: []string{"protest", "urgent"},
		},
		{
			name:    "englishSubstringDoesNotMatch",
			text:    "protesting urgently",
			lang:    classify.LangEnglish,
			wantSig: nil,
		},
		{
			name: "arabicNativeFormWithSuffix",
			// Арабские формы совпадают по нативной колонке, в результат идёт
			// английская; суффикс множественного числа не мешает совпадению.
			text:    "عاجل: احتجاجات في بغداد",
			lang:    classify.LangArabic,
			wantSig: []string{"protest", "urgent"},
		},
		{
			name:    "otherLanguageTriesBothForms",
			text:    "une protest à Paris",
			lang:    classify.LangOther,
			wantSig: []string{"protest"},
		},
		{
			name:    "punctuationIsBoundary",
			text:    "обстановка: protest!",
			lang:    classify.LangOther,
			wantSig: []string{"protest"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := m.MatchSignificant(tc.text, tc.lang)
			if !reflect.DeepEqual(got, tc.wantSig) {
				t.Fatalf("MatchSignificant() = %#v, want %#v", got, tc.wantSig)
			}
		})
	}
}

func TestMatcherExclude(t *testing.T) {
	t.Parallel()

	m := classify.NewMatcher(config.Policy{
		SignificantKeywords: []config.KeywordPair{pair("protest", "احتجاج")},
		ExcludeKeywords:     []config.KeywordPair{pair("advertisement", "إعلان")},
	})

	if kw, hit := m.MatchExclude("إعلان: تخفيضات كبرى اليوم", classify.LangArabic); !hit || kw != "advertisement" {
		t.Fatalf("MatchExclude() = (%q, %v), want (advertisement, true)", kw, hit)
	}
	if _, hit := m.MatchExclude("advertisements are plural", classify.LangEnglish); hit {
		t.Fatal("MatchExclude() matched a substring, whole-word boundary broken")
	}
}

func TestMatcherCaseInsensitive(t *testing.T) {
	t.Parallel()

	m := classify.NewMatcher(config.Policy{
		TrivialKeywords: []config.KeywordPair{pair("Sports", "رياضة")},
	})
	got := m.MatchTrivial("SPORTS news today", classify.LangEnglish)
	want := []string{"Sports"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MatchTrivial() = %#v, want %#v", got, want)
	}
}
