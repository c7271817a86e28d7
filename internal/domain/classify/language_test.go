package classify_test

import (
	"testing"

	"telegram-monitor/internal/domain/classify"
)

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"englishVocab", "the protest is in the city and it was loud", classify.LangEnglish},
		{"arabicVocab", "عاجل: احتجاجات في بغداد اليوم", classify.LangArabic},
		{"shortArabicByScript", "احتجاجات", classify.LangArabic},
		{"shortLatinByScript", "breaking", classify.LangEnglish},
		{"cyrillicIsOther", "срочные новости из города", classify.LangOther},
		{"emptyIsOther", "   ", classify.LangOther},
		{"numbersOnlyIsOther", "1234 5678", classify.LangOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := classify.DetectLanguage(tc.body); got != tc.want {
				t.Fatalf("DetectLanguage(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}
