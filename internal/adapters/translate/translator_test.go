package translate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFreeBackendTimeout(t *testing.T) {
	tr := New("http://localhost:0", false, nil)
	if tr.http.Timeout != 30*time.Second {
		t.Errorf("client timeout = %s, want 30s", tr.http.Timeout)
	}
}

func TestTranslateEnglishPassthrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tr := New(srv.URL, false, nil)
	lang, got, was := tr.Translate(context.Background(), "Protests erupted in the capital today")
	if was {
		t.Error("english text must not be translated")
	}
	if lang != "en" {
		t.Errorf("lang = %q, want en", lang)
	}
	if got != "Protests erupted in the capital today" {
		t.Errorf("got %q", got)
	}
	if calls.Load() != 0 {
		t.Errorf("backend called %d times for english text", calls.Load())
	}
}

func TestTranslateArabicViaFreeBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tl"); got != "en" {
			t.Errorf("tl = %q, want en", got)
		}
		// Две сегментированные части, как отдаёт реальный эндпоинт.
		_, _ = w.Write([]byte(`[[["Protests erupted ","اندلعت احتجاجات ",null],["in the capital","في العاصمة",null]],null,"ar"]`))
	}))
	defer srv.Close()

	tr := New(srv.URL, false, nil)
	lang, got, was := tr.Translate(context.Background(), "اندلعت احتجاجات في العاصمة")
	if !was {
		t.Fatal("expected translation")
	}
	if lang != "ar" {
		t.Errorf("lang = %q, want ar", lang)
	}
	if got != "Protests erupted in the capital" {
		t.Errorf("got %q", got)
	}
}

func TestTranslateBackendFailureReturnsOriginal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := New(srv.URL, false, nil)
	original := "اندلعت احتجاجات في العاصمة"
	_, got, was := tr.Translate(context.Background(), original)
	if was {
		t.Error("failed translation must not be flagged as translated")
	}
	if got != original {
		t.Errorf("got %q, want original", got)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls.Load())
	}
}

type stubAI struct{ out string }

func (s stubAI) Translate(_ context.Context, _ string) (string, error) { return s.out, nil }

func TestTranslateAIBackend(t *testing.T) {
	tr := New("http://unused.invalid", true, stubAI{out: "Explosion reported near the port"})
	_, got, was := tr.Translate(context.Background(), "انفجار قرب الميناء")
	if !was || got != "Explosion reported near the port" {
		t.Errorf("got %q was=%v", got, was)
	}
}
