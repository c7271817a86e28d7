package workbook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
)

var testWB = config.Workbook{
	Site:             "monitoring",
	Folder:           "reports",
	Filename:         "syria.xlsx",
	SignificantSheet: "Significant",
	TrivialSheet:     "Trivial",
}

var testSchema = []string{
	message.FieldMessageID, message.FieldChannel, message.FieldOriginalText, message.FieldProcessedAt,
}

// fakeWorkbook — минимальный сервер воркбуков для прогонов клиента.
type fakeWorkbook struct {
	t        *testing.T
	rowCount int
	written  [][]any
	sessions atomic.Int32
	fail401  atomic.Bool
}

func (f *fakeWorkbook) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/createSession"):
			f.sessions.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
		case strings.HasSuffix(r.URL.Path, "/worksheets"):
			_ = json.NewEncoder(w).Encode(map[string]any{"value": []map[string]string{{"name": "Significant"}}})
		case strings.Contains(r.URL.Path, "/usedRange"):
			if f.fail401.Swap(false) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"rowCount": f.rowCount})
		case strings.Contains(r.URL.Path, "/range("):
			if r.Header.Get("workbook-session-id") != "sess-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var body struct {
				Values [][]any `json:"values"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.written = append(f.written, body.Values...)
			f.rowCount++
			w.WriteHeader(http.StatusOK)
		default:
			f.t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestSink(t *testing.T, f *fakeWorkbook) *Sink {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client := NewClient(&config.EnvConfig{WorkbookBaseURL: srv.URL, WorkbookToken: "tok"})
	return NewSink(client, testWB, testSchema, []string{message.FieldOriginalText})
}

func TestAppendBootstrapsHeaderOnEmptySheet(t *testing.T) {
	f := &fakeWorkbook{t: t, rowCount: 0}
	sink := newTestSink(t, f)

	err := sink.Append(context.Background(), "Significant", []string{"101", "ch", "2026-03-14 10:30:00"})
	require.NoError(t, err)
	require.Len(t, f.written, 2)
	// Заголовок — метки схемы без исключённого поля.
	require.Equal(t, []any{"message_id", "channel", "processed_at"}, f.written[0])
	require.Equal(t, []any{"101", "ch", "2026-03-14 10:30:00"}, f.written[1])
}

func TestAppendUsesNextFreeRow(t *testing.T) {
	f := &fakeWorkbook{t: t, rowCount: 5}
	sink := newTestSink(t, f)

	err := sink.Append(context.Background(), "Trivial", []string{"102", "ch", "2026-03-14 10:31:00"})
	require.NoError(t, err)
	require.Len(t, f.written, 1)
}

func TestAppendReissuesSessionOn401(t *testing.T) {
	f := &fakeWorkbook{t: t, rowCount: 3}
	f.fail401.Store(true)
	sink := newTestSink(t, f)

	err := sink.Append(context.Background(), "Significant", []string{"103", "ch", "2026-03-14 10:32:00"})
	require.NoError(t, err)
	require.Equal(t, int32(2), f.sessions.Load(), "expected one re-issued session")
}

func TestSessionFailureIsSinkInit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(&config.EnvConfig{WorkbookBaseURL: srv.URL})
	sink := NewSink(client, testWB, testSchema, nil)
	err := sink.Append(context.Background(), "Significant", []string{"1", "ch", "x", "y"})
	require.True(t, errors.Is(err, faults.ErrSinkInit), "got %v", err)
	require.Equal(t, int32(3), calls.Load(), "three bootstrap attempts")
}

func TestColumnLetter(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "A"}, {3, "C"}, {26, "Z"}, {27, "AA"}, {52, "AZ"},
	}
	for _, tt := range tests {
		if got := columnLetter(tt.n); got != tt.want {
			t.Errorf("columnLetter(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestDeleteOlderThan(t *testing.T) {
	cutoff := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	parse := func(s string) (time.Time, bool) {
		ts, err := time.Parse("2006-01-02 15:04:05", s)
		return ts, err == nil
	}

	var deletedAddress string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/createSession"):
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
		case strings.HasSuffix(r.URL.Path, "/worksheets"):
			_ = json.NewEncoder(w).Encode(map[string]any{"value": []any{}})
		case strings.Contains(r.URL.Path, "/usedRange"):
			_ = json.NewEncoder(w).Encode(map[string]any{"values": [][]any{
				{"message_id", "channel", "processed_at"},
				{"1", "ch", "2026-03-10 09:00:00"},
				{"2", "ch", "2026-03-11 09:00:00"},
				{"3", "ch", "2026-03-15 09:00:00"},
			}})
		case strings.Contains(r.URL.Path, "/delete"):
			deletedAddress = r.URL.Path
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(&config.EnvConfig{WorkbookBaseURL: srv.URL})
	sink := NewSink(client, testWB, testSchema, []string{message.FieldOriginalText})
	deleted, err := sink.DeleteOlderThan(context.Background(), "Significant", cutoff, parse)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Contains(t, deletedAddress, "A2:C3")
}
