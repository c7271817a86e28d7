package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "countries.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validDoc = `{
  "admin_webhook": {"url": "https://hooks.example/admin", "channel_name": "ops"},
  "schema": {"fields": ["message_id", "channel", "original_text", "classification"]},
  "workbook_excluded_fields": ["original_text"],
  "countries": {
    "iraq": {
      "name": "Iraq",
      "channels": [{"handle": "@BaghdadNow"}, {"handle": "mosul_feed"}],
      "classification_policy": {
        "significant_keywords": [["explosion", "انفجار"], ["protest"]],
        "trivial_keywords": [["traffic"]]
      }
    }
  }
}`

func TestLoadDocument(t *testing.T) {
	doc, err := loadDocument(writeDoc(t, validDoc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	c := doc.Countries["iraq"]
	if c.ID != "iraq" || c.Name != "Iraq" {
		t.Errorf("country identity = %q/%q", c.ID, c.Name)
	}
	// Handle нормализуется при валидации.
	if c.Channels[0].Handle != "baghdadnow" {
		t.Errorf("handle = %q", c.Channels[0].Handle)
	}
	// Пустые имена листов получают дефолты.
	if c.Workbook.SignificantSheet != "Significant" || c.Workbook.TrivialSheet != "Trivial" {
		t.Errorf("sheets = %q/%q", c.Workbook.SignificantSheet, c.Workbook.TrivialSheet)
	}
	if doc.AdminWebhook.ChannelName != "ops" {
		t.Errorf("admin channel = %q", doc.AdminWebhook.ChannelName)
	}
}

func TestLoadDocumentRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "emptySchema",
			body: `{"schema": {"fields": []}, "countries": {"x": {"channels": [{"handle": "a"}]}}}`,
		},
		{
			name: "unknownSchemaField",
			body: `{"schema": {"fields": ["payload"]}, "countries": {"x": {"channels": [{"handle": "a"}]}}}`,
		},
		{
			name: "noCountries",
			body: `{"schema": {"fields": ["message_id"]}, "countries": {}}`,
		},
		{
			name: "countryWithoutChannels",
			body: `{"schema": {"fields": ["message_id"]}, "countries": {"x": {"channels": []}}}`,
		},
		{
			name: "unknownExcludedField",
			body: `{"schema": {"fields": ["message_id"]}, "workbook_excluded_fields": ["nope"],
			        "countries": {"x": {"channels": [{"handle": "a"}]}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadDocument(writeDoc(t, tt.body)); err == nil {
				t.Error("expected validation error, got none")
			}
		})
	}
}

func TestKeywordPairUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		english string
		native  string
		wantErr bool
	}{
		{name: "twoForms", raw: `["explosion", "انفجار"]`, english: "explosion", native: "انفجار"},
		{name: "singleForm", raw: `["protest"]`, english: "protest", native: "protest"},
		{name: "emptyArray", raw: `[]`, wantErr: true},
		{name: "threeForms", raw: `["a", "b", "c"]`, wantErr: true},
		{name: "blankEnglish", raw: `["  "]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var k KeywordPair
			err := json.Unmarshal([]byte(tt.raw), &k)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if k.English != tt.english || k.Native != tt.native {
				t.Errorf("pair = %q/%q, want %q/%q", k.English, k.Native, tt.english, tt.native)
			}
		})
	}
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"@BaghdadNow", "baghdadnow"},
		{"  mosul_feed ", "mosul_feed"},
		{"@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHandle(tt.in); got != tt.want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQueueDefaults(t *testing.T) {
	// Частичный override: нулевые поля добираются из таблицы топологии.
	q := withQueueDefaults("processing", QueueConfig{Concurrency: 8})
	def := defaultQueueConfig("processing")

	if q.Concurrency != 8 {
		t.Errorf("concurrency = %d", q.Concurrency)
	}
	if q.MaxRetries != def.MaxRetries || q.BaseDelaySec != def.BaseDelaySec ||
		q.BackoffFactor != def.BackoffFactor || q.TimeLimitSec != def.TimeLimitSec {
		t.Errorf("defaults not filled: %+v", q)
	}

	// Неизвестная очередь получает общий дефолт, а не панику.
	if got := defaultQueueConfig("no_such_queue"); got.Concurrency != 1 {
		t.Errorf("fallback concurrency = %d", got.Concurrency)
	}
}
