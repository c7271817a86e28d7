package message

import (
	"reflect"
	"testing"
	"time"
)

func sampleProcessed() *Processed {
	return &Processed{
		ExternalID:      4211,
		Channel:         "baghdadnow",
		Country:         "Iraq",
		AuthoredAt:      time.Date(2026, 5, 2, 14, 30, 7, 0, time.UTC),
		Sender:          "channel:100500",
		Text:            "انفجار في المنطقة الخضراء",
		Language:        "ar",
		Translated:      "Explosion in the Green Zone",
		WasTranslated:   true,
		Verdict:         VerdictSignificant,
		Method:          MethodKeywordSignificant,
		MatchedKeywords: []string{"explosion"},
		ProcessedAt:     time.Date(2026, 5, 2, 14, 31, 0, 0, time.UTC),
	}
}

func TestProject(t *testing.T) {
	msg := sampleProcessed()

	tests := []struct {
		name     string
		schema   []string
		excluded []string
		want     []string
		wantErr  bool
	}{
		{
			name:   "schemaOrderPreserved",
			schema: []string{FieldTranslatedText, FieldMessageID, FieldChannel},
			want:   []string{"Explosion in the Green Zone", "4211", "baghdadnow"},
		},
		{
			name:     "excludedFieldSkipped",
			schema:   []string{FieldMessageID, FieldOriginalText, FieldClassification},
			excluded: []string{FieldOriginalText},
			want:     []string{"4211", "significant"},
		},
		{
			name:   "timestampsUTCFixedLayout",
			schema: []string{FieldTimestamp, FieldProcessedAt},
			want:   []string{"2026-05-02 14:30:07", "2026-05-02 14:31:00"},
		},
		{
			name:   "boolAndListRendering",
			schema: []string{FieldWasTranslated, FieldMatchedKeywords, FieldMethod},
			want:   []string{"true", "explosion", "keyword_significant"},
		},
		{
			name:    "unknownFieldFails",
			schema:  []string{FieldMessageID, "no_such_field"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := msg.Project(tt.schema, tt.excluded)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("row = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProjectRowMatchesLabels(t *testing.T) {
	schema := []string{
		FieldMessageID, FieldChannel, FieldCountry, FieldTimestamp,
		FieldOriginalText, FieldTranslatedText, FieldClassification,
	}
	excluded := []string{FieldOriginalText, FieldCountry}

	labels := ProjectLabels(schema, excluded)
	row, err := sampleProcessed().Project(schema, excluded)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(row) != len(labels) {
		t.Fatalf("row has %d cells, labels %d", len(row), len(labels))
	}
	for _, ex := range excluded {
		for _, l := range labels {
			if l == ex {
				t.Errorf("excluded field %q leaked into labels", ex)
			}
		}
	}
}

func TestWithAIUnavailableIdempotent(t *testing.T) {
	m := MethodKeywordSignificant.WithAIUnavailable()
	if m != "keyword_significant_ai_unavailable" {
		t.Fatalf("method = %s", m)
	}
	if again := m.WithAIUnavailable(); again != m {
		t.Errorf("suffix duplicated: %s", again)
	}
}

func TestKnownField(t *testing.T) {
	if !KnownField(FieldReasoning) {
		t.Error("reasoning must be known")
	}
	if KnownField("payload") {
		t.Error("payload must be unknown")
	}
}
