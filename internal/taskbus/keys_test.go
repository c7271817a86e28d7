package taskbus

import (
	"testing"
	"time"
)

func TestTaskKey(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		id      int64
		sink    string
		want    string
	}{
		{name: "workbook", channel: "newschannel", id: 12345, sink: SinkWorkbook, want: "newschannel:12345:workbook"},
		{name: "csv", channel: "alerts_sy", id: 1, sink: SinkCSV, want: "alerts_sy:1:csv"},
		{name: "webhook", channel: "ye_now", id: 987654321, sink: SinkWebhook, want: "ye_now:987654321:webhook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TaskKey(tt.channel, tt.id, tt.sink); got != tt.want {
				t.Errorf("TaskKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessKey(t *testing.T) {
	if got := ProcessKey("ch", 7); got != "ch:7:process" {
		t.Errorf("ProcessKey() = %q", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		factor float64
		n      int
		want   time.Duration
	}{
		{name: "firstAttempt", base: 30 * time.Second, factor: 2, n: 0, want: 30 * time.Second},
		{name: "secondAttempt", base: 30 * time.Second, factor: 2, n: 1, want: 60 * time.Second},
		{name: "thirdAttempt", base: 30 * time.Second, factor: 2, n: 2, want: 120 * time.Second},
		{name: "fractionalFactor", base: 60 * time.Second, factor: 1.5, n: 1, want: 90 * time.Second},
		{name: "ceiling", base: 180 * time.Second, factor: 2, n: 10, want: time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BackoffDelay(tt.base, tt.factor, tt.n); got != tt.want {
				t.Errorf("BackoffDelay() = %s, want %s", got, tt.want)
			}
		})
	}
}
