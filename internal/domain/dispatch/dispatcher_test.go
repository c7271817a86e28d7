package dispatch

import (
	"context"
	"testing"

	"telegram-monitor/internal/domain/faults"
	"telegram-monitor/internal/domain/message"
	"telegram-monitor/internal/infra/config"
	"telegram-monitor/internal/taskbus"

	"github.com/go-faster/errors"
)

type enqueued struct {
	queue string
	typ   string
	key   string
}

type stubBus struct {
	calls   []enqueued
	failKey string
	dedup   map[string]bool
}

func (b *stubBus) Enqueue(_ context.Context, queue, typ string, _ []byte, key string) error {
	if b.failKey != "" && key == b.failKey {
		return errors.New("broker down")
	}
	if b.dedup[key] {
		return faults.ErrDedupHit
	}
	b.calls = append(b.calls, enqueued{queue: queue, typ: typ, key: key})
	return nil
}

type stubCursor struct {
	set map[string]int64
	err error
}

func (c *stubCursor) SetCursor(_ context.Context, channel string, id int64) error {
	if c.err != nil {
		return c.err
	}
	if c.set == nil {
		c.set = make(map[string]int64)
	}
	c.set[channel] = id
	return nil
}

func syriaCountry() *config.Country {
	return &config.Country{
		ID:         "syria",
		Name:       "Syria",
		WebhookURL: "https://hooks.example/syria",
		Workbook:   config.Workbook{Filename: "syria.xlsx", SignificantSheet: "Significant", TrivialSheet: "Trivial"},
	}
}

func msgWith(verdict message.Verdict) *message.Processed {
	return &message.Processed{
		ExternalID: 42,
		Channel:    "sy_news",
		Verdict:    verdict,
		Method:     message.MethodKeywordSignificant,
	}
}

func queuesOf(calls []enqueued) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.queue
	}
	return out
}

func TestDispatchSignificantHitsAllSinks(t *testing.T) {
	bus := &stubBus{}
	cur := &stubCursor{}
	d := New(bus, cur)

	msg := msgWith(message.VerdictSignificant)
	if err := d.Dispatch(context.Background(), syriaCountry(), msg); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := queuesOf(bus.calls)
	want := []string{taskbus.QueueCSV, taskbus.QueueWorkbook, taskbus.QueueWebhook}
	if len(got) != len(want) {
		t.Fatalf("queues = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queues[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if cur.set["sy_news"] != 42 {
		t.Errorf("cursor = %d, want 42", cur.set["sy_news"])
	}
	if msg.CorrelationID == "" {
		t.Error("correlation id must be stamped")
	}
}

func TestDispatchTrivialSkipsWebhook(t *testing.T) {
	for _, verdict := range []message.Verdict{message.VerdictTrivial} {
		bus := &stubBus{}
		d := New(bus, &stubCursor{})

		if err := d.Dispatch(context.Background(), syriaCountry(), msgWith(verdict)); err != nil {
			t.Fatalf("Dispatch(%s): %v", verdict, err)
		}
		for _, c := range bus.calls {
			if c.queue == taskbus.QueueWebhook {
				t.Errorf("verdict %s must not reach webhook", verdict)
			}
		}
		if len(bus.calls) != 2 {
			t.Errorf("verdict %s: %d sink tasks, want 2", verdict, len(bus.calls))
		}
	}
}

func TestDispatchExcludedAdvancesCursorOnly(t *testing.T) {
	bus := &stubBus{}
	cur := &stubCursor{}
	d := New(bus, cur)

	if err := d.Dispatch(context.Background(), syriaCountry(), msgWith(message.VerdictExcluded)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(bus.calls) != 0 {
		t.Errorf("excluded message enqueued %v", bus.calls)
	}
	if cur.set["sy_news"] != 42 {
		t.Error("excluded message must still advance the cursor")
	}
}

func TestDispatchEnqueueFailureHoldsCursor(t *testing.T) {
	bus := &stubBus{failKey: taskbus.TaskKey("sy_news", 42, taskbus.SinkWorkbook)}
	cur := &stubCursor{}
	d := New(bus, cur)

	err := d.Dispatch(context.Background(), syriaCountry(), msgWith(message.VerdictSignificant))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := cur.set["sy_news"]; ok {
		t.Error("cursor must not advance when a sink task was not accepted")
	}
}

func TestDispatchDedupHitIsSuccess(t *testing.T) {
	bus := &stubBus{dedup: map[string]bool{
		taskbus.TaskKey("sy_news", 42, taskbus.SinkCSV): true,
	}}
	cur := &stubCursor{}
	d := New(bus, cur)

	if err := d.Dispatch(context.Background(), syriaCountry(), msgWith(message.VerdictSignificant)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if cur.set["sy_news"] != 42 {
		t.Error("dedup hit must still advance the cursor")
	}
}

func TestDispatchNoBindingsNoTasks(t *testing.T) {
	bus := &stubBus{}
	d := New(bus, &stubCursor{})
	country := &config.Country{ID: "nowhere", Name: "Nowhere"}

	if err := d.Dispatch(context.Background(), country, msgWith(message.VerdictSignificant)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(bus.calls) != 1 || bus.calls[0].queue != taskbus.QueueCSV {
		t.Errorf("calls = %v, want CSV only", bus.calls)
	}
}
