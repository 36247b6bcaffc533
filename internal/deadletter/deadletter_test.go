package deadletter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentrelay/relayd/internal/envelope"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "dlq.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRecordAndList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	env := envelope.Envelope{ID: "e1", From: "Lead", To: "Ghost", Kind: envelope.KindMessage, Body: "hi"}
	dl, err := q.Record(ctx, env, envelope.ReasonTargetNotFound, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if dl.ID == "" {
		t.Fatal("expected an id to be assigned")
	}

	got, err := q.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Envelope.To != "Ghost" || got[0].Reason != envelope.ReasonTargetNotFound {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestListFilterByReason(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Record(ctx, envelope.Envelope{ID: "a"}, envelope.ReasonTargetNotFound, 0, "")
	q.Record(ctx, envelope.Envelope{ID: "b"}, envelope.ReasonMaxRetriesExceeded, 3, "boom")

	got, err := q.List(ctx, Filter{Reason: envelope.ReasonMaxRetriesExceeded})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Envelope.ID != "b" {
		t.Fatalf("unexpected filtered result: %+v", got)
	}
}

func TestPurge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Record(ctx, envelope.Envelope{ID: "a"}, envelope.ReasonTargetNotFound, 0, "")
	q.Record(ctx, envelope.Envelope{ID: "b"}, envelope.ReasonConnectionLost, 1, "")

	n, err := q.Purge(ctx, Filter{Reason: envelope.ReasonTargetNotFound})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	remaining, err := q.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Envelope.ID != "b" {
		t.Fatalf("unexpected remaining: %+v", remaining)
	}
}
