package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	s, err := Open(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := envelope.StoredMessage{
		Envelope: envelope.Envelope{ID: "abc123", Ts: time.Now().UnixMilli(), From: "Lead", To: "Dev", Kind: envelope.KindMessage, Body: "please ack"},
		Status:   envelope.StatusUnread,
	}
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	got, err := s.GetMessages(ctx, MessageFilter{To: "Dev"})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 1 || got[0].Body != "please ack" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got[0].DeliverySeq != 1 {
		t.Errorf("expected first delivery seq to be 1, got %d", got[0].DeliverySeq)
	}
}

func TestGetMessagesMarksReadOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := envelope.StoredMessage{
		Envelope: envelope.Envelope{ID: "id1", Ts: time.Now().UnixMilli(), From: "Lead", To: "Dev", Kind: envelope.KindMessage, Body: "hi"},
		Status:   envelope.StatusUnread,
	}
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	first, err := s.GetMessages(ctx, MessageFilter{To: "Dev", MarkReadAs: "Dev"})
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Status != envelope.StatusRead {
		t.Fatalf("expected returned row to reflect read status, got %v", first[0].Status)
	}

	second, err := s.GetMessages(ctx, MessageFilter{To: "Dev", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no unread rows after the first read-query, got %d", len(second))
	}
}

func TestGetMessageByIDPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, envelope.StoredMessage{
		Envelope: envelope.Envelope{ID: "deadbeef0001", Ts: 1, From: "A", To: "B", Kind: envelope.KindMessage, Body: "x"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessageByID(ctx, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "deadbeef0001" {
		t.Fatalf("expected prefix match, got %+v", got)
	}
}

func TestSessionLifecycleAndEndSessionPreservesSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx, envelope.Session{AgentName: "Dev", CLI: "claude", StartedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	summary := "did some work"
	if err := s.EndSession(ctx, id, envelope.ClosedByAgent, &summary); err != nil {
		t.Fatal(err)
	}

	// second call with nil summary must not clobber the one already set
	if err := s.EndSession(ctx, id, envelope.ClosedByAgent, nil); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.GetSessions(ctx, SessionFilter{AgentName: "Dev"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Summary == nil || *sessions[0].Summary != summary {
		t.Fatalf("expected summary preserved, got %+v", sessions)
	}
}

func TestAgentSummaryUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sum := envelope.AgentSummary{AgentName: "Dev", LastUpdated: time.Now(), CurrentTask: "task A", Files: []string{"a.go", "b.go"}}
	if err := s.SaveAgentSummary(ctx, sum); err != nil {
		t.Fatal(err)
	}
	sum.CurrentTask = "task B"
	if err := s.SaveAgentSummary(ctx, sum); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgentSummary(ctx, "Dev")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.CurrentTask != "task B" {
		t.Fatalf("expected overwritten-in-place summary, got %+v", got)
	}

	all, err := s.GetAllAgentSummaries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one summary row, got %d", len(all))
	}
}

func TestCleanupExpiredMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	if err := s.SaveMessage(ctx, envelope.StoredMessage{Envelope: envelope.Envelope{ID: "old1", Ts: old, From: "A", To: "B", Kind: envelope.KindMessage, Body: "old"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMessage(ctx, envelope.StoredMessage{Envelope: envelope.Envelope{ID: "new1", Ts: fresh, From: "A", To: "B", Kind: envelope.KindMessage, Body: "new"}}); err != nil {
		t.Fatal(err)
	}

	n, err := s.CleanupExpiredMessages(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message deleted, got %d", n)
	}

	remaining, err := s.GetMessages(ctx, MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range remaining {
		if time.Now().UnixMilli()-m.Ts > int64(24*time.Hour/time.Millisecond) {
			t.Errorf("expired message %q survived cleanup", m.ID)
		}
	}
}

func TestConcurrentSaveMessageSerializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errCh <- s.SaveMessage(ctx, envelope.StoredMessage{
				Envelope: envelope.Envelope{ID: "", Ts: int64(i), From: "A", To: "Dev", Kind: envelope.KindMessage, Body: "x"},
			})
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetMessages(ctx, MessageFilter{To: "Dev", Limit: n})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got))
	}

	seen := map[int64]bool{}
	for _, m := range got {
		if seen[m.DeliverySeq] {
			t.Fatalf("duplicate delivery_seq %d", m.DeliverySeq)
		}
		seen[m.DeliverySeq] = true
	}
}
