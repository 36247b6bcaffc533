package wire

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/deadletter"
	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/spawner"
)

type fakeWorkers struct{ rows []spawner.Worker }

func (f fakeWorkers) Workers() []spawner.Worker { return f.rows }

type fakeDLQ struct {
	letters   []envelope.DeadLetter
	gotFilter deadletter.Filter
}

func (f *fakeDLQ) List(_ context.Context, filter deadletter.Filter) ([]envelope.DeadLetter, error) {
	f.gotFilter = filter
	return f.letters, nil
}

func startServer(t *testing.T, workers WorkerLister, dlq DeadLetterLister) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "relayd.sock")
	srv := New(socketPath, workers, dlq, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	// give the listener a moment to bind
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return socketPath, func() {
		cancel()
		srv.Close()
		<-done
	}
}

func TestServer_AgentsQuery(t *testing.T) {
	workers := fakeWorkers{rows: []spawner.Worker{{Name: "Lead", CLI: "claude"}, {Name: "Dev", CLI: "claude"}}}
	socketPath, stop := startServer(t, workers, &fakeDLQ{})
	defer stop()

	resp, err := Query(socketPath, Request{Op: "agents"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.Workers) != 2 {
		t.Fatalf("want 2 workers, got %d", len(resp.Workers))
	}
}

func TestServer_DLQQuery(t *testing.T) {
	dlq := &fakeDLQ{letters: []envelope.DeadLetter{{ID: "dl-1", Reason: envelope.ReasonTargetNotFound}}}
	socketPath, stop := startServer(t, fakeWorkers{}, dlq)
	defer stop()

	resp, err := Query(socketPath, Request{Op: "dlq", Reason: envelope.ReasonTargetNotFound, Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.Letters) != 1 || resp.Letters[0].ID != "dl-1" {
		t.Fatalf("unexpected letters: %+v", resp.Letters)
	}
	if dlq.gotFilter.Reason != envelope.ReasonTargetNotFound || dlq.gotFilter.Limit != 10 {
		t.Fatalf("filter not forwarded: %+v", dlq.gotFilter)
	}
}

func TestServer_UnknownOp(t *testing.T) {
	socketPath, stop := startServer(t, fakeWorkers{}, &fakeDLQ{})
	defer stop()

	_, err := Query(socketPath, Request{Op: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown op")
	}
}
