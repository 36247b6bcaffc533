package ptywrapper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentrelay/relayd/internal/envelope"
)

// TestInjectVerifiesLiteralBanner spawns a real "cat" child under a PTY
// and checks that Inject only reports success once the literal
// "Relay message from <from> [<shortId>]" banner, not just any new
// output, appears in the child's echoed output.
func TestInjectVerifiesLiteralBanner(t *testing.T) {
	w, _, _ := newTestWrapper(t)
	w.cfg.CLI = "cat"
	w.cfg.StabilityPoll = 10 * time.Millisecond
	w.cfg.RequiredStablePolls = 1
	w.cfg.StabilityTimeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Kill()

	env := envelope.Envelope{ID: "abcdef1234567890", From: "Lead", To: "Dev", Body: "please ack"}
	if err := w.Inject(ctx, env); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	marker := verificationMarker(env)
	out := w.GetRawOutput()
	if !strings.Contains(out, marker) {
		t.Fatalf("expected raw output to contain verification marker %q, got %q", marker, out)
	}

	m := w.Metrics()
	if m.SuccessFirstTry != 1 {
		t.Fatalf("expected one first-try success, got SuccessFirstTry=%d SuccessRetried=%d Failed=%d", m.SuccessFirstTry, m.SuccessRetried, m.Failed)
	}
}

// TestAwaitVerificationRejectsUnrelatedOutput pins down awaitVerification's
// contract directly: output since the snapshot that doesn't contain the
// envelope's own banner must not be treated as a verified injection, even
// though it is new output.
func TestAwaitVerificationRejectsUnrelatedOutput(t *testing.T) {
	w, _, _ := newTestWrapper(t)

	before := w.snapshotLen()
	w.appendRaw([]byte("unrelated child chatter, not a relay banner\n"))

	env := envelope.Envelope{ID: "abcdef1234567890", From: "Lead"}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if w.awaitVerification(ctx, before, env) {
		t.Fatal("expected unrelated output not to satisfy verification")
	}
}
