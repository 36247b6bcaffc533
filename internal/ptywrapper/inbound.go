package ptywrapper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/patterns"
	"github.com/agentrelay/relayd/internal/relayerr"
)

// Inject implements router.Conn: it enqueues env for FIFO injection and
// waits for the outcome. Queueing (rather than writing directly) keeps
// concurrent Route calls from interleaving keystrokes into the same PTY.
func (w *Wrapper) Inject(ctx context.Context, env envelope.Envelope) error {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return relayerr.ErrConnectionLost
	}

	req := injectionRequest{env: env, result: make(chan error, 1)}
	select {
	case w.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Displaced implements router.Conn: a newer registration has taken over
// this agent name, so this wrapper stops accepting new injections. The
// underlying process is left running; the spawner decides its fate.
func (w *Wrapper) Displaced() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// injectionLoop drains the FIFO injection queue one request at a time,
// pacing successive writes by QueueProcessDelay so a burst of envelopes
// doesn't flood the child faster than it can read.
func (w *Wrapper) injectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			req.result <- w.injectOne(ctx, req.env)
			select {
			case <-time.After(w.cfg.QueueProcessDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// injectOne performs one stability-wait, write, verify, retry cycle.
func (w *Wrapper) injectOne(ctx context.Context, env envelope.Envelope) error {
	w.injectMu.Lock()
	defer w.injectMu.Unlock()

	if err := w.waitStable(ctx); err != nil {
		return err
	}

	if w.geminiLike() && w.looksLikeShellPrompt() {
		// Injecting into a bare shell prompt (a Gemini-style CLI between
		// turns) would execute the banner text as a command, so the attempt
		// is abandoned rather than risking that.
		return relayerr.ErrVerificationFailed
	}

	var lastErr error
	var before int
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// The previous write may have landed after its verification
			// window closed; a late arrival is a delivery, not grounds to
			// type the banner a second time.
			if w.markerSince(before, env) {
				w.metrics.recordRetried()
				return nil
			}
		}
		before = w.snapshotLen()

		if err := w.writeBanner(env); err != nil {
			return fmt.Errorf("ptywrapper: write: %w", err)
		}

		verifyCtx, cancel := context.WithTimeout(ctx, w.cfg.VerificationTimeout)
		ok := w.awaitVerification(verifyCtx, before, env)
		cancel()

		if ok {
			if attempt == 0 {
				w.metrics.recordFirstTry()
			} else {
				w.metrics.recordRetried()
			}
			return nil
		}

		lastErr = relayerr.ErrVerificationFailed
		if attempt < w.cfg.MaxRetries {
			select {
			case <-time.After(w.cfg.RetryBackoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	w.metrics.recordFailed()
	return lastErr
}

// geminiLike reports whether the configured CLI needs the shell-prompt
// guard and backtick body quoting on injection.
func (w *Wrapper) geminiLike() bool {
	return strings.Contains(strings.ToLower(w.cfg.CLI), "gemini")
}

// waitStable blocks until the child's output buffer stops growing for
// RequiredStablePolls consecutive polls, or StabilityTimeout elapses (in
// which case injection proceeds anyway: a CLI that never goes idle, e.g.
// one streaming continuous progress output, must not starve its queue).
func (w *Wrapper) waitStable(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.StabilityTimeout)
	stableCount := 0
	last := w.snapshotLen()

	ticker := time.NewTicker(w.cfg.StabilityPoll)
	defer ticker.Stop()

	for {
		if stableCount >= w.cfg.RequiredStablePolls {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cur := w.snapshotLen()
			if cur == last {
				stableCount++
			} else {
				stableCount = 0
			}
			last = cur
		}
	}
}

func (w *Wrapper) snapshotLen() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.raw.Len()
}

func (w *Wrapper) looksLikeShellPrompt() bool {
	lines := w.GetOutput(3)
	if len(lines) == 0 {
		return false
	}
	return w.patterns.ShellPrompt.MatchString(lines[len(lines)-1])
}

// writeBanner writes the injection-format banner (per the daemon's
// external wire contract) followed by the body, then an Enter keystroke
// after EnterDelay, mirroring how a person pastes a message and presses
// Enter a beat later.
func (w *Wrapper) writeBanner(env envelope.Envelope) error {
	if w.geminiLike() {
		// Backticks keep the body from being interpreted should the CLI
		// drop to a shell between the prompt check and the write.
		env.Body = "`" + env.Body + "`"
	}
	banner := formatInjection(env)
	if _, err := w.Write([]byte(banner)); err != nil {
		return err
	}

	time.Sleep(w.cfg.EnterDelay)

	_, err := w.Write([]byte("\r"))
	return err
}

// verificationMarker is the literal, unambiguous prefix of formatInjection's
// output that awaitVerification polls for: "Relay message from <from>
// [<shortId>]", present on every injection regardless of the optional
// thread/urgency/topic hints that follow it.
func verificationMarker(env envelope.Envelope) string {
	return fmt.Sprintf("Relay message from %s [%s]", env.From, env.ShortID())
}

// formatInjection renders `Relay message from <from> [<8charId>][
// [thread:<t>]][ [!!]|[!]][ [#general]][ [Attachments: ...]]: <body>`.
// The [#general] hint marks a broadcast; the attachments hint lists any
// file paths carried in the envelope's data attachment.
func formatInjection(env envelope.Envelope) string {
	var b strings.Builder
	b.WriteString(verificationMarker(env))
	if env.Thread != "" {
		fmt.Fprintf(&b, " [thread:%s]", env.Thread)
	}
	if env.IsUrgent {
		b.WriteString(" [!!]")
	} else if env.Importance >= 50 {
		b.WriteString(" [!]")
	}
	if env.IsBroadcast {
		b.WriteString(" [#general]")
	} else if env.Topic != "" {
		fmt.Fprintf(&b, " [#%s]", env.Topic)
	}
	if paths := attachmentPaths(env); len(paths) > 0 {
		fmt.Fprintf(&b, " [Attachments: %s]", strings.Join(paths, ", "))
	}
	fmt.Fprintf(&b, ": %s", env.Body)
	return b.String()
}

func attachmentPaths(env envelope.Envelope) []string {
	raw, ok := env.Data["attachments"].([]any)
	if !ok {
		return nil
	}
	var paths []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			paths = append(paths, s)
		}
	}
	return paths
}

// markerSince reports whether the output captured past the before offset
// already contains env's literal injection banner.
func (w *Wrapper) markerSince(before int, env envelope.Envelope) bool {
	w.mu.RLock()
	data := w.raw.String()
	w.mu.RUnlock()
	if before > len(data) {
		before = 0
	}
	since := patterns.StripANSI(data[before:])
	return strings.Contains(since, verificationMarker(env))
}

// awaitVerification polls until the output produced since before contains
// the literal banner substring `Relay message from <from> [<shortId>]`,
// or verifyCtx expires. A late verification is treated the same as an
// on-time one: by the time the context is checked, the substring may
// already be there.
func (w *Wrapper) awaitVerification(verifyCtx context.Context, before int, env envelope.Envelope) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	if w.markerSince(before, env) {
		return true
	}

	for {
		select {
		case <-verifyCtx.Done():
			return w.markerSince(before, env)
		case <-ticker.C:
			if w.markerSince(before, env) {
				return true
			}
		}
	}
}
