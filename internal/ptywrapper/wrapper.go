// Package ptywrapper implements the PTY wrapper (C3): it owns one child
// process inside a pseudo-terminal, exposes a full-duplex message channel
// to the router, parses outbound relay syntax out of the child's terminal
// output, and injects inbound envelopes back into its input stream with
// stability-and-verification checks.
//
// Injection is gated on buffer polling: a snapshot captures an offset into
// the captured-output buffer, verification polls on a ticker until the
// output since that offset contains the injection banner, and the
// stability wait polls until the buffer stops growing for the required
// number of consecutive ticks.
package ptywrapper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/patterns"
	"github.com/agentrelay/relayd/internal/relayerr"
)

// Config configures one Wrapper instance.
type Config struct {
	AgentName      string
	CLI            string   // executable label/path
	Args           []string
	Dir            string
	Env            []string
	LogFile        string // per-agent append-only log path; empty disables
	MaxBufferLines int

	RelayPrefix    string
	ThinkingPrefix string

	StabilityTimeout    time.Duration
	StabilityPoll       time.Duration
	RequiredStablePolls int
	VerificationTimeout time.Duration
	EnterDelay          time.Duration
	RetryBackoff        time.Duration
	MaxRetries          int
	QueueProcessDelay   time.Duration
	DedupWindow         time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxBufferLines == 0 {
		c.MaxBufferLines = 10_000
	}
	if c.StabilityTimeout == 0 {
		c.StabilityTimeout = 3 * time.Second
	}
	if c.StabilityPoll == 0 {
		c.StabilityPoll = 200 * time.Millisecond
	}
	if c.RequiredStablePolls == 0 {
		c.RequiredStablePolls = 2
	}
	if c.VerificationTimeout == 0 {
		c.VerificationTimeout = 2 * time.Second
	}
	if c.EnterDelay == 0 {
		c.EnterDelay = 50 * time.Millisecond
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 300 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.QueueProcessDelay == 0 {
		c.QueueProcessDelay = 500 * time.Millisecond
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 10 * time.Minute
	}
}

// Sink receives envelopes the wrapper parses out of outbound terminal
// output, and control-verb callbacks. Implementations typically forward
// envelopes to the router and spawn/release verbs to the spawner.
type Sink interface {
	Route(ctx context.Context, env envelope.Envelope)
	Spawn(ctx context.Context, name, cli, task string) error
	Release(ctx context.Context, name string) error
}

// EventSink receives the wrapper's structured events: summaries,
// session-end markers, and exit notification. Per the design notes, this
// replaces an EventEmitter with an explicit, typed subscription.
type EventSink interface {
	OnSummary(agentName string, summary envelope.AgentSummary)
	OnSessionEnd(agentName string, closedBy envelope.ClosedBy)
	OnExit(agentName string, code int, err error)
}

// Metrics tallies injection outcomes.
type Metrics struct {
	mu              sync.Mutex
	SuccessFirstTry int
	SuccessRetried  int
	Failed          int
}

func (m *Metrics) recordFirstTry() { m.mu.Lock(); m.SuccessFirstTry++; m.mu.Unlock() }
func (m *Metrics) recordRetried()  { m.mu.Lock(); m.SuccessRetried++; m.mu.Unlock() }
func (m *Metrics) recordFailed()   { m.mu.Lock(); m.Failed++; m.mu.Unlock() }

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{SuccessFirstTry: m.SuccessFirstTry, SuccessRetried: m.SuccessRetried, Failed: m.Failed}
}

// Wrapper owns one child process running inside a PTY.
type Wrapper struct {
	cfg      Config
	patterns *patterns.Compiled
	sink     Sink
	events   EventSink
	log      zerolog.Logger

	cmd  *exec.Cmd
	ptm  *os.File
	logF *os.File

	mu       sync.RWMutex
	raw      bytes.Buffer // raw captured output, bounded by MaxBufferLines
	closed   bool
	exitCh   chan struct{}
	exitCode int
	exitErr  error

	dedup *dedupSet

	obMu        sync.Mutex
	obSeenLines int
	fence       *fenceState
	inCodeFence bool

	injectMu sync.Mutex // at most one injection in flight
	queue    chan injectionRequest

	metrics Metrics

	cancel context.CancelFunc
}

type injectionRequest struct {
	env    envelope.Envelope
	result chan error
}

// New constructs a Wrapper; call Start to spawn the child process.
func New(cfg Config, sink Sink, events EventSink, log zerolog.Logger) *Wrapper {
	cfg.setDefaults()
	return &Wrapper{
		cfg:      cfg,
		patterns: patterns.GetCompiled(cfg.RelayPrefix, cfg.ThinkingPrefix),
		sink:     sink,
		events:   events,
		log:      log,
		dedup:    newDedupSet(cfg.DedupWindow),
		exitCh:   make(chan struct{}),
		queue:    make(chan injectionRequest, 64),
	}
}

// AgentName implements router.Conn.
func (w *Wrapper) AgentName() string { return w.cfg.AgentName }

// Start allocates a 120x40 xterm-256color PTY and spawns the configured
// command through a shell, so $PATH, symlinks, and scripts resolve the
// same way they would in an interactive terminal.
func (w *Wrapper) Start(ctx context.Context) error {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmdLine := w.cfg.CLI
	for _, a := range w.cfg.Args {
		cmdLine += " " + shellQuote(a)
	}

	cmd := exec.Command(shell, "-c", cmdLine)
	cmd.Dir = w.cfg.Dir
	cmd.Env = append(os.Environ(), w.cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ws := &pty.Winsize{Rows: 40, Cols: 120}
	ptm, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return fmt.Errorf("ptywrapper: spawn %s: %w", w.cfg.AgentName, err)
	}

	w.cmd = cmd
	w.ptm = ptm

	if w.cfg.LogFile != "" {
		f, err := os.OpenFile(w.cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			w.logF = f
			fmt.Fprintf(f, "--- Worker %s started at %s ---\n", w.cfg.AgentName, time.Now().UTC().Format(time.RFC3339))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.readLoop()
	go w.waitProcess()
	go w.injectionLoop(runCtx)

	return nil
}

// readLoop continuously reads PTY output into the bounded raw buffer and
// drives outbound parsing on every chunk.
func (w *Wrapper) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := w.ptm.Read(buf)
		if n > 0 {
			w.appendRaw(buf[:n])
			if w.logF != nil {
				w.logF.Write(buf[:n])
			}
			w.parseOutbound()
		}
		if err != nil {
			return
		}
	}
}

func (w *Wrapper) appendRaw(chunk []byte) {
	w.mu.Lock()
	w.raw.Write(chunk)
	removed := w.trimLocked()
	w.mu.Unlock()

	if removed > 0 {
		// The outbound parser re-derives its line list from the full raw
		// buffer on every call; when lines fall off the front, its
		// already-seen count must shift down by the same amount or it
		// will skip lines (or re-dispatch them) after the next trim.
		w.obMu.Lock()
		w.obSeenLines -= removed
		if w.obSeenLines < 0 {
			w.obSeenLines = 0
		}
		w.obMu.Unlock()
	}
}

// trimLocked evicts the oldest lines once the buffer exceeds
// MaxBufferLines, returning how many lines were removed. Must be called
// with mu held.
func (w *Wrapper) trimLocked() int {
	limit := w.cfg.MaxBufferLines
	data := w.raw.Bytes()
	lines := bytes.Count(data, []byte{'\n'})
	if lines <= limit {
		return 0
	}
	excess := lines - limit
	idx := 0
	for i := 0; i < excess; i++ {
		next := bytes.IndexByte(data[idx:], '\n')
		if next == -1 {
			break
		}
		idx += next + 1
	}
	w.raw.Next(idx)
	return excess
}

func (w *Wrapper) waitProcess() {
	err := w.cmd.Wait()
	w.mu.Lock()
	w.exitErr = err
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			w.exitCode = exitErr.ExitCode()
		} else {
			w.exitCode = -1
		}
	}
	w.mu.Unlock()
	close(w.exitCh)

	if w.logF != nil {
		fmt.Fprintf(w.logF, "--- Worker %s stopped at %s ---\n", w.cfg.AgentName, time.Now().UTC().Format(time.RFC3339))
		w.logF.Close()
	}

	if w.events != nil {
		w.events.OnExit(w.cfg.AgentName, w.exitCode, err)
	}
}

// Write raw-writes bytes to the PTY.
func (w *Wrapper) Write(p []byte) (int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || w.ptm == nil {
		return 0, relayerr.ErrStreamLost
	}
	return w.ptm.Write(p)
}

// GetOutput returns up to limit of the most recent captured lines (ANSI
// stripped). limit <= 0 returns everything buffered.
func (w *Wrapper) GetOutput(limit int) []string {
	w.mu.RLock()
	raw := w.raw.String()
	w.mu.RUnlock()

	clean := patterns.StripANSI(raw)
	lines := splitLines(clean)
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// GetRawOutput returns the raw (un-stripped) captured buffer.
func (w *Wrapper) GetRawOutput() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.raw.String()
}

// Stop sends SIGINT and waits grace, then escalates to Kill.
func (w *Wrapper) Stop(grace time.Duration) error {
	w.mu.RLock()
	cmd := w.cmd
	w.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGINT)

	select {
	case <-w.exitCh:
		return nil
	case <-time.After(grace):
	}
	return w.Kill()
}

// Kill terminates the child process immediately.
func (w *Wrapper) Kill() error {
	w.mu.Lock()
	w.closed = true
	cmd := w.cmd
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Metrics returns a snapshot of injection metrics.
func (w *Wrapper) Metrics() Metrics { return w.metrics.Snapshot() }

// PID returns the child process id, or 0 before Start (or after a failed
// spawn).
func (w *Wrapper) PID() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
