// Package spawner implements the wrapper lifecycle manager (C5): resolving
// the executable, creating and starting one ptywrapper per agent, gating
// on registry appearance before a spawn is considered complete, injecting
// the initial task, persisting the workers metadata file on every
// membership change, and reporting agent death.
package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/relayerr"
)

// Registry is the subset of the router the spawner depends on: attaching
// and detaching a wrapper connection, and querying current membership to
// poll for registration.
type Registry interface {
	Register(conn Conn)
	Unregister(conn Conn)
	GetAgents() []string
}

// Conn is the router-facing identity of a spawned wrapper.
type Conn interface {
	AgentName() string
	Inject(ctx context.Context, env envelope.Envelope) error
	Displaced()
}

// Wrapper is the subset of ptywrapper.Wrapper the spawner drives directly
// (not through the router).
type Wrapper interface {
	Conn
	Start(ctx context.Context) error
	Stop(grace time.Duration) error
	Kill() error
	PID() int
}

// Factory creates one Wrapper for spec, wired to sink/events/log. Supplied
// by the caller (normally a thin adapter over ptywrapper.New) so this
// package has no import-time dependency on the PTY implementation.
type Factory func(spec Spec, log zerolog.Logger) (Wrapper, error)

// Role is a shadow-agent preset.
type Role string

const (
	RoleReviewer Role = `reviewer`
	RoleAuditor  Role = `auditor`
	RoleActive   Role = `active`
)

// Trigger names an event that wakes a shadow agent.
type Trigger string

const (
	TriggerSessionEnd    Trigger = `SESSION_END`
	TriggerCodeWritten   Trigger = `CODE_WRITTEN`
	TriggerReviewRequest Trigger = `REVIEW_REQUEST`
	TriggerExplicitAsk   Trigger = `EXPLICIT_ASK`
	TriggerAllMessages   Trigger = `ALL_MESSAGES`
)

var defaultTriggers = map[Role][]Trigger{
	RoleReviewer: {TriggerCodeWritten, TriggerReviewRequest},
	RoleAuditor:  {TriggerSessionEnd},
	RoleActive:   {TriggerAllMessages},
}

// Spec describes one agent to spawn.
type Spec struct {
	Name        string
	CLI         string
	Args        []string
	Task        string
	Team        string
	ProjectRoot string
	ShadowOf    string
	Role        Role
	Triggers    []Trigger
}

// Worker is one persisted row of the workers metadata file.
type Worker struct {
	Name      string    `json:"name"`
	CLI       string    `json:"cli"`
	Task      string    `json:"task"`
	Team      string    `json:"team,omitempty"`
	SpawnedAt time.Time `json:"spawnedAt"`
	PID       int       `json:"pid"`
	LogFile   string    `json:"logFile"`
	ShadowOf  string    `json:"shadowOf,omitempty"`
}

type workersFile struct {
	Workers []Worker `json:"workers"`
}

// DeathCallback is invoked when a wrapper exits with a non-zero, non-null
// code. resumeHint is the last known session id, if any.
type DeathCallback func(name string, exitCode int, resumeHint string)

// Config configures registration gating and spawn rate limits.
type Config struct {
	RegistrationTimeout time.Duration
	RegistrationPoll    time.Duration
	SpawnsPerMinute     int
	SpawnsPerHour       int
	LogsDir             string
	WorkersFile         string
}

func (c *Config) setDefaults() {
	if c.RegistrationTimeout == 0 {
		c.RegistrationTimeout = 30 * time.Second
	}
	if c.RegistrationPoll == 0 {
		c.RegistrationPoll = 500 * time.Millisecond
	}
	if c.SpawnsPerMinute == 0 {
		c.SpawnsPerMinute = 5
	}
	if c.SpawnsPerHour == 0 {
		c.SpawnsPerHour = 20
	}
}

// Spawner owns the lifecycle of every live wrapper.
type Spawner struct {
	cfg      Config
	registry Registry
	factory  Factory
	log      zerolog.Logger
	limiter  *spawnLimiter
	onDeath  DeathCallback

	mu      sync.Mutex
	workers map[string]*entry
}

// spawnLimiter caps how often a given agent name may be (re)spawned, using
// two independent sliding windows (per minute, per hour). It exists to cap
// respawn storms: a crash-looping agent that keeps getting relaunched by
// an external supervisor must not be allowed to consume the daemon's
// attention unbounded.
type spawnLimiter struct {
	mu        sync.Mutex
	perMinute int
	perHour   int
	attempts  map[string][]time.Time
}

func newSpawnLimiter(perMinute, perHour int) *spawnLimiter {
	return &spawnLimiter{perMinute: perMinute, perHour: perHour, attempts: map[string][]time.Time{}}
}

// allow reports whether name may spawn now, recording the attempt (for
// future calls) if so. A non-positive limit disables that window.
func (l *spawnLimiter) allow(name string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hourCutoff := now.Add(-time.Hour)
	kept := l.attempts[name][:0]
	for _, t := range l.attempts[name] {
		if t.After(hourCutoff) {
			kept = append(kept, t)
		}
	}

	minuteCutoff := now.Add(-time.Minute)
	var withinMinute int
	for _, t := range kept {
		if t.After(minuteCutoff) {
			withinMinute++
		}
	}

	if l.perMinute > 0 && withinMinute >= l.perMinute {
		l.attempts[name] = kept
		return false
	}
	if l.perHour > 0 && len(kept) >= l.perHour {
		l.attempts[name] = kept
		return false
	}

	l.attempts[name] = append(kept, now)
	return true
}

type entry struct {
	wrapper Wrapper
	worker  Worker
}

// New constructs a Spawner. onDeath may be nil.
func New(cfg Config, registry Registry, factory Factory, onDeath DeathCallback, log zerolog.Logger) *Spawner {
	cfg.setDefaults()
	return &Spawner{
		cfg:      cfg,
		registry: registry,
		factory:  factory,
		log:      log,
		limiter:  newSpawnLimiter(cfg.SpawnsPerMinute, cfg.SpawnsPerHour),
		onDeath:  onDeath,
		workers:  map[string]*entry{},
	}
}

// Spawn resolves the executable, starts a wrapper, registers it with the
// registry itself, and then polls the registry until the agent's name is
// listed (or the registration deadline expires, in which case the child
// is terminated and the spawn fails). No separate handshake from the child
// is awaited: a registry that lists a name as soon as it is registered, as
// the router does, satisfies the gate on the first poll. relaySnippet and
// policyInstructions, if non-empty, are prepended to the initial task
// injection.
func (s *Spawner) Spawn(ctx context.Context, spec Spec, relaySnippet, policyInstructions string) (*Worker, error) {
	s.mu.Lock()
	if _, exists := s.workers[spec.Name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawner: %s: %w", spec.Name, relayerr.ErrAgentNameCollision)
	}
	s.mu.Unlock()

	if !s.limiter.allow(spec.Name) {
		return nil, fmt.Errorf("spawner: spawn rate exceeded for %s", spec.Name)
	}

	resolved, err := exec.LookPath(spec.CLI)
	if err != nil {
		resolved = spec.CLI // let the shell report the failure if truly unresolvable
	}
	spec.CLI = resolved
	spec.Args = withExtraArgs(spec)

	logFile := ""
	if s.cfg.LogsDir != "" {
		logFile = filepath.Join(s.cfg.LogsDir, spec.Name+".log")
	}

	wrapper, err := s.factory(spec, s.log)
	if err != nil {
		return nil, fmt.Errorf("spawner: create wrapper for %s: %w", spec.Name, err)
	}

	if err := wrapper.Start(ctx); err != nil {
		return nil, fmt.Errorf("spawner: start %s: %w", spec.Name, err)
	}

	s.registry.Register(wrapper)

	if err := s.awaitRegistration(ctx, spec.Name); err != nil {
		s.registry.Unregister(wrapper)
		wrapper.Kill()
		return nil, err
	}

	w := Worker{
		Name:      spec.Name,
		CLI:       spec.CLI,
		Task:      spec.Task,
		Team:      spec.Team,
		SpawnedAt: time.Now(),
		PID:       wrapper.PID(),
		LogFile:   logFile,
		ShadowOf:  spec.ShadowOf,
	}

	s.mu.Lock()
	s.workers[spec.Name] = &entry{wrapper: wrapper, worker: w}
	s.mu.Unlock()

	if err := s.persistWorkersFile(); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist workers file")
	}

	s.injectInitialTask(ctx, wrapper, spec, relaySnippet, policyInstructions)

	return &w, nil
}

// withExtraArgs appends CLI-specific flags (e.g. disabling permission
// prompts) known to this daemon. Unknown CLIs pass through unmodified.
func withExtraArgs(spec Spec) []string {
	switch filepath.Base(spec.CLI) {
	case "claude":
		return append(spec.Args, "--dangerously-skip-permissions")
	case "gemini":
		return append(spec.Args, "--yolo")
	default:
		return spec.Args
	}
}

func (s *Spawner) awaitRegistration(ctx context.Context, name string) error {
	deadline := time.Now().Add(s.cfg.RegistrationTimeout)
	ticker := time.NewTicker(s.cfg.RegistrationPoll)
	defer ticker.Stop()

	for {
		for _, agent := range s.registry.GetAgents() {
			if agent == name {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("spawner: %s: %w", name, relayerr.ErrRegistrationTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// injectInitialTask writes the relay snippet, policy instructions, and
// task to the wrapper directly. An HTTP send through the dashboard would
// route the task like any other message, but the dashboard lives outside
// this daemon, so direct injection is the only path here.
func (s *Spawner) injectInitialTask(ctx context.Context, w Wrapper, spec Spec, relaySnippet, policyInstructions string) {
	var body string
	if relaySnippet != "" {
		body += relaySnippet + "\n\n"
	}
	if policyInstructions != "" {
		body += policyInstructions + "\n\n"
	}
	body += spec.Task

	env := envelope.Envelope{
		ID:   uuid.NewString(),
		Ts:   time.Now().UnixMilli(),
		From: "spawner",
		To:   spec.Name,
		Kind: envelope.KindSystem,
		Body: body,
	}

	injectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.Inject(injectCtx, env); err != nil {
		s.log.Warn().Err(err).Str("agent", spec.Name).Msg("initial task injection failed")
	}
}

// SpawnShadow spawns primary, waits for its registration, then spawns a
// second wrapper with ShadowOf set to primary's name and a trigger set
// defaulted from role when triggers is empty. Shadow-spawn failure
// degrades to primary-only with a warning, never a hard error.
func (s *Spawner) SpawnShadow(ctx context.Context, primary, shadow Spec, relaySnippet, policyInstructions string) (*Worker, *Worker, error) {
	primaryWorker, err := s.Spawn(ctx, primary, relaySnippet, policyInstructions)
	if err != nil {
		return nil, nil, err
	}

	shadow.ShadowOf = primary.Name
	if len(shadow.Triggers) == 0 {
		shadow.Triggers = defaultTriggers[shadow.Role]
	}

	shadowWorker, err := s.Spawn(ctx, shadow, relaySnippet, policyInstructions)
	if err != nil {
		s.log.Warn().Err(err).Str("primary", primary.Name).Str("shadow", shadow.Name).
			Msg("shadow spawn failed, degrading to primary only")
		return primaryWorker, nil, nil
	}
	return primaryWorker, shadowWorker, nil
}

// NotifyExit is the agent-death callback the caller wires as a
// ptywrapper.EventSink (or adapts from one): it fires the configured
// DeathCallback when exitCode is a real failure code, persists the
// workers file, and unregisters the wrapper. A negative exitCode is the
// wrapper's "no well-defined exit code" sentinel (signal-terminated, as
// produced by Stop/Kill during an intentional release or shutdown) and
// must not be reported as a death.
func (s *Spawner) NotifyExit(name string, exitCode int, sessionID string) {
	s.mu.Lock()
	e, ok := s.workers[name]
	delete(s.workers, name)
	s.mu.Unlock()

	if ok {
		s.registry.Unregister(e.wrapper)
	}

	if err := s.persistWorkersFile(); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist workers file after exit")
	}

	if exitCode > 0 && s.onDeath != nil {
		s.onDeath(name, exitCode, sessionID)
	}
}

// Release stops and removes the named wrapper.
func (s *Spawner) Release(name string) error {
	s.mu.Lock()
	e, ok := s.workers[name]
	if ok {
		delete(s.workers, name)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("spawner: %s: %w", name, relayerr.ErrTargetNotFound)
	}

	s.registry.Unregister(e.wrapper)
	err := e.wrapper.Stop(time.Second)

	if werr := s.persistWorkersFile(); werr != nil {
		s.log.Warn().Err(werr).Msg("failed to persist workers file after release")
	}
	return err
}

// Workers returns the currently live worker rows.
func (s *Spawner) Workers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Worker, 0, len(s.workers))
	for _, e := range s.workers {
		out = append(out, e.worker)
	}
	return out
}

// persistWorkersFile atomically rewrites the workers metadata file via a
// temp-file-then-rename so readers never observe a partial write.
func (s *Spawner) persistWorkersFile() error {
	if s.cfg.WorkersFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(workersFile{Workers: s.Workers()}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.cfg.WorkersFile)
	tmp, err := os.CreateTemp(dir, ".workers-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.cfg.WorkersFile)
}
