package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/relayd/internal/config"
	"github.com/agentrelay/relayd/internal/consensus"
	"github.com/agentrelay/relayd/internal/deadletter"
	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/patterns"
	"github.com/agentrelay/relayd/internal/ptywrapper"
	"github.com/agentrelay/relayd/internal/router"
	"github.com/agentrelay/relayd/internal/spawner"
	"github.com/agentrelay/relayd/internal/store"
	"github.com/agentrelay/relayd/internal/syncqueue"
	"github.com/agentrelay/relayd/internal/wire"
)

// relaySnippet is prepended to every spawned agent's initial task,
// teaching it the outbound relay grammar it needs to address other agents.
const relaySnippet = `You can message other agents with:
->relay:<AgentName> <message>
For multi-line messages, fence the body:
->relay:<AgentName> <<<
line one
line two
>>>`

// Daemon wires every core component together: it is the one place in this
// repository that imports every package.
type Daemon struct {
	cfg config.Config
	log zerolog.Logger

	store     *store.Store
	dlq       *deadletter.Queue
	router    *router.Router
	sync      *syncqueue.Queue // nil when cloud sync is disabled
	consensus *consensus.Engine
	spawner   *spawner.Spawner
	wire      *wire.Server
	cron      *cron.Cron

	mu       sync.Mutex
	sessions map[string]string // agent name -> live session id
}

// New opens every durable resource and wires the components in dependency
// order: store and dead-letter queue first (the leaves), then sync queue,
// router, consensus engine and spawner on top.
func New(cfg config.Config, log zerolog.Logger) (*Daemon, error) {
	st, err := store.Open(cfg.Store.Path, log.With().Str("component", "store").Logger())
	if err != nil {
		return nil, fmt.Errorf("relayd: open store: %w", err)
	}

	dlqPath := cfg.Store.Path
	if dlqPath != "" {
		dlqPath = dlqPath + ".dlq"
	}
	dlq, err := deadletter.Open(dlqPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("relayd: open dead-letter queue: %w", err)
	}

	var syncQueue *syncqueue.Queue
	if cfg.Sync.Endpoint != "" {
		syncQueue, err = syncqueue.Open(syncqueue.Config{
			Endpoint:             cfg.Sync.Endpoint,
			BearerToken:          cfg.Sync.BearerToken,
			BatchSize:            cfg.Sync.BatchSize,
			BatchDelay:           time.Duration(cfg.Sync.BatchDelayMs) * time.Millisecond,
			MaxBatchBytes:        cfg.Sync.MaxBatchBytes,
			CompressionThreshold: cfg.Sync.CompressionThreshold,
			MaxRetries:           cfg.Sync.MaxRetries,
			RetryDelay:           time.Duration(cfg.Sync.RetryDelayMs) * time.Millisecond,
			SpillDir:             cfg.Sync.SpillDir,
			MaxSpillFiles:        cfg.Sync.MaxSpillFiles,
		}, log.With().Str("component", "syncqueue").Logger())
		if err != nil {
			st.Close()
			dlq.Close()
			return nil, fmt.Errorf("relayd: open sync queue: %w", err)
		}
	}

	r := router.New(st, dlq, syncEnqueuer(syncQueue), log.With().Str("component", "router").Logger())

	ce := consensus.New(consensus.Config{
		DefaultTimeout:     time.Duration(cfg.Consensus.DefaultTimeoutMs) * time.Millisecond,
		DefaultType:        consensus.Type(cfg.Consensus.DefaultConsensusType),
		DefaultThreshold:   cfg.Consensus.DefaultThreshold,
		AllowVoteChange:    cfg.Consensus.AllowVoteChange,
		AutoResolve:        cfg.Consensus.AutoResolve,
		BroadcastProposals: cfg.Consensus.BroadcastProposals,
	}, r, log.With().Str("component", "consensus").Logger())

	d := &Daemon{
		cfg:       cfg,
		log:       log,
		store:     st,
		dlq:       dlq,
		router:    r,
		sync:      syncQueue,
		consensus: ce,
		cron:      cron.New(),
		sessions:  map[string]string{},
	}

	if cfg.Paths.LogsDir != "" {
		_ = os.MkdirAll(cfg.Paths.LogsDir, 0o755)
	}

	sp := spawner.New(spawner.Config{
		RegistrationTimeout: time.Duration(cfg.Spawn.RegistrationTimeoutMs) * time.Millisecond,
		RegistrationPoll:    time.Duration(cfg.Spawn.RegistrationPollMs) * time.Millisecond,
		SpawnsPerMinute:     cfg.Spawn.SpawnsPerMinute,
		SpawnsPerHour:       cfg.Spawn.SpawnsPerHour,
		LogsDir:             cfg.Paths.LogsDir,
		WorkersFile:         cfg.Paths.WorkersFile,
	}, registryAdapter{r}, d.newWrapper, d.onAgentDeath, log.With().Str("component", "spawner").Logger())
	d.spawner = sp
	d.wire = wire.New(cfg.Paths.SocketPath, sp, dlq, log.With().Str("component", "wire").Logger())

	return d, nil
}

// registryAdapter lets *router.Router satisfy spawner.Registry. Both
// packages declare their own Conn interface over the same method set (the
// router holds weak, name-keyed handles to wrappers without importing the
// spawner, and the spawner tracks registration without importing the
// router), so the adapter's methods exist purely to cross that naming
// boundary.
type registryAdapter struct{ r *router.Router }

func (a registryAdapter) Register(conn spawner.Conn)   { a.r.Register(conn) }
func (a registryAdapter) Unregister(conn spawner.Conn) { a.r.Unregister(conn) }
func (a registryAdapter) GetAgents() []string          { return a.r.GetAgents() }

func syncEnqueuer(q *syncqueue.Queue) router.SyncEnqueuer {
	if q == nil {
		return nil
	}
	return q
}

// newWrapper is the spawner.Factory: it builds one ptywrapper.Wrapper
// configured from the daemon's Config, wired back to this Daemon as both
// its Sink (outbound relay parsing -> router/consensus/spawner) and its
// EventSink (summary/session-end/exit -> store/spawner).
func (d *Daemon) newWrapper(spec spawner.Spec, log zerolog.Logger) (spawner.Wrapper, error) {
	var logFile string
	if d.cfg.Paths.LogsDir != "" {
		logFile = filepath.Join(d.cfg.Paths.LogsDir, spec.Name+".log")
	}

	w := ptywrapper.New(ptywrapper.Config{
		AgentName:      spec.Name,
		CLI:            spec.CLI,
		Args:           spec.Args,
		Dir:            spec.ProjectRoot,
		LogFile:        logFile,
		MaxBufferLines: d.cfg.Parser.MaxBufferLines,

		RelayPrefix:    d.cfg.Parser.RelayPrefix,
		ThinkingPrefix: d.cfg.Parser.ThinkingPrefix,

		StabilityTimeout:    time.Duration(d.cfg.Injection.StabilityTimeoutMs) * time.Millisecond,
		StabilityPoll:       time.Duration(d.cfg.Injection.StabilityPollMs) * time.Millisecond,
		RequiredStablePolls: d.cfg.Injection.RequiredStablePolls,
		VerificationTimeout: time.Duration(d.cfg.Injection.VerificationTimeoutMs) * time.Millisecond,
		EnterDelay:          time.Duration(d.cfg.Injection.EnterDelayMs) * time.Millisecond,
		RetryBackoff:        time.Duration(d.cfg.Injection.RetryBackoffMs) * time.Millisecond,
		MaxRetries:          d.cfg.Injection.MaxRetries,
		QueueProcessDelay:   time.Duration(d.cfg.Injection.QueueProcessDelayMs) * time.Millisecond,
		DedupWindow:         d.cfg.Injection.DedupWindow,
	}, d, d, log)

	return w, nil
}

// Route implements ptywrapper.Sink. Consensus PROPOSE/VOTE bodies are
// intercepted before ordinary delivery — they never reach the addressee
// as a message.
func (d *Daemon) Route(ctx context.Context, env envelope.Envelope) {
	if d.consensus.Intercept(ctx, env.From, env.Body) {
		return
	}
	d.router.Route(ctx, env)
	d.bumpSessionMessageCount(ctx, env.From)
}

// Spawn implements ptywrapper.Sink: it dispatches the ->relay:spawn
// control verb to the spawner.
func (d *Daemon) Spawn(ctx context.Context, name, cli, task string) error {
	_, err := d.SpawnAgent(ctx, spawner.Spec{Name: name, CLI: cli, Task: task})
	return err
}

// Release implements ptywrapper.Sink: it dispatches the ->relay:release
// control verb to the spawner.
func (d *Daemon) Release(ctx context.Context, name string) error {
	return d.spawner.Release(name)
}

// SpawnAgent spawns one agent and starts its session row once registration
// (and therefore the first register handshake) has completed.
func (d *Daemon) SpawnAgent(ctx context.Context, spec spawner.Spec) (*spawner.Worker, error) {
	w, err := d.spawner.Spawn(ctx, spec, relaySnippet, "")
	if err != nil {
		return nil, err
	}

	sessID, err := d.store.StartSession(ctx, envelope.Session{
		AgentName:   spec.Name,
		CLI:         spec.CLI,
		ProjectRoot: spec.ProjectRoot,
		StartedAt:   time.Now(),
	})
	if err != nil {
		d.log.Warn().Err(err).Str("agent", spec.Name).Msg("failed to start session row")
	} else {
		d.mu.Lock()
		d.sessions[spec.Name] = sessID
		d.mu.Unlock()
	}

	return w, nil
}

// OnSummary implements ptywrapper.EventSink.
func (d *Daemon) OnSummary(agentName string, summary envelope.AgentSummary) {
	summary.AgentName = agentName
	if err := d.store.SaveAgentSummary(context.Background(), summary); err != nil {
		d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to save agent summary")
	}
}

// OnSessionEnd implements ptywrapper.EventSink.
func (d *Daemon) OnSessionEnd(agentName string, closedBy envelope.ClosedBy) {
	d.endSession(agentName, closedBy)
}

// OnExit implements ptywrapper.EventSink: it ends any still-open session
// and forwards to the spawner's death notification, which fires the
// configured DeathCallback (see onAgentDeath) on a positive exit code.
func (d *Daemon) OnExit(agentName string, code int, err error) {
	closedBy := envelope.ClosedByDisconnect
	if err != nil {
		closedBy = envelope.ClosedByError
	}
	sessID := d.endSession(agentName, closedBy)
	d.spawner.NotifyExit(agentName, code, sessID)
}

func (d *Daemon) endSession(agentName string, closedBy envelope.ClosedBy) string {
	d.mu.Lock()
	sessID, ok := d.sessions[agentName]
	if ok {
		delete(d.sessions, agentName)
	}
	d.mu.Unlock()

	if !ok {
		return ""
	}
	if err := d.store.EndSession(context.Background(), sessID, closedBy, nil); err != nil {
		d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to end session")
	}
	return sessID
}

func (d *Daemon) bumpSessionMessageCount(ctx context.Context, agentName string) {
	d.mu.Lock()
	sessID, ok := d.sessions[agentName]
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := d.store.IncrementSessionMessageCount(ctx, sessID, 1); err != nil {
		d.log.Debug().Err(err).Str("agent", agentName).Msg("failed to bump session message count")
	}
}

func (d *Daemon) onAgentDeath(name string, exitCode int, resumeHint string) {
	d.log.Warn().Str("agent", name).Int("exit_code", exitCode).Str("resume_hint", resumeHint).
		Msg("agent died")
}

// Run blocks, driving the retention sweep and operator socket until ctx
// is cancelled, then drains the sync queue and
// closes every durable resource.
func (d *Daemon) Run(ctx context.Context) error {
	retention := time.Duration(d.cfg.Store.MessageRetentionMs) * time.Millisecond
	cleanupEvery := time.Duration(d.cfg.Store.CleanupIntervalMs) * time.Millisecond
	if cleanupEvery <= 0 {
		cleanupEvery = time.Hour
	}

	if _, err := d.cron.AddFunc(cronSpec(cleanupEvery), func() {
		n, err := d.store.CleanupExpiredMessages(context.Background(), retention)
		if err != nil {
			d.log.Error().Err(err).Msg("retention sweep failed")
			return
		}
		if n > 0 {
			d.log.Info().Int64("deleted", n).Msg("retention sweep")
		}
	}); err != nil {
		return fmt.Errorf("relayd: schedule retention sweep: %w", err)
	}
	d.cron.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.wire.Serve(gctx) })

	<-gctx.Done()

	d.cron.Stop()
	if err := d.wire.Close(); err != nil {
		d.log.Warn().Err(err).Msg("wire server close failed")
	}

	d.Shutdown()

	if d.sync != nil {
		if err := d.sync.Close(); err != nil {
			d.log.Warn().Err(err).Msg("sync queue close failed")
		}
	}
	if err := d.store.Close(); err != nil {
		d.log.Warn().Err(err).Msg("store close failed")
	}
	if err := d.dlq.Close(); err != nil {
		d.log.Warn().Err(err).Msg("dead-letter queue close failed")
	}

	return g.Wait()
}

// Shutdown stops every live wrapper gracefully (SIGINT, then a hard kill
// after the grace period).
func (d *Daemon) Shutdown() {
	for _, w := range d.spawner.Workers() {
		if err := d.spawner.Release(w.Name); err != nil {
			d.log.Warn().Err(err).Str("agent", w.Name).Msg("release during shutdown failed")
		}
	}
	d.consensus.Cleanup()
}

// cronSpec turns a Duration into a "@every" robfig/cron spec.
func cronSpec(d time.Duration) string {
	return "@every " + d.String()
}

// PatternsReady forces the process-wide pattern cache to compile once at
// startup (instead of lazily on the first wrapper), surfacing a bad
// relay/thinking prefix configuration before any agent is spawned.
func (d *Daemon) PatternsReady() {
	patterns.GetCompiled(d.cfg.Parser.RelayPrefix, d.cfg.Parser.ThinkingPrefix)
}
