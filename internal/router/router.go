// Package router implements the in-process registry and envelope delivery
// engine (C4): the mapping from agent name to currently-attached
// connection, unicast/broadcast delivery, and dead-letter hand-off on
// failure.
//
// The router never owns a wrapper's lifetime — it holds a weak, name-keyed
// Conn handle per agent. The spawner creates and destroys wrappers;
// removing one from the spawner is sufficient to retire it here.
// Registering a new Conn for a name already live displaces (never kills)
// the old one.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/relayerr"
)

// Conn is the router's view of one attached agent connection. Wrappers
// implement it; the router never reaches into wrapper internals beyond
// this interface.
type Conn interface {
	// AgentName returns the stable name this connection registered under.
	AgentName() string

	// Inject delivers env to this connection asynchronously, returning
	// once injection has been attempted and verified (or the verification
	// budget is exhausted). Implementations should wrap relayerr sentinels
	// (ErrVerificationFailed, ErrConnectionLost) for the router to map to
	// the correct dead-letter reason.
	Inject(ctx context.Context, env envelope.Envelope) error

	// Displaced is called when a newer registration for the same agent
	// name takes over; the old Conn should stop accepting injections.
	Displaced()
}

// Store is the subset of the message store the router depends on: durable
// append of every envelope that crosses it.
type Store interface {
	SaveMessage(ctx context.Context, m envelope.StoredMessage) error
}

// DeadLetterSink is the subset of the dead-letter queue the router depends
// on.
type DeadLetterSink interface {
	Record(ctx context.Context, env envelope.Envelope, reason envelope.DeadLetterReason, attemptCount int, errMsg string) (envelope.DeadLetter, error)
}

// SyncEnqueuer is the subset of the cloud sync queue the router depends on.
// A nil SyncEnqueuer means cloud mode is off.
type SyncEnqueuer interface {
	Enqueue(env envelope.Envelope)
}

// Verifier validates envelope signatures before routing. A nil Verifier
// means signing is disabled. An envelope failing verification is dropped
// outright — no delivery, no dead letter — since a bad signature is
// treated as forgery, not as a delivery failure worth recording.
type Verifier interface {
	Verify(env envelope.Envelope) error
}

// Router maintains the agent-name -> Conn registry and delivers envelopes.
type Router struct {
	mu    sync.RWMutex
	conns map[string]Conn
	order []string // registration order, for broadcast round-robin
	rrIdx int

	store    Store
	dlq      DeadLetterSink
	sync     SyncEnqueuer
	verifier Verifier
	log      zerolog.Logger

	seqMu sync.Mutex
	seq   map[string]int64 // per-recipient delivery_seq
}

// New constructs a Router. sync may be nil when cloud mode is disabled.
func New(store Store, dlq DeadLetterSink, sync SyncEnqueuer, log zerolog.Logger) *Router {
	return &Router{
		conns: map[string]Conn{},
		store: store,
		dlq:   dlq,
		sync:  sync,
		log:   log,
		seq:   map[string]int64{},
	}
}

// Register attaches conn under its AgentName, displacing (never killing)
// any prior connection for the same name.
func (r *Router) Register(conn Conn) {
	name := conn.AgentName()

	r.mu.Lock()
	if old, ok := r.conns[name]; ok {
		old.Displaced()
		r.removeFromOrder(name)
	}
	r.conns[name] = conn
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.log.Info().Str("agent", name).Msg("registered")
}

// Unregister detaches conn if it is still the currently-registered
// connection for its name (a no-op if it has already been displaced).
func (r *Router) Unregister(conn Conn) {
	name := conn.AgentName()

	r.mu.Lock()
	if cur, ok := r.conns[name]; ok && cur == conn {
		delete(r.conns, name)
		r.removeFromOrder(name)
	}
	r.mu.Unlock()

	r.log.Info().Str("agent", name).Msg("unregistered")
}

func (r *Router) removeFromOrder(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.rrIdx > i {
				r.rrIdx--
			}
			return
		}
	}
}

// GetConnection returns the currently-attached connection for name, if any.
func (r *Router) GetConnection(name string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[name]
	return c, ok
}

// GetAgents returns the names of every currently-attached agent.
func (r *Router) GetAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SetVerifier installs a signature verifier. Call before any Route; the
// router does not synchronize verifier swaps against in-flight deliveries.
func (r *Router) SetVerifier(v Verifier) { r.verifier = v }

// Route accepts env (assigning Id/Ts if unset) and delivers it: unicast to
// a single target, or fanned out to every attached agent except the
// sender for a broadcast. Every accepted envelope is appended to the store
// (one row per broadcast leg, so each recipient has its own delivery
// state) and, when cloud mode is on, enqueued to the sync queue, before
// delivery is attempted.
func (r *Router) Route(ctx context.Context, env envelope.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Ts == 0 {
		env.Ts = time.Now().UnixMilli()
	}

	if r.verifier != nil {
		if err := r.verifier.Verify(env); err != nil {
			r.log.Warn().Err(err).Str("id", env.ID).Str("from", env.From).
				Msg("signature verification failed, envelope dropped")
			return
		}
	}

	if r.sync != nil {
		r.sync.Enqueue(env)
	}

	if env.IsBroadcastTarget() {
		r.routeBroadcast(ctx, env)
		return
	}

	r.persist(ctx, env)
	r.routeUnicast(ctx, env)
}

// persist appends env to the store with its per-recipient delivery
// sequence number assigned.
func (r *Router) persist(ctx context.Context, env envelope.Envelope) {
	if r.store == nil {
		return
	}
	stored := envelope.StoredMessage{
		Envelope:    env,
		Status:      envelope.StatusUnread,
		DeliverySeq: r.NextDeliverySeq(env.To),
	}
	if err := r.store.SaveMessage(ctx, stored); err != nil {
		r.log.Error().Err(err).Str("id", env.ID).Msg("store write failed")
	}
}

func (r *Router) routeUnicast(ctx context.Context, env envelope.Envelope) {
	conn, ok := r.GetConnection(env.To)
	if !ok {
		r.deadLetter(ctx, env, envelope.ReasonTargetNotFound, 0, "")
		return
	}

	if err := conn.Inject(ctx, env); err != nil {
		reason := envelope.ReasonMaxRetriesExceeded
		if errors.Is(err, relayerr.ErrConnectionLost) {
			reason = envelope.ReasonConnectionLost
		}
		r.deadLetter(ctx, env, reason, 1, err.Error())
	}
}

// routeBroadcast fans env out to every attached agent except the sender,
// starting one position further along the registration order than the
// previous broadcast started (a rotating start index, so heavy fan-out
// doesn't always begin with the same agent). Each leg is independent: one leg's failure does not
// block, or dead-letter, any other, and each leg is stored as its own row
// with its own recipient and delivery sequence.
func (r *Router) routeBroadcast(ctx context.Context, env envelope.Envelope) {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	start := r.rrIdx % max(len(names), 1)
	r.rrIdx = (r.rrIdx + 1) % max(len(names), 1)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for i := range names {
		name := names[(start+i)%len(names)]
		if name == env.From {
			continue
		}
		conn, ok := r.GetConnection(name)
		if !ok {
			continue
		}

		leg := env
		leg.ID = uuid.NewString()
		leg.To = name
		leg.IsBroadcast = true
		r.persist(ctx, leg)

		wg.Add(1)
		go func(conn Conn, leg envelope.Envelope) {
			defer wg.Done()
			if err := conn.Inject(ctx, leg); err != nil {
				reason := envelope.ReasonMaxRetriesExceeded
				if errors.Is(err, relayerr.ErrConnectionLost) {
					reason = envelope.ReasonConnectionLost
				}
				r.deadLetter(ctx, leg, reason, 1, err.Error())
			}
		}(conn, leg)
	}
	wg.Wait()
}

func (r *Router) deadLetter(ctx context.Context, env envelope.Envelope, reason envelope.DeadLetterReason, attempts int, errMsg string) {
	if r.dlq != nil {
		if _, err := r.dlq.Record(ctx, env, reason, attempts, errMsg); err != nil {
			r.log.Error().Err(err).Str("id", env.ID).Msg("dead-letter write failed")
		}
	}
	r.notifyRequiresAck(ctx, env, reason)
}

// notifyRequiresAck: the sender of a failed delivery is otherwise left
// uninformed, but when the envelope's PayloadMeta.RequiresAck was set, a
// system envelope is routed back to it reporting the failure. The notice
// itself never requires an ack, so this cannot recurse.
func (r *Router) notifyRequiresAck(ctx context.Context, env envelope.Envelope, reason envelope.DeadLetterReason) {
	if env.PayloadMeta == nil || !env.PayloadMeta.RequiresAck || env.From == "" {
		return
	}

	conn, ok := r.GetConnection(env.From)
	if !ok {
		return
	}

	notice := envelope.Envelope{
		ID:   uuid.NewString(),
		Ts:   time.Now().UnixMilli(),
		From: "router",
		To:   env.From,
		Kind: envelope.KindSystem,
		Body: fmt.Sprintf("delivery to %s failed: %s", env.To, reason),
	}

	r.persist(ctx, notice)

	if err := conn.Inject(ctx, notice); err != nil {
		r.log.Warn().Err(err).Str("agent", env.From).Msg("failed to deliver ack-failure notice")
	}
}

// NextDeliverySeq returns the next monotonically increasing delivery
// sequence number for recipient, used by collaborators that need to
// reorder deliveries on replay.
func (r *Router) NextDeliverySeq(recipient string) int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seq[recipient]++
	return r.seq[recipient]
}
