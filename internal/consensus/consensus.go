// Package consensus implements the consensus engine (C7): application-level
// vote tallying over the router, one level above message delivery. It is
// deliberately not a replicated log or a Raft/Paxos-style protocol — every
// proposal lives on whichever daemon created it, and resolution is a pure
// function of the votes its participants submit through the router.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/relayerr"
)

// Type selects the auto-resolution rule applied as votes arrive.
type Type string

const (
	TypeUnanimous     Type = `unanimous`
	TypeSupermajority Type = `supermajority`
	TypeMajority      Type = `majority`
	TypeWeighted      Type = `weighted`
	TypeQuorum        Type = `quorum`
)

// Status is the proposal's state-machine position.
type Status string

const (
	StatusPending   Status = `pending`
	StatusApproved  Status = `approved`
	StatusRejected  Status = `rejected`
	StatusExpired   Status = `expired`
	StatusCancelled Status = `cancelled`
)

// Vote is one participant's recorded choice.
type Vote string

const (
	VoteApprove Vote = `approve`
	VoteReject  Vote = `reject`
	VoteAbstain Vote = `abstain`
)

// CreateOptions describes a new proposal.
type CreateOptions struct {
	Proposer     string
	Title        string
	Description  string
	Type         Type
	Threshold    float64 // used by supermajority; 0 defaults to 0.67
	Quorum       int     // used by quorum; 0 defaults to len(Participants)
	Participants []string
	Weights      map[string]float64 // defaults to 1.0 per participant if nil
	Timeout      time.Duration
	Thread       string
}

// castVote is one recorded ballot.
type castVote struct {
	Agent  string
	Value  Vote
	Reason string
	At     time.Time
}

// Result carries the details recorded at resolution.
type Result struct {
	Decision              Status
	ApproveWeight         float64
	RejectWeight          float64
	AbstainWeight         float64
	ParticipationFraction float64
	QuorumMet             bool
	NonVoters             []string
	ResolvedAt            time.Time
}

// Proposal is one vote in progress or concluded.
type Proposal struct {
	ID           string
	Proposer     string
	Title        string
	Description  string
	Thread       string
	Type         Type
	Threshold    float64
	Quorum       int
	Participants []string
	Weights      map[string]float64
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Votes        map[string]castVote
	Result       *Result
}

func (p *Proposal) totalWeight() float64 {
	var total float64
	for _, name := range p.Participants {
		total += p.Weights[name]
	}
	return total
}

func (p *Proposal) tally() (approve, reject, abstain float64) {
	for _, v := range p.Votes {
		w := p.Weights[v.Agent]
		switch v.Value {
		case VoteApprove:
			approve += w
		case VoteReject:
			reject += w
		case VoteAbstain:
			abstain += w
		}
	}
	return
}

func (p *Proposal) nonVoters() []string {
	var out []string
	for _, name := range p.Participants {
		if _, ok := p.Votes[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Broadcaster is the router's relevant surface: the consensus engine
// broadcasts the proposal text and vote results to participants through
// it, never holding a direct reference to connections.
type Broadcaster interface {
	Route(ctx context.Context, env envelope.Envelope)
}

// Config tunes engine-wide defaults.
type Config struct {
	DefaultTimeout     time.Duration
	DefaultType        Type
	DefaultThreshold   float64
	AllowVoteChange    bool
	AutoResolve        bool
	BroadcastProposals bool
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.DefaultType == "" {
		c.DefaultType = TypeMajority
	}
	if c.DefaultThreshold == 0 {
		c.DefaultThreshold = 0.67
	}
}

// Engine owns every in-flight and concluded proposal.
type Engine struct {
	cfg    Config
	router Broadcaster
	log    zerolog.Logger

	mu        sync.Mutex
	proposals map[string]*Proposal
	timers    map[string]*time.Timer
}

// New constructs an Engine.
func New(cfg Config, router Broadcaster, log zerolog.Logger) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:       cfg,
		router:    router,
		log:       log,
		proposals: map[string]*Proposal{},
		timers:    map[string]*time.Timer{},
	}
}

// CreateProposal seals the participant set and weight map, schedules the
// expiry timer, and broadcasts the proposal to its participants.
func (e *Engine) CreateProposal(ctx context.Context, opts CreateOptions) (*Proposal, error) {
	if opts.Type == "" {
		opts.Type = e.cfg.DefaultType
	}
	if opts.Threshold == 0 {
		opts.Threshold = e.cfg.DefaultThreshold
	}
	if opts.Quorum == 0 {
		opts.Quorum = len(opts.Participants)
	}
	if opts.Timeout == 0 {
		opts.Timeout = e.cfg.DefaultTimeout
	}

	weights := make(map[string]float64, len(opts.Participants))
	for _, name := range opts.Participants {
		if opts.Weights != nil && opts.Weights[name] > 0 {
			weights[name] = opts.Weights[name]
		} else {
			weights[name] = 1.0
		}
	}

	now := time.Now()
	p := &Proposal{
		ID:           uuid.NewString(),
		Proposer:     opts.Proposer,
		Title:        opts.Title,
		Description:  opts.Description,
		Thread:       opts.Thread,
		Type:         opts.Type,
		Threshold:    opts.Threshold,
		Quorum:       opts.Quorum,
		Participants: opts.Participants,
		Weights:      weights,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(opts.Timeout),
		Votes:        map[string]castVote{},
	}

	e.mu.Lock()
	e.proposals[p.ID] = p
	e.timers[p.ID] = time.AfterFunc(opts.Timeout, func() { e.expire(p.ID) })
	e.mu.Unlock()

	if e.cfg.BroadcastProposals && e.router != nil {
		e.broadcastProposal(ctx, p)
	}

	return p, nil
}

func (e *Engine) broadcastProposal(ctx context.Context, p *Proposal) {
	title := p.Title
	if title == "" {
		title = p.ID
	}
	body := fmt.Sprintf("PROPOSE: %s\nTYPE: %s\nPARTICIPANTS: %s\nDESCRIPTION: %s\nID: %s",
		title, p.Type, joinNames(p.Participants), p.Description, p.ID)
	for _, name := range p.Participants {
		e.router.Route(ctx, envelope.Envelope{
			From: "consensus", To: name, Kind: envelope.KindProposal,
			Body: body, Thread: p.Thread,
			Data: map[string]any{"proposal_id": p.ID},
		})
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// Vote records agent's ballot. On acceptance it attempts auto-resolution
// when AutoResolve is enabled.
func (e *Engine) Vote(ctx context.Context, id, agent string, value Vote, reason string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return nil, fmt.Errorf("consensus: %s: %w", id, relayerr.ErrProposalNotFound)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("consensus: %s: %w", id, relayerr.ErrProposalClosed)
	}
	if time.Now().After(p.ExpiresAt) {
		return nil, fmt.Errorf("consensus: %s: %w", id, relayerr.ErrProposalClosed)
	}
	if !contains(p.Participants, agent) {
		return nil, fmt.Errorf("consensus: %s: %w", id, relayerr.ErrNotParticipant)
	}
	if _, already := p.Votes[agent]; already && !e.cfg.AllowVoteChange {
		return nil, fmt.Errorf("consensus: %s: %w", id, relayerr.ErrVoteChangeDisabled)
	}

	p.Votes[agent] = castVote{Agent: agent, Value: value, Reason: reason, At: time.Now()}

	if e.cfg.AutoResolve {
		if decision, ok := p.evaluate(); ok {
			e.resolveLocked(ctx, p, decision)
		}
	}

	return p, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// evaluate applies the auto-resolution rule for p.Type against the
// current tally, returning (decision, true) when the outcome is already
// mathematically settled.
func (p *Proposal) evaluate() (Status, bool) {
	approve, reject, abstain := p.tally()
	total := p.totalWeight()
	votedWeight := approve + reject + abstain
	remaining := total - votedWeight

	switch p.Type {
	case TypeUnanimous:
		if reject > 0 {
			return StatusRejected, true
		}
		if len(p.Votes) == len(p.Participants) {
			if abstain == 0 {
				return StatusApproved, true // everyone voted, everyone approved
			}
			return StatusRejected, true // an abstention denies unanimity
		}
		return "", false

	case TypeSupermajority:
		if votedWeight == 0 {
			return "", false
		}
		// Early-resolve only when the remaining unvoted weight cannot
		// overturn the outcome even in the worst case: approve over total
		// weight can only grow as a fraction of votes cast, and once the
		// rejecting weight exceeds 1-threshold of the total, the approve
		// fraction can never reach the threshold.
		if approve >= p.Threshold*total {
			return StatusApproved, true
		}
		if reject > (1-p.Threshold)*total {
			return StatusRejected, true
		}
		if remaining == 0 {
			if approve/votedWeight >= p.Threshold {
				return StatusApproved, true
			}
			return StatusRejected, true
		}
		return "", false

	case TypeMajority, TypeWeighted:
		half := total / 2
		if approve > half {
			return StatusApproved, true
		}
		if reject > half {
			return StatusRejected, true
		}
		return "", false

	case TypeQuorum:
		if len(p.Votes) < p.Quorum {
			return "", false
		}
		// Quorum gates when tallying may begin; the decision rule itself is
		// the same majority-of-total-weight test as TypeMajority.
		half := total / 2
		if approve > half {
			return StatusApproved, true
		}
		if reject > half {
			return StatusRejected, true
		}
		return "", false

	default:
		return "", false
	}
}

func (e *Engine) resolveLocked(ctx context.Context, p *Proposal, decision Status) {
	if p.Status != StatusPending {
		return
	}
	p.Status = decision

	approve, reject, abstain := p.tally()
	total := p.totalWeight()
	votedWeight := approve + reject + abstain

	p.Result = &Result{
		Decision:              decision,
		ApproveWeight:         approve,
		RejectWeight:          reject,
		AbstainWeight:         abstain,
		ParticipationFraction: safeDiv(votedWeight, total),
		QuorumMet:             len(p.Votes) >= p.Quorum,
		NonVoters:             p.nonVoters(),
		ResolvedAt:            time.Now(),
	}

	if t, ok := e.timers[p.ID]; ok {
		t.Stop()
		delete(e.timers, p.ID)
	}

	if e.router != nil {
		body := fmt.Sprintf("RESULT: %s\nDECISION: %s\nAPPROVE: %.2f\nREJECT: %.2f\nABSTAIN: %.2f",
			p.ID, decision, approve, reject, abstain)
		participants := append([]string(nil), p.Participants...)
		thread := p.Thread
		// Routing blocks on injection verification; never do that while
		// holding e.mu.
		go func() {
			for _, name := range participants {
				e.router.Route(ctx, envelope.Envelope{
					From: "consensus", To: name, Kind: envelope.KindSystem,
					Body: body, Thread: thread,
				})
			}
		}()
	}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// expire is invoked by the proposal's timer. An already-terminal proposal
// is left untouched.
func (e *Engine) expire(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok || p.Status != StatusPending {
		return
	}
	e.resolveLocked(context.Background(), p, StatusExpired)
}

// CancelProposal cancels id, which only succeeds if agent is the original
// proposer and the proposal is still pending.
func (e *Engine) CancelProposal(agent, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return fmt.Errorf("consensus: %s: %w", id, relayerr.ErrProposalNotFound)
	}
	if p.Proposer != agent {
		return fmt.Errorf("consensus: %s: %w", id, relayerr.ErrNotParticipant)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("consensus: %s: %w", id, relayerr.ErrProposalClosed)
	}

	p.Status = StatusCancelled
	p.Result = &Result{Decision: StatusCancelled, ResolvedAt: time.Now(), NonVoters: p.nonVoters()}

	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	return nil
}

// Get returns the proposal by id.
func (e *Engine) Get(id string) (*Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	return p, ok
}

// Cleanup stops every pending proposal's expiry timer, for use during
// daemon shutdown.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = map[string]*time.Timer{}
}
