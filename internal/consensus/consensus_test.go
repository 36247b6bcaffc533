package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/relayerr"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	routed []envelope.Envelope
}

func (f *fakeBroadcaster) Route(_ context.Context, env envelope.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, env)
}

func newEngine(cfg Config) (*Engine, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	cfg.AutoResolve = true
	return New(cfg, b, zerolog.Nop()), b
}

func TestMajorityResolvesOnFirstDecisiveVote(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, err := e.CreateProposal(ctx, CreateOptions{
		Proposer: "Lead", Type: TypeMajority,
		Participants: []string{"Dev", "QA", "Ops"},
	})
	if err != nil {
		t.Fatal(err)
	}

	e.Vote(ctx, p.ID, "Dev", VoteApprove, "")
	e.Vote(ctx, p.ID, "QA", VoteApprove, "")

	got, _ := e.Get(p.ID)
	if got.Status != StatusApproved {
		t.Fatalf("expected approved after majority reached, got %s", got.Status)
	}
}

func TestUnanimousRejectsOnFirstRejection(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeUnanimous, Participants: []string{"Dev", "QA"},
	})

	e.Vote(ctx, p.ID, "Dev", VoteReject, "no")

	got, _ := e.Get(p.ID)
	if got.Status != StatusRejected {
		t.Fatalf("expected immediate rejection, got %s", got.Status)
	}
}

func TestUnanimousApprovesWhenAllApprove(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeUnanimous, Participants: []string{"Dev", "QA"},
	})

	e.Vote(ctx, p.ID, "Dev", VoteApprove, "")
	got, _ := e.Get(p.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected still pending with one outstanding vote, got %s", got.Status)
	}

	e.Vote(ctx, p.ID, "QA", VoteApprove, "")
	got, _ = e.Get(p.ID)
	if got.Status != StatusApproved {
		t.Fatalf("expected approved once everyone approved, got %s", got.Status)
	}
}

func TestQuorumRequiresMinimumVotesBeforeDeciding(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeQuorum, Quorum: 3, Participants: []string{"A", "B", "C", "D"},
	})

	e.Vote(ctx, p.ID, "A", VoteApprove, "")
	e.Vote(ctx, p.ID, "B", VoteApprove, "")
	got, _ := e.Get(p.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending below quorum, got %s", got.Status)
	}

	e.Vote(ctx, p.ID, "C", VoteApprove, "")
	got, _ = e.Get(p.ID)
	if got.Status != StatusApproved {
		t.Fatalf("expected approved once quorum reached with majority approve, got %s", got.Status)
	}
}

func TestQuorumDecidesByTotalWeightNotBallotsCast(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeQuorum, Quorum: 3,
		Participants: []string{"A", "B", "C", "D", "E", "F"},
	})

	// Quorum of 3 is met with a 2-1 split, but 2 approvals are not a
	// majority of the 6-weight electorate; a narrow subset must not
	// decide for everyone.
	e.Vote(ctx, p.ID, "A", VoteApprove, "")
	e.Vote(ctx, p.ID, "B", VoteApprove, "")
	e.Vote(ctx, p.ID, "C", VoteReject, "")
	got, _ := e.Get(p.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending until a side exceeds half the total weight, got %s", got.Status)
	}

	e.Vote(ctx, p.ID, "D", VoteApprove, "")
	e.Vote(ctx, p.ID, "E", VoteApprove, "")
	got, _ = e.Get(p.ID)
	if got.Status != StatusApproved {
		t.Fatalf("expected approved once approvals exceed half the total weight, got %s", got.Status)
	}
}

func TestVoteRejectsNonParticipant(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{Participants: []string{"Dev"}})

	_, err := e.Vote(ctx, p.ID, "Stranger", VoteApprove, "")
	if err == nil || !isErr(err, relayerr.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestVoteChangeRejectedWhenDisabled(t *testing.T) {
	e, _ := newEngine(Config{AllowVoteChange: false})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeUnanimous, Participants: []string{"Dev", "QA"},
	})

	e.Vote(ctx, p.ID, "Dev", VoteApprove, "")
	_, err := e.Vote(ctx, p.ID, "Dev", VoteReject, "changed my mind")
	if err == nil || !isErr(err, relayerr.ErrVoteChangeDisabled) {
		t.Fatalf("expected ErrVoteChangeDisabled, got %v", err)
	}
}

func TestVoteChangeReplacesPriorWhenAllowed(t *testing.T) {
	e, _ := newEngine(Config{AllowVoteChange: true})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeUnanimous, Participants: []string{"Dev", "QA"},
	})

	e.Vote(ctx, p.ID, "Dev", VoteApprove, "")
	if _, err := e.Vote(ctx, p.ID, "Dev", VoteReject, "second thoughts"); err != nil {
		t.Fatalf("expected vote change to be accepted: %v", err)
	}

	got, _ := e.Get(p.ID)
	if got.Votes["Dev"].Value != VoteReject {
		t.Fatalf("expected the replacement vote to win, got %+v", got.Votes["Dev"])
	}
	if got.Status != StatusRejected {
		t.Fatalf("expected the changed rejection to fail-fast the unanimous proposal, got %s", got.Status)
	}
}

func TestWeightedResolvesByWeightNotHeadcount(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type:         TypeWeighted,
		Participants: []string{"Lead", "Dev", "QA"},
		Weights:      map[string]float64{"Lead": 3, "Dev": 1, "QA": 1},
	})

	e.Vote(ctx, p.ID, "Lead", VoteApprove, "")

	got, _ := e.Get(p.ID)
	if got.Status != StatusApproved {
		t.Fatalf("expected the weight-3 vote alone to carry the weight-5 total, got %s", got.Status)
	}
	if got.Result == nil || got.Result.ApproveWeight != 3 {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
}

func TestSupermajorityRejectOnlyWhenIrreversible(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type:         TypeSupermajority,
		Threshold:    0.67,
		Participants: []string{"A", "B", "C", "D", "E"},
	})

	// One rejection of five cannot yet block a 0.67 supermajority.
	e.Vote(ctx, p.ID, "A", VoteReject, "")
	got, _ := e.Get(p.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected still pending after one rejection, got %s", got.Status)
	}

	// A second rejection pushes the rejecting weight past 1-threshold of
	// the total: the approve fraction can never reach 0.67.
	e.Vote(ctx, p.ID, "B", VoteReject, "")
	got, _ = e.Get(p.ID)
	if got.Status != StatusRejected {
		t.Fatalf("expected rejection once the outcome is settled, got %s", got.Status)
	}
}

func TestCancelOnlyByProposer(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{Proposer: "Lead", Participants: []string{"Dev"}})

	if err := e.CancelProposal("Dev", p.ID); err == nil {
		t.Fatal("expected non-proposer cancel to fail")
	}
	if err := e.CancelProposal("Lead", p.ID); err != nil {
		t.Fatalf("expected proposer cancel to succeed: %v", err)
	}

	got, _ := e.Get(p.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestExpiryResolvesIndeterminateProposal(t *testing.T) {
	e, _ := newEngine(Config{})
	ctx := context.Background()

	p, _ := e.CreateProposal(ctx, CreateOptions{
		Type: TypeMajority, Participants: []string{"Dev", "QA"}, Timeout: 20 * time.Millisecond,
	})

	time.Sleep(60 * time.Millisecond)

	got, _ := e.Get(p.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	_ = p
}

func TestInterceptParsesProposeAndVote(t *testing.T) {
	e, b := newEngine(Config{})
	ctx := context.Background()

	body := "PROPOSE: ship it\nTYPE: majority\nPARTICIPANTS: Dev, QA\nDESCRIPTION: release the build"
	if !e.Intercept(ctx, "Lead", body) {
		t.Fatal("expected PROPOSE body to be intercepted")
	}

	var id string
	for pid := range e.proposals {
		id = pid
	}
	if id == "" {
		t.Fatal("expected a proposal to have been created")
	}

	if !e.Intercept(ctx, "Dev", "VOTE "+id+" approve looks good") {
		t.Fatal("expected VOTE body to be intercepted")
	}

	got, _ := e.Get(id)
	if _, voted := got.Votes["Dev"]; !voted {
		t.Fatal("expected Dev's vote to be recorded")
	}
	_ = b
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
