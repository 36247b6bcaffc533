// Package relayerr names the sentinel errors every component returns in
// place of exceptions, per the daemon's error taxonomy. Callers compare with
// errors.Is; components wrap with fmt.Errorf("%w: ...") to add context.
package relayerr

import "errors"

var (
	// ErrTargetNotFound is returned when a named agent has no live wrapper
	// (Spawner.Release). The router does not return errors; it dead-letters
	// undeliverable envelopes instead.
	ErrTargetNotFound = errors.New(`relayerr: target not found`)

	// ErrVerificationFailed is returned by the PTY wrapper when an
	// injection could not be verified after its retry budget.
	ErrVerificationFailed = errors.New(`relayerr: injection verification failed`)

	// ErrRetryExhausted names a delivery whose retry budget ran out. The
	// sync queue does not return it: it spills an exhausted batch to disk.
	ErrRetryExhausted = errors.New(`relayerr: retry budget exhausted`)

	// ErrPolicyDenied is reserved for the external policy collaborator;
	// components that accept a policy decision surface it through this
	// sentinel so callers can branch on "denied" without depending on the
	// policy service's concrete type.
	ErrPolicyDenied = errors.New(`relayerr: denied by policy`)

	// ErrAgentNameCollision is returned by the spawner when asked to spawn
	// a name that already has a live wrapper.
	ErrAgentNameCollision = errors.New(`relayerr: agent name already live`)

	// ErrProposalNotFound is returned by the consensus engine for an
	// unknown proposal id.
	ErrProposalNotFound = errors.New(`relayerr: proposal not found`)

	// ErrNotParticipant is returned when a vote or cancel is attempted by
	// an agent outside the proposal's participant set, or (for cancel) by
	// anyone other than the proposer.
	ErrNotParticipant = errors.New(`relayerr: not a participant`)

	// ErrProposalClosed is returned when a vote or cancel targets a
	// proposal whose status is no longer pending.
	ErrProposalClosed = errors.New(`relayerr: proposal no longer pending`)

	// ErrConnectionLost is returned when a target wrapper vanishes after
	// delivery was attempted but before it could be verified.
	ErrConnectionLost = errors.New(`relayerr: connection lost mid-delivery`)

	// ErrStreamLost is returned by the wrapper when its PTY has already
	// exited and a write is attempted against it.
	ErrStreamLost = errors.New(`relayerr: pty stream closed`)

	// ErrRegistrationTimeout is returned by the spawner when a newly
	// spawned agent fails to appear in the agents registry in time.
	ErrRegistrationTimeout = errors.New(`relayerr: registration timeout`)

	// ErrVoteChangeDisabled is returned when a participant tries to
	// recast a vote on a proposal configured to forbid vote changes.
	ErrVoteChangeDisabled = errors.New(`relayerr: vote change disabled`)
)
