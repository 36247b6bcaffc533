package consensus

import (
	"context"
	"regexp"
	"strings"
)

var (
	proposeRe = regexp.MustCompile(`(?ms)^PROPOSE:\s*(.*?)\nTYPE:\s*(\S+)\nPARTICIPANTS:\s*(.+?)\nDESCRIPTION:\s*(.+)$`)
	voteRe    = regexp.MustCompile(`^VOTE\s+(\S+)\s+(approve|reject|abstain)(?:\s+(.+))?$`)
)

// Intercept inspects an inbound envelope's body for the PROPOSE/TYPE/
// PARTICIPANTS/DESCRIPTION multi-line command or the one-line VOTE
// command, handling either before normal delivery. It reports whether the
// envelope was consumed (in which case the router must not deliver it to
// its addressee as an ordinary message).
func (e *Engine) Intercept(ctx context.Context, from, body string) bool {
	body = strings.TrimSpace(body)

	if m := proposeRe.FindStringSubmatch(body); m != nil {
		e.handleProposeCommand(ctx, from, m)
		return true
	}
	if m := voteRe.FindStringSubmatch(body); m != nil {
		reason := ""
		if len(m) > 3 {
			reason = strings.TrimSpace(m[3])
		}
		e.Vote(ctx, m[1], from, Vote(m[2]), reason)
		return true
	}
	return false
}

func (e *Engine) handleProposeCommand(ctx context.Context, from string, m []string) {
	e.CreateProposal(ctx, CreateOptions{
		Proposer:     from,
		Title:        strings.TrimSpace(m[1]),
		Description:  strings.TrimSpace(m[4]),
		Type:         Type(strings.ToLower(strings.TrimSpace(m[2]))),
		Participants: splitParticipants(m[3]),
	})
}

func splitParticipants(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
