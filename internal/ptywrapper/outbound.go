package ptywrapper

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/agentrelay/relayd/internal/envelope"
	"github.com/agentrelay/relayd/internal/patterns"
)

// fenceState accumulates the body of a `->relay:<Target> <<<` ... `>>>`
// multi-line send while it is still open.
type fenceState struct {
	target string
	kind   envelope.Kind
	lines  []string
}

// parseOutbound is invoked after every PTY read. It ANSI-strips the whole
// captured buffer, splits it into lines, and scans every complete line not
// yet dispatched for relay syntax. A partial trailing line is left for a
// later call.
func (w *Wrapper) parseOutbound() {
	w.mu.Lock()
	raw := w.raw.String()
	w.mu.Unlock()

	clean := patterns.StripANSI(raw)

	w.obMu.Lock()
	defer w.obMu.Unlock()

	// Re-deriving from the full captured buffer (rather than chunk deltas)
	// keeps this simple at the cost of rescanning; obSeenLines tracks how many
	// of the clean lines have already been dispatched so repeats are
	// skipped regardless.
	lines := splitLines(clean)
	for i := w.obSeenLines; i < len(lines); i++ {
		complete := i < len(lines)-1 || strings.HasSuffix(clean, "\n")
		if !complete {
			break
		}
		w.handleOutboundLine(lines[i])
		w.obSeenLines = i + 1
	}
}

func (w *Wrapper) handleOutboundLine(line string) {
	p := w.patterns

	// Triple-backtick code fences are documentation, not commands: nothing
	// inside one is parsed, and the delimiters themselves only toggle state.
	if p.CodeFence.MatchString(line) {
		w.inCodeFence = !w.inCodeFence
		return
	}
	if w.inCodeFence {
		return
	}

	if w.fence != nil {
		if p.FenceClose.MatchString(line) {
			body := unescapeFenceMarkers(strings.Join(w.fence.lines, "\n"))
			w.dispatchRelay(w.fence.target, body, w.fence.kind)
			w.fence = nil
			return
		}
		w.fence.lines = append(w.fence.lines, line)
		return
	}

	if m := p.Spawn.FindStringSubmatch(line); m != nil {
		w.handleSpawn(m[1], m[2], m[3])
		return
	}
	if m := p.Release.FindStringSubmatch(line); m != nil {
		w.handleRelease(m[1])
		return
	}
	if m := p.FenceOpen.FindStringSubmatch(line); m != nil {
		kind := envelope.KindMessage
		if strings.Contains(line, w.cfg.ThinkingPrefix) {
			kind = envelope.KindThinking
		}
		w.fence = &fenceState{target: m[1], kind: kind}
		return
	}
	if m := p.SingleLine.FindStringSubmatch(line); m != nil {
		if p.Escape.MatchString(line) {
			return
		}
		kind := envelope.KindMessage
		if strings.Contains(line, w.cfg.ThinkingPrefix) {
			kind = envelope.KindThinking
		}
		w.dispatchRelay(m[1], m[2], kind)
		return
	}

	if m := p.SummaryBlock.FindStringSubmatch(line); m != nil {
		w.handleSummary(m[1])
	}
	if m := p.SessionEnd.FindStringSubmatch(line); m != nil {
		w.handleSessionEnd(m[1])
	}
}

// dispatchRelay validates and classifies a candidate (target, body) pair
// before handing it to the sink. Instructional-looking bodies, generic
// placeholder targets, and invalid agent names are rejected silently
// (they are, overwhelmingly, an agent quoting its own usage instructions
// rather than addressing anyone).
func (w *Wrapper) dispatchRelay(target, body string, kind envelope.Kind) {
	target = strings.TrimSpace(target)
	body = strings.TrimSpace(body)

	if body == "" {
		return
	}
	if w.patterns.IsInstructional(body) {
		return
	}

	project, name, crossProject := patterns.SplitCrossProject(target)
	checkName := name
	if !crossProject {
		checkName = target
	}

	if checkName != envelope.BroadcastTarget {
		if w.patterns.IsPlaceholder(checkName) {
			return
		}
		if !w.patterns.ValidAgentName(checkName) {
			return
		}
	}

	var thread string
	if rest, ok := strings.CutPrefix(body, "thread:"); ok {
		if sp := strings.IndexAny(rest, " \t"); sp > 0 {
			thread = rest[:sp]
			body = strings.TrimSpace(rest[sp+1:])
		}
	}
	if body == "" {
		return
	}

	if w.dedup.Seen(target, body) {
		return
	}

	env := envelope.Envelope{
		From:        w.cfg.AgentName,
		To:          checkName,
		Kind:        kind,
		Body:        body,
		IsBroadcast: checkName == envelope.BroadcastTarget,
	}
	env.Thread = thread
	if crossProject {
		env.Topic = project
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.sink.Route(ctx, env)
}

// unescapeFenceMarkers turns the backslash-escaped fence markers a sender
// uses to embed literal `<<<`/`>>>` text inside a fenced body back into
// their literal form. The escape only has meaning while inside a fence
// (elsewhere `\->relay:` is the escape the parser recognizes), so this is
// applied once, when the fence closes, not per line as lines are collected.
func unescapeFenceMarkers(body string) string {
	body = strings.ReplaceAll(body, `\<<<`, "<<<")
	body = strings.ReplaceAll(body, `\>>>`, ">>>")
	return body
}

func (w *Wrapper) handleSpawn(name, cli, task string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sink.Spawn(ctx, name, cli, task); err != nil {
		w.log.Warn().Err(err).Str("agent", name).Msg("spawn request failed")
	}
}

func (w *Wrapper) handleRelease(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.sink.Release(ctx, name); err != nil {
		w.log.Warn().Err(err).Str("agent", name).Msg("release request failed")
	}
}

func (w *Wrapper) handleSummary(raw string) {
	if w.events == nil {
		return
	}
	raw = strings.TrimSpace(raw)
	summary := envelope.AgentSummary{
		AgentName:   w.cfg.AgentName,
		LastUpdated: time.Now(),
	}

	if strings.HasPrefix(raw, "{") {
		var doc struct {
			CurrentTask    string   `json:"current_task"`
			CompletedTasks []string `json:"completed_tasks"`
			Decisions      []string `json:"decisions"`
			Context        string   `json:"context"`
			Files          []string `json:"files"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err == nil {
			summary.CurrentTask = doc.CurrentTask
			summary.CompletedTasks = doc.CompletedTasks
			summary.Decisions = doc.Decisions
			summary.Context = doc.Context
			summary.Files = doc.Files
			w.events.OnSummary(w.cfg.AgentName, summary)
			return
		}
	}

	// Not JSON: fall back to the loose "task: ...; ..." form some CLIs
	// emit, keeping the whole block as context.
	summary.Context = raw
	for _, kv := range strings.Split(raw, ";") {
		kv = strings.TrimSpace(kv)
		if rest, ok := strings.CutPrefix(kv, "task:"); ok {
			summary.CurrentTask = strings.TrimSpace(rest)
		}
	}
	w.events.OnSummary(w.cfg.AgentName, summary)
}

func (w *Wrapper) handleSessionEnd(raw string) {
	if w.events == nil {
		return
	}
	closedBy := envelope.ClosedByAgent
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n != 0 {
		closedBy = envelope.ClosedByError
	}
	w.events.OnSessionEnd(w.cfg.AgentName, closedBy)
}
