// Package store implements the durable message log, session accounting,
// and agent-summary records (C1), backed by a pure-Go SQLite file via
// modernc.org/sqlite. Concurrent SaveMessage calls are folded into batched
// transactions by runWriter, the way a burst of writes from many wrappers
// would otherwise queue unboundedly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/agentrelay/relayd/internal/envelope"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	topic TEXT,
	thread TEXT,
	data TEXT,
	is_broadcast INTEGER NOT NULL DEFAULT 0,
	is_urgent INTEGER NOT NULL DEFAULT 0,
	importance INTEGER NOT NULL DEFAULT 0,
	payload_meta TEXT,
	status TEXT NOT NULL DEFAULT 'unread',
	delivery_seq INTEGER,
	delivery_session_id TEXT,
	session_id TEXT
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	cli TEXT NOT NULL,
	project_id TEXT,
	project_root TEXT,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	message_count INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	closed_by TEXT
);
CREATE TABLE IF NOT EXISTS agent_summaries (
	agent_name TEXT PRIMARY KEY,
	project_id TEXT,
	last_updated INTEGER NOT NULL,
	current_task TEXT,
	completed_tasks TEXT,
	decisions TEXT,
	context TEXT,
	files TEXT
);
`

var indices = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_agent)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_urgent ON messages(is_urgent)`,
}

// Store is the durable record of every envelope that has crossed the
// router, plus session and agent-summary bookkeeping.
type Store struct {
	db        *sql.DB
	log       zerolog.Logger
	writeCh   chan writeRequest
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}

	deliverySeq sync.Map // recipient name -> *int64
}

type writeRequest struct {
	msg    envelope.StoredMessage
	result chan error
}

// Open opens (creating if necessary) the SQLite file at path, runs the
// idempotent schema/migration pass, and starts the background write-behind
// batcher.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers ourselves

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	for _, stmt := range indices {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: index: %w", err)
		}
	}

	s := &Store{
		db:      db,
		log:     log,
		writeCh: make(chan writeRequest),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.runWriter()
	return s, nil
}

// migrate adds any column missing from an older on-disk database,
// idempotently, so a daemon upgrade never requires a manual schema step.
func migrate(db *sql.DB) error {
	wanted := map[string][]struct{ name, ddl string }{
		"messages": {
			{"delivery_seq", "ALTER TABLE messages ADD COLUMN delivery_seq INTEGER"},
			{"delivery_session_id", "ALTER TABLE messages ADD COLUMN delivery_session_id TEXT"},
			{"session_id", "ALTER TABLE messages ADD COLUMN session_id TEXT"},
		},
	}
	for table, cols := range wanted {
		existing, err := tableColumns(db, table)
		if err != nil {
			return err
		}
		for _, c := range cols {
			if !existing[c.name] {
				if _, err := db.Exec(c.ddl); err != nil {
					return fmt.Errorf("migrate %s.%s: %w", table, c.name, err)
				}
			}
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Close drains and waits for pending writes, then closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.doneCh
	return s.db.Close()
}

// runWriter folds bursts of concurrent SaveMessage calls into single
// transactions: it blocks for the first pending write, then drains up to
// maxWriteBatch more for up to writeBatchWindow before flushing, so a
// burst of writes from many wrappers collapses into one transaction
// instead of serializing one at a time.
const (
	maxWriteBatch    = 200
	writeBatchWindow = 10 * time.Millisecond
)

func (s *Store) runWriter() {
	defer close(s.doneCh)

	for {
		var pending []writeRequest

		select {
		case <-s.closeCh:
			return
		case r := <-s.writeCh:
			pending = append(pending, r)
		}

		timer := time.NewTimer(writeBatchWindow)
	collect:
		for len(pending) < maxWriteBatch {
			select {
			case r := <-s.writeCh:
				pending = append(pending, r)
			case <-timer.C:
				break collect
			case <-s.closeCh:
				break collect
			}
		}
		timer.Stop()

		s.flush(pending)

		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

func (s *Store) flush(pending []writeRequest) {
	tx, err := s.db.Begin()
	if err != nil {
		for _, r := range pending {
			r.result <- err
		}
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO messages
		(id, ts, from_agent, to_agent, kind, body, topic, thread, data,
		 is_broadcast, is_urgent, importance, payload_meta, status,
		 delivery_seq, delivery_session_id, session_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		for _, r := range pending {
			r.result <- err
		}
		return
	}
	defer stmt.Close()

	sessionCounts := map[string]int64{}

	for _, r := range pending {
		m := r.msg
		dataJSON, _ := marshalData(m.Data)
		metaJSON, _ := marshalMeta(m.PayloadMeta)
		_, execErr := stmt.Exec(
			m.ID, m.Ts, m.From, m.To, string(m.Kind), m.Body, nullable(m.Topic), nullable(m.Thread),
			dataJSON, boolToInt(m.IsBroadcast), boolToInt(m.IsUrgent), m.Importance, metaJSON,
			string(m.Status), m.DeliverySeq, nullable(m.DeliverySessionID), nullable(m.SessionID),
		)
		if execErr != nil {
			err = execErr
			break
		}
		if m.SessionID != "" {
			sessionCounts[m.SessionID]++
		}
	}

	if err == nil {
		for sid, n := range sessionCounts {
			if _, execErr := tx.Exec(`UPDATE sessions SET message_count = message_count + ? WHERE id = ?`, n, sid); execErr != nil {
				err = execErr
				break
			}
		}
	}

	if err == nil {
		err = tx.Commit()
	} else {
		tx.Rollback()
	}

	for _, r := range pending {
		r.result <- err
	}
}

// SaveMessage persists a StoredMessage, assigning a per-recipient delivery
// sequence number if one isn't already set.
func (s *Store) SaveMessage(ctx context.Context, m envelope.StoredMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.DeliverySeq == 0 && m.To != "" {
		m.DeliverySeq = s.nextDeliverySeq(m.To)
	}

	result := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.writeCh <- writeRequest{msg: m, result: result}:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

func (s *Store) nextDeliverySeq(recipient string) int64 {
	v, _ := s.deliverySeq.LoadOrStore(recipient, new(int64))
	counter := v.(*int64)
	return atomic.AddInt64(counter, 1)
}

// MessageFilter selects a subset of stored messages for GetMessages.
type MessageFilter struct {
	From       string
	To         string
	Topic      string
	Thread     string
	SinceTs    int64
	UnreadOnly bool
	UrgentOnly bool
	Ascending  bool
	Limit      int

	// MarkReadAs is the agent name acting as reader; when set, any
	// unread row returned that addresses this agent (directly, or via
	// broadcast) transitions to "read" as part of this query. This is
	// the only path that flips a row to read besides an explicit
	// UpdateMessageStatus.
	MarkReadAs string
}

// GetMessages returns stored messages matching filter.
func (s *Store) GetMessages(ctx context.Context, filter MessageFilter) ([]envelope.StoredMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	var where []string
	var args []any
	if filter.From != "" {
		where = append(where, "from_agent = ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "to_agent = ?")
		args = append(args, filter.To)
	}
	if filter.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.Thread != "" {
		where = append(where, "thread = ?")
		args = append(args, filter.Thread)
	}
	if filter.SinceTs > 0 {
		where = append(where, "ts >= ?")
		args = append(args, filter.SinceTs)
	}
	if filter.UnreadOnly {
		where = append(where, "status = 'unread'")
	}
	if filter.UrgentOnly {
		where = append(where, "is_urgent = 1")
	}

	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts %s LIMIT ?", order)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelope.StoredMessage
	var toMarkRead []string
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if filter.MarkReadAs != "" && m.Status == envelope.StatusUnread &&
			(m.To == filter.MarkReadAs || m.To == envelope.BroadcastTarget) {
			m.Status = envelope.StatusRead
			toMarkRead = append(toMarkRead, m.ID)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(toMarkRead) > 0 {
		if err := s.markRead(ctx, toMarkRead); err != nil {
			return out, err
		}
	}

	return out, nil
}

func (s *Store) markRead(ctx context.Context, ids []string) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE messages SET status = 'read' WHERE id IN (%s)", strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// UpdateMessageStatus sets status explicitly for a single message id.
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status envelope.Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// GetMessageByID accepts either an exact id or a hex prefix, returning the
// most recent match.
func (s *Store) GetMessageByID(ctx context.Context, idOrPrefix string) (*envelope.StoredMessage, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE id = ? OR id LIKE ? ORDER BY ts DESC LIMIT 1"
	rows, err := s.db.QueryContext(ctx, query, idOrPrefix, idOrPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	m, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &m, rows.Err()
}

// StartSession records a new session row, created on the wrapper's first
// successful register handshake.
func (s *Store) StartSession(ctx context.Context, sess envelope.Session) (string, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, agent_name, cli, project_id, project_root, started_at, message_count)
		VALUES (?,?,?,?,?,?,0)`,
		sess.ID, sess.AgentName, sess.CLI, nullable(sess.ProjectID), nullable(sess.ProjectRoot), sess.StartedAt.UnixMilli())
	return sess.ID, err
}

// EndSession closes a session, setting ended_at and closed_by exactly once
// (a session already ended is left untouched). A nil newSummary preserves
// any summary already set — EndSession must never silently overwrite one.
func (s *Store) EndSession(ctx context.Context, id string, closedBy envelope.ClosedBy, newSummary *string) error {
	if newSummary != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ?, closed_by = ?, summary = ? WHERE id = ? AND ended_at IS NULL`,
			time.Now().UnixMilli(), string(closedBy), *newSummary, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, closed_by = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UnixMilli(), string(closedBy), id)
	return err
}

// IncrementSessionMessageCount bumps message_count for a session outside
// the normal SaveMessage path (e.g. for envelopes that don't carry a body
// row, such as consensus bookkeeping).
func (s *Store) IncrementSessionMessageCount(ctx context.Context, id string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET message_count = message_count + ? WHERE id = ?`, delta, id)
	return err
}

// SessionFilter selects sessions for GetSessions.
type SessionFilter struct {
	AgentName string
	ProjectID string
	OpenOnly  bool
	Limit     int
}

// GetSessions returns session rows matching filter, most recent first.
func (s *Store) GetSessions(ctx context.Context, filter SessionFilter) ([]envelope.Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	var where []string
	var args []any
	if filter.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.OpenOnly {
		where = append(where, "ended_at IS NULL")
	}
	query := `SELECT id, agent_name, cli, project_id, project_root, started_at, ended_at, message_count, summary, closed_by FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelope.Session
	for rows.Next() {
		var sess envelope.Session
		var projectID, projectRoot, summary, closedBy sql.NullString
		var endedAt sql.NullInt64
		var startedAt int64
		if err := rows.Scan(&sess.ID, &sess.AgentName, &sess.CLI, &projectID, &projectRoot,
			&startedAt, &endedAt, &sess.MessageCount, &summary, &closedBy); err != nil {
			return nil, err
		}
		sess.ProjectID = projectID.String
		sess.ProjectRoot = projectRoot.String
		sess.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			sess.EndedAt = &t
		}
		if summary.Valid {
			sess.Summary = &summary.String
		}
		sess.ClosedBy = envelope.ClosedBy(closedBy.String)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveAgentSummary upserts the single summary row for an agent.
func (s *Store) SaveAgentSummary(ctx context.Context, sum envelope.AgentSummary) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_summaries
		(agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(agent_name) DO UPDATE SET
			project_id=excluded.project_id, last_updated=excluded.last_updated,
			current_task=excluded.current_task, completed_tasks=excluded.completed_tasks,
			decisions=excluded.decisions, context=excluded.context, files=excluded.files`,
		sum.AgentName, nullable(sum.ProjectID), sum.LastUpdated.UnixMilli(), nullable(sum.CurrentTask),
		strings.Join(sum.CompletedTasks, "\x1f"), strings.Join(sum.Decisions, "\x1f"),
		nullable(sum.Context), strings.Join(sum.Files, "\x1f"))
	return err
}

// GetAgentSummary returns the current summary row for one agent, or nil if
// none has ever been saved.
func (s *Store) GetAgentSummary(ctx context.Context, agentName string) (*envelope.AgentSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files
		FROM agent_summaries WHERE agent_name = ?`, agentName)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sum, err
}

// GetAllAgentSummaries returns every agent's current summary row.
func (s *Store) GetAllAgentSummaries(ctx context.Context) ([]envelope.AgentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files FROM agent_summaries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []envelope.AgentSummary
	for rows.Next() {
		sum, err := scanSummaryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out, rows.Err()
}

// CleanupExpiredMessages deletes every message older than retention and
// returns the count removed.
func (s *Store) CleanupExpiredMessages(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarizes store contents for operator tooling.
type Stats struct {
	TotalMessages  int64
	UnreadMessages int64
	TotalSessions  int64
	OpenSessions   int64
}

// GetStats returns a snapshot of store-wide counters.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(status='unread'),0) FROM messages`)
	if err := row.Scan(&st.TotalMessages, &st.UnreadMessages); err != nil {
		return st, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(ended_at IS NULL),0) FROM sessions`)
	if err := row.Scan(&st.TotalSessions, &st.OpenSessions); err != nil {
		return st, err
	}
	return st, nil
}

const messageColumns = `id, ts, from_agent, to_agent, kind, body, topic, thread, data,
	is_broadcast, is_urgent, importance, payload_meta, status, delivery_seq, delivery_session_id, session_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (envelope.StoredMessage, error) {
	var m envelope.StoredMessage
	var topic, thread, data, payloadMeta, deliverySessionID, sessionID sql.NullString
	var deliverySeq sql.NullInt64
	var isBroadcast, isUrgent int
	if err := rows.Scan(&m.ID, &m.Ts, &m.From, &m.To, (*string)(&m.Kind), &m.Body, &topic, &thread, &data,
		&isBroadcast, &isUrgent, &m.Importance, &payloadMeta, (*string)(&m.Status),
		&deliverySeq, &deliverySessionID, &sessionID); err != nil {
		return m, err
	}
	m.Topic = topic.String
	m.Thread = thread.String
	m.IsBroadcast = isBroadcast != 0
	m.IsUrgent = isUrgent != 0
	m.DeliverySeq = deliverySeq.Int64
	m.DeliverySessionID = deliverySessionID.String
	m.SessionID = sessionID.String
	if data.Valid && data.String != "" {
		m.Data, _ = unmarshalData(data.String)
	}
	if payloadMeta.Valid && payloadMeta.String != "" {
		m.PayloadMeta, _ = unmarshalMeta(payloadMeta.String)
	}
	return m, nil
}

func scanSummary(row *sql.Row) (*envelope.AgentSummary, error) {
	return scanSummaryGeneric(row)
}

func scanSummaryRows(rows *sql.Rows) (*envelope.AgentSummary, error) {
	return scanSummaryGeneric(rows)
}

func scanSummaryGeneric(scanner rowScanner) (*envelope.AgentSummary, error) {
	var sum envelope.AgentSummary
	var projectID, currentTask, completed, decisions, context, files sql.NullString
	var lastUpdated int64
	if err := scanner.Scan(&sum.AgentName, &projectID, &lastUpdated, &currentTask, &completed, &decisions, &context, &files); err != nil {
		return nil, err
	}
	sum.ProjectID = projectID.String
	sum.LastUpdated = time.UnixMilli(lastUpdated)
	sum.CurrentTask = currentTask.String
	sum.Context = context.String
	if completed.String != "" {
		sum.CompletedTasks = strings.Split(completed.String, "\x1f")
	}
	if decisions.String != "" {
		sum.Decisions = strings.Split(decisions.String, "\x1f")
	}
	if files.String != "" {
		sum.Files = strings.Split(files.String, "\x1f")
	}
	return &sum, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
