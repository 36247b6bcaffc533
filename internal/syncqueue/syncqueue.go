// Package syncqueue implements the cloud sync queue (C6): it ships every
// envelope that crosses the router to a remote endpoint with best-effort
// durability, batching on count/time/bytes, compressing large batches,
// retrying transport failures with backoff, and spilling exhausted
// batches to disk for later recovery.
package syncqueue

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/batching"
	"github.com/agentrelay/relayd/internal/envelope"
)

// Config configures the queue.
type Config struct {
	Endpoint             string
	BearerToken          string
	BatchSize            int
	BatchDelay           time.Duration
	MaxBatchBytes        int
	CompressionThreshold int
	MaxRetries           int
	RetryDelay           time.Duration
	SpillDir             string
	MaxSpillFiles        int
}

func (c *Config) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = 200 * time.Millisecond
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = 512 * 1024
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 1024
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxSpillFiles == 0 {
		c.MaxSpillFiles = 100
	}
}

// Stats tallies sync outcomes. TotalFailed is a gauge of consecutive
// batch failures, reset to zero by the next successful POST.
type Stats struct {
	Synced           int64
	Duplicates       int64
	BytesTransferred int64
	Spilled          int64
	TotalFailed      int64
}

// Queue batches and ships envelopes to the remote sync endpoint.
type Queue struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client
	batch  *batching.Batcher[envelope.Envelope]

	flushMu sync.Mutex // only one flush in flight at a time

	synced     int64
	duplicates int64
	bytesOut   int64
	spilled    int64
	failed     int64
}

// Open constructs a Queue and replays any spilled batches left over from a
// prior run. Recovery errors are logged and otherwise non-fatal.
func Open(cfg Config, log zerolog.Logger) (*Queue, error) {
	cfg.setDefaults()

	q := &Queue{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 30 * time.Second},
	}

	q.batch = batching.NewBatcher[envelope.Envelope](&batching.BatcherConfig{
		MaxSize:       cfg.BatchSize,
		FlushInterval: cfg.BatchDelay,
		MaxBytes:      cfg.MaxBatchBytes,
		SizeFunc:      envelopeSize,
	}, q.processBatch)

	if cfg.SpillDir != "" {
		if err := os.MkdirAll(cfg.SpillDir, 0o755); err != nil {
			return nil, fmt.Errorf("syncqueue: spill dir: %w", err)
		}
		q.RecoverSpills(context.Background())
	}

	return q, nil
}

func envelopeSize(env any) int {
	data, _ := json.Marshal(env)
	return len(data)
}

// Enqueue submits env for batched delivery. Enqueue never blocks on the
// network; it only blocks briefly to join (or start) the current batch.
func (q *Queue) Enqueue(env envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q.batch.Submit(ctx, env); err != nil {
		q.log.Warn().Err(err).Str("id", env.ID).Msg("sync enqueue failed")
	}
}

// Close drains pending envelopes (flushing whatever batch is in progress)
// before returning.
func (q *Queue) Close() error {
	return q.batch.Shutdown(context.Background())
}

// Stats returns a point-in-time snapshot of sync outcomes.
func (q *Queue) Stats() Stats {
	return Stats{
		Synced:           atomic.LoadInt64(&q.synced),
		Duplicates:       atomic.LoadInt64(&q.duplicates),
		BytesTransferred: atomic.LoadInt64(&q.bytesOut),
		Spilled:          atomic.LoadInt64(&q.spilled),
		TotalFailed:      atomic.LoadInt64(&q.failed),
	}
}

// processBatch is the Batcher's BatchProcessor: it is never invoked
// concurrently with itself (MaxConcurrency defaults to 1), satisfying the
// "only one flush in flight" invariant without an explicit lock — the
// flushMu below additionally protects the POST path from any future
// relaxation of that default.
func (q *Queue) processBatch(ctx context.Context, envs []envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	payload, err := json.Marshal(batchBody{Messages: envs, Count: len(envs)})
	if err != nil {
		return fmt.Errorf("syncqueue: marshal batch: %w", err)
	}

	gzipped := false
	body := payload
	if len(payload) > q.cfg.CompressionThreshold {
		if compressed, err := gzipBytes(payload); err == nil {
			body = compressed
			gzipped = true
		}
	}

	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := q.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return q.spill(envs)
			}
		}

		dup, err := q.post(ctx, body, gzipped)
		if err != nil {
			lastErr = err
			q.log.Warn().Err(err).Int("attempt", attempt+1).Msg("sync post failed")
			continue
		}

		atomic.AddInt64(&q.synced, int64(len(envs)))
		atomic.AddInt64(&q.duplicates, dup)
		atomic.AddInt64(&q.bytesOut, int64(len(body)))
		atomic.StoreInt64(&q.failed, 0)
		return nil
	}

	atomic.AddInt64(&q.failed, 1)
	q.log.Error().Err(lastErr).Int("count", len(envs)).Msg("sync batch exhausted retries, spilling")
	return q.spill(envs)
}

// post sends one serialized batch. On success it returns the number of
// duplicates the remote reported (zero when the response body carries no
// such count); delivery is at-least-once, so duplicates are expected
// after a retried or replayed batch.
func (q *Queue) post(ctx context.Context, body []byte, gzipped bool) (int64, error) {
	if q.cfg.Endpoint == "" {
		return 0, fmt.Errorf("syncqueue: no endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if q.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+q.cfg.BearerToken)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("syncqueue: remote returned %d", resp.StatusCode)
	}

	var ack struct {
		Duplicates int64 `json:"duplicates"`
	}
	if err := json.Unmarshal(respBody, &ack); err == nil {
		return ack.Duplicates, nil
	}
	return 0, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type batchBody struct {
	Messages []envelope.Envelope `json:"messages"`
	Count    int                 `json:"count"`
}

// spill writes envs as a single JSON array file in the spill directory,
// named spill-<ms>-<8hex>.json, and enforces MaxSpillFiles by deleting the
// oldest files first. With no SpillDir the batch is dropped and an error
// is returned.
func (q *Queue) spill(envs []envelope.Envelope) error {
	atomic.AddInt64(&q.spilled, int64(len(envs)))

	if q.cfg.SpillDir == "" {
		return fmt.Errorf("syncqueue: batch dropped, no spill dir configured")
	}

	data, err := json.Marshal(envs)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("spill-%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:8])
	path := filepath.Join(q.cfg.SpillDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("syncqueue: write spill file: %w", err)
	}

	q.enforceSpillCap()
	return nil
}

func (q *Queue) enforceSpillCap() {
	entries, err := os.ReadDir(q.cfg.SpillDir)
	if err != nil {
		return
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	if len(files) <= q.cfg.MaxSpillFiles {
		return
	}

	sort.Strings(files) // spill-<ms>-<hex>.json sorts chronologically by the ms prefix
	excess := len(files) - q.cfg.MaxSpillFiles
	for _, f := range files[:excess] {
		os.Remove(filepath.Join(q.cfg.SpillDir, f))
	}
}

// RecoverSpills replays every spilled batch in age order, oldest first,
// deleting each file once its replay succeeds. Open calls it automatically;
// it may also be invoked later, once an operator knows the endpoint is
// reachable again. Errors are logged, never fatal.
func (q *Queue) RecoverSpills(ctx context.Context) {
	entries, err := os.ReadDir(q.cfg.SpillDir)
	if err != nil {
		return
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		path := filepath.Join(q.cfg.SpillDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			q.log.Warn().Err(err).Str("file", name).Msg("spill recovery read failed")
			continue
		}

		var envs []envelope.Envelope
		if err := json.Unmarshal(data, &envs); err != nil {
			q.log.Warn().Err(err).Str("file", name).Msg("spill recovery parse failed")
			continue
		}

		if err := q.processBatch(ctx, envs); err != nil {
			q.log.Warn().Err(err).Str("file", name).Msg("spill recovery replay failed, left in place")
			continue
		}

		os.Remove(path)
	}
}
