package syncqueue

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentrelay/relayd/internal/envelope"
)

func TestEnqueueFlushesByCount(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body batchBody
		json.NewDecoder(r.Body).Decode(&body)
		atomic.AddInt32(&received, int32(body.Count))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := Open(Config{
		Endpoint:   srv.URL,
		BatchSize:  3,
		BatchDelay: time.Hour, // force the count trigger
		SpillDir:   t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	for i := 0; i < 3; i++ {
		q.Enqueue(envelope.Envelope{ID: "e" + string(rune('0'+i)), From: "Lead", To: "Dev", Body: "hi"})
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&received) == 3 })

	stats := q.Stats()
	if stats.Synced != 3 {
		t.Fatalf("expected 3 synced, got %d", stats.Synced)
	}
}

func TestEnqueueFlushesByTime(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body batchBody
		json.NewDecoder(r.Body).Decode(&body)
		atomic.AddInt32(&received, int32(body.Count))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := Open(Config{
		Endpoint:   srv.URL,
		BatchSize:  1000,
		BatchDelay: 20 * time.Millisecond,
		SpillDir:   t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	q.Enqueue(envelope.Envelope{ID: "e1", From: "Lead", To: "Dev", Body: "hi"})

	waitFor(t, func() bool { return atomic.LoadInt32(&received) == 1 })
}

func TestGzipAppliedAboveThreshold(t *testing.T) {
	var sawGzip bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sawGzip = r.Header.Get("Content-Encoding") == "gzip"
		mu.Unlock()
		gz, err := gzip.NewReader(r.Body)
		if err == nil {
			io.Copy(io.Discard, gz)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := Open(Config{
		Endpoint:             srv.URL,
		BatchSize:            1,
		CompressionThreshold: 1, // force compression for any non-empty batch
		SpillDir:             t.TempDir(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	q.Enqueue(envelope.Envelope{ID: "e1", From: "Lead", To: "Dev", Body: "a reasonably long message body to exceed the threshold"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawGzip
	})
}

func TestSpillOnExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	spillDir := t.TempDir()
	q, err := Open(Config{
		Endpoint:   srv.URL,
		BatchSize:  1,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		SpillDir:   spillDir,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	q.Enqueue(envelope.Envelope{ID: "e1", From: "Lead", To: "Dev", Body: "hi"})

	waitFor(t, func() bool {
		entries, _ := os.ReadDir(spillDir)
		return len(entries) == 1
	})

	if q.Stats().Spilled != 1 {
		t.Fatalf("expected 1 spilled, got %d", q.Stats().Spilled)
	}
}

func TestRecoverSpillsOnOpen(t *testing.T) {
	spillDir := t.TempDir()
	envs := []envelope.Envelope{{ID: "e1", From: "Lead", To: "Dev", Body: "recovered"}}
	data, _ := json.Marshal(envs)
	if err := os.WriteFile(filepath.Join(spillDir, "spill-1000-aaaaaaaa.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := Open(Config{Endpoint: srv.URL, SpillDir: spillDir}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	waitFor(t, func() bool { return atomic.LoadInt32(&received) == 1 })

	entries, _ := os.ReadDir(spillDir)
	if len(entries) != 0 {
		t.Fatalf("expected the recovered spill file to be removed, got %d remaining", len(entries))
	}
}

func TestSpillThenRecoverDrainsEverything(t *testing.T) {
	var failures int32 = 5
	var received sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body batchBody
		json.NewDecoder(r.Body).Decode(&body)
		for _, env := range body.Messages {
			received.Store(env.ID, true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spillDir := t.TempDir()
	cfg := Config{
		Endpoint:   srv.URL,
		BatchSize:  1,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		SpillDir:   spillDir,
	}

	q, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		q.Enqueue(envelope.Envelope{ID: "m" + string(rune('0'+i)), From: "Lead", To: "Dev", Body: "x"})
	}
	q.Close()

	entries, _ := os.ReadDir(spillDir)
	if len(entries) == 0 {
		t.Fatal("expected at least one spill file while the endpoint was down")
	}

	// The endpoint is healthy by now (its failure budget is spent);
	// recovery must drain every spill file and the gauge must reset.
	q2, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	waitFor(t, func() bool {
		entries, _ := os.ReadDir(spillDir)
		return len(entries) == 0
	})

	for i := 0; i < 4; i++ {
		id := "m" + string(rune('0'+i))
		if _, ok := received.Load(id); !ok {
			t.Fatalf("expected %s to reach the endpoint at least once", id)
		}
	}
	if q2.Stats().TotalFailed != 0 {
		t.Fatalf("expected the failure gauge to reset after recovery, got %d", q2.Stats().TotalFailed)
	}
}

func TestSpillCapEvictsOldest(t *testing.T) {
	spillDir := t.TempDir()

	// Open replays (and removes) any spill files already present, so the
	// files are seeded after Open to exercise the cap on its own.
	q, err := Open(Config{SpillDir: spillDir, MaxSpillFiles: 2}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	for i := 0; i < 3; i++ {
		name := filepath.Join(spillDir, "spill-"+string(rune('0'+i))+"00-aaaaaaaa.json")
		os.WriteFile(name, []byte("[]"), 0o644)
	}

	q.enforceSpillCap()

	entries, _ := os.ReadDir(spillDir)
	if len(entries) != 2 {
		t.Fatalf("expected 2 remaining spill files, got %d", len(entries))
	}
	if entries[0].Name() != "spill-100-aaaaaaaa.json" {
		t.Fatalf("expected the oldest spill file to be evicted, remaining: %s, %s", entries[0].Name(), entries[1].Name())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
