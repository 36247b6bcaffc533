package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCoversEveryKnob(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "->relay:", cfg.Parser.RelayPrefix)
	assert.Equal(t, "->thinking:", cfg.Parser.ThinkingPrefix)
	assert.Equal(t, 10_000, cfg.Parser.MaxBufferLines)

	assert.EqualValues(t, 3_000, cfg.Injection.StabilityTimeoutMs)
	assert.EqualValues(t, 200, cfg.Injection.StabilityPollMs)
	assert.Equal(t, 2, cfg.Injection.RequiredStablePolls)
	assert.EqualValues(t, 2_000, cfg.Injection.VerificationTimeoutMs)
	assert.EqualValues(t, 50, cfg.Injection.EnterDelayMs)
	assert.EqualValues(t, 300, cfg.Injection.RetryBackoffMs)
	assert.Equal(t, 3, cfg.Injection.MaxRetries)
	assert.EqualValues(t, 500, cfg.Injection.QueueProcessDelayMs)

	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.EqualValues(t, 200, cfg.Sync.BatchDelayMs)
	assert.Equal(t, 512*1024, cfg.Sync.MaxBatchBytes)
	assert.Equal(t, 1024, cfg.Sync.CompressionThreshold)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.EqualValues(t, 1_000, cfg.Sync.RetryDelayMs)
	assert.Equal(t, 100, cfg.Sync.MaxSpillFiles)

	assert.EqualValues(t, 7*24*time.Hour/time.Millisecond, cfg.Store.MessageRetentionMs)

	assert.EqualValues(t, 5*time.Minute/time.Millisecond, cfg.Consensus.DefaultTimeoutMs)
	assert.Equal(t, "majority", cfg.Consensus.DefaultConsensusType)
	assert.InDelta(t, 0.67, cfg.Consensus.DefaultThreshold, 1e-9)
	assert.True(t, cfg.Consensus.AllowVoteChange)
	assert.True(t, cfg.Consensus.AutoResolve)
	assert.True(t, cfg.Consensus.BroadcastProposals)

	assert.EqualValues(t, 30_000, cfg.Spawn.RegistrationTimeoutMs)
	assert.EqualValues(t, 500, cfg.Spawn.RegistrationPollMs)
	assert.Equal(t, 5, cfg.Spawn.SpawnsPerMinute)
	assert.Equal(t, 20, cfg.Spawn.SpawnsPerHour)

	assert.Equal(t, 10*time.Minute, cfg.Injection.DedupWindow)
	assert.Equal(t, "spill", cfg.Sync.SpillDir)
	assert.Equal(t, "relay.db", cfg.Store.Path)
	assert.EqualValues(t, time.Hour/time.Millisecond, cfg.Store.CleanupIntervalMs)

	assert.Equal(t, "workers.json", cfg.Paths.WorkersFile)
	assert.Equal(t, "agents.json", cfg.Paths.AgentsRegistry)
	assert.Equal(t, "logs", cfg.Paths.LogsDir)
	assert.Equal(t, "relayd.sock", cfg.Paths.SocketPath)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysTOMLOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[parser]
relay_prefix = "~>send:"

[sync]
endpoint = "https://sync.example.com/batch"
batch_size = 25

[consensus]
allow_vote_change = false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "~>send:", cfg.Parser.RelayPrefix)
	assert.Equal(t, "->thinking:", cfg.Parser.ThinkingPrefix) // untouched default
	assert.Equal(t, "https://sync.example.com/batch", cfg.Sync.Endpoint)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.EqualValues(t, 200, cfg.Sync.BatchDelayMs) // untouched default
	assert.False(t, cfg.Consensus.AllowVoteChange)
	assert.True(t, cfg.Consensus.AutoResolve) // untouched default
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[parser`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
