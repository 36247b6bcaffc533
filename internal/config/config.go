// Package config loads the daemon's configuration: defaults first, then an
// optional TOML file layered on top, matching the pattern of
// "defaults -> TOML file -> env" used elsewhere in the example pack's
// configuration layers.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is every knob recognized by the daemon. Each nested struct maps
// to one TOML table; Load applies Default() first so the daemon runs
// correctly with no config file at all.
type Config struct {
	Parser    ParserConfig    `toml:"parser"`
	Injection InjectionConfig `toml:"injection"`
	Sync      SyncConfig      `toml:"sync"`
	Store     StoreConfig     `toml:"store"`
	Consensus ConsensusConfig `toml:"consensus"`
	Spawn     SpawnConfig     `toml:"spawn"`
	Paths     PathsConfig     `toml:"paths"`
}

// ParserConfig configures the pattern library (C8).
type ParserConfig struct {
	RelayPrefix    string `toml:"relay_prefix"`
	ThinkingPrefix string `toml:"thinking_prefix"`
	MaxBufferLines int    `toml:"max_buffer_lines"`
}

// InjectionConfig configures the PTY wrapper's inbound injection timing
// (C3 §4.2).
type InjectionConfig struct {
	StabilityTimeoutMs    int64         `toml:"stability_timeout_ms"`
	StabilityPollMs       int64         `toml:"stability_poll_ms"`
	RequiredStablePolls   int           `toml:"required_stable_polls"`
	VerificationTimeoutMs int64         `toml:"verification_timeout_ms"`
	EnterDelayMs          int64         `toml:"enter_delay_ms"`
	RetryBackoffMs        int64         `toml:"retry_backoff_ms"`
	MaxRetries            int           `toml:"max_retries"`
	QueueProcessDelayMs   int64         `toml:"queue_process_delay_ms"`
	DedupWindow           time.Duration `toml:"-"` // derived, see Default
}

// SyncConfig configures the cloud sync queue (C6).
type SyncConfig struct {
	Endpoint             string `toml:"endpoint"`
	BearerToken          string `toml:"bearer_token"`
	BatchSize            int    `toml:"batch_size"`
	BatchDelayMs         int64  `toml:"batch_delay_ms"`
	MaxBatchBytes        int    `toml:"max_batch_bytes"`
	CompressionThreshold int    `toml:"compression_threshold"`
	MaxRetries           int    `toml:"max_retries"`
	RetryDelayMs         int64  `toml:"retry_delay_ms"`
	SpillDir             string `toml:"spill_dir"`
	MaxSpillFiles        int    `toml:"max_spill_files"`
}

// StoreConfig configures the message store (C1).
type StoreConfig struct {
	Path               string `toml:"path"`
	MessageRetentionMs int64  `toml:"message_retention_ms"`
	CleanupIntervalMs  int64  `toml:"cleanup_interval_ms"`
}

// ConsensusConfig configures the consensus engine (C7).
type ConsensusConfig struct {
	DefaultTimeoutMs     int64   `toml:"default_timeout_ms"`
	DefaultConsensusType string  `toml:"default_consensus_type"`
	DefaultThreshold     float64 `toml:"default_threshold"`
	AllowVoteChange      bool    `toml:"allow_vote_change"`
	AutoResolve          bool    `toml:"auto_resolve"`
	BroadcastProposals   bool    `toml:"broadcast_proposals"`
}

// SpawnConfig configures the spawner (C5).
type SpawnConfig struct {
	RegistrationTimeoutMs int64 `toml:"registration_timeout_ms"`
	RegistrationPollMs    int64 `toml:"registration_poll_ms"`
	SpawnsPerMinute       int   `toml:"spawns_per_minute"`
	SpawnsPerHour         int   `toml:"spawns_per_hour"`
}

// PathsConfig names the on-disk locations the daemon reads and writes.
type PathsConfig struct {
	WorkersFile    string `toml:"workers_file"`
	AgentsRegistry string `toml:"agents_registry"`
	LogsDir        string `toml:"logs_dir"`
	SocketPath     string `toml:"socket_path"`
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		Parser: ParserConfig{
			RelayPrefix:    "->relay:",
			ThinkingPrefix: "->thinking:",
			MaxBufferLines: 10_000,
		},
		Injection: InjectionConfig{
			StabilityTimeoutMs:    3_000,
			StabilityPollMs:       200,
			RequiredStablePolls:   2,
			VerificationTimeoutMs: 2_000,
			EnterDelayMs:          50,
			RetryBackoffMs:        300,
			MaxRetries:            3,
			QueueProcessDelayMs:   500,
			DedupWindow:           10 * time.Minute,
		},
		Sync: SyncConfig{
			BatchSize:            100,
			BatchDelayMs:         200,
			MaxBatchBytes:        512 * 1024,
			CompressionThreshold: 1024,
			MaxRetries:           3,
			RetryDelayMs:         1_000,
			SpillDir:             "spill",
			MaxSpillFiles:        100,
		},
		Store: StoreConfig{
			Path:               "relay.db",
			MessageRetentionMs: int64(7 * 24 * time.Hour / time.Millisecond),
			CleanupIntervalMs:  int64(time.Hour / time.Millisecond),
		},
		Consensus: ConsensusConfig{
			DefaultTimeoutMs:     int64(5 * time.Minute / time.Millisecond),
			DefaultConsensusType: "majority",
			DefaultThreshold:     0.67,
			AllowVoteChange:      true,
			AutoResolve:          true,
			BroadcastProposals:   true,
		},
		Spawn: SpawnConfig{
			RegistrationTimeoutMs: 30_000,
			RegistrationPollMs:    500,
			SpawnsPerMinute:       5,
			SpawnsPerHour:         20,
		},
		Paths: PathsConfig{
			WorkersFile:    "workers.json",
			AgentsRegistry: "agents.json",
			LogsDir:        "logs",
			SocketPath:     "relayd.sock",
		},
	}
}

// Load applies Default() and then, if path names a file that exists,
// overlays its TOML contents. A missing file is not an error: the daemon
// must run correctly with zero configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, err
	}
	if cfg.Injection.DedupWindow == 0 {
		cfg.Injection.DedupWindow = 10 * time.Minute
	}
	return cfg, nil
}
