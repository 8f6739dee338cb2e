// Package config loads engine and hub settings from an optional file and
// READSYNC_* environment variables.
package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rohanthewiz/serr"
	"github.com/spf13/viper"
)

// ============================================================================
// Configuration
//
// Every option has a default so an empty environment yields a working
// local-only engine. Environment variables override the file; nested keys
// map to underscores, so hub.address is READSYNC_HUB_ADDRESS.
// ============================================================================

// Provider names accepted by the provider option.
const (
	ProviderStructured = "structured"
	ProviderFileBlob   = "file-blob"
	ProviderNone       = "none"
)

const envPrefix = "READSYNC"

type (
	Config struct {
		Provider                string          // structured | file-blob | none
		Credentials             json.RawMessage // opaque, interpreted by the provider
		DebounceMs              int
		MaxBackoffMs            int
		CheckpointRetentionDays int

		DataDir                 string
		PollIntervalMs          int // 0 disables periodic pulls
		AttemptTimeoutMs        int
		FlushTimeoutMs          int
		AutoCheckpointThreshold int // version delta that triggers an auto checkpoint
		AutoCheckpointWindowMs  int // at most one auto checkpoint per window
		MaxAutoCheckpoints      int
		MaxConflictRetries      int
		PruneSchedule           string // cron spec for checkpoint pruning
		LogLevel                string

		Hub Hub
	}

	// Hub configures the reference structured-document server.
	Hub struct {
		Address          string
		JWTSecret        string
		Users            []string // "name:password" pairs
		MaxDocumentBytes int
	}
)

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Provider:                ProviderNone,
		DebounceMs:              2000,
		MaxBackoffMs:            30000,
		CheckpointRetentionDays: 90,
		DataDir:                 "./data/readsync",
		PollIntervalMs:          60000,
		AttemptTimeoutMs:        15000,
		FlushTimeoutMs:          3000,
		AutoCheckpointThreshold: 50,
		AutoCheckpointWindowMs:  3600000,
		MaxAutoCheckpoints:      20,
		MaxConflictRetries:      5,
		PruneSchedule:           "@daily",
		LogLevel:                "info",
		Hub: Hub{
			Address:          ":8000",
			MaxDocumentBytes: 8 << 20,
		},
	}
}

// camelAliases maps the documented option names onto viper keys.
var camelAliases = map[string]string{
	"debounceMs":              "debounce_ms",
	"maxBackoffMs":            "max_backoff_ms",
	"checkpointRetentionDays": "checkpoint_retention_days",
	"dataDir":                 "data_dir",
	"pollIntervalMs":          "poll_interval_ms",
	"attemptTimeoutMs":        "attempt_timeout_ms",
	"flushTimeoutMs":          "flush_timeout_ms",
	"autoCheckpointThreshold": "auto_checkpoint_threshold",
	"autoCheckpointWindowMs":  "auto_checkpoint_window_ms",
	"maxAutoCheckpoints":      "max_auto_checkpoints",
	"maxConflictRetries":      "max_conflict_retries",
	"pruneSchedule":           "prune_schedule",
	"logLevel":                "log_level",
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	def := Default()
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("provider", def.Provider)
	v.SetDefault("credentials", "")
	v.SetDefault("debounce_ms", def.DebounceMs)
	v.SetDefault("max_backoff_ms", def.MaxBackoffMs)
	v.SetDefault("checkpoint_retention_days", def.CheckpointRetentionDays)
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("poll_interval_ms", def.PollIntervalMs)
	v.SetDefault("attempt_timeout_ms", def.AttemptTimeoutMs)
	v.SetDefault("flush_timeout_ms", def.FlushTimeoutMs)
	v.SetDefault("auto_checkpoint_threshold", def.AutoCheckpointThreshold)
	v.SetDefault("auto_checkpoint_window_ms", def.AutoCheckpointWindowMs)
	v.SetDefault("max_auto_checkpoints", def.MaxAutoCheckpoints)
	v.SetDefault("max_conflict_retries", def.MaxConflictRetries)
	v.SetDefault("prune_schedule", def.PruneSchedule)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("hub.address", def.Hub.Address)
	v.SetDefault("hub.jwt_secret", "")
	v.SetDefault("hub.users", []string{})
	v.SetDefault("hub.max_document_bytes", def.Hub.MaxDocumentBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, serr.Wrap(err, "failed to read config file "+path)
		}
	}

	// Config files may use the documented camelCase names. Aliases are
	// registered after reading so viper moves those values onto the keys.
	for alias, key := range camelAliases {
		v.RegisterAlias(alias, key)
	}

	creds, err := credentialsOf(v.Get("credentials"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Provider:                strings.ToLower(strings.TrimSpace(v.GetString("provider"))),
		Credentials:             creds,
		DebounceMs:              v.GetInt("debounce_ms"),
		MaxBackoffMs:            v.GetInt("max_backoff_ms"),
		CheckpointRetentionDays: v.GetInt("checkpoint_retention_days"),
		DataDir:                 v.GetString("data_dir"),
		PollIntervalMs:          v.GetInt("poll_interval_ms"),
		AttemptTimeoutMs:        v.GetInt("attempt_timeout_ms"),
		FlushTimeoutMs:          v.GetInt("flush_timeout_ms"),
		AutoCheckpointThreshold: v.GetInt("auto_checkpoint_threshold"),
		AutoCheckpointWindowMs:  v.GetInt("auto_checkpoint_window_ms"),
		MaxAutoCheckpoints:      v.GetInt("max_auto_checkpoints"),
		MaxConflictRetries:      v.GetInt("max_conflict_retries"),
		PruneSchedule:           v.GetString("prune_schedule"),
		LogLevel:                v.GetString("log_level"),
		Hub: Hub{
			Address:          v.GetString("hub.address"),
			JWTSecret:        v.GetString("hub.jwt_secret"),
			Users:            v.GetStringSlice("hub.users"),
			MaxDocumentBytes: v.GetInt("hub.max_document_bytes"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// credentialsOf accepts a JSON string (environment) or a nested table
// (config file) and returns it as raw JSON.
func credentialsOf(value any) (json.RawMessage, error) {
	switch c := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(c) == "" {
			return nil, nil
		}
		if !json.Valid([]byte(c)) {
			return nil, serr.New("credentials must be a JSON object")
		}
		return json.RawMessage(c), nil
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, serr.Wrap(err, "failed to encode credentials")
		}
		return raw, nil
	}
}

// Validate fails fast on settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderStructured, ProviderFileBlob, ProviderNone:
	default:
		return serr.New("provider must be one of structured, file-blob, none; got " + c.Provider)
	}
	if c.Provider != ProviderNone && len(c.Credentials) == 0 {
		return serr.New("credentials are required for provider " + c.Provider)
	}
	if c.DebounceMs < 0 {
		return serr.New("debounceMs must not be negative")
	}
	if c.MaxBackoffMs < 1000 {
		return serr.New("maxBackoffMs must be at least 1000")
	}
	if c.CheckpointRetentionDays < 1 {
		return serr.New("checkpointRetentionDays must be at least 1")
	}
	if c.AttemptTimeoutMs <= 0 || c.FlushTimeoutMs <= 0 {
		return serr.New("attempt and flush timeouts must be positive")
	}
	if c.PollIntervalMs < 0 {
		return serr.New("pollIntervalMs must not be negative")
	}
	if c.MaxConflictRetries < 1 {
		return serr.New("maxConflictRetries must be at least 1")
	}
	if c.DataDir == "" {
		return serr.New("dataDir is required")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) Debounce() time.Duration             { return ms(c.DebounceMs) }
func (c *Config) MaxBackoff() time.Duration           { return ms(c.MaxBackoffMs) }
func (c *Config) PollInterval() time.Duration         { return ms(c.PollIntervalMs) }
func (c *Config) AttemptTimeout() time.Duration       { return ms(c.AttemptTimeoutMs) }
func (c *Config) FlushTimeout() time.Duration         { return ms(c.FlushTimeoutMs) }
func (c *Config) AutoCheckpointWindow() time.Duration { return ms(c.AutoCheckpointWindowMs) }

// Retention is the tombstone and checkpoint retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.CheckpointRetentionDays) * 24 * time.Hour
}
