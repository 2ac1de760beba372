package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// SessionConfig controls how chat threads map onto Genie conversations.
type SessionConfig struct {
	// IdleTimeout evicts a session binding after this much inactivity.
	IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" yaml:"idle_timeout" default:"30m"`

	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" yaml:"sweep_interval" default:"5m"`

	// MaxTurns rotates to a fresh Genie conversation after this many
	// questions on the same session. 0 reuses the conversation
	// indefinitely.
	MaxTurns int `env:"SESSION_MAX_TURNS" yaml:"max_turns" default:"0"`

	// Store selects the binding persistence backend: "memory", "local"
	// or "s3". Bindings always live in memory; local and s3 add a
	// best-effort snapshot so restarts keep conversation continuity.
	Store string `env:"SESSION_STORE" yaml:"store" default:"memory"`

	// LocalPath is the snapshot directory for the "local" store.
	LocalPath string `env:"SESSION_LOCAL_PATH" yaml:"local_path" default:"./sessions"`

	// S3Bucket and S3Prefix locate snapshots for the "s3" store.
	S3Bucket string `env:"SESSION_S3_BUCKET" yaml:"s3_bucket"`
	S3Prefix string `env:"SESSION_S3_PREFIX" yaml:"s3_prefix" default:"genie-sessions/"`
}

func (c *SessionConfig) validate() error {
	var result error

	if c.IdleTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("session_idle_timeout must be greater than 0"))
	}
	if c.SweepInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("session_sweep_interval must be greater than 0"))
	}
	if c.MaxTurns < 0 {
		result = multierror.Append(result, fmt.Errorf("session_max_turns cannot be negative"))
	}

	switch c.Store {
	case "memory", "local":
	case "s3":
		if c.S3Bucket == "" {
			result = multierror.Append(result, fmt.Errorf("session_s3_bucket is required when session_store is 's3'"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("session_store must be one of [memory, local, s3], got %q", c.Store))
	}

	return result
}
