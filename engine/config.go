package engine

import (
	"fmt"
	"time"
)

// Config holds configuration for the decision engine
type Config struct {
	// InstanceID namespaces the consensus instance. It prefixes sign
	// bytes so records never transfer between instances.
	InstanceID string

	// FaultTolerance is the assumed number of Byzantine validators f.
	// When positive, the engine refuses validator sets smaller than
	// 3f+1. Zero skips the check (f is then whatever the set affords).
	FaultTolerance int

	// Record log configuration. An empty WALDir disables the log.
	WALDir           string
	WALSyncDecisions bool // fsync decision records as they are written

	// InboxCapacity bounds the asynchronous ingest queue. Zero means
	// unbounded.
	InboxCapacity int

	// DedupCacheSize bounds the identical-redelivery cache on the
	// asynchronous ingest path.
	DedupCacheSize int

	// ExecutorCacheSize bounds how many per-round executors stay warm.
	ExecutorCacheSize int

	// SubscriberBuffer is the channel depth handed to each decision
	// subscriber. A subscriber that falls this far behind starts losing
	// events (logged and counted, never blocked on).
	SubscriberBuffer int

	// Pacer drives the optional stall detector.
	Pacer PacerConfig
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		InstanceID:        "quorumberry",
		FaultTolerance:    0,
		WALDir:            "data/decision-log",
		WALSyncDecisions:  true,
		InboxCapacity:     4096,
		DedupCacheSize:    8192,
		ExecutorCacheSize: 64,
		SubscriberBuffer:  16,
		Pacer:             DefaultPacerConfig(),
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("%w: empty instance id", ErrInvalidConfig)
	}
	if cfg.FaultTolerance < 0 {
		return fmt.Errorf("%w: negative fault tolerance", ErrInvalidConfig)
	}
	if cfg.InboxCapacity < 0 {
		return fmt.Errorf("%w: negative inbox capacity", ErrInvalidConfig)
	}
	if cfg.DedupCacheSize <= 0 {
		return fmt.Errorf("%w: dedup cache size must be positive", ErrInvalidConfig)
	}
	if cfg.ExecutorCacheSize <= 0 {
		return fmt.Errorf("%w: executor cache size must be positive", ErrInvalidConfig)
	}
	if cfg.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: subscriber buffer must be positive", ErrInvalidConfig)
	}
	if err := cfg.Pacer.ValidateBasic(); err != nil {
		return err
	}
	return nil
}

// PacerConfig drives the RoundPacer stall detector.
type PacerConfig struct {
	// Base is how long a round may stay open before its first stall
	// event fires.
	Base time.Duration

	// Delta extends the deadline per watch attempt, backing off rounds
	// that keep stalling.
	Delta time.Duration
}

// DefaultPacerConfig returns the default pacer timings
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		Base:  3 * time.Second,
		Delta: 500 * time.Millisecond,
	}
}

// ValidateBasic performs basic validation of the pacer config
func (pc PacerConfig) ValidateBasic() error {
	if pc.Base <= 0 {
		return fmt.Errorf("%w: pacer base must be positive", ErrInvalidConfig)
	}
	if pc.Delta < 0 {
		return fmt.Errorf("%w: negative pacer delta", ErrInvalidConfig)
	}
	return nil
}
