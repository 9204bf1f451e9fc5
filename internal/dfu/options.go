package dfu

import (
	"log/slog"
	"time"
)

// engineConfig holds Engine's configurable knobs.
type engineConfig struct {
	logger       *slog.Logger
	onProgress   func(Progress)
	timeout      time.Duration
	maxRetries   int
	pingAttempts int
	prn          uint16
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		logger:       slog.Default(),
		timeout:      DefaultTimeout,
		maxRetries:   MaxRetries,
		pingAttempts: PingAttempts,
		prn:          0,
	}
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithLogger attaches a structured logger; Engine logs state transitions
// and retries at debug/info. It does not log the error that ends Run; its
// caller does.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after every data chunk is
// written and after every object is committed.
func WithProgress(fn func(Progress)) Option {
	return func(c *engineConfig) { c.onProgress = fn }
}

// WithTimeout records a control-read deadline in the engine configuration.
// The Protocol requests do not read it: they always wait DefaultTimeout (10s),
// and Ping waits the engine's fixed 2s probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries overrides the default of 3 attempts per object (the first
// burst plus re-bursts after a CRC mismatch); 0 behaves like 1.
func WithMaxRetries(n int) Option {
	return func(c *engineConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithPRN overrides the default PRN value of 0 (server-initiated receipt
// notifications disabled). Left as a configuration per the Open Questions
// note; this implementation always sends whatever is configured here.
func WithPRN(prn uint16) Option {
	return func(c *engineConfig) { c.prn = prn }
}
