package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session reliability defaults shared by hub and endpoints.
type Config struct {
	// ConnectTimeout bounds one dial attempt.
	ConnectTimeout time.Duration
	// UIGracePeriod delays once-connected callbacks for UI contexts, whose
	// handlers are registered some time after they connect. Negative
	// disables the delay; zero takes the default.
	UIGracePeriod time.Duration
	// MaxConnectAttempts stops reconnecting after N failed dials; 0 retries forever.
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

// DefaultConfig returns protocol defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		UIGracePeriod:  500 * time.Millisecond,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig. Applying it
// again returns the same config.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.UIGracePeriod == 0 {
		c.UIGracePeriod = def.UIGracePeriod
	}
	if c.MaxConnectAttempts < 0 {
		c.MaxConnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

// UIGrace returns the effective grace period, zero when disabled.
func (c Config) UIGrace() time.Duration {
	if c.UIGracePeriod < 0 {
		return 0
	}
	return c.UIGracePeriod
}
