package config

import "github.com/danmuck/ctxbus/internal/protocol/session"

// SessionConfig maps the daemon settings onto protocol session defaults.
// A zero grace period disables the once-connected delay.
func (c HubConfig) SessionConfig() session.Config {
	out := session.Config{
		UIGracePeriod: c.UIGracePeriod,
		Backoff: session.BackoffConfig{
			InitialDelay: c.ReconnectInitial,
			MaxDelay:     c.ReconnectMax,
			Jitter:       true,
		},
	}
	if out.UIGracePeriod == 0 {
		out.UIGracePeriod = -1
	}
	return out.WithDefaults()
}
