package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link reliability defaults.
type Config struct {
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	SerialDeadAfter   time.Duration
	TunnelDeadAfter   time.Duration
	Backoff           BackoffConfig
}

// DefaultConfig returns the daemon's reliability defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  500 * time.Millisecond,
		ReadTimeout:       100 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		SerialDeadAfter:   15 * time.Second,
		TunnelDeadAfter:   30 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}
