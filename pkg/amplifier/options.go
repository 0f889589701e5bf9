package amplifier

import "time"

const (
	defaultMaxReconnectAttempts = 3
	defaultReconnectDelay       = 1 * time.Second
	defaultTCPPort              = 50001
)

// Config contains configurable options for the AmplifierManager.
type Config struct {
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	tcpPort              int
}

// Option overrides a configurable AmplifierManager option.
type Option func(*Config)

// WithMaxReconnectAttempts overrides the bounded reconnect attempt count
// (default 3 per spec.md §4.3).
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Config) { c.maxReconnectAttempts = n }
}

// WithReconnectDelay overrides the fixed delay between reconnect
// attempts (default 1s per spec.md §4.3).
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Config) { c.reconnectDelay = d }
}

func parseConfig(opts []Option) *Config {
	c := &Config{
		maxReconnectAttempts: defaultMaxReconnectAttempts,
		reconnectDelay:       defaultReconnectDelay,
		tcpPort:              defaultTCPPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
